package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/annel0/tileblend/internal/logging"
)

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// MemoryCache реализует CacheRepo в памяти процесса с TTL.
// Если задан invalidator, Invalidate рассылает ключ другим узлам,
// а входящие уведомления удаляют локальную копию.
type MemoryCache struct {
	config      *CacheConfig
	invalidator CacheInvalidator

	entries map[string]memoryEntry
	mu      sync.RWMutex
	closed  bool

	stats stats
	now   func() time.Time
}

// NewMemoryCache создаёт кеш в памяти. invalidator может быть nil.
func NewMemoryCache(config *CacheConfig, invalidator CacheInvalidator) *MemoryCache {
	if config == nil {
		config = &CacheConfig{}
	}
	config.withDefaults()

	return &MemoryCache{
		config:      config,
		invalidator: invalidator,
		entries:     make(map[string]memoryEntry),
		now:         time.Now,
	}
}

// SubscribeRemote подписывает кеш на инвалидации других узлов.
func (m *MemoryCache) SubscribeRemote(ctx context.Context) error {
	if m.invalidator == nil {
		return nil
	}
	return m.invalidator.SubscribeInvalidations(ctx, m.HandleInvalidation)
}

// HandleInvalidation удаляет ключ по уведомлению, не рассылая его дальше.
// Для ключа смешивания удаляются записи чанка с любым отпечатком: окно
// на этом узле могло быть собрано из других версий соседей.
func (m *MemoryCache) HandleInvalidation(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)

	coords, _, mode, err := ParseBlendKey(key)
	if err != nil {
		return nil
	}
	prefix := chunkKeyPrefix(coords, mode)
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
		}
	}
	return nil
}

// Get получает значение; просроченная запись считается промахом.
func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	defer m.stats.recordLatency(start)

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrCacheClosed
	}
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok || m.now().After(e.expires) {
		m.stats.miss(1)
		return nil, ErrCacheMiss
	}
	m.stats.hit(1)
	return e.value, nil
}

// Set сохраняет значение с TTL
func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	start := time.Now()
	defer m.stats.recordLatency(start)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrCacheClosed
	}
	m.entries[key] = memoryEntry{value: value, expires: m.now().Add(m.config.clampTTL(ttl))}
	return nil
}

// Delete удаляет ключ из кеша.
func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrCacheClosed
	}
	delete(m.entries, key)
	return nil
}

// Exists проверяет существование непросроченного ключа.
func (m *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrCacheClosed
	}
	e, ok := m.entries[key]
	return ok && !m.now().After(e.expires), nil
}

// Invalidate удаляет ключ и уведомляет другие узлы.
func (m *MemoryCache) Invalidate(ctx context.Context, key string) error {
	if err := m.Delete(ctx, key); err != nil {
		return err
	}
	if m.invalidator != nil {
		if err := m.invalidator.PublishInvalidation(ctx, key); err != nil {
			logging.GetCacheLogger().Error("Инвалидация %s не разослана: %v", key, err)
			return err
		}
	}
	return nil
}

// BatchGet получает несколько значений.
func (m *MemoryCache) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		val, err := m.Get(ctx, key)
		if IsCacheMiss(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result[key] = val
	}
	return result, nil
}

// BatchSet сохраняет несколько значений.
func (m *MemoryCache) BatchSet(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	for key, value := range items {
		if err := m.Set(ctx, key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}

// Purge удаляет просроченные записи и возвращает их число.
func (m *MemoryCache) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, e := range m.entries {
		if now.After(e.expires) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// RunJanitor периодически вызывает Purge до отмены контекста.
func (m *MemoryCache) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Purge(); n > 0 {
				logging.GetCacheLogger().Debug("Удалено просроченных записей: %d", n)
			}
		}
	}
}

// Close освобождает кеш; invalidator закрывается вместе с ним.
func (m *MemoryCache) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.entries = nil
	m.mu.Unlock()

	if m.invalidator != nil {
		return m.invalidator.Close()
	}
	return nil
}

// GetMetrics возвращает текущие метрики кеша.
func (m *MemoryCache) GetMetrics() *CacheMetrics {
	m.mu.RLock()
	keys := int64(len(m.entries))
	m.mu.RUnlock()
	return m.stats.snapshot(keys)
}
