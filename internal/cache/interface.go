// Package cache хранит сериализованные результаты смешивания чанков в
// памяти процесса или в Redis и рассылает инвалидации между узлами.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/annel0/tileblend/internal/terrain"
	"github.com/annel0/tileblend/internal/vec"
)

// CacheRepo кеш результатов смешивания. Ключи строит BlendKey: после
// правки у окна чанка меняется отпечаток, и старая запись просто перестаёт
// запрашиваться, поэтому Invalidate нужен лишь для раннего освобождения.
type CacheRepo interface {
	// Get возвращает ErrCacheMiss, если ключа нет или он истёк.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set с ttl <= 0 берёт DefaultTTL; больше MaxTTL не хранится.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Invalidate удаляет ключ здесь и просит другие узлы удалить его у себя.
	Invalidate(ctx context.Context, key string) error
	BatchGet(ctx context.Context, keys []string) (map[string][]byte, error)
	BatchSet(ctx context.Context, items map[string][]byte, ttl time.Duration) error
	Close() error
	GetMetrics() *CacheMetrics
}

// CacheInvalidator доставляет инвалидации между узлами.
type CacheInvalidator interface {
	PublishInvalidation(ctx context.Context, key string) error
	SubscribeInvalidations(ctx context.Context, handler InvalidationHandler) error
	Close() error
}

// InvalidationHandler применяет инвалидацию, пришедшую с другого узла.
type InvalidationHandler func(key string) error

// CacheMetrics снимок счётчиков кеша.
type CacheMetrics struct {
	TotalRequests int64   `json:"total_requests"`
	CacheHits     int64   `json:"cache_hits"`
	CacheMisses   int64   `json:"cache_misses"`
	HitRatio      float64 `json:"hit_ratio"`

	AvgLatencyMs float64 `json:"avg_latency_ms"`
	MaxLatencyMs float64 `json:"max_latency_ms"`

	TotalKeys int64 `json:"total_keys"`

	LastUpdate time.Time `json:"last_update"`
}

// CacheConfig настройки обоих бэкендов; поля Redis в MemoryCache не используются.
type CacheConfig struct {
	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	DefaultTTL time.Duration `yaml:"default_ttl"`
	MaxTTL     time.Duration `yaml:"max_ttl"`

	MaxConnections int           `yaml:"max_connections"`
	PoolTimeout    time.Duration `yaml:"pool_timeout"`
}

func (c *CacheConfig) withDefaults() {
	if c.DefaultTTL == 0 {
		c.DefaultTTL = 30 * time.Second
	}
	if c.MaxTTL == 0 {
		c.MaxTTL = time.Hour
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 10
	}
	if c.PoolTimeout == 0 {
		c.PoolTimeout = 30 * time.Second
	}
}

func (c *CacheConfig) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = c.DefaultTTL
	}
	return min(ttl, c.MaxTTL)
}

var (
	ErrCacheMiss   = errors.New("cache miss")
	ErrInvalidKey  = errors.New("invalid cache key")
	ErrCacheClosed = errors.New("cache closed")
)

// IsCacheMiss проверяет, является ли ошибка промахом кеша.
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// maxKeyLen с запасом покрывает самый длинный ключ BlendKey.
const maxKeyLen = 128

func validateKey(key string) error {
	if key == "" || len(key) > maxKeyLen || strings.ContainsAny(key, " \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

const blendKeyPrefix = "blend"

// BlendKey ключ результата смешивания чанка. stamp отпечаток версий чанка
// и его соседей, так что после правки старый результат никогда не будет прочитан.
func BlendKey(coords vec.Vec2, stamp uint64, mode terrain.BaseMode) string {
	return fmt.Sprintf("%s:%s:%d:%d:v%d", blendKeyPrefix, mode, coords.X, coords.Y, stamp)
}

// chunkKeyPrefix общая часть ключей одного чанка при любом отпечатке.
func chunkKeyPrefix(coords vec.Vec2, mode terrain.BaseMode) string {
	return fmt.Sprintf("%s:%s:%d:%d:", blendKeyPrefix, mode, coords.X, coords.Y)
}

// ParseBlendKey разбирает ключ, построенный BlendKey.
func ParseBlendKey(key string) (coords vec.Vec2, stamp uint64, mode terrain.BaseMode, err error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] != blendKeyPrefix || parts[1] == "" {
		return vec.Vec2{}, 0, "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if _, err := fmt.Sscanf(parts[2], "%d:%d:v%d", &coords.X, &coords.Y, &stamp); err != nil {
		return vec.Vec2{}, 0, "", fmt.Errorf("%w: %q: %v", ErrInvalidKey, key, err)
	}
	return coords, stamp, terrain.BaseMode(parts[1]), nil
}
