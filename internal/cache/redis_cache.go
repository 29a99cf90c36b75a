package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/annel0/tileblend/internal/logging"
	"github.com/go-redis/redis/v8"
)

// scanBatch размер страницы SCAN при удалении ключей чанка.
const scanBatch = 100

// RedisCache общий кеш смешивания для нескольких узлов сервиса. Пакетное
// чтение идёт одним MGET, пакетная запись одним pipeline.
type RedisCache struct {
	client      *redis.Client
	config      *CacheConfig
	invalidator CacheInvalidator
	log         *logging.Logger

	stats stats
}

// NewRedisCache подключается к Redis и проверяет соединение. invalidator
// может быть nil: узлы без локального кеша в рассылке не нуждаются.
func NewRedisCache(config *CacheConfig, invalidator CacheInvalidator) (*RedisCache, error) {
	config.withDefaults()

	rdb := redis.NewClient(&redis.Options{
		Addr:         config.RedisURL,
		Password:     config.RedisPassword,
		DB:           config.RedisDB,
		PoolSize:     config.MaxConnections,
		PoolTimeout:  config.PoolTimeout,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log := logging.GetCacheLogger()
	log.Info("Redis кеш: %s, db %d", config.RedisURL, config.RedisDB)
	return &RedisCache{
		client:      rdb,
		config:      config,
		invalidator: invalidator,
		log:         log,
	}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	defer r.stats.recordLatency(start)

	val, err := r.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		r.stats.hit(1)
		return val, nil
	case errors.Is(err, redis.Nil):
		r.stats.miss(1)
		return nil, ErrCacheMiss
	default:
		r.stats.miss(1)
		r.log.Error("Redis GET %s: %v", key, err)
		return nil, fmt.Errorf("redis get: %w", err)
	}
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	start := time.Now()
	defer r.stats.recordLatency(start)

	if err := r.client.Set(ctx, key, value, r.config.clampTTL(ttl)).Err(); err != nil {
		r.log.Error("Redis SET %s: %v", key, err)
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	start := time.Now()
	defer r.stats.recordLatency(start)

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	defer r.stats.recordLatency(start)

	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Invalidate удаляет ключ вместе с записями того же чанка под другими
// отпечатками и ставит ключ в рассылку для локальных кешей других узлов.
func (r *RedisCache) Invalidate(ctx context.Context, key string) error {
	if err := r.Delete(ctx, key); err != nil {
		return err
	}
	if coords, _, mode, err := ParseBlendKey(key); err == nil {
		if n, err := r.deletePrefix(ctx, chunkKeyPrefix(coords, mode)); err != nil {
			r.log.Warn("Чанк %v: старые записи не удалены: %v", coords, err)
		} else if n > 0 {
			r.log.Debug("Чанк %v: удалено %d старых записей", coords, n)
		}
	}
	if r.invalidator != nil {
		if err := r.invalidator.PublishInvalidation(ctx, key); err != nil {
			r.log.Error("Инвалидация %s не разослана: %v", key, err)
		}
	}
	return nil
}

func (r *RedisCache) deletePrefix(ctx context.Context, prefix string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", scanBatch).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, err
			}
			removed += int(n)
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

// BatchGet читает ключи одним MGET; отсутствующих ключей в ответе нет.
func (r *RedisCache) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	start := time.Now()
	defer r.stats.recordLatency(start)

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		r.log.Error("Redis MGET (%d ключей): %v", len(keys), err)
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			result[keys[i]] = []byte(s)
		}
	}
	r.stats.hit(int64(len(result)))
	r.stats.miss(int64(len(keys) - len(result)))
	return result, nil
}

// BatchSet пишет все значения одним pipeline с общим TTL.
func (r *RedisCache) BatchSet(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	for key := range items {
		if err := validateKey(key); err != nil {
			return err
		}
	}
	start := time.Now()
	defer r.stats.recordLatency(start)

	ttl = r.config.clampTTL(ttl)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, value := range items {
			pipe.Set(ctx, key, value, ttl)
		}
		return nil
	})
	if err != nil {
		r.log.Error("Redis pipeline SET (%d ключей): %v", len(items), err)
		return fmt.Errorf("redis batch set: %w", err)
	}
	return nil
}

// Close закрывает invalidator и соединение.
func (r *RedisCache) Close() error {
	if r.invalidator != nil {
		if err := r.invalidator.Close(); err != nil {
			r.log.Warn("Закрытие invalidator: %v", err)
		}
	}
	if err := r.client.Close(); err != nil {
		return err
	}
	r.log.Info("Redis кеш закрыт")
	return nil
}

// GetMetrics счётчики кеша; TotalKeys размер всей базы Redis.
func (r *RedisCache) GetMetrics() *CacheMetrics {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	keys, err := r.client.DBSize(ctx).Result()
	if err != nil {
		r.log.Debug("Redis DBSIZE: %v", err)
		keys = 0
	}
	return r.stats.snapshot(keys)
}
