package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/annel0/tileblend/internal/terrain"
	"github.com/annel0/tileblend/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockInvalidator реализует CacheInvalidator для тестов.
type MockInvalidator struct {
	published []string
	handler   InvalidationHandler
	closed    bool
	mutex     sync.RWMutex
}

func NewMockInvalidator() *MockInvalidator {
	return &MockInvalidator{published: make([]string, 0)}
}

func (m *MockInvalidator) PublishInvalidation(ctx context.Context, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.published = append(m.published, key)
	return nil
}

func (m *MockInvalidator) SubscribeInvalidations(ctx context.Context, handler InvalidationHandler) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.handler = handler
	return nil
}

func (m *MockInvalidator) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closed = true
	return nil
}

// SimulateInvalidation симулирует получение уведомления от другого узла.
func (m *MockInvalidator) SimulateInvalidation(key string) error {
	m.mutex.RLock()
	handler := m.handler
	m.mutex.RUnlock()

	if handler != nil {
		return handler(key)
	}
	return nil
}

func (m *MockInvalidator) GetPublished() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	result := make([]string, len(m.published))
	copy(result, m.published)
	return result
}

func TestBlendKey(t *testing.T) {
	key := BlendKey(vec.Vec2{X: -2, Y: 5}, 7, terrain.BaseDepth)
	assert.Equal(t, "blend:depth:-2:5:v7", key)
	assert.NotEqual(t, key, BlendKey(vec.Vec2{X: -2, Y: 5}, 8, terrain.BaseDepth), "версия входит в ключ")
	assert.NotEqual(t, key, BlendKey(vec.Vec2{X: -2, Y: 5}, 7, terrain.BaseNW), "режим базы входит в ключ")

	coords, stamp, mode, err := ParseBlendKey(key)
	require.NoError(t, err)
	assert.Equal(t, vec.Vec2{X: -2, Y: 5}, coords)
	assert.Equal(t, uint64(7), stamp)
	assert.Equal(t, terrain.BaseDepth, mode)

	for _, bad := range []string{"k1", "blend::1:2:v3", "blend:depth:1:v3", "tile:depth:1:2:v3"} {
		_, _, _, err := ParseBlendKey(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, validateKey(BlendKey(vec.Vec2{X: -1 << 30, Y: 1 << 30}, ^uint64(0), terrain.BaseDepth)))
	assert.ErrorIs(t, validateKey(""), ErrInvalidKey)
	assert.ErrorIs(t, validateKey("a b"), ErrInvalidKey)
	assert.ErrorIs(t, validateKey(strings.Repeat("k", maxKeyLen+1)), ErrInvalidKey)
}

func TestMemoryCache_RemoteInvalidationDropsWholeChunk(t *testing.T) {
	inv := NewMockInvalidator()
	c := NewMemoryCache(nil, inv)
	ctx := context.Background()
	require.NoError(t, c.SubscribeRemote(ctx))

	here := vec.Vec2{X: 3, Y: -1}
	mine := BlendKey(here, 11, terrain.BaseDepth)
	other := BlendKey(vec.Vec2{X: 3, Y: -10}, 11, terrain.BaseDepth)
	nw := BlendKey(here, 11, terrain.BaseNW)
	for _, k := range []string{mine, other, nw, "misc"} {
		require.NoError(t, c.Set(ctx, k, []byte("x"), 0))
	}

	// Удалённый узел собрал окно из других версий соседей.
	require.NoError(t, inv.SimulateInvalidation(BlendKey(here, 99, terrain.BaseDepth)))

	ok, _ := c.Exists(ctx, mine)
	assert.False(t, ok, "запись чанка с другим отпечатком удалена")
	for _, k := range []string{other, nw, "misc"} {
		ok, _ := c.Exists(ctx, k)
		assert.True(t, ok, k)
	}
	assert.Empty(t, inv.GetPublished(), "входящая инвалидация дальше не рассылается")
}

func TestMemoryCache_BasicOperations(t *testing.T) {
	c := NewMemoryCache(&CacheConfig{DefaultTTL: time.Minute}, nil)
	defer c.Close()
	ctx := context.Background()

	_, err := c.Get(ctx, "nonexistent")
	assert.True(t, IsCacheMiss(err))

	require.NoError(t, c.Set(ctx, "k1", []byte("v1"), 0))
	val, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val)

	exists, err := c.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, c.Delete(ctx, "k1"))
	exists, _ = c.Exists(ctx, "k1")
	assert.False(t, exists)

	assert.ErrorIs(t, c.Set(ctx, "", []byte("x"), 0), ErrInvalidKey)

	m := c.GetMetrics()
	assert.Equal(t, int64(1), m.CacheHits)
	assert.Equal(t, int64(1), m.CacheMisses)
	assert.InDelta(t, 0.5, m.HitRatio, 1e-9)
}

func TestMemoryCache_TTL(t *testing.T) {
	c := NewMemoryCache(&CacheConfig{DefaultTTL: time.Second, MaxTTL: 10 * time.Second}, nil)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", []byte("a"), 0))
	require.NoError(t, c.Set(ctx, "long", []byte("b"), time.Hour))

	now = now.Add(2 * time.Second)
	_, err := c.Get(ctx, "short")
	assert.True(t, IsCacheMiss(err), "TTL по умолчанию истёк")
	_, err = c.Get(ctx, "long")
	assert.NoError(t, err)

	now = now.Add(9 * time.Second)
	_, err = c.Get(ctx, "long")
	assert.True(t, IsCacheMiss(err), "TTL ограничен MaxTTL")

	assert.Equal(t, 2, c.Purge())
	assert.Zero(t, c.GetMetrics().TotalKeys)
}

func TestMemoryCache_Batch(t *testing.T) {
	c := NewMemoryCache(nil, nil)
	ctx := context.Background()

	items := map[string][]byte{
		"batch:key1": []byte("value1"),
		"batch:key2": []byte("value2"),
	}
	require.NoError(t, c.BatchSet(ctx, items, time.Minute))

	result, err := c.BatchGet(ctx, []string{"batch:key1", "batch:key2", "batch:nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, items, result)
}

func TestMemoryCache_Invalidation(t *testing.T) {
	inv := NewMockInvalidator()
	c := NewMemoryCache(nil, inv)
	ctx := context.Background()
	require.NoError(t, c.SubscribeRemote(ctx))

	require.NoError(t, c.Set(ctx, "inv:key1", []byte("a"), 0))
	require.NoError(t, c.Invalidate(ctx, "inv:key1"))
	assert.Contains(t, inv.GetPublished(), "inv:key1")
	exists, _ := c.Exists(ctx, "inv:key1")
	assert.False(t, exists)

	// Уведомление от другого узла удаляет локальную копию без повторной рассылки.
	require.NoError(t, c.Set(ctx, "inv:key2", []byte("b"), 0))
	require.NoError(t, inv.SimulateInvalidation("inv:key2"))
	exists, _ = c.Exists(ctx, "inv:key2")
	assert.False(t, exists)
	assert.Len(t, inv.GetPublished(), 1)

	require.NoError(t, c.Close())
	assert.True(t, inv.closed)
	_, err := c.Get(ctx, "inv:key1")
	assert.ErrorIs(t, err, ErrCacheClosed)
}

func TestMemoryCache_Concurrent(t *testing.T) {
	c := NewMemoryCache(nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := BlendKey(vec.Vec2{X: w, Y: i % 10}, uint64(i), terrain.BaseDepth)
				_ = c.Set(ctx, key, []byte{byte(i)}, 0)
				_, _ = c.Get(ctx, key)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, int64(8*200), c.GetMetrics().CacheHits)
}

func TestRedisCache_BasicOperations(t *testing.T) {
	config := &CacheConfig{
		RedisURL:   "localhost:6379",
		DefaultTTL: 10 * time.Second,
	}

	inv := NewMockInvalidator()
	redisCache, err := NewRedisCache(config, inv)
	if err != nil {
		t.Skipf("Redis not available, skipping test: %v", err)
		return
	}
	defer redisCache.Close()

	ctx := context.Background()
	key := BlendKey(vec.Vec2{X: 1, Y: 1}, 1, terrain.BaseDepth)

	require.NoError(t, redisCache.Set(ctx, key, []byte("blend"), 5*time.Second))
	retrieved, err := redisCache.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("blend"), retrieved)

	require.NoError(t, redisCache.Invalidate(ctx, key))
	exists, err := redisCache.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Eventually(t, func() bool {
		return len(inv.GetPublished()) == 1
	}, time.Second, 10*time.Millisecond)

	_, err = redisCache.Get(ctx, "nonexistent")
	assert.True(t, IsCacheMiss(err))
}

func TestNATSInvalidator_PubSub(t *testing.T) {
	config := &InvalidatorConfig{
		NATSURL: "localhost:4222",
		Subject: "test.tileblend.invalidation",
	}

	node1, err := NewNATSInvalidator(config, "node1")
	if err != nil {
		t.Skipf("NATS not available, skipping test: %v", err)
		return
	}
	defer node1.Close()

	node2, err := NewNATSInvalidator(&InvalidatorConfig{NATSURL: config.NATSURL, Subject: config.Subject}, "node2")
	if err != nil {
		t.Skipf("NATS not available, skipping test: %v", err)
		return
	}

	ctx := context.Background()
	local := NewMemoryCache(nil, node2)
	defer local.Close()
	require.NoError(t, local.SubscribeRemote(ctx))
	require.NoError(t, local.Set(ctx, "blend:depth:0:0:v1", []byte("x"), 0))

	require.NoError(t, node1.PublishInvalidation(ctx, "blend:depth:0:0:v1"))

	assert.Eventually(t, func() bool {
		ok, _ := local.Exists(ctx, "blend:depth:0:0:v1")
		return !ok
	}, 2*time.Second, 20*time.Millisecond)

	// Повтор в окне дедупликации не публикуется.
	require.NoError(t, node1.PublishInvalidation(ctx, "blend:depth:0:0:v1"))
	require.NoError(t, node1.Flush(ctx))
	assert.Equal(t, int64(1), node1.GetMetrics()["published_count"])
}

func newTestInvalidator(nodeID string) (*NATSInvalidator, *time.Time) {
	clock := time.Unix(1_700_000_000, 0)
	n := newInvalidator(InvalidatorConfig{DedupeWindow: time.Second, MaxBatch: 2}, nodeID)
	n.now = func() time.Time { return clock }
	return n, &clock
}

func invalidationPayload(t *testing.T, nodeID string, keys ...string) []byte {
	data, err := json.Marshal(InvalidationMessage{Keys: keys, NodeID: nodeID})
	require.NoError(t, err)
	return data
}

func TestInvalidatorHandleMessage(t *testing.T) {
	n, clock := newTestInvalidator("node1")
	var got []string
	n.handler = func(key string) error {
		got = append(got, key)
		return nil
	}

	n.handleMessage(invalidationPayload(t, "node1", "a"))
	assert.Empty(t, got, "свои сообщения пропускаются")

	n.handleMessage(invalidationPayload(t, "node2", "a", "b"))
	n.handleMessage(invalidationPayload(t, "node3", "b", "c"))
	assert.Equal(t, []string{"a", "b", "c"}, got)

	*clock = clock.Add(2 * time.Second)
	n.handleMessage(invalidationPayload(t, "node2", "a"))
	assert.Equal(t, []string{"a", "b", "c", "a"}, got, "после окна ключ снова применяется")

	n.handleMessage([]byte("{broken"))
	assert.Equal(t, int64(1), n.GetMetrics()["errors_count"])
	assert.Equal(t, int64(4), n.GetMetrics()["received_count"])
}

func TestInvalidatorBatchesAndDedupes(t *testing.T) {
	n, clock := newTestInvalidator("node1")
	ctx := context.Background()

	require.NoError(t, n.PublishInvalidation(ctx, "k1"))
	require.NoError(t, n.PublishInvalidation(ctx, "k1"))
	assert.Equal(t, []string{"k1"}, n.pending)
	assert.Empty(t, n.kick, "пачка ещё не заполнена")

	require.NoError(t, n.PublishInvalidation(ctx, "k2"))
	assert.Len(t, n.kick, 1, "заполненная пачка будит отправку")

	n.mu.Lock()
	batch := n.takeBatchLocked()
	n.mu.Unlock()
	assert.Equal(t, []string{"k1", "k2"}, batch)

	// Только что разосланный ключ в окне не повторяется.
	require.NoError(t, n.PublishInvalidation(ctx, "k1"))
	assert.Empty(t, n.pending)

	*clock = clock.Add(2 * time.Second)
	n.pruneRecent()
	assert.Empty(t, n.recent)
	require.NoError(t, n.PublishInvalidation(ctx, "k1"))
	assert.Equal(t, []string{"k1"}, n.pending)

	n.closed = true
	assert.ErrorIs(t, n.PublishInvalidation(ctx, "k3"), ErrInvalidatorClosed)
}
