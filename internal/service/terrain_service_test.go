package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/annel0/tileblend/internal/cache"
	"github.com/annel0/tileblend/internal/eventbus"
	"github.com/annel0/tileblend/internal/metrics"
	"github.com/annel0/tileblend/internal/storage"
	"github.com/annel0/tileblend/internal/terrain"
	"github.com/annel0/tileblend/internal/terrain/blend"
	"github.com/annel0/tileblend/internal/vec"
	"github.com/annel0/tileblend/internal/world"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type recordingInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingInvalidator) PublishInvalidation(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return nil
}

func (r *recordingInvalidator) SubscribeInvalidations(ctx context.Context, handler cache.InvalidationHandler) error {
	return nil
}

func (r *recordingInvalidator) Close() error { return nil }

func (r *recordingInvalidator) published() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func testGraph() *blend.Graph {
	g := blend.NewGraph()
	g.Register(terrain.Grass, terrain.Sand, blend.Entry{SheetKey: "grass-sand"})
	g.Register(terrain.Road, terrain.Grass, blend.Entry{SheetKey: "road-grass"})
	return g
}

type fixture struct {
	spans *tracetest.SpanRecorder
	svc   *TerrainService
	store *storage.TerrainStorage
	cache *cache.MemoryCache
	inv   *recordingInvalidator
	bus   eventbus.EventBus
	reg   *prometheus.Registry
}

func newFixture(t *testing.T, mode world.EditMode, store *storage.TerrainStorage) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := metrics.NewBlendMetrics(reg)
	require.NoError(t, err)

	inv := &recordingInvalidator{}
	mc := cache.NewMemoryCache(&cache.CacheConfig{DefaultTTL: time.Minute}, inv)
	bus := eventbus.NewMemoryBus(64)
	t.Cleanup(func() {
		bus.Close()
		mc.Close()
	})

	spans := tracetest.NewSpanRecorder()
	deps := Deps{
		World:   world.NewWorldManager(mode, terrain.BiomeGrass),
		Cache:   mc,
		Bus:     bus,
		Metrics: m,
		Tracing: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
	}
	if store != nil {
		deps.Store = store
	}
	svc := NewTerrainService(deps, Config{Graph: testGraph(), CacheTTL: time.Minute, Workers: 2})
	return &fixture{spans: spans, svc: svc, store: store, cache: mc, inv: inv, bus: bus, reg: reg}
}

func newStore(t *testing.T) *storage.TerrainStorage {
	t.Helper()
	st, err := storage.NewInMemoryTerrainStorage()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// counter значение счётчика name с меткой label=value из реестра.
func counter(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestChunkCreatesAndLoads(t *testing.T) {
	store := newStore(t)
	first := newFixture(t, world.EditBiome, store)
	ctx := context.Background()

	c, err := first.svc.Chunk(ctx, vec.Vec2{X: 2, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, terrain.Grass, c.Tile(vec.Vec2{}))

	_, err = first.svc.SetTile(ctx, vec.Vec2{X: 36, Y: 37}, "road", EditMeta{})
	require.NoError(t, err)
	saved, err := first.svc.Flush(ctx)
	require.NoError(t, err)
	assert.Positive(t, saved)

	second := newFixture(t, world.EditBiome, store)
	c2, err := second.svc.Chunk(ctx, vec.Vec2{X: 2, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, terrain.Road, c2.Tile(vec.Vec2{X: 4, Y: 5}))
	assert.True(t, c2.IsAuthored(vec.Vec2{X: 4, Y: 5}))
	assert.Equal(t, c.CurrentVersion(), c2.CurrentVersion())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = second.svc.Chunk(cancelled, vec.Vec2{X: 9, Y: 9})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPaintCornerPublishesEvent(t *testing.T) {
	f := newFixture(t, world.EditBiome, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var events []*eventbus.TerrainEdited
	_, err := f.bus.Subscribe(ctx, eventbus.Filter{Types: []string{eventbus.EventTerrainEdited}}, func(ctx context.Context, ev *eventbus.Envelope) {
		te, err := eventbus.DecodeTerrainEdited(ev)
		if err != nil {
			return
		}
		mu.Lock()
		events = append(events, te)
		mu.Unlock()
	})
	require.NoError(t, err)

	// Угол на стыке четырёх чанков.
	res, err := f.svc.PaintCorner(ctx, vec.Vec2{X: 16, Y: 0}, " Sand", EditMeta{Actor: "mapper", CorrelationID: "req-1"})
	require.NoError(t, err)
	assert.Len(t, res.Chunks, 4)
	for _, cc := range []vec.Vec2{{X: 0, Y: -1}, {X: 1, Y: -1}, {X: 0, Y: 0}, {X: 1, Y: 0}} {
		_, ok := f.svc.World().GetChunk(cc)
		assert.True(t, ok, "чанк %v загружен", cc)
	}

	// Повторная покраска ничего не меняет и не порождает события.
	res, err = f.svc.PaintCorner(ctx, vec.Vec2{X: 16, Y: 0}, "sand", EditMeta{})
	require.NoError(t, err)
	assert.True(t, res.Empty())

	_, err = f.svc.PaintCorner(ctx, vec.Vec2{X: 3, Y: 3}, "lava", EditMeta{})
	assert.ErrorIs(t, err, world.ErrInvalidValue)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	ev := events[0]
	mu.Unlock()
	assert.Equal(t, "corner", ev.Kind)
	assert.Equal(t, "sand", ev.Value)
	assert.Equal(t, "mapper", ev.Actor)
	assert.Equal(t, vec.Vec2{X: 16, Y: 0}, ev.Position)
	require.Len(t, ev.Chunks, 4)
	for _, cv := range ev.Chunks {
		assert.Equal(t, uint64(1), cv.Version, "одно повышение версии на правку")
	}
	assert.Equal(t, 1.0, counter(t, f.reg, "tileblend_edits_total", "kind", "corner"))
}

func TestSetTileTerrainMode(t *testing.T) {
	f := newFixture(t, world.EditTerrain, nil)
	ctx := context.Background()

	res, err := f.svc.SetTile(ctx, vec.Vec2{X: -1, Y: -1}, "deep_water", EditMeta{})
	require.NoError(t, err)
	assert.Contains(t, res.Tiles, vec.Vec2{X: -1, Y: -1})

	tile, ok := f.svc.World().TileAt(vec.Vec2{X: -1, Y: -1})
	require.True(t, ok)
	assert.Equal(t, terrain.DeepWater, tile)

	_, err = f.svc.SetTile(ctx, vec.Vec2{}, "nope", EditMeta{})
	assert.ErrorIs(t, err, world.ErrInvalidValue)
}

func TestChunkBlendCache(t *testing.T) {
	f := newFixture(t, world.EditTerrain, nil)
	ctx := context.Background()

	first, err := f.svc.ChunkBlend(ctx, vec.Vec2{})
	require.NoError(t, err)
	second, err := f.svc.ChunkBlend(ctx, vec.Vec2{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1.0, counter(t, f.reg, "tileblend_blend_cache_total", "result", "hit"))
	assert.Equal(t, 1.0, counter(t, f.reg, "tileblend_blend_cache_total", "result", "miss"))

	firstKey := cache.BlendKey(vec.Vec2{}, first.Stamp, terrain.BaseDepth)
	ok, err := f.cache.Exists(ctx, firstKey)
	require.NoError(t, err)
	assert.True(t, ok)

	// Правка в соседнем чанке сносит старый результат и меняет отпечаток.
	_, err = f.svc.SetTile(ctx, vec.Vec2{X: 20, Y: 5}, "road", EditMeta{})
	require.NoError(t, err)
	assert.Contains(t, f.inv.published(), firstKey)
	ok, err = f.cache.Exists(ctx, firstKey)
	require.NoError(t, err)
	assert.False(t, ok)

	third, err := f.svc.ChunkBlend(ctx, vec.Vec2{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Stamp, third.Stamp)
	assert.Equal(t, 2.0, counter(t, f.reg, "tileblend_blend_cache_total", "result", "miss"))

	var hits []bool
	for _, sp := range f.spans.Ended() {
		if sp.Name() != "terrain.ChunkBlend" {
			continue
		}
		for _, kv := range sp.Attributes() {
			if kv.Key == "cache.hit" {
				hits = append(hits, kv.Value.AsBool())
			}
		}
	}
	assert.Equal(t, []bool{false, true, false}, hits)
}

func TestEditSpanRecordsError(t *testing.T) {
	f := newFixture(t, world.EditBiome, nil)
	_, err := f.svc.PaintCorner(context.Background(), vec.Vec2{}, "lava", EditMeta{})
	require.ErrorIs(t, err, world.ErrInvalidValue)

	ended := f.spans.Ended()
	require.NotEmpty(t, ended)
	last := ended[len(ended)-1]
	assert.Equal(t, "terrain.PaintCorner", last.Name())
	assert.Equal(t, codes.Error, last.Status().Code)
}

func TestChunkBlendSeesStoredNeighbor(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	writer := newFixture(t, world.EditTerrain, store)
	for y := 0; y < world.ChunkSize; y++ {
		_, err := writer.svc.SetTile(ctx, vec.Vec2{X: 16, Y: y}, "sand", EditMeta{})
		require.NoError(t, err)
	}
	_, err := writer.svc.Flush(ctx)
	require.NoError(t, err)

	reader := newFixture(t, world.EditTerrain, store)
	cb, err := reader.svc.ChunkBlend(ctx, vec.Vec2{})
	require.NoError(t, err)
	assert.Equal(t, terrain.Sand, cb.Tiles[15][8].Base, "сосед подгружен из хранилища")
}

func TestChunkBlendsBatch(t *testing.T) {
	f := newFixture(t, world.EditBiome, nil)
	ctx := context.Background()
	coords := []vec.Vec2{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}}

	_, err := f.svc.PaintCorner(ctx, vec.Vec2{X: 16, Y: 16}, "sand", EditMeta{})
	require.NoError(t, err)

	cold, err := f.svc.ChunkBlends(ctx, coords)
	require.NoError(t, err)
	require.Len(t, cold, 3)
	assert.Equal(t, 3.0, counter(t, f.reg, "tileblend_blend_cache_total", "result", "miss"))

	warm, err := f.svc.ChunkBlends(ctx, coords)
	require.NoError(t, err)
	assert.Equal(t, cold, warm)
	assert.Equal(t, 3.0, counter(t, f.reg, "tileblend_blend_cache_total", "result", "hit"))

	for _, cc := range coords {
		direct, err := f.svc.World().ComputeChunkBlend(cc, f.svc.Graph(), f.svc.BlendOptions())
		require.NoError(t, err)
		assert.Equal(t, direct.Tiles, warm[cc].Tiles, "чанк %v", cc)
	}
}

func TestFlushAndAutosave(t *testing.T) {
	store := newStore(t)
	f := newFixture(t, world.EditBiome, store)
	ctx := context.Background()

	n, err := f.svc.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.svc.PaintCorner(ctx, vec.Vec2{X: 5, Y: 5}, "forest", EditMeta{})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		f.svc.RunAutosave(runCtx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return len(f.svc.World().DirtyChunks()) == 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	coords, err := store.ListChunks()
	require.NoError(t, err)
	assert.Contains(t, coords, vec.Vec2{})
}

func TestRunAutosave(t *testing.T) {
	store := newStore(t)
	f := newFixture(t, world.EditBiome, store)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := f.svc.PaintCorner(ctx, vec.Vec2{X: 3, Y: 3}, "sand", EditMeta{})
	require.NoError(t, err)
	require.NotEmpty(t, f.svc.world.DirtyChunks())

	done := make(chan struct{})
	go func() {
		f.svc.RunAutosave(ctx, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(f.svc.world.DirtyChunks()) == 0 },
		time.Second, 10*time.Millisecond, "автосохранение должно сбросить грязные чанки")
	cancel()
	<-done

	coords, err := store.ListChunks()
	require.NoError(t, err)
	assert.Contains(t, coords, vec.Vec2{})
}

func TestPreloadLoadsSavedChunks(t *testing.T) {
	store := newStore(t)
	writer := newFixture(t, world.EditBiome, store)
	ctx := context.Background()

	_, err := writer.svc.PaintCorner(ctx, vec.Vec2{X: 16, Y: 16}, "sand", EditMeta{})
	require.NoError(t, err)
	saved, err := writer.svc.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, saved)

	reader := newFixture(t, world.EditBiome, store)
	loaded, err := reader.svc.Preload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded)
	assert.Len(t, reader.svc.World().ChunkCoords(), 4)

	// Повторная предзагрузка ничего не перечитывает.
	loaded, err = reader.svc.Preload(ctx)
	require.NoError(t, err)
	assert.Zero(t, loaded)
}

func TestResetChunk(t *testing.T) {
	store := newStore(t)
	f := newFixture(t, world.EditBiome, store)
	ctx := context.Background()

	var mu sync.Mutex
	var kinds []string
	_, err := f.bus.Subscribe(ctx, eventbus.Filter{Types: []string{eventbus.EventTerrainEdited}}, func(ctx context.Context, ev *eventbus.Envelope) {
		if te, err := eventbus.DecodeTerrainEdited(ev); err == nil {
			mu.Lock()
			kinds = append(kinds, te.Kind)
			mu.Unlock()
		}
	})
	require.NoError(t, err)

	_, err = f.svc.SetTile(ctx, vec.Vec2{X: 5, Y: 5}, "road", EditMeta{})
	require.NoError(t, err)
	cb, err := f.svc.ChunkBlend(ctx, vec.Vec2{})
	require.NoError(t, err)
	key := cache.BlendKey(vec.Vec2{}, cb.Stamp, terrain.BaseDepth)
	_, err = f.svc.Flush(ctx)
	require.NoError(t, err)

	require.NoError(t, f.svc.ResetChunk(ctx, vec.Vec2{}, EditMeta{Actor: "mapper"}))

	_, ok := f.svc.World().GetChunk(vec.Vec2{})
	assert.False(t, ok, "чанк выгружен")
	_, ok, err = store.LoadChunk(vec.Vec2{})
	require.NoError(t, err)
	assert.False(t, ok, "снимок удалён")
	assert.Contains(t, f.inv.published(), key)

	c, err := f.svc.Chunk(ctx, vec.Vec2{})
	require.NoError(t, err)
	assert.Equal(t, terrain.Grass, c.Tile(vec.Vec2{X: 5, Y: 5}))
	assert.False(t, c.IsAuthored(vec.Vec2{X: 5, Y: 5}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 2 && kinds[1] == "reset"
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, counter(t, f.reg, "tileblend_edits_total", "kind", "reset"))
}
