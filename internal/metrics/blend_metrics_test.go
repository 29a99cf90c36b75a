package metrics

import (
	"testing"
	"time"

	"github.com/annel0/tileblend/internal/terrain"
	"github.com/annel0/tileblend/internal/terrain/blend"
	"github.com/annel0/tileblend/internal/world"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveChunk(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewBlendMetrics(reg)
	require.NoError(t, err)

	cb := &world.ChunkBlend{}
	cb.Tiles[0][0].Layers = []blend.Layer{
		{Overlay: terrain.Grass},
		{Overlay: terrain.Road, Entry: blend.Entry{IsAlpha: true}},
	}
	cb.Tiles[3][4].Layers = []blend.Layer{{Overlay: terrain.Sand}}

	m.ObserveChunk(cb, time.Millisecond)

	assert.Equal(t, 256.0, testutil.ToFloat64(m.tilesResolved))
	assert.Equal(t, 254.0, testutil.ToFloat64(m.uniformTiles))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.layers.WithLabelValues("pair")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.layers.WithLabelValues("alpha")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.resolveTime))
}

func TestCacheAndEditCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewBlendMetrics(reg)
	require.NoError(t, err)

	m.CacheHit()
	m.CacheHit()
	m.CacheMiss()
	m.Edit("corner")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cache.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cache.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.edits.WithLabelValues("corner")))

	_, err = NewBlendMetrics(reg)
	assert.Error(t, err, "повторная регистрация")
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *BlendMetrics
	assert.NotPanics(t, func() {
		m.ObserveChunk(&world.ChunkBlend{}, time.Second)
		m.CacheHit()
		m.CacheMiss()
		m.Edit("tile")
	})
}
