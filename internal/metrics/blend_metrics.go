// Package metrics собирает Prometheus-метрики смешивания террейна.
package metrics

import (
	"time"

	"github.com/annel0/tileblend/internal/world"
	"github.com/prometheus/client_golang/prometheus"
)

// BlendMetrics счётчики конвейера смешивания.
//
// Метрики:
// * tileblend_tiles_resolved_total — тайлы, прошедшие через резолвер
// * tileblend_uniform_tiles_total — тайлы без слоёв
// * tileblend_layers_total{kind} — слои по виду (pair/alpha)
// * tileblend_blend_cache_total{result} — hit/miss кеша смешивания
// * tileblend_edits_total{kind} — правки мира (corner/tile/reset)
// * tileblend_chunk_resolve_seconds — время смешивания чанка
type BlendMetrics struct {
	tilesResolved prometheus.Counter
	uniformTiles  prometheus.Counter
	layers        *prometheus.CounterVec
	cache         *prometheus.CounterVec
	edits         *prometheus.CounterVec
	resolveTime   prometheus.Histogram
}

// NewBlendMetrics создаёт метрики и регистрирует их в reg.
func NewBlendMetrics(reg prometheus.Registerer) (*BlendMetrics, error) {
	m := &BlendMetrics{
		tilesResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tileblend",
			Name:      "tiles_resolved_total",
			Help:      "Число тайлов, для которых вычислено смешивание.",
		}),
		uniformTiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tileblend",
			Name:      "uniform_tiles_total",
			Help:      "Тайлы без слоёв наложения.",
		}),
		layers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tileblend",
			Name:      "layers_total",
			Help:      "Слои наложения по виду.",
		}, []string{"kind"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tileblend",
			Name:      "blend_cache_total",
			Help:      "Обращения к кешу смешивания.",
		}, []string{"result"}),
		edits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tileblend",
			Name:      "edits_total",
			Help:      "Применённые правки мира.",
		}, []string{"kind"}),
		resolveTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tileblend",
			Name:      "chunk_resolve_seconds",
			Help:      "Длительность смешивания одного чанка.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),
	}

	collectors := []prometheus.Collector{m.tilesResolved, m.uniformTiles, m.layers, m.cache, m.edits, m.resolveTime}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveChunk учитывает результат смешивания чанка. nil-получатель допустим.
func (m *BlendMetrics) ObserveChunk(cb *world.ChunkBlend, took time.Duration) {
	if m == nil || cb == nil {
		return
	}
	var tiles, uniform, pair, alpha int
	for x := range cb.Tiles {
		for y := range cb.Tiles[x] {
			tiles++
			layers := cb.Tiles[x][y].Layers
			if len(layers) == 0 {
				uniform++
				continue
			}
			for _, l := range layers {
				if l.Entry.IsAlpha {
					alpha++
				} else {
					pair++
				}
			}
		}
	}
	m.tilesResolved.Add(float64(tiles))
	m.uniformTiles.Add(float64(uniform))
	m.layers.WithLabelValues("pair").Add(float64(pair))
	m.layers.WithLabelValues("alpha").Add(float64(alpha))
	m.resolveTime.Observe(took.Seconds())
}

// CacheHit учитывает попадание в кеш
func (m *BlendMetrics) CacheHit() {
	if m != nil {
		m.cache.WithLabelValues("hit").Inc()
	}
}

// CacheMiss учитывает промах кеша
func (m *BlendMetrics) CacheMiss() {
	if m != nil {
		m.cache.WithLabelValues("miss").Inc()
	}
}

// Edit учитывает правку вида kind
func (m *BlendMetrics) Edit(kind string) {
	if m != nil {
		m.edits.WithLabelValues(kind).Inc()
	}
}
