package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatchedRoute метка для URL без маршрута, чтобы не плодить серии.
const unmatchedRoute = "unmatched"

// PrometheusMiddleware собирает HTTP-метрики API:
//
//	<ns>_http_request_duration_seconds{method,route,code}  histogram
//	<ns>_http_response_size_bytes{route}                   histogram
//	<ns>_http_requests_inflight                            gauge
//	<ns>_http_request_errors_total{method,route,code}      counter, только 4xx/5xx
//
// Ответы со смешиванием области бывают в сотни килобайт, поэтому размер
// ответа меряется отдельно от длительности.
type PrometheusMiddleware struct {
	reqDuration *prometheus.HistogramVec
	respSize    *prometheus.HistogramVec
	reqInflight prometheus.Gauge
	reqErrors   *prometheus.CounterVec
	skip        map[string]struct{}
}

// NewPrometheusMiddleware регистрирует метрики в reg. Маршруты из skip
// (например "/metrics" и "/health") не учитываются.
func NewPrometheusMiddleware(namespace string, reg prometheus.Registerer, skip ...string) (*PrometheusMiddleware, error) {
	pm := &PrometheusMiddleware{
		reqDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Длительность HTTP-запросов.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route", "code"}),
		respSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "Размер тела ответа.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"route"}),
		reqInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_inflight",
			Help:      "Запросы в обработке.",
		}),
		reqErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Запросы, завершившиеся кодом 4xx или 5xx.",
		}, []string{"method", "route", "code"}),
		skip: make(map[string]struct{}, len(skip)),
	}
	for _, p := range skip {
		pm.skip[p] = struct{}{}
	}

	for _, c := range []prometheus.Collector{pm.reqDuration, pm.respSize, pm.reqInflight, pm.reqErrors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return pm, nil
}

// Handler возвращает middleware для router.Use().
func (pm *PrometheusMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if _, ok := pm.skip[route]; ok {
			c.Next()
			return
		}
		if route == "" {
			route = unmatchedRoute
		}

		pm.reqInflight.Inc()
		start := time.Now()
		defer func() {
			pm.reqInflight.Dec()

			status := c.Writer.Status()
			code := strconv.Itoa(status)
			method := c.Request.Method
			pm.reqDuration.WithLabelValues(method, route, code).Observe(time.Since(start).Seconds())
			if size := c.Writer.Size(); size > 0 {
				pm.respSize.WithLabelValues(route).Observe(float64(size))
			}
			if status >= 400 {
				pm.reqErrors.WithLabelValues(method, route, code).Inc()
			}
		}()
		c.Next()
	}
}

// RegisterMetricsEndpoint добавляет GET /metrics с метриками из g.
func (pm *PrometheusMiddleware) RegisterMetricsEndpoint(r gin.IRoutes, g prometheus.Gatherer) {
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
}
