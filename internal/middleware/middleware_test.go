package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/annel0/tileblend/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestPrometheusMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	pm, err := NewPrometheusMiddleware("test", reg, "/health")
	require.NoError(t, err)

	r := gin.New()
	r.Use(pm.Handler())
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "0123456789") })
	r.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })
	pm.RegisterMetricsEndpoint(r, reg)

	for _, path := range []string{"/ok", "/ok", "/bad", "/missing", "/health"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(pm.reqErrors.WithLabelValues("GET", "/bad", "400")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.reqErrors.WithLabelValues("GET", "unmatched", "404")))
	assert.Equal(t, 0.0, testutil.ToFloat64(pm.reqErrors.WithLabelValues("GET", "/health", "503")), "пропущенный маршрут")
	assert.Equal(t, 0.0, testutil.ToFloat64(pm.reqInflight))
	// /bad без тела в размер не попадает; 404 от gin пишет текст.
	assert.Equal(t, 2, testutil.CollectAndCount(pm.respSize))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_http_request_duration_seconds")

	_, err = NewPrometheusMiddleware("test", reg)
	assert.Error(t, err, "повторная регистрация")
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWriterLogger("api", &buf)

	r := gin.New()
	r.Use(NewRequestLogger(logger).Handler())
	var seen string
	r.GET("/ping", func(c *gin.Context) {
		seen = TraceID(c)
		c.Status(http.StatusNoContent)
	})
	r.POST("/edit", func(c *gin.Context) {
		seen = TraceID(c)
		c.Status(http.StatusOK)
	})

	// Чтение пишется в DEBUG и при уровне INFO не видно.
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Empty(t, buf.String())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/edit", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(TraceHeader))
	assert.Contains(t, buf.String(), "▶ POST /edit")
	assert.Contains(t, buf.String(), "◀ POST /edit 200")
	assert.Contains(t, buf.String(), seen)

	buf.Reset()
	logger.SetLevels(logging.DEBUG, logging.DEBUG)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Contains(t, buf.String(), "◀ GET /ping 204")
}
