package middleware

import (
	"time"

	"github.com/annel0/tileblend/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TraceIDKey ключ gin.Context с trace-ID запроса.
	TraceIDKey = "trace_id"
	// TraceHeader заголовок ответа с тем же trace-ID.
	TraceHeader = "X-Trace-ID"
)

// slowRequest порог, после которого завершение запроса пишется в WARN.
const slowRequest = 500 * time.Millisecond

// RequestLogger снабжает запрос trace-ID и пишет начало и конец обработки.
// Запросы на чтение логируются в DEBUG, правки и ошибки в INFO,
// медленные запросы в WARN.
type RequestLogger struct {
	logger *logging.Logger
}

// NewRequestLogger создаёт middleware; при nil пишет в логгер API.
func NewRequestLogger(logger *logging.Logger) *RequestLogger {
	if logger == nil {
		logger = logging.GetAPILogger()
	}
	return &RequestLogger{logger: logger}
}

func (rl *RequestLogger) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := requestTraceID(c)
		c.Set(TraceIDKey, traceID)
		c.Header(TraceHeader, traceID)

		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		readOnly := method == "GET" || method == "HEAD" || method == "OPTIONS"

		logStart := rl.logger.Info
		if readOnly {
			logStart = rl.logger.Debug
		}
		logStart("[HTTP] ▶ %s %s ip=%s trace=%s", method, path, c.ClientIP(), traceID)

		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()

		logEnd := rl.logger.Info
		switch {
		case latency > slowRequest:
			logEnd = rl.logger.Warn
		case readOnly && status < 400:
			logEnd = rl.logger.Debug
		}
		logEnd("[HTTP] ◀ %s %s %d %s trace=%s", method, path, status, latency, traceID)
		for _, e := range c.Errors {
			rl.logger.Warn("[HTTP] %s %s: %v trace=%s", method, path, e.Err, traceID)
		}
	}
}

// requestTraceID берёт trace-ID спана otelgin, иначе генерирует свой.
func requestTraceID(c *gin.Context) string {
	if sc := trace.SpanFromContext(c.Request.Context()).SpanContext(); sc.IsValid() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}

// TraceID достаёт trace-ID, выставленный RequestLogger.
func TraceID(c *gin.Context) string {
	return c.GetString(TraceIDKey)
}
