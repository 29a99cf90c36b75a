package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/annel0/tileblend/internal/auth"
	"github.com/annel0/tileblend/internal/logging"
	"github.com/annel0/tileblend/internal/middleware"
	"github.com/annel0/tileblend/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RestServer представляет REST API сервер
type RestServer struct {
	router   *gin.Engine
	server   *http.Server
	svc      *service.TerrainService
	tokens   *auth.TokenManager
	probe    *ProcessProbe
	webhooks *OutboundWebhookManager
	logger   *logging.Logger
}

// Config содержит конфигурацию для REST сервера
type Config struct {
	Addr        string                  // адрес для запуска сервера
	ServiceName string                  // namespace HTTP-метрик и имя спанов
	Service     *service.TerrainService // операции над террейном
	Tokens      *auth.TokenManager      // проверка токенов редакторов
	Registry    *prometheus.Registry    // реестр для HTTP-метрик и /metrics
	Webhooks    *OutboundWebhookManager // может быть nil
	Logger      *logging.Logger
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewRestServer создает новый REST API сервер
func NewRestServer(config Config) (*RestServer, error) {
	if config.Addr == "" {
		config.Addr = ":8088"
	}
	if config.ServiceName == "" {
		config.ServiceName = "tileblend"
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	if config.Logger == nil {
		config.Logger = logging.GetAPILogger()
	}

	router := gin.New()        // без стандартного logger/recovery
	router.Use(gin.Recovery()) // добавим только recovery

	// otelgin первым, чтобы логгер запросов видел trace-id спана.
	router.Use(otelgin.Middleware(config.ServiceName))
	router.Use(middleware.NewRequestLogger(config.Logger).Handler())

	promMw, err := middleware.NewPrometheusMiddleware(config.ServiceName, config.Registry, "/metrics", "/health")
	if err != nil {
		return nil, err
	}
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router, config.Registry)

	rs := &RestServer{
		router:   router,
		svc:      config.Service,
		tokens:   config.Tokens,
		probe:    NewProcessProbe(),
		webhooks: config.Webhooks,
		logger:   config.Logger,
	}
	rs.server = &http.Server{
		Addr:              config.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	rs.setupRoutes()
	return rs, nil
}

// setupRoutes настраивает маршруты REST API
func (rs *RestServer) setupRoutes() {
	rs.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	rs.router.GET("/health", rs.handleHealth)

	api := rs.router.Group("/api")
	{
		api.GET("/server", rs.handleServerInfo)
		api.GET("/chunks/:x/:y", rs.handleGetChunk)
		api.GET("/chunks/:x/:y/blend", rs.handleGetChunkBlend)
		api.GET("/region/blend", rs.handleGetRegionBlend)
		api.GET("/blob/:mask", rs.handleGetBlob)
		api.GET("/blob", rs.handleGetBlobTable)
		api.GET("/blend-graph", rs.handleGetBlendGraph)
	}

	// Правки мира и управление webhook'ами требуют токен редактора.
	editor := api.Group("/")
	editor.Use(rs.requireEditor())
	{
		editor.POST("/chunks/corners", rs.handlePaintCorner)
		editor.POST("/chunks/tiles", rs.handleSetTile)
		editor.DELETE("/chunks/:x/:y", rs.handleResetChunk)
		editor.POST("/flush", rs.handleFlush)

		editor.GET("/webhooks", rs.handleGetOutboundWebhooks)
		editor.POST("/webhooks", rs.handleCreateOutboundWebhook)
		editor.GET("/webhooks/events", rs.handleGetWebhookEventTypes)
		editor.DELETE("/webhooks/:id", rs.handleDeleteOutboundWebhook)
	}
}

// Handler http.Handler сервера (для тестов и встраивания)
func (rs *RestServer) Handler() http.Handler {
	return rs.router
}

// Start запускает HTTP сервер; блокирует до остановки.
func (rs *RestServer) Start() error {
	rs.logger.Info("🌐 REST API слушает %s", rs.server.Addr)
	if err := rs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop корректно останавливает сервер
func (rs *RestServer) Stop(ctx context.Context) error {
	return rs.server.Shutdown(ctx)
}

// handleHealth проверка живости
func (rs *RestServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

// handleServerInfo сведения о процессе и мире
func (rs *RestServer) handleServerInfo(c *gin.Context) {
	wm := rs.svc.World()
	info := map[string]interface{}{
		"name":          "tileblend",
		"status":        "running",
		"process":       rs.probe.Snapshot(),
		"edit_mode":     wm.Mode().String(),
		"base_mode":     string(rs.svc.BlendOptions().BaseMode),
		"chunks_loaded": len(wm.ChunkCoords()),
		"chunks_dirty":  len(wm.DirtyChunks()),
		"blend_pairs":   rs.svc.Graph().Len(),
	}

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Информация о сервере",
		Data:    info,
	})
}

// handleFlush принудительно сохраняет изменённые чанки
func (rs *RestServer) handleFlush(c *gin.Context) {
	saved, err := rs.svc.Flush(c.Request.Context())
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Чанки сохранены",
		Data:    gin.H{"saved": saved},
	})
}

// handleGetOutboundWebhooks список webhook'ов
func (rs *RestServer) handleGetOutboundWebhooks(c *gin.Context) {
	if !rs.requireWebhooks(c) {
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Список webhook'ов",
		Data:    rs.webhooks.GetWebhooks(),
	})
}

// handleCreateOutboundWebhook регистрирует webhook
func (rs *RestServer) handleCreateOutboundWebhook(c *gin.Context) {
	if !rs.requireWebhooks(c) {
		return
	}
	var req OutboundWebhook
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{
			Success: false,
			Message: "Неверный формат запроса: " + err.Error(),
		})
		return
	}
	created := rs.webhooks.AddWebhook(req)
	c.JSON(http.StatusCreated, GenericResponse{
		Success: true,
		Message: "Webhook создан",
		Data:    created,
	})
}

// handleDeleteOutboundWebhook удаляет webhook
func (rs *RestServer) handleDeleteOutboundWebhook(c *gin.Context) {
	if !rs.requireWebhooks(c) {
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: "Неверный ID"})
		return
	}
	if !rs.webhooks.DeleteWebhook(id) {
		c.JSON(http.StatusNotFound, GenericResponse{Success: false, Message: "Webhook не найден"})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Webhook удалён"})
}

// handleGetWebhookEventTypes типы событий для подписки
func (rs *RestServer) handleGetWebhookEventTypes(c *gin.Context) {
	if !rs.requireWebhooks(c) {
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Типы событий",
		Data:    rs.webhooks.GetEventTypes(),
	})
}

func (rs *RestServer) requireWebhooks(c *gin.Context) bool {
	if rs.webhooks == nil {
		c.JSON(http.StatusNotImplemented, GenericResponse{Success: false, Message: "Webhook'и отключены"})
		return false
	}
	return true
}
