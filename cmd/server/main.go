package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/annel0/tileblend/internal/api"
	"github.com/annel0/tileblend/internal/auth"
	"github.com/annel0/tileblend/internal/cache"
	"github.com/annel0/tileblend/internal/config"
	"github.com/annel0/tileblend/internal/eventbus"
	"github.com/annel0/tileblend/internal/logging"
	"github.com/annel0/tileblend/internal/metrics"
	"github.com/annel0/tileblend/internal/observability"
	"github.com/annel0/tileblend/internal/service"
	"github.com/annel0/tileblend/internal/storage"
	"github.com/annel0/tileblend/internal/terrain"
	"github.com/annel0/tileblend/internal/terrain/blend"
	"github.com/annel0/tileblend/internal/world"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const autosaveInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (или TILEBLEND_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}

	if err := setupLogging(cfg.Logging); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()
	defer logging.GetLoggerManager().CloseAll()

	if err := run(cfg); err != nil {
		logging.Error("❌ %v", err)
		_ = logging.GetLoggerManager().CloseAll()
		logging.CloseDefaultLogger()
		os.Exit(1)
	}
	logging.Info("👋 Сервер успешно остановлен")
}

func setupLogging(lc config.LoggingConfig) error {
	if lc.Dir != "" {
		l, err := logging.NewFileLogger("server", lc.Dir)
		if err != nil {
			return err
		}
		logging.SetDefaultLogger(l)
	}
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return err
	}
	logging.SetDefaultLevel(level)
	logging.GetLoggerManager().Configure(lc.Dir, level)
	return nil
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodeID := uuid.NewString()
	logging.Info("🧩 Запуск tileblend, узел %s", nodeID)

	// === ТЕЛЕМЕТРИЯ ===
	shutdownTelemetry, err := observability.InitTelemetry(ctx, observability.Options{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		InstanceID:  nodeID,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(sctx)
	}()

	// === ГРАФ СМЕШИВАНИЯ ===
	graph, baseMode, err := blend.LoadGraph(cfg.Blend.GraphPath)
	if err != nil {
		return err
	}
	if cfg.Blend.BaseMode != "" {
		if baseMode, err = terrain.ParseBaseMode(cfg.Blend.BaseMode); err != nil {
			return err
		}
	}
	logging.Info("🎨 Граф смешивания: %d пар, база по %s", graph.Len(), baseMode)

	// === МИР ===
	mode, err := world.ParseEditMode(cfg.World.EditMode)
	if err != nil {
		return err
	}
	defaultBiome, err := terrain.ParseBiomeID(cfg.World.DefaultBiome)
	if err != nil {
		return err
	}
	wm := world.NewWorldManager(mode, defaultBiome)

	// === ХРАНИЛИЩЕ ===
	var store *storage.TerrainStorage
	if cfg.Storage.Path == "" {
		store, err = storage.NewInMemoryTerrainStorage()
	} else {
		store, err = storage.NewTerrainStorage(cfg.Storage.Path)
	}
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close()

	// === КЕШ ===
	blendCache, closeCache, err := setupCache(ctx, cfg.Cache, nodeID)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer closeCache()

	// === ШИНА СОБЫТИЙ ===
	bus, err := setupBus(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("eventbus: %w", err)
	}
	defer bus.Close()

	if _, err := eventbus.StartLoggingListener(ctx, bus, logging.GetComponentLogger(logging.ComponentEvents)); err != nil {
		return err
	}

	// === МЕТРИКИ ===
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	blendMetrics, err := metrics.NewBlendMetrics(reg)
	if err != nil {
		return err
	}
	if err := reg.Register(eventbus.NewStatsCollector(bus, busBackend(cfg.EventBus))); err != nil {
		return err
	}

	// === СЕРВИС ===
	svc := service.NewTerrainService(service.Deps{
		World:   wm,
		Store:   store,
		Cache:   blendCache,
		Bus:     bus,
		Metrics: blendMetrics,
	}, service.Config{
		Graph:    graph,
		Blend:    blend.Options{BaseMode: baseMode},
		CacheTTL: cfg.Cache.TTL,
		Workers:  cfg.World.Workers,
		Source:   "tileblend/" + nodeID,
	})

	if cfg.World.Preload {
		if _, err := svc.Preload(ctx); err != nil {
			return fmt.Errorf("preload: %w", err)
		}
	}

	webhooks := api.NewOutboundWebhookManager(nodeID, nil)
	defer webhooks.Close()
	if err := webhooks.Attach(ctx, bus); err != nil {
		return err
	}

	tokens, err := auth.NewTokenManager(cfg.Auth.GetJWTSecret(), 24*time.Hour)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.Auth.GetJWTSecret() == "" {
		logging.Warn("⚠️  JWT секрет не задан: используется случайный ключ, токены не переживут перезапуск")
		if tok, err := tokens.Generate("dev-editor", true); err == nil {
			logging.Info("🔐 Токен редактора для разработки: %s", tok)
		}
	}

	restPort := cfg.Server.GetRESTPort()
	restServer, err := api.NewRestServer(api.Config{
		Addr:        fmt.Sprintf(":%d", restPort),
		ServiceName: cfg.Telemetry.ServiceName,
		Service:     svc,
		Tokens:      tokens,
		Registry:    reg,
		Webhooks:    webhooks,
	})
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.GetMetricsPort()),
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() { errCh <- restServer.Start() }()
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go svc.RunAutosave(ctx, autosaveInterval)

	logging.Info("✅ Все сервисы запущены")
	logging.Info("   🌐 REST API: http://localhost:%d", restPort)
	logging.Info("   📈 Метрики: http://localhost:%d/metrics", cfg.Server.GetMetricsPort())

	select {
	case <-ctx.Done():
		logging.Info("📡 Получен сигнал, завершение работы...")
	case err := <-errCh:
		if err != nil {
			logging.Error("❌ Сервер остановился: %v", err)
		}
	}

	// === GRACEFUL SHUTDOWN ===
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := restServer.Stop(shutdownCtx); err != nil {
		logging.Error("❌ Ошибка остановки REST API: %v", err)
	}
	_ = metricsServer.Shutdown(shutdownCtx)

	saved, err := svc.Flush(shutdownCtx)
	logging.Info("💾 Сохранено чанков при остановке: %d", saved)
	return err
}

// setupCache выбирает бэкенд кеша смешивания. Инвалидация через NATS
// включается, только если задан адрес; кеш закрывает invalidator сам.
func setupCache(ctx context.Context, cc config.CacheConfig, nodeID string) (cache.CacheRepo, func(), error) {
	var inv *cache.NATSInvalidator
	if cc.NATSURL != "" {
		var err error
		inv, err = cache.NewNATSInvalidator(&cache.InvalidatorConfig{NATSURL: cc.NATSURL}, nodeID)
		if err != nil {
			return nil, nil, err
		}
	}
	closeInv := func() {
		if inv != nil {
			_ = inv.Close()
		}
	}
	var invalidator cache.CacheInvalidator
	if inv != nil {
		invalidator = inv
	}

	cacheCfg := &cache.CacheConfig{
		RedisURL:      cc.RedisURL,
		RedisPassword: cc.RedisPassword,
		RedisDB:       cc.RedisDB,
		DefaultTTL:    cc.TTL,
	}

	switch strings.ToLower(cc.Backend) {
	case "redis":
		rc, err := cache.NewRedisCache(cacheCfg, invalidator)
		if err != nil {
			closeInv()
			return nil, nil, err
		}
		logging.Info("🗄️  Кеш смешивания: Redis %s", cc.RedisURL)
		return rc, func() { _ = rc.Close() }, nil
	case "", "memory":
		mc := cache.NewMemoryCache(cacheCfg, invalidator)
		if err := mc.SubscribeRemote(ctx); err != nil {
			_ = mc.Close()
			return nil, nil, err
		}
		go mc.RunJanitor(ctx, time.Minute)
		logging.Info("🗄️  Кеш смешивания: память")
		return mc, func() { _ = mc.Close() }, nil
	default:
		closeInv()
		return nil, nil, fmt.Errorf("unknown cache backend %q", cc.Backend)
	}
}

func busBackend(ec config.EventBusConfig) string {
	if ec.URL == "" {
		return "memory"
	}
	return "jetstream"
}

func setupBus(ec config.EventBusConfig) (eventbus.EventBus, error) {
	if ec.URL == "" {
		logging.Info("📨 Шина событий: in-memory")
		return eventbus.NewMemoryBus(1024), nil
	}
	logging.Info("📨 Шина событий: JetStream %s, поток %s", ec.URL, ec.Stream)
	return eventbus.NewJetStreamBus(ec.URL, ec.Stream, time.Duration(ec.Retention)*time.Hour)
}
