package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации сервиса смешивания террейна.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	EventBus  EventBusConfig  `yaml:"eventbus"`
	Blend     BlendConfig     `yaml:"blend"`
	World     WorldConfig     `yaml:"world"`
	Auth      AuthConfig      `yaml:"auth"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	RESTPort    int `yaml:"rest_port"`
	MetricsPort int `yaml:"metrics_port"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type CacheConfig struct {
	Backend       string        `yaml:"backend"` // memory | redis
	RedisURL      string        `yaml:"redis_url"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
	NATSURL       string        `yaml:"nats_url"` // пусто — без распределённой инвалидации
}

type EventBusConfig struct {
	URL       string `yaml:"url"` // пусто — in-memory шина
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
}

type BlendConfig struct {
	GraphPath string `yaml:"graph_path"`
	BaseMode  string `yaml:"base_mode"` // depth | nw; пусто — из файла графа
}

type WorldConfig struct {
	EditMode     string `yaml:"edit_mode"` // biome | terrain
	DefaultBiome string `yaml:"default_biome"`
	Workers      int    `yaml:"workers"`
	Preload      bool   `yaml:"preload"` // поднять все сохранённые чанки при старте
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Endpoint    string  `yaml:"endpoint"` // host:port OTLP HTTP
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"` // 0 — все спаны
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"` // пусто — только консоль
}

// Default возвращает конфигурацию, с которой сервис стартует без файла.
func Default() *Config {
	return &Config{
		Storage:  StorageConfig{Path: "data"},
		Cache:    CacheConfig{Backend: "memory", TTL: 5 * time.Minute},
		EventBus: EventBusConfig{Stream: "TERRAIN", Retention: 24},
		Blend:    BlendConfig{GraphPath: "assets/blends.yaml"},
		World:    WorldConfig{EditMode: "biome", DefaultBiome: "grass", Workers: 4},
		Telemetry: TelemetryConfig{
			ServiceName: "tileblend",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// GetRESTPort возвращает REST порт с поддержкой fallback значений
func (s *ServerConfig) GetRESTPort() int {
	return getPortWithEnvFallback(s.RESTPort, "TILEBLEND_REST_PORT", 8088)
}

// GetMetricsPort возвращает порт Prometheus с поддержкой fallback значений
func (s *ServerConfig) GetMetricsPort() int {
	return getPortWithEnvFallback(s.MetricsPort, "TILEBLEND_METRICS_PORT", 2112)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}

	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}

	return defaultPort
}

// GetJWTSecret секрет из конфига или переменной TILEBLEND_JWT_SECRET
func (a *AuthConfig) GetJWTSecret() string {
	if a.JWTSecret != "" {
		return a.JWTSecret
	}
	return os.Getenv("TILEBLEND_JWT_SECRET")
}

// Load читает YAML файл конфигурации поверх Default().
// Если path == "", пытается прочитать из ENV TILEBLEND_CONFIG или возвращает дефолты.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("TILEBLEND_CONFIG")
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}
