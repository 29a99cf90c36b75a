package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TILEBLEND_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, "biome", cfg.World.EditMode)
	assert.Equal(t, "assets/blends.yaml", cfg.Blend.GraphPath)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  rest_port: 9090
cache:
  backend: redis
  redis_url: localhost:6379
  ttl: 30s
blend:
  base_mode: nw
world:
  edit_mode: terrain
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.GetRESTPort())
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, "nw", cfg.Blend.BaseMode)
	assert.Equal(t, "terrain", cfg.World.EditMode)
	// Не заданное в файле остаётся по умолчанию.
	assert.Equal(t, "data", cfg.Storage.Path)
	assert.Equal(t, "assets/blends.yaml", cfg.Blend.GraphPath)
}

func TestPortFallback(t *testing.T) {
	s := ServerConfig{}
	t.Setenv("TILEBLEND_REST_PORT", "")
	assert.Equal(t, 8088, s.GetRESTPort())

	t.Setenv("TILEBLEND_REST_PORT", "7000")
	assert.Equal(t, 7000, s.GetRESTPort())

	t.Setenv("TILEBLEND_METRICS_PORT", "garbage")
	assert.Equal(t, 2112, s.GetMetricsPort())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "tileblend.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "logs", cfg.Logging.Dir)
	assert.Equal(t, "localhost:4318", cfg.Telemetry.Endpoint)
	assert.InDelta(t, 0.1, cfg.Telemetry.SampleRatio, 1e-9)
	assert.Empty(t, cfg.EventBus.URL)
	assert.True(t, cfg.World.Preload)
}
