package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMasterKey = "8e54210cf0fcb4fa87b6c1d0dd7cf7a41b1e2a1f9d0c1b2a3e4f5a6b7c8d9e0f"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, ":9090", cfg.Server.AdminAddr)
	assert.Equal(t, 30*time.Second, cfg.Server.GracefulTimeout)
	assert.Equal(t, "localhost", cfg.Postgres.Host)
	assert.Equal(t, 5432, cfg.Postgres.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "config/models.yaml", cfg.Models.Path)
	assert.Zero(t, cfg.Stream.EventTTL, "unset tunables defer to component defaults")
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
log_level: warn
server:
  addr: ":9000"
  graceful_timeout: 90s
postgres:
  host: db.internal
  port: 5433
  user: svc
  password: hunter2
  database: chat
  ssl_mode: require
redis:
  addr: cache.internal:6379
stream:
  event_ttl: 24h
  flush_interval: 150ms
  max_batch: 32
rate_limit:
  default:
    requests: 30
    window: 1h
  per_provider:
    anthropic:
      requests: 10
      window: 1h
models:
  path: /etc/chatstream/models.yaml
providers:
  openai:
    rps: 5
    burst: 10
tracing:
  enabled: true
  otlp_endpoint: collector:4317
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, ":9090", cfg.Server.AdminAddr, "unset keys keep their defaults")
	assert.Equal(t, 90*time.Second, cfg.Server.GracefulTimeout)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, 5433, cfg.Postgres.Port)
	assert.Equal(t, "require", cfg.Postgres.SSLMode)
	assert.Equal(t, 24*time.Hour, cfg.Stream.EventTTL)
	assert.Equal(t, 150*time.Millisecond, cfg.Stream.FlushInterval)
	assert.Equal(t, 32, cfg.Stream.MaxBatch)
	assert.Equal(t, 30, cfg.RateLimit.Default.Requests)
	require.Contains(t, cfg.RateLimit.PerProvider, "anthropic")
	assert.Equal(t, 10, cfg.RateLimit.PerProvider["anthropic"].Requests)
	assert.Equal(t, time.Hour, cfg.RateLimit.PerProvider["anthropic"].Window)
	assert.Equal(t, float64(5), cfg.Providers.OpenAI.RPS)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "collector:4317", cfg.Tracing.OTLPEndpoint)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadHonorsConfigPathEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("POSTGRES_HOST", "pg.test")
	t.Setenv("POSTGRES_PORT", "54321")
	t.Setenv("POSTGRES_USER", "tester")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "testdb")
	t.Setenv("REDIS_ADDR", "redis.test:6380")
	t.Setenv("OPENAI_API_KEY", "sk-service")
	t.Setenv("CHATSTREAM_MASTER_KEY", testMasterKey)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "pg.test", cfg.Postgres.Host)
	assert.Equal(t, 54321, cfg.Postgres.Port)
	assert.Equal(t, "tester", cfg.Postgres.User)
	assert.Equal(t, "secret", cfg.Postgres.Password)
	assert.Equal(t, "testdb", cfg.Postgres.Database)
	assert.Equal(t, "redis.test:6380", cfg.Redis.Addr)
	assert.Equal(t, "sk-service", cfg.Providers.OpenAI.ServiceKey)
	assert.Equal(t, testMasterKey, cfg.Secrets.MasterKey)
}

func TestEnvOverridesIgnoreBadPort(t *testing.T) {
	t.Setenv("POSTGRES_PORT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5432, cfg.Postgres.Port)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Secrets.MasterKey = testMasterKey
		return cfg
	}

	require.NoError(t, valid().Validate())

	t.Run("log level", func(t *testing.T) {
		cfg := valid()
		cfg.LogLevel = "verbose"
		assert.ErrorContains(t, cfg.Validate(), "log_level")
	})

	t.Run("postgres", func(t *testing.T) {
		cfg := valid()
		cfg.Postgres.Host = ""
		assert.ErrorContains(t, cfg.Validate(), "postgres")
	})

	t.Run("master key", func(t *testing.T) {
		cfg := valid()
		cfg.Secrets.MasterKey = ""
		assert.ErrorContains(t, cfg.Validate(), "master_key")
	})

	t.Run("negative limit", func(t *testing.T) {
		cfg := valid()
		cfg.RateLimit.PerProvider = map[string]LimitConfig{
			"openai": {Requests: -1, Window: time.Hour},
		}
		assert.ErrorContains(t, cfg.Validate(), "per_provider")
	})
}
