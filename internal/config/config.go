// Package config loads service configuration from YAML with environment
// overrides for the values that differ per deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/strandlabs/chatstream/internal/tracing"
)

// Config is the full service configuration. Zero values for tunables defer
// to the owning component's default, so a minimal file or bare environment
// still boots.
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	Server    ServerConfig    `mapstructure:"server"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Stream    StreamConfig    `mapstructure:"stream"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Models    ModelsConfig    `mapstructure:"models"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Health    HealthConfig    `mapstructure:"health"`
	Tracing   tracing.Config  `mapstructure:"tracing"`
}

// ServerConfig addresses the two listeners: the API server and the admin
// server carrying metrics and health endpoints.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AdminAddr       string        `mapstructure:"admin_addr"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StreamConfig tunes the event log and the producer.
type StreamConfig struct {
	EventTTL      time.Duration `mapstructure:"event_ttl"`
	StopFlagTTL   time.Duration `mapstructure:"stop_flag_ttl"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MaxBatch      int           `mapstructure:"max_batch"`
	HistoryLimit  int           `mapstructure:"history_limit"`
	SystemPrompt  string        `mapstructure:"system_prompt"`
}

// LimitConfig is one fixed-window rate limit.
type LimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// RateLimitConfig holds the free-tier limits applied to requests that ride
// the shared service keys. PerProvider entries override Default by provider
// name.
type RateLimitConfig struct {
	Default     LimitConfig            `mapstructure:"default"`
	PerProvider map[string]LimitConfig `mapstructure:"per_provider"`
}

type ModelsConfig struct {
	Path string `mapstructure:"path"`
}

// ProviderConfig configures one upstream model provider. ServiceKey is the
// shared free-tier key; RPS and Burst pace outbound stream opens.
type ProviderConfig struct {
	BaseURL    string  `mapstructure:"base_url"`
	ServiceKey string  `mapstructure:"service_key"`
	RPS        float64 `mapstructure:"rps"`
	Burst      int     `mapstructure:"burst"`
}

type ProvidersConfig struct {
	OpenAI    ProviderConfig `mapstructure:"openai"`
	Anthropic ProviderConfig `mapstructure:"anthropic"`
}

type SecretsConfig struct {
	MasterKey string `mapstructure:"master_key"`
}

type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// Default returns the development baseline.
func Default() *Config {
	return &Config{
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Addr:            ":8080",
			AdminAddr:       ":9090",
			GracefulTimeout: 30 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "chatstream",
			Database: "chatstream",
			SSLMode:  "disable",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Models: ModelsConfig{
			Path: "config/models.yaml",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file when one is
// given (falling back to CONFIG_PATH), then environment overrides. Callers
// run Validate separately so tests can load partial configurations.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides maps the conventional deployment variables onto the
// loaded configuration. Only non-empty values override.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.Environment, "ENVIRONMENT")

	setString(&cfg.Server.Addr, "SERVER_ADDR")
	setString(&cfg.Server.AdminAddr, "ADMIN_ADDR")

	setString(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setString(&cfg.Postgres.User, "POSTGRES_USER")
	setString(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setString(&cfg.Postgres.Database, "POSTGRES_DB")
	setString(&cfg.Postgres.SSLMode, "POSTGRES_SSLMODE")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")

	setString(&cfg.Models.Path, "MODELS_PATH")

	setString(&cfg.Providers.OpenAI.ServiceKey, "OPENAI_API_KEY")
	setString(&cfg.Providers.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.Providers.Anthropic.ServiceKey, "ANTHROPIC_API_KEY")
	setString(&cfg.Providers.Anthropic.BaseURL, "ANTHROPIC_BASE_URL")

	setString(&cfg.Secrets.MasterKey, "CHATSTREAM_MASTER_KEY")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = n
	}
}

var logLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the fields the service cannot run without.
func (c *Config) Validate() error {
	if !logLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Postgres.Host == "" || c.Postgres.Database == "" || c.Postgres.User == "" {
		return fmt.Errorf("postgres host, user, and database are required")
	}
	if c.Postgres.Port <= 0 {
		return fmt.Errorf("postgres.port must be positive")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Models.Path == "" {
		return fmt.Errorf("models.path is required")
	}
	if c.Secrets.MasterKey == "" {
		return fmt.Errorf("secrets.master_key is required (set CHATSTREAM_MASTER_KEY)")
	}
	for provider, limit := range c.RateLimit.PerProvider {
		if limit.Requests < 0 || limit.Window < 0 {
			return fmt.Errorf("rate_limit.per_provider.%s must not be negative", provider)
		}
	}
	return nil
}
