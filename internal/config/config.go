// Package config holds the environment-driven configuration for the
// gateway. Every knob has a default and a LOOM_* override.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loomchat/loom/internal/history"
	"github.com/loomchat/loom/internal/ratelimit"
)

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	RateLimit ratelimit.Config
	History   HistoryConfig
	LLM       LLMConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	TLSCert        string
	TLSKey         string
	AllowedOrigins []string
}

type AuthConfig struct {
	TokenSecret    string
	TokenAlgorithm string
}

type HistoryConfig struct {
	MaxLength int
	// Retention is read from LOOM_HISTORY_RETENTION but is not applied:
	// history rings are stored in the KV store without an expiry.
	Retention time.Duration
}

type LLMConfig struct {
	URL          string
	APIKey       string
	Model        string
	MaxTokens    int
	Temperature  float64
	CacheEnabled bool
	CacheTTL     time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

type PostgresConfig struct {
	URL string
}

type TelemetryConfig struct {
	// Enabled controls whether the Prometheus sink is registered; a
	// disabled sink becomes a no-op.
	Enabled bool
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		Auth: AuthConfig{
			TokenAlgorithm: "HS256",
		},
		RateLimit: ratelimit.DefaultConfig(),
		History: HistoryConfig{
			MaxLength: history.DefaultMaxLength,
		},
		LLM: LLMConfig{
			URL:          "http://localhost:8000/v1",
			Model:        "Qwen/Qwen3-8B-AWQ",
			MaxTokens:    4096,
			Temperature:  0.7,
			CacheEnabled: true,
			CacheTTL:     24 * time.Hour,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Telemetry: TelemetryConfig{
			Enabled: true,
		},
	}
}

// envString loads a string environment variable into the target pointer if set
func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// envInt loads an integer environment variable into the target pointer if set and valid
func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

// envFloat loads a float64 environment variable into the target pointer if set and valid
func envFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// envBool loads a boolean environment variable into the target pointer if set and valid
func envBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// envDuration loads a duration ("10s", "1m") into the target pointer if set and valid
func envDuration(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}

// envStringSlice loads a comma-separated environment variable into a string slice
func envStringSlice(key string, target *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			*target = result
		}
	}
}

// Load builds the configuration from defaults and environment overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	envString("LOOM_SERVER_HOST", &cfg.Server.Host)
	envInt("LOOM_SERVER_PORT", &cfg.Server.Port)
	envString("LOOM_TLS_CERT", &cfg.Server.TLSCert)
	envString("LOOM_TLS_KEY", &cfg.Server.TLSKey)
	envStringSlice("LOOM_ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)

	envString("LOOM_AUTH_SECRET", &cfg.Auth.TokenSecret)
	envString("LOOM_AUTH_ALGORITHM", &cfg.Auth.TokenAlgorithm)

	envInt("LOOM_MAX_CONNS_PER_IP", &cfg.RateLimit.MaxConnectionsPerIP)
	envInt("LOOM_MAX_CONNS_PER_USER", &cfg.RateLimit.MaxConnectionsPerUser)
	envInt("LOOM_MSGS_PER_SECOND", &cfg.RateLimit.MessagesPerSecond)
	envInt("LOOM_MSGS_PER_MINUTE", &cfg.RateLimit.MessagesPerMinute)
	envInt("LOOM_MSGS_PER_HOUR", &cfg.RateLimit.MessagesPerHour)
	envInt("LOOM_MSGS_PER_DAY", &cfg.RateLimit.MessagesPerDay)
	envDuration("LOOM_CONNECT_TIMEOUT", &cfg.RateLimit.ConnectTimeout)
	envDuration("LOOM_MESSAGE_TIMEOUT", &cfg.RateLimit.MessageTimeout)

	envInt("LOOM_HISTORY_MAX", &cfg.History.MaxLength)
	envDuration("LOOM_HISTORY_RETENTION", &cfg.History.Retention)

	envString("LOOM_LLM_URL", &cfg.LLM.URL)
	envString("LOOM_LLM_API_KEY", &cfg.LLM.APIKey)
	envString("LOOM_LLM_MODEL", &cfg.LLM.Model)
	envInt("LOOM_LLM_MAX_TOKENS", &cfg.LLM.MaxTokens)
	envFloat("LOOM_LLM_TEMPERATURE", &cfg.LLM.Temperature)
	envBool("LOOM_LLM_CACHE_ENABLED", &cfg.LLM.CacheEnabled)
	envDuration("LOOM_LLM_CACHE_TTL", &cfg.LLM.CacheTTL)

	envString("LOOM_REDIS_ADDR", &cfg.Redis.Addr)
	envString("LOOM_REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("LOOM_REDIS_DB", &cfg.Redis.DB)
	envInt("LOOM_REDIS_POOL_SIZE", &cfg.Redis.PoolSize)

	envString("LOOM_POSTGRES_URL", &cfg.Postgres.URL)

	envBool("LOOM_TELEMETRY_ENABLED", &cfg.Telemetry.Enabled)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// Validate checks that the configuration has usable values.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server port must be between 1 and 65535")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, "TLS cert and key must be set together")
	}

	if c.Auth.TokenSecret == "" {
		errs = append(errs, "auth token secret is required")
	}
	switch c.Auth.TokenAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		errs = append(errs, "auth token algorithm must be HS256, HS384 or HS512")
	}

	if c.RateLimit.MaxConnectionsPerIP < 1 || c.RateLimit.MaxConnectionsPerUser < 1 {
		errs = append(errs, "connection limits must be at least 1")
	}
	if c.RateLimit.MessagesPerSecond < 1 {
		errs = append(errs, "messages per second must be at least 1")
	}
	if c.RateLimit.ConnectTimeout <= 0 || c.RateLimit.MessageTimeout <= 0 {
		errs = append(errs, "timeouts must be positive")
	}

	if c.History.MaxLength < 1 {
		errs = append(errs, "history max length must be at least 1")
	}

	if c.LLM.URL == "" {
		errs = append(errs, "LLM URL is required")
	} else if !isValidURL(c.LLM.URL) {
		errs = append(errs, "LLM URL must be a valid URL")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, "LLM temperature must be between 0 and 2")
	}
	if c.LLM.MaxTokens < 1 {
		errs = append(errs, "LLM max_tokens must be positive")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis address is required")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis pool size must be at least 1")
	}

	if c.Postgres.URL != "" && !strings.HasPrefix(c.Postgres.URL, "postgres") {
		errs = append(errs, "postgres URL must be a postgres:// connection string")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
