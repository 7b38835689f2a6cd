// Package config loads the relay's configuration from the environment.
// Priority: environment variables > .env file > defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Config holds every tunable the relay reads at startup.
type Config struct {
	// Server basics
	Addr           string `env:"RELAY_ADDR" envDefault:":3000"`
	AllowedOrigins string `env:"RELAY_ALLOWED_ORIGINS" envDefault:"*"`

	// Admission
	RateLimitPoints int           `env:"RELAY_RATE_LIMIT_POINTS" envDefault:"100"`
	RateLimitWindow time.Duration `env:"RELAY_RATE_LIMIT_WINDOW" envDefault:"60s"`
	MaxSessions     int           `env:"RELAY_MAX_SESSIONS" envDefault:"10000"`
	MaxPayloadBytes int64         `env:"RELAY_MAX_PAYLOAD_BYTES" envDefault:"262144"`

	// Envelope retention
	DefaultTTL time.Duration `env:"RELAY_DEFAULT_TTL" envDefault:"24h"`
	MaxTTL     time.Duration `env:"RELAY_MAX_TTL" envDefault:"168h"`

	// Maintenance cadences
	EnvelopeSweepInterval time.Duration `env:"RELAY_ENVELOPE_SWEEP_INTERVAL" envDefault:"5m"`
	SessionSweepInterval  time.Duration `env:"RELAY_SESSION_SWEEP_INTERVAL" envDefault:"1m"`
	SessionIdleTimeout    time.Duration `env:"RELAY_SESSION_IDLE_TIMEOUT" envDefault:"5m"`

	// Transport timeouts
	WriteTimeout       time.Duration `env:"RELAY_WRITE_TIMEOUT" envDefault:"10s"`
	ReplicationTimeout time.Duration `env:"RELAY_REPLICATION_TIMEOUT" envDefault:"5s"`

	// Monitoring
	StatsInterval time.Duration `env:"RELAY_STATS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (optional) and the
// environment, then validates it.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production sets real env vars.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RELAY_ADDR is required")
	}
	if c.RateLimitPoints < 1 {
		return fmt.Errorf("RELAY_RATE_LIMIT_POINTS must be > 0, got %d", c.RateLimitPoints)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RELAY_RATE_LIMIT_WINDOW must be > 0, got %s", c.RateLimitWindow)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("RELAY_MAX_SESSIONS must be > 0, got %d", c.MaxSessions)
	}
	if c.MaxPayloadBytes < 1 {
		return fmt.Errorf("RELAY_MAX_PAYLOAD_BYTES must be > 0, got %d", c.MaxPayloadBytes)
	}
	if c.DefaultTTL <= 0 {
		return fmt.Errorf("RELAY_DEFAULT_TTL must be > 0, got %s", c.DefaultTTL)
	}
	if c.MaxTTL < c.DefaultTTL {
		return fmt.Errorf("RELAY_MAX_TTL (%s) must be >= RELAY_DEFAULT_TTL (%s)", c.MaxTTL, c.DefaultTTL)
	}
	if c.EnvelopeSweepInterval <= 0 || c.SessionSweepInterval <= 0 {
		return fmt.Errorf("sweep intervals must be > 0")
	}
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("RELAY_SESSION_IDLE_TIMEOUT must be > 0, got %s", c.SessionIdleTimeout)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Origins returns the allowed CORS origins as a list. A single "*"
// allows every origin.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// LogConfig dumps the effective configuration as one structured event.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("allowed_origins", c.AllowedOrigins).
		Int("rate_limit_points", c.RateLimitPoints).
		Dur("rate_limit_window", c.RateLimitWindow).
		Int("max_sessions", c.MaxSessions).
		Int64("max_payload_bytes", c.MaxPayloadBytes).
		Dur("default_ttl", c.DefaultTTL).
		Dur("max_ttl", c.MaxTTL).
		Dur("envelope_sweep_interval", c.EnvelopeSweepInterval).
		Dur("session_sweep_interval", c.SessionSweepInterval).
		Dur("session_idle_timeout", c.SessionIdleTimeout).
		Dur("write_timeout", c.WriteTimeout).
		Dur("replication_timeout", c.ReplicationTimeout).
		Dur("stats_interval", c.StatsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Str("version", Version).
		Msg("Relay configuration loaded")
}
