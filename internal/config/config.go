// Package config defines the ledger server configuration, loaded from a TOML
// file with LEDGER_* environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/bitmapstore"
	"github.com/atmx/position-ledger/internal/model"
	"github.com/atmx/position-ledger/internal/rates"
)

// Config is the root configuration.
type Config struct {
	LogLevel string                     `toml:"log_level"`
	Server   ServerConfig               `toml:"server"`
	Postgres PostgresConfig             `toml:"postgres"`
	Redis    RedisConfig                `toml:"redis"`
	Ledger   LedgerConfig               `toml:"ledger"`
	Rates    map[string]decimal.Decimal `toml:"rates"` // currency id -> settlement rate
}

// duration wraps time.Duration so the TOML decoder can parse strings like
// "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// PostgresConfig selects the durable store. An empty URL runs the ledger on
// the in-memory store.
type PostgresConfig struct {
	URL           string `toml:"url"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through cache in front of Postgres.
type RedisConfig struct {
	URL string `toml:"url"`
}

// LedgerConfig holds the ledger's tunables.
type LedgerConfig struct {
	MaxBitmapPositions int      `toml:"max_bitmap_positions"`
	CacheTTL           duration `toml:"cache_ttl"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: duration{10 * time.Second},
		},
		Postgres: PostgresConfig{
			RunMigrations: true,
		},
		Ledger: LedgerConfig{
			MaxBitmapPositions: bitmapstore.DefaultMaxPositions,
			CacheTTL:           duration{30 * time.Second},
		},
		Rates: map[string]decimal.Decimal{},
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		errs = append(errs, "server: shutdown_timeout must be > 0")
	}

	if c.Redis.URL != "" && c.Postgres.URL == "" {
		errs = append(errs, "redis: url requires postgres.url")
	}

	if n := c.Ledger.MaxBitmapPositions; n < 1 || n > 256 {
		errs = append(errs, fmt.Sprintf("ledger: max_bitmap_positions must be 1-256, got %d", n))
	}
	if c.Ledger.CacheTTL.Duration <= 0 {
		errs = append(errs, "ledger: cache_ttl must be > 0")
	}

	for key, rate := range c.Rates {
		if _, err := parseCurrency(key); err != nil {
			errs = append(errs, fmt.Sprintf("rates: %v", err))
		}
		if !rate.IsPositive() {
			errs = append(errs, fmt.Sprintf("rates: rate for %s must be > 0, got %s", key, rate))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func parseCurrency(key string) (uint16, error) {
	n, err := strconv.ParseUint(key, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("currency %q is not a number", key)
	}
	if err := model.CheckCurrency(uint16(n)); err != nil {
		return 0, err
	}
	return uint16(n), nil
}

// RateSource returns the configured settlement rates.
func (c *Config) RateSource() (rates.StaticSource, error) {
	src := make(rates.StaticSource, len(c.Rates))
	for key, rate := range c.Rates {
		id, err := parseCurrency(key)
		if err != nil {
			return nil, err
		}
		src[id] = rate
	}
	return src, nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ShutdownTimeout returns the graceful shutdown window.
func (c *Config) ShutdownTimeout() time.Duration {
	return c.Server.ShutdownTimeout.Duration
}

// CacheTTL returns the read-through cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return c.Ledger.CacheTTL.Duration
}
