package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path on top of the built-in defaults and
// applies LEDGER_* environment overrides. An empty path uses the defaults.
// The returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "LEDGER_LOG_LEVEL")

	setInt(&cfg.Server.Port, "PORT") // compatibility alias
	setInt(&cfg.Server.Port, "LEDGER_SERVER_PORT")
	setDuration(&cfg.Server.ShutdownTimeout, "LEDGER_SERVER_SHUTDOWN_TIMEOUT")

	setStr(&cfg.Postgres.URL, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.URL, "LEDGER_POSTGRES_URL")
	setBool(&cfg.Postgres.RunMigrations, "LEDGER_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.URL, "REDIS_URL") // compatibility alias
	setStr(&cfg.Redis.URL, "LEDGER_REDIS_URL")

	setInt(&cfg.Ledger.MaxBitmapPositions, "LEDGER_MAX_BITMAP_POSITIONS")
	setDuration(&cfg.Ledger.CacheTTL, "LEDGER_CACHE_TTL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
