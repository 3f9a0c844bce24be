package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML configuration file at path (skipped when path is
// empty), merges it on top of the built-in defaults, applies environment
// variable overrides, and returns the final Config. The returned Config has
// NOT been validated; the caller should invoke Config.Validate() after Load.
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

// applyEnvOverrides reads well-known environment variables and overwrites the
// corresponding Config fields when a variable is set (i.e. not empty). The
// unprefixed PORT, DATABASE_URL and REDIS_URL are honoured first so platform
// defaults keep working; PREDICT_* wins when both are set.
func applyEnvOverrides(cfg *Config) {
	// ── Platform ──
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")

	// ── Server ──
	setInt(&cfg.Server.Port, "PREDICT_SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "PREDICT_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "PREDICT_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.RequestTimeout, "PREDICT_SERVER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "PREDICT_SERVER_SHUTDOWN_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "PREDICT_SERVER_CORS_ORIGINS")

	// ── Database ──
	setStr(&cfg.Database.URL, "PREDICT_DATABASE_URL")
	setInt(&cfg.Database.PoolMaxConns, "PREDICT_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "PREDICT_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "PREDICT_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "PREDICT_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "PREDICT_REDIS_CACHE_TTL")

	// ── Settlement ──
	setInt(&cfg.Settlement.BatchSize, "PREDICT_SETTLEMENT_BATCH_SIZE")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "PREDICT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
