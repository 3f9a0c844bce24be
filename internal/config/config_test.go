package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Settlement.BatchSize != 500 {
		t.Errorf("batch size = %d, want 500", cfg.Settlement.BatchSize)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
log_level = "debug"

[server]
port = 9090
request_timeout = "5s"

[database]
url = "postgres://localhost/predict"
pool_max_conns = 4
pool_min_conns = 1

[redis]
url = "redis://localhost:6379/0"
cache_ttl = "1m"

[settlement]
batch_size = 50
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PREDICT_SETTLEMENT_BATCH_SIZE", "25")
	t.Setenv("PREDICT_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout.Duration != 5*time.Second {
		t.Errorf("request timeout = %v, want 5s", cfg.Server.RequestTimeout.Duration)
	}
	if cfg.Server.ReadTimeout.Duration != 10*time.Second {
		t.Errorf("read timeout should keep its default, got %v", cfg.Server.ReadTimeout.Duration)
	}
	if cfg.Redis.CacheTTL.Duration != time.Minute {
		t.Errorf("cache ttl = %v, want 1m", cfg.Redis.CacheTTL.Duration)
	}
	if cfg.Settlement.BatchSize != 25 {
		t.Errorf("env should override file: batch size = %d", cfg.Settlement.BatchSize)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Errorf("cors origins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("slog level = %v, want debug", cfg.SlogLevel())
	}
}

func TestLoad_PlatformEnv(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("DATABASE_URL", "postgres://legacy/db")
	t.Setenv("PREDICT_DATABASE_URL", "postgres://preferred/db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://preferred/db" {
		t.Errorf("prefixed variable should win, got %q", cfg.Database.URL)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Server.Port = 0
	cfg.Database.PoolMinConns = 20
	cfg.Redis.URL = "redis://localhost"
	cfg.Settlement.BatchSize = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log_level", "port", "pool_min_conns", "redis: url requires database.url", "batch_size"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %q", err, want)
		}
	}
}
