package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/nexus")
	t.Setenv("JWT_SECRET", strings.Repeat("s", 32))
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.RevealLimit != 3 {
		t.Errorf("RevealLimit = %d, want 3", cfg.RevealLimit)
	}
	if cfg.StreamPollInterval != time.Second {
		t.Errorf("StreamPollInterval = %v", cfg.StreamPollInterval)
	}
	if cfg.MaxJSONBodySize != 1<<20 {
		t.Errorf("MaxJSONBodySize = %d", cfg.MaxJSONBodySize)
	}
	if cfg.CacheResyncInterval != time.Minute {
		t.Errorf("CacheResyncInterval = %v", cfg.CacheResyncInterval)
	}
	if cfg.AuthRateLimit != 10 {
		t.Errorf("AuthRateLimit = %d", cfg.AuthRateLimit)
	}
	if cfg.TSStateDir != "tsnet-state" {
		t.Errorf("TSStateDir = %q", cfg.TSStateDir)
	}
}

func TestLoadRequiredVariables(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", strings.Repeat("s", 32))
	if _, err := Load(); err == nil {
		t.Error("Load() without DATABASE_URL succeeded")
	}

	t.Setenv("DATABASE_URL", "postgres://localhost:5432/nexus")
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Error("Load() without JWT_SECRET succeeded")
	}

	t.Setenv("JWT_SECRET", "too-short")
	if _, err := Load(); err == nil {
		t.Error("Load() with a short JWT_SECRET succeeded")
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("REVEAL_LIMIT", "5")
	t.Setenv("STREAM_POLL_INTERVAL", "250ms")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("MINIO_ENDPOINT", "localhost:9000")
	t.Setenv("MINIO_BUCKET", "nexus-images")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTPAddr != ":9999" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.RevealLimit != 5 {
		t.Errorf("RevealLimit = %d", cfg.RevealLimit)
	}
	if cfg.StreamPollInterval != 250*time.Millisecond {
		t.Errorf("StreamPollInterval = %v", cfg.StreamPollInterval)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", cfg.RedisAddr)
	}
	if cfg.MinioBucket != "nexus-images" {
		t.Errorf("MinioBucket = %q", cfg.MinioBucket)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "zero reveal limit", key: "REVEAL_LIMIT", value: "0"},
		{name: "garbage reveal limit", key: "REVEAL_LIMIT", value: "three"},
		{name: "negative poll interval", key: "STREAM_POLL_INTERVAL", value: "-1s"},
		{name: "garbage poll interval", key: "STREAM_POLL_INTERVAL", value: "soon"},
		{name: "zero body size", key: "MAX_JSON_BODY_SIZE", value: "0"},
		{name: "zero resync interval", key: "CACHE_RESYNC_INTERVAL", value: "0s"},
		{name: "zero rate limit", key: "AUTH_RATE_LIMIT", value: "0"},
		{name: "garbage minio ssl", key: "MINIO_USE_SSL", value: "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%q succeeded", tt.key, tt.value)
			}
		})
	}
}

func TestLoadAdminPortalValidation(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ADMIN_HOSTNAME", "nexus-admin")

	if _, err := Load(); err == nil {
		t.Error("Load() with ADMIN_HOSTNAME but no SESSION_SECRET succeeded")
	}

	t.Setenv("SESSION_SECRET", "short")
	if _, err := Load(); err == nil {
		t.Error("Load() with a short SESSION_SECRET succeeded")
	}

	t.Setenv("SESSION_SECRET", strings.Repeat("k", 32))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AdminHostname != "nexus-admin" {
		t.Errorf("AdminHostname = %q", cfg.AdminHostname)
	}
}

func TestLoadMinioRequiresBucket(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MINIO_ENDPOINT", "localhost:9000")
	t.Setenv("MINIO_BUCKET", "")

	if _, err := Load(); err == nil {
		t.Error("Load() with MINIO_ENDPOINT but no MINIO_BUCKET succeeded")
	}
}
