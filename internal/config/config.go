// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//   - JWT_SECRET: HMAC secret for member tokens (at least 32 characters).
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: slog level, one of debug|info|warn|error (default "info").
//   - REVEAL_LIMIT: free premium reveals per device (default "3").
//   - REDIS_ADDR: Redis address for durable reveal counts; empty keeps
//     counting in process memory.
//   - REDIS_PASSWORD: Redis password, if any.
//   - MINIO_ENDPOINT, MINIO_ACCESS_KEY, MINIO_SECRET_KEY, MINIO_BUCKET,
//     MINIO_REGION, MINIO_USE_SSL, MINIO_PUBLIC_URL: image storage; uploads
//     are disabled when MINIO_ENDPOINT is empty.
//   - STREAM_POLL_INTERVAL: SSE poll interval (default "1s", must be > 0).
//   - MAX_JSON_BODY_SIZE: max JSON request body in bytes (default "1048576").
//   - CACHE_RESYNC_INTERVAL: safety-net catalog refresh (default "1m").
//   - AUTH_RATE_LIMIT: per-IP auth attempts per minute (default "10").
//   - ADMIN_HOSTNAME: tailnet hostname for the admin portal; empty disables
//     the portal.
//   - TS_AUTH_KEY, TS_STATE_DIR: tsnet credentials and state directory.
//   - SESSION_SECRET: admin portal session secret, required (>= 32 chars)
//     when ADMIN_HOSTNAME is set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr                  = ":8080"
	defaultRevealLimit               = 3
	defaultStreamPollInterval        = time.Second
	defaultTSStateDir                = "tsnet-state"
	defaultAuthRateLimit             = 10
	defaultMaxJSONBodySize     int64 = 1 << 20 // 1MB
	defaultCacheResyncInterval       = time.Minute
)

// Config holds the runtime configuration for the nexus server.
type Config struct {
	DatabaseURL string
	HTTPAddr    string
	LogLevel    string
	JWTSecret   string
	RevealLimit int

	RedisAddr     string
	RedisPassword string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool
	MinioPublicURL string

	StreamPollInterval  time.Duration
	MaxJSONBodySize     int64
	CacheResyncInterval time.Duration
	AuthRateLimit       int

	AdminHostname string
	TSAuthKey     string
	TSStateDir    string
	SessionSecret string
}

// Load reads configuration from environment variables, applying defaults
// where appropriate. It returns an error if required variables are missing
// or if optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	jwtSecret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if jwtSecret == "" {
		return Config{}, errors.New("JWT_SECRET is required")
	}
	if len(jwtSecret) < 32 {
		return Config{}, errors.New("JWT_SECRET must be at least 32 characters")
	}

	revealLimit := defaultRevealLimit
	if value := strings.TrimSpace(os.Getenv("REVEAL_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse REVEAL_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("REVEAL_LIMIT must be > 0")
		}
		revealLimit = parsed
	}

	streamPollInterval := defaultStreamPollInterval
	if value := strings.TrimSpace(os.Getenv("STREAM_POLL_INTERVAL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse STREAM_POLL_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("STREAM_POLL_INTERVAL must be > 0")
		}
		streamPollInterval = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	cacheResyncInterval := defaultCacheResyncInterval
	if v := strings.TrimSpace(os.Getenv("CACHE_RESYNC_INTERVAL")); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse CACHE_RESYNC_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("CACHE_RESYNC_INTERVAL must be > 0")
		}
		cacheResyncInterval = parsed
	}

	authRateLimit := defaultAuthRateLimit
	if value := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		authRateLimit = parsed
	}

	minioUseSSL := false
	if v := strings.TrimSpace(os.Getenv("MINIO_USE_SSL")); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse MINIO_USE_SSL: %w", err)
		}
		minioUseSSL = parsed
	}

	minioEndpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	minioBucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if minioEndpoint != "" && minioBucket == "" {
		return Config{}, errors.New("MINIO_BUCKET is required when MINIO_ENDPOINT is set")
	}

	sessionSecret := strings.TrimSpace(os.Getenv("SESSION_SECRET"))
	adminHostname := strings.TrimSpace(os.Getenv("ADMIN_HOSTNAME"))
	if adminHostname != "" && sessionSecret == "" {
		return Config{}, errors.New("SESSION_SECRET is required when ADMIN_HOSTNAME is set")
	}
	if adminHostname != "" && len(sessionSecret) < 32 {
		return Config{}, errors.New("SESSION_SECRET must be at least 32 characters when ADMIN_HOSTNAME is set")
	}

	return Config{
		DatabaseURL: databaseURL,
		HTTPAddr:    envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:    envOrDefault("LOG_LEVEL", "info"),
		JWTSecret:   jwtSecret,
		RevealLimit: revealLimit,

		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		MinioEndpoint:  minioEndpoint,
		MinioAccessKey: strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY")),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    minioBucket,
		MinioRegion:    strings.TrimSpace(os.Getenv("MINIO_REGION")),
		MinioUseSSL:    minioUseSSL,
		MinioPublicURL: strings.TrimSpace(os.Getenv("MINIO_PUBLIC_URL")),

		StreamPollInterval:  streamPollInterval,
		MaxJSONBodySize:     maxJSONBodySize,
		CacheResyncInterval: cacheResyncInterval,
		AuthRateLimit:       authRateLimit,

		AdminHostname: adminHostname,
		TSAuthKey:     os.Getenv("TS_AUTH_KEY"),
		TSStateDir:    envOrDefault("TS_STATE_DIR", defaultTSStateDir),
		SessionSecret: sessionSecret,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
