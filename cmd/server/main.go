// Package main is the entry point for the nexus server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply migrations.
//  3. Create the repository and catalog service (eagerly loading the cache).
//  4. Build the metering counter (Redis when configured, memory otherwise)
//     and the access gate on top of it.
//  5. Start the public HTTP server, and the moderation portal on the
//     tailnet when ADMIN_HOSTNAME is set.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/promptnexus/nexus/internal/access"
	"github.com/promptnexus/nexus/internal/admin"
	"github.com/promptnexus/nexus/internal/auth"
	"github.com/promptnexus/nexus/internal/config"
	"github.com/promptnexus/nexus/internal/logging"
	"github.com/promptnexus/nexus/internal/meter"
	"github.com/promptnexus/nexus/internal/metrics"
	"github.com/promptnexus/nexus/internal/middleware"
	"github.com/promptnexus/nexus/internal/repository"
	"github.com/promptnexus/nexus/internal/server"
	"github.com/promptnexus/nexus/internal/service"
	"github.com/promptnexus/nexus/internal/storage"
	"github.com/promptnexus/nexus/internal/tracing"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"tailscale.com/tsnet"
)

const (
	shutdownTimeout        = 10 * time.Second
	httpReadHeaderTimeout  = 5 * time.Second
	httpIdleTimeout        = 2 * time.Minute
	sessionJanitorInterval = time.Hour
	tokenIssuer            = "promptnexus"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return err
	}

	repo := repository.NewPostgresRepository(pool)
	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	var images *storage.ImageStore
	if cfg.MinioEndpoint != "" {
		images, err = storage.New(ctx, storage.Config{
			Endpoint:        cfg.MinioEndpoint,
			AccessKeyID:     cfg.MinioAccessKey,
			SecretAccessKey: cfg.MinioSecretKey,
			BucketName:      cfg.MinioBucket,
			Region:          cfg.MinioRegion,
			UseSSL:          cfg.MinioUseSSL,
			PublicBaseURL:   cfg.MinioPublicURL,
		})
		if err != nil {
			return fmt.Errorf("init image store: %w", err)
		}
	}

	svcOpts := []service.Option{
		service.WithCacheHooks(m.IncCacheLoads, m.IncCacheInvalidations),
		service.WithResyncInterval(cfg.CacheResyncInterval),
	}
	if images != nil {
		svcOpts = append(svcOpts, service.WithImageCleanup(images))
	}
	svc, err := service.New(ctx, repo, svcOpts...)
	if err != nil {
		return fmt.Errorf("init catalog service: %w", err)
	}

	counter := meter.NewCounter(newMeterStore(cfg, log), cfg.RevealLimit, log)
	gate := access.NewGate(counter, access.WithMetrics(m.IncReveals, m.IncQuotaDenials))

	tokens, err := auth.NewTokenManager([]byte(cfg.JWTSecret), tokenIssuer)
	if err != nil {
		return fmt.Errorf("init token manager: %w", err)
	}

	serverCfg := server.Config{
		Catalog:            svc,
		Accounts:           repo,
		Gate:               gate,
		Tokens:             tokens,
		MetricsHandler:     m.Handler(),
		StreamPollInterval: cfg.StreamPollInterval,
		MaxJSONBodySize:    cfg.MaxJSONBodySize,
		OnDecision:         m.RecordDecision,
		OnStreamOpen:       m.ActiveStreams.Inc,
		OnStreamClose:      m.ActiveStreams.Dec,
	}

	if images != nil {
		serverCfg.Images = images
	}

	authMw := auth.NewMiddleware(tokens, repo, func(err error) {
		log.Warn("profile load failed, degrading to free tier", "error", err)
		m.IncAuthFailures()
	})

	loginLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer loginLimiter.Stop()

	var handler http.Handler = server.NewHTTPHandler(serverCfg)
	handler = authMw.Wrap(handler)
	handler = middleware.AuthRateLimit(loginLimiter, handler)
	handler = m.HTTPMiddleware(handler)
	handler = middleware.HTTPRequestLogging(log)(handler)
	handler = otelhttp.NewHandler(handler, "nexus-http")

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	tsServer, err := startAdminPortal(ctx, cfg, repo, svc, log)
	if err != nil {
		return err
	}
	if tsServer != nil {
		defer tsServer.Close()
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

// newMeterStore picks the reveal-count store. Redis when configured and
// reachable; otherwise in-memory, which the counter also falls back to at
// runtime if the durable store starts failing.
func newMeterStore(cfg config.Config, log *slog.Logger) meter.KeyValueStore {
	if cfg.RedisAddr == "" {
		log.Info("reveal metering using in-memory store")
		return meter.NewMemoryStore()
	}

	store, err := meter.NewRedisStore(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Warn("redis unavailable, reveal metering degraded to memory", "error", err)
		return meter.NewMemoryStore()
	}

	log.Info("reveal metering using redis", "addr", cfg.RedisAddr)
	return store
}

// startAdminPortal brings up the moderation portal on the tailnet when
// ADMIN_HOSTNAME is configured. Returns the tsnet server so the caller can
// close it on shutdown, or nil when the portal is disabled.
func startAdminPortal(ctx context.Context, cfg config.Config, repo *repository.PostgresRepository, svc *service.Service, log *slog.Logger) (*tsnet.Server, error) {
	if cfg.AdminHostname == "" {
		return nil, nil
	}
	if cfg.TSAuthKey == "" {
		return nil, errors.New("ADMIN_HOSTNAME is set but TS_AUTH_KEY is missing")
	}

	if err := os.MkdirAll(cfg.TSStateDir, 0700); err != nil {
		return nil, fmt.Errorf("create ts-state dir: %w", err)
	}

	tsServer := &tsnet.Server{
		Hostname: cfg.AdminHostname,
		AuthKey:  cfg.TSAuthKey,
		Dir:      cfg.TSStateDir,
		Logf:     func(format string, args ...any) { log.Debug(fmt.Sprintf(format, args...), "component", "tailscale") },
	}

	sessionMgr := admin.NewSessionManager(repo, cfg.SessionSecret)
	adminHandler := admin.NewHandler(repo, svc, sessionMgr, log)

	adminLis, err := tsServer.Listen("tcp", ":80")
	if err != nil {
		tsServer.Close()
		return nil, fmt.Errorf("listen tailnet: %w", err)
	}
	log.Info("admin portal listening", "hostname", cfg.AdminHostname, "transport", "tailscale")

	adminServer := &http.Server{Handler: adminHandler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := adminServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server shutdown error", "error", err)
		}
	}()
	go func() {
		if err := adminServer.Serve(adminLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server error", "error", err)
		}
	}()

	// Expired portal sessions pile up otherwise.
	go func() {
		ticker := time.NewTicker(sessionJanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := repo.DeleteExpiredAdminSessions(ctx, time.Now())
				if err != nil {
					log.Warn("admin session cleanup failed", "error", err)
					continue
				}
				if removed > 0 {
					log.Debug("expired admin sessions removed", "count", removed)
				}
			}
		}
	}()

	return tsServer, nil
}
