// Package main is the entry point for the visly server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables (a .env file is honored
//     when present).
//  2. Connect to PostgreSQL via pgxpool and apply migrations.
//  3. Create the repository and service (eagerly loading the settings
//     snapshot).
//  4. Start the public HTTP API and, when ADMIN_HOSTNAME is set, the
//     Tailscale-served admin portal.
//  5. Wait for SIGINT/SIGTERM, then gracefully shut down.
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
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"tailscale.com/tsnet"

	"github.com/visly/visly/internal/admin"
	"github.com/visly/visly/internal/cache"
	"github.com/visly/visly/internal/config"
	"github.com/visly/visly/internal/logging"
	"github.com/visly/visly/internal/metrics"
	"github.com/visly/visly/internal/middleware"
	"github.com/visly/visly/internal/repository"
	"github.com/visly/visly/internal/server"
	"github.com/visly/visly/internal/service"
	"github.com/visly/visly/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute

	sessionCleanupInterval = time.Hour
	insightPruneInterval   = 24 * time.Hour
	insightRetention       = 90 * 24 * time.Hour
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

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
			log.Error("tracer shutdown error", "error", err)
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

	styles, closeCache := newStylesheetCache(cfg.RedisAddr, log)
	defer closeCache()

	svc, err := service.New(ctx, repo, cfg.SiteTimezone, log, cfg.SettingsResyncInterval,
		service.WithMetrics(m),
		service.WithStylesheetCache(styles),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	limiter := middleware.NewFailureLimiter(ctx, cfg.AuthRateLimit)
	defer limiter.Stop()

	apiMux := server.NewMuxWithBodyLimit(svc, m.Handler(), cfg.MaxJSONBodySize)
	rootHandler := newHTTPHandler(apiMux, svc,
		middleware.WithOnAuthFailure(m.AuthFailuresTotal.Inc),
		middleware.WithFailureLimiter(limiter),
	)

	var handler http.Handler = rootHandler
	handler = middleware.Instrument(m, apiMux)(handler)
	handler = middleware.RequestLogging(log)(handler)
	handler = otelhttp.NewHandler(handler, "visly-http")

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	go pruneInsights(ctx, repo, logging.Component(log, "insights"))

	var tsServer *tsnet.Server
	if cfg.AdminHostname != "" {
		tsServer, err = startAdminPortal(ctx, cfg, repo, svc, log)
		if err != nil {
			return err
		}
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

	log.Info("server started", "http_addr", cfg.HTTPAddr, "timezone", cfg.SiteTimezone.String())

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

	if tsServer != nil {
		tsServer.Close()
	}

	return serveErr
}

// newHTTPHandler wraps the API mux with bearer auth on /v1, leaving the
// health check, metrics, and the stylesheet (fetched by browsers via <link>,
// which cannot carry a bearer token) public.
func newHTTPHandler(apiHandler http.Handler, validator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protected := middleware.BearerAuth(validator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protected)
	mux.Handle("GET /v1/stylesheet.css", apiHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}

func newStylesheetCache(redisAddr string, log *slog.Logger) (cache.StylesheetCache, func()) {
	if redisAddr == "" {
		return cache.NewMemory(), func() {}
	}

	rdb := cache.NewRedis(redisAddr)
	log.Info("stylesheet cache using redis", "addr", redisAddr)
	return cache.NewTiered(rdb), func() {
		if err := rdb.Close(); err != nil {
			log.Error("close redis", "error", err)
		}
	}
}

type insightPruner interface {
	PruneInsightEvents(ctx context.Context, olderThan time.Time) (int64, error)
}

func pruneInsights(ctx context.Context, repo insightPruner, log *slog.Logger) {
	ticker := time.NewTicker(insightPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := repo.PruneInsightEvents(ctx, time.Now().Add(-insightRetention))
			if err != nil {
				log.Error("prune insight events", "error", err)
				continue
			}
			if pruned > 0 {
				log.Info("pruned insight events", "count", pruned)
			}
		}
	}
}

func startAdminPortal(ctx context.Context, cfg config.Config, repo *repository.PostgresRepository, svc *service.Service, log *slog.Logger) (*tsnet.Server, error) {
	if cfg.TSAuthKey == "" {
		return nil, errors.New("ADMIN_HOSTNAME is set but TS_AUTH_KEY is missing")
	}

	if err := os.MkdirAll(cfg.TSStateDir, 0700); err != nil {
		return nil, fmt.Errorf("create ts-state dir: %w", err)
	}

	adminLog := logging.Component(log, "admin")
	tsServer := &tsnet.Server{
		Hostname: cfg.AdminHostname,
		AuthKey:  cfg.TSAuthKey,
		Dir:      cfg.TSStateDir,
		Logf: func(format string, args ...any) {
			adminLog.Debug(fmt.Sprintf(format, args...), "component", "tailscale")
		},
	}

	sessions := admin.NewSessionManager(repo, cfg.SessionSecret)
	adminHandler := admin.NewHandler(repo, svc, sessions, adminLog)

	listener, err := tsServer.Listen("tcp", ":80")
	if err != nil {
		return nil, fmt.Errorf("listen tailnet: %w", err)
	}
	log.Info("admin portal listening", "hostname", cfg.AdminHostname, "transport", "tailscale")

	adminServer := &http.Server{
		Handler:           adminHandler,
		ReadHeaderTimeout: httpReadHeaderTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := adminServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			adminLog.Error("admin server shutdown error", "error", err)
		}
	}()
	go func() {
		if err := adminServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			adminLog.Error("admin server error", "error", err)
		}
	}()

	// Expired sessions are also pruned on validation; this sweep keeps the
	// table small when nobody logs in.
	go func() {
		ticker := time.NewTicker(sessionCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := repo.DeleteExpiredAdminSessions(ctx); err != nil {
					adminLog.Error("delete expired admin sessions", "error", err)
				}
			}
		}
	}()

	return tsServer, nil
}
