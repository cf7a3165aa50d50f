package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"panopticon/internal/auth"
	"panopticon/internal/auth/provider"
	"panopticon/internal/config"
	transporthttp "panopticon/internal/http"
	"panopticon/internal/metrics"
	"panopticon/internal/platform/database"
	"panopticon/internal/platform/logging"
	"panopticon/internal/platform/migrate"
	"panopticon/internal/platform/telemetry"
)

const serviceName = "panopticon-auth-server"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("tracing shutdown failed", "error", err)
		}
	}()

	repo, cleanup, err := buildRepository(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	tokens, err := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.AccessTokenTTL)
	if err != nil {
		logger.Error("failed to initialize token issuer", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	providers := buildProviders(ctx, cfg, logger)
	svc := auth.NewService(auth.ServiceDeps{
		Repo:      repo,
		Exchanger: providers,
		Resolver:  auth.NewResolver(repo, auth.WithUnverifiedEmailMerge(cfg.AllowUnverifiedEmailMerge)),
		Sessions:  auth.NewSessionManager(repo, cfg.RefreshTTL),
		Tokens:    tokens,
		Logger:    logger,
		Recorder:  collector,
	})

	limiter := transporthttp.NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst, logger, collector.RecordRateLimited)
	router := transporthttp.NewRouter(cfg, transporthttp.Dependencies{
		Auth:        svc,
		Guard:       auth.NewGuard(tokens),
		Consent:     providers,
		RateLimiter: limiter,
		Metrics:     collector,
		Gatherer:    registry,
		Logger:      logger,
	})

	go sweepRateLimiter(ctx, cfg.RateLimitSweep, limiter, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddress(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    http.DefaultMaxHeaderBytes,
	}

	go func() {
		logger.Info("Panopticon auth server listening", "addr", srv.Addr, "store", cfg.DataStore, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func buildRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (auth.Repository, func(), error) {
	if cfg.UseInMemoryStore() {
		logger.Info("using in-memory repository")
		return auth.NewInMemoryRepository(), nil, nil
	}

	switch cfg.DataStore {
	case "postgres":
		db, err := database.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			_ = db.Close()
		}
		if err := migrate.Apply(ctx, db, migrate.DialectPostgres, logger); err != nil {
			cleanup()
			return nil, nil, err
		}
		logger.Info("connected to postgres")
		return auth.NewSQLRepository(db), cleanup, nil

	case "sqlite":
		db, err := database.NewSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			_ = db.Close()
		}
		if err := migrate.Apply(ctx, db, migrate.DialectSQLite, logger); err != nil {
			cleanup()
			return nil, nil, err
		}
		logger.Info("opened sqlite database", "path", cfg.SQLitePath)
		return auth.NewSQLRepository(db), cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unsupported data store %q", cfg.DataStore)
	}
}

func buildProviders(ctx context.Context, cfg config.Config, logger *slog.Logger) *provider.Registry {
	opts := []provider.Option{
		provider.WithHTTPClient(&http.Client{Timeout: cfg.ProviderHTTPTimeout}),
		provider.WithLogger(logger),
	}

	github := provider.NewGitHub(provider.Credentials(cfg.GitHub), opts...)
	google := provider.NewGoogle(ctx, provider.Credentials(cfg.Google), opts...)

	for _, a := range []struct {
		name    string
		enabled bool
	}{
		{name: "github", enabled: cfg.GitHub.Enabled()},
		{name: "google", enabled: cfg.Google.Enabled()},
	} {
		if !a.enabled {
			logger.Warn("oauth provider not configured; logins will be rejected", "provider", a.name)
		}
	}

	return provider.NewRegistry(github, google)
}

// sweepRateLimiter drops idle rate limiter entries until ctx ends.
func sweepRateLimiter(ctx context.Context, interval time.Duration, limiter *transporthttp.RateLimiter, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := limiter.Sweep(); removed > 0 {
				logger.Debug("rate limiter entries swept", "count", removed)
			}
		}
	}
}
