// Package main is the entrypoint for the changeanyfile API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/changeanyfile/internal/api"
	"github.com/kiranshivaraju/changeanyfile/internal/api/handler"
	mw "github.com/kiranshivaraju/changeanyfile/internal/api/middleware"
	"github.com/kiranshivaraju/changeanyfile/internal/api/response"
	"github.com/kiranshivaraju/changeanyfile/internal/artifact"
	"github.com/kiranshivaraju/changeanyfile/internal/cache"
	"github.com/kiranshivaraju/changeanyfile/internal/config"
	"github.com/kiranshivaraju/changeanyfile/internal/events"
	"github.com/kiranshivaraju/changeanyfile/internal/jobs"
	"github.com/kiranshivaraju/changeanyfile/internal/metrics"
	"github.com/kiranshivaraju/changeanyfile/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	migrationsDir   = "migrations"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not read .env file", "error", err)
	}

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"database", cfg.Database.Driver,
		"upload_dir", cfg.Storage.UploadDir,
		"processed_dir", cfg.Storage.ProcessedDir,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	st, closeStore, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer closeStore()
	slog.Info("database connected", "driver", cfg.Database.Driver)

	// 3. Run migrations
	if err := store.Migrate(cfg.Database, migrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Storage directories
	for _, dir := range []string{cfg.Storage.UploadDir, cfg.Storage.ProcessedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}

	// 5. Optional Redis cache
	var statusCache cache.Cache = cache.Nop{}
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		statusCache = redisCache
		slog.Info("redis connected")
	} else {
		slog.Info("REDIS_URL not set, status cache and rate limiting disabled")
	}

	// 6. Optional NATS event publisher
	var publisher events.Publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		natsPub, err := events.Connect(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsPub.Close()
		publisher = natsPub
		slog.Info("nats connected", "subject", cfg.NATS.Subject)
	}

	// 7. Job pipeline
	m := metrics.New(prometheus.DefaultRegisterer)
	resolver := artifact.NewResolver(cfg.Storage.UploadDir, cfg.Storage.ProcessedDir)
	uploads := artifact.NewUploads(cfg.Storage.UploadDir, cfg.Server.MaxUploadBytes)

	processor := jobs.NewProcessor(st, resolver, statusCache, publisher, m, jobs.ProcessorConfig{
		Timeout:        cfg.Worker.JobTimeout,
		CopyDelay:      cfg.Worker.CopyDelay,
		FinalizeDelay:  cfg.Worker.FinalizeDelay,
		RecordAttempts: cfg.Worker.RecordAttempts,
		StatusTTL:      cfg.Redis.StatusTTL,
	})
	scheduler := jobs.NewScheduler(processor, cfg.Worker.Count, cfg.Worker.QueueSize, m)
	svc := jobs.NewService(st, resolver, scheduler, statusCache, publisher, m, cfg.Redis.StatusTTL)

	// Nothing is running yet, so every processing row belongs to a dead process.
	report, err := svc.RecoverInterrupted(ctx, jobs.RecoverOptions{Requeue: true})
	if err != nil {
		slog.Error("recovering interrupted jobs", "error", err)
	} else if report.Pending > 0 {
		slog.Warn("queued jobs left pending, retrying as workers free up",
			"pending", report.Pending,
			"interval", cfg.Worker.RecoverInterval,
		)
	}

	// 8. Build router with dependencies
	deps := api.Dependencies{
		RateLimit:   mw.NewRateLimit(statusCache, cfg.Server.RequestsPerMinute),
		CORSOrigins: cfg.Server.CORSOrigins,

		HealthHandler:    healthHandler(st, statusCache, publisher),
		MetricsHandler:   promhttp.Handler(),
		UploadHandler:    handler.NewUploadHandler(uploads),
		CreateJobHandler: handler.NewCreateJobHandler(svc),
		GetJobHandler:    handler.NewGetJobHandler(svc),
		JobStatusHandler: handler.NewJobStatusHandler(svc),
		JobLogsHandler:   handler.NewJobLogsHandler(svc),
		DownloadHandler:  handler.NewDownloadHandler(svc),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		svc.KeepRecovering(gctx, cfg.Worker.RecoverInterval, jobs.RecoverOptions{
			Requeue:    true,
			StaleAfter: cfg.Worker.StaleAfter(),
		})
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		// Graceful shutdown with timeout: stop accepting requests, then let
		// workers finish their current jobs.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		if err := scheduler.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("worker shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
}

// pinger is implemented by event publishers that hold a live connection.
type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database, cache and event bus connectivity. Events are
// best-effort, so a lost bus is reported without failing the check.
func healthHandler(s store.Store, c cache.Cache, p events.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"events":   "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if _, disabled := c.(cache.Nop); disabled {
			checks["cache"] = "disabled"
		} else if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if bus, ok := p.(pinger); !ok {
			checks["events"] = "disabled"
		} else if err := bus.Ping(r.Context()); err != nil {
			checks["events"] = "degraded"
		}

		if checks["database"] == "degraded" || checks["cache"] == "degraded" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
