// Package main is the entrypoint for the procmine API server.
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

	"github.com/kiranshivaraju/procmine/internal/api"
	"github.com/kiranshivaraju/procmine/internal/api/handler"
	mw "github.com/kiranshivaraju/procmine/internal/api/middleware"
	"github.com/kiranshivaraju/procmine/internal/api/response"
	"github.com/kiranshivaraju/procmine/internal/cache"
	"github.com/kiranshivaraju/procmine/internal/config"
	"github.com/kiranshivaraju/procmine/internal/discovery"
	"github.com/kiranshivaraju/procmine/internal/insights"
	"github.com/kiranshivaraju/procmine/internal/jobs"
	"github.com/kiranshivaraju/procmine/internal/metrics"
	"github.com/kiranshivaraju/procmine/internal/pipeline"
	"github.com/kiranshivaraju/procmine/internal/render"
	"github.com/kiranshivaraju/procmine/internal/storage"
	"github.com/kiranshivaraju/procmine/internal/store"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config; fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "storage", cfg.Storage.Provider, "render_format", cfg.Pipeline.RenderFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Pipeline.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Blob storage
	blobs, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("create blob storage: %w", err)
	}
	slog.Info("blob storage ready", "provider", cfg.Storage.Provider)

	// 6. Pipeline, runner and services
	pgStore := store.NewPostgresStore(pool)
	collector := metrics.NewCollector()
	format, _ := render.ParseFormat(cfg.Pipeline.RenderFormat)
	stages := pipeline.NewStages(discovery.HeuristicsOptions{
		DependencyThreshold: cfg.Pipeline.DependencyThreshold,
		MinEdgeOccurrences:  cfg.Pipeline.MinEdgeOccurrences,
	}, render.NewGraphvizRenderer(cfg.Pipeline.GraphvizBinary), format, collector)

	runner := pipeline.NewRunner(pgStore, redisCache, blobs, stages, pipeline.Options{
		JobTimeout: cfg.Pipeline.JobTimeout,
		Metrics:    collector,
	})
	// Nothing can still own a pending or running job at this point.
	if _, err := runner.Recover(ctx); err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}
	jobSvc := jobs.NewService(pgStore, redisCache, blobs, runner, jobs.Options{
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Metrics:        collector,
	})
	insightSvc, err := insights.NewService(pgStore, blobs, stages, cfg.Insights.CacheSize, collector)
	if err != nil {
		return fmt.Errorf("create insights service: %w", err)
	}

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.RateLimit.RequestsPerMinute),
		Metrics:   collector.Handler(),

		HealthHandler:        healthHandler(pgStore, redisCache, blobs),
		CreateJobHandler:     handler.NewCreateJobHandler(jobSvc, cfg.Server.MaxUploadBytes),
		JobStatusHandler:     handler.NewJobStatusHandler(jobSvc),
		ListProjectsHandler:  handler.NewListProjectsHandler(jobSvc),
		GetProjectHandler:    handler.NewGetProjectHandler(jobSvc),
		DeleteProjectHandler: handler.NewDeleteProjectHandler(jobSvc),
		ModelHandler:         handler.NewModelHandler(insightSvc),
		ConformanceHandler:   handler.NewConformanceHandler(insightSvc),
		PredictHandler:       handler.NewPredictHandler(insightSvc),
		LimitsHandler:        handler.NewLimitsHandler(jobSvc),
	}
	if local, ok := blobs.(*storage.LocalStore); ok {
		deps.Media = local.Handler()
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
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
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		if err := runner.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("runner shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database, cache and blob storage connectivity.
func healthHandler(s store.Store, c cache.Cache, b storage.Blob) http.HandlerFunc {
	deps := []struct {
		name string
		p    pinger
	}{
		{"database", s},
		{"cache", c},
		{"storage", b},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{}
		degraded := false
		for _, d := range deps {
			checks[d.name] = "ok"
			if err := d.p.Ping(r.Context()); err != nil {
				checks[d.name] = "degraded"
				degraded = true
			}
		}

		if degraded {
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
