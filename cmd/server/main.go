// Package main is the entrypoint for the sner API server.
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

	"github.com/sner-project/sner/internal/api"
	"github.com/sner-project/sner/internal/api/handler"
	mw "github.com/sner-project/sner/internal/api/middleware"
	"github.com/sner-project/sner/internal/api/response"
	"github.com/sner-project/sner/internal/cache"
	"github.com/sner-project/sner/internal/config"
	"github.com/sner-project/sner/internal/scheduler"
	"github.com/sner-project/sner/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "var_dir", cfg.Scheduler.VarDir)

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
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Redis cache, optional. Without it rate limiting and the
	// storage result cache are disabled.
	var redisCache cache.Cache
	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer rc.Close()

		if err := rc.Ping(ctx); err != nil {
			slog.Warn("redis unreachable, continuing without cache", "error", err)
		} else {
			slog.Info("redis connected")
		}
		redisCache = rc
	}

	// 5. Create store and scheduler
	pgStore := store.NewPostgresStore(pool)
	sched := scheduler.NewService(pool, cfg.Scheduler, logger)

	// Recover scheduler state left over from a previous run
	if err := sched.ReconcileHeatmap(ctx); err != nil {
		return fmt.Errorf("reconcile heatmap: %w", err)
	}
	if err := sched.ReadynetRecount(ctx); err != nil {
		return fmt.Errorf("recount readynets: %w", err)
	}

	// 6. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 0)
	storageHandlers := handler.NewStorageHandlers(pgStore, redisCache)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler:    healthHandler(pgStore, redisCache),
		JobAssignHandler: handler.NewJobAssignHandler(sched),
		JobOutputHandler: handler.NewJobOutputHandler(sched),
		StatsHandler:     handler.NewStatsHandler(pgStore, redisCache),

		StorageHostHandler:        storageHandlers.Host,
		StorageRangeHandler:       storageHandlers.Range,
		StorageServicelistHandler: storageHandlers.Servicelist,
		StorageNotelistHandler:    storageHandlers.Notelist,
		StorageVersioninfoHandler: storageHandlers.Versioninfo,
		StorageVulnsearchHandler:  storageHandlers.Vulnsearch,
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Snapshot the heatmap for operators inspecting rate limiting state
	if err := sched.SaveHeatmap(shutdownCtx); err != nil {
		slog.Warn("heatmap snapshot failed", "error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
		}
		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if c != nil {
			checks["cache"] = "ok"
			if err := c.Ping(r.Context()); err != nil {
				checks["cache"] = "degraded"
			}
		}

		for _, state := range checks {
			if state != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "degraded")
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
