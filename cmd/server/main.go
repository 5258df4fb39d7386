// Package main is the entrypoint for the orchestration API server.
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

	"github.com/rob634/rmhgeoapi-sub017/internal/api"
	"github.com/rob634/rmhgeoapi-sub017/internal/api/handler"
	"github.com/rob634/rmhgeoapi-sub017/internal/cache"
	"github.com/rob634/rmhgeoapi-sub017/internal/config"
	"github.com/rob634/rmhgeoapi-sub017/internal/pipeline"
	"github.com/rob634/rmhgeoapi-sub017/pkg/broker"
	"github.com/rob634/rmhgeoapi-sub017/pkg/coordinator"
	"github.com/rob634/rmhgeoapi-sub017/pkg/registry"
	"github.com/rob634/rmhgeoapi-sub017/pkg/state"
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
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := state.Open(cfg.Database.URL, state.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	store := state.NewGormStateManager(db)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	slog.Info("database connected")

	b, err := broker.NewRedisBroker(cfg.Redis.URL, cfg.Redis.KeyPrefix)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer b.Close()

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	slog.Info("redis connected")

	reg := registry.New()
	if err := pipeline.Register(reg); err != nil {
		return fmt.Errorf("register pipelines: %w", err)
	}
	slog.Info("pipelines registered", "job_types", reg.JobTypes())

	coord := coordinator.New(store, b, reg)

	deps := api.Dependencies{
		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": store,
			"broker":   b,
			"cache":    redisCache,
		}),
		SubmitJobHandler: handler.NewSubmitJobHandler(coord),
		GetJobHandler:    handler.NewGetJobHandler(store, redisCache),
		ListTasksHandler: handler.NewListJobTasksHandler(store),
	}
	router := api.NewRouter(deps)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
