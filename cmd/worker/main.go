// Package main is the entrypoint for the orchestration worker process.
// Workers consume job and task messages and run the registered handlers;
// one worker also hosts the recovery watchdog when enabled.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rob634/rmhgeoapi-sub017/internal/config"
	"github.com/rob634/rmhgeoapi-sub017/internal/pipeline"
	"github.com/rob634/rmhgeoapi-sub017/pkg/broker"
	"github.com/rob634/rmhgeoapi-sub017/pkg/coordinator"
	"github.com/rob634/rmhgeoapi-sub017/pkg/registry"
	"github.com/rob634/rmhgeoapi-sub017/pkg/state"
	"github.com/rob634/rmhgeoapi-sub017/pkg/watchdog"
	"github.com/rob634/rmhgeoapi-sub017/pkg/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

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

	b, err := broker.NewRedisBroker(cfg.Redis.URL, cfg.Redis.KeyPrefix)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer b.Close()

	// Requeue anything a previous worker left mid-flight.
	for _, queue := range []string{broker.JobQueue, broker.TaskQueue} {
		n, err := b.RecoverProcessing(ctx, queue)
		if err != nil {
			return fmt.Errorf("recover %s queue: %w", queue, err)
		}
		if n > 0 {
			slog.Info("requeued in-flight messages", "queue", queue, "count", n)
		}
	}

	reg := registry.New()
	if err := pipeline.Register(reg); err != nil {
		return fmt.Errorf("register pipelines: %w", err)
	}

	coord := coordinator.New(store, b, reg)

	if cfg.Watchdog.Enabled {
		wd := watchdog.New(store, coord, watchdog.Config{
			TaskTimeout:   cfg.Watchdog.TaskTimeout,
			JobTimeout:    cfg.Watchdog.JobTimeout,
			SweepSchedule: watchdog.Every(cfg.Watchdog.SweepInterval),
			BatchLimit:    100,
		})
		go func() {
			if err := wd.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("watchdog stopped", "error", err)
			}
		}()
	}

	w := worker.NewWorker(coord, b,
		worker.WorkerQueue(broker.JobQueue, cfg.Worker.JobConcurrency),
		worker.WorkerQueue(broker.TaskQueue, cfg.Worker.TaskConcurrency),
	)
	return w.Start(ctx)
}
