// Package watchdog recovers jobs abandoned by crashed or partitioned
// workers. It periodically sweeps for tasks stuck in processing and for
// jobs with no recent task activity, and fails them through the
// coordinator so stage completion still fires and siblings are not
// blocked forever.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rob634/rmhgeoapi-sub017/pkg/coordinator"
	"github.com/rob634/rmhgeoapi-sub017/pkg/core"
)

// Config holds watchdog thresholds. Thresholds must comfortably exceed the
// longest legitimate task runtime, or the watchdog will fail healthy work.
type Config struct {
	// TaskTimeout is how long a processing task may go without a row
	// update before it is considered abandoned.
	TaskTimeout time.Duration

	// JobTimeout is how long a processing job may go without any task
	// activity before it is considered abandoned.
	JobTimeout time.Duration

	// SweepSchedule determines when sweeps run.
	SweepSchedule Schedule

	// BatchLimit caps how many stale rows one sweep handles.
	BatchLimit int
}

// DefaultConfig returns conservative production thresholds.
func DefaultConfig() Config {
	return Config{
		TaskTimeout:   30 * time.Minute,
		JobTimeout:    2 * time.Hour,
		SweepSchedule: Every(time.Minute),
		BatchLimit:    100,
	}
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	StaleTasksFailed int
	StaleJobsFailed  int
	Errors           int
}

// Watchdog runs recovery sweeps against the state store.
type Watchdog struct {
	state  core.StateStore
	coord  *coordinator.Coordinator
	config Config
	logger *slog.Logger
}

// New creates a Watchdog.
func New(st core.StateStore, c *coordinator.Coordinator, cfg Config) *Watchdog {
	if cfg.SweepSchedule == nil {
		cfg.SweepSchedule = Every(time.Minute)
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	return &Watchdog{
		state:  st,
		coord:  c,
		config: cfg,
		logger: slog.Default(),
	}
}

// Run sweeps on the configured schedule until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	for {
		next := w.config.SweepSchedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}

		stats, err := w.Sweep(ctx)
		if err != nil {
			w.logger.Error("watchdog sweep failed", "error", err)
			continue
		}
		if stats.StaleTasksFailed > 0 || stats.StaleJobsFailed > 0 || stats.Errors > 0 {
			w.logger.Info("watchdog sweep recovered work",
				"stale_tasks_failed", stats.StaleTasksFailed,
				"stale_jobs_failed", stats.StaleJobsFailed,
				"errors", stats.Errors)
		}
	}
}

// Sweep runs one recovery pass. Safe to call concurrently with live
// processing: a task that completes between the query and the failure
// write is left alone by the terminal guard in the store.
func (w *Watchdog) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	taskCutoff := time.Now().Add(-w.config.TaskTimeout)
	tasks, err := w.state.StaleTasks(ctx, taskCutoff, w.config.BatchLimit)
	if err != nil {
		return stats, fmt.Errorf("query stale tasks: %w", err)
	}
	for _, t := range tasks {
		msg := fmt.Sprintf("task abandoned: no progress since %s", t.UpdatedAt.UTC().Format(time.RFC3339))
		if err := w.coord.FailTask(ctx, t, msg); err != nil {
			w.logger.Error("failed to recover stale task", "task_id", t.ID, "error", err)
			stats.Errors++
			continue
		}
		w.logger.Warn("stale task failed by watchdog",
			"task_id", t.ID, "job_id", core.ShortJobID(t.JobID), "stage", t.Stage)
		stats.StaleTasksFailed++
	}

	jobCutoff := time.Now().Add(-w.config.JobTimeout)
	jobs, err := w.state.StaleJobs(ctx, jobCutoff, w.config.BatchLimit)
	if err != nil {
		return stats, fmt.Errorf("query stale jobs: %w", err)
	}
	for _, j := range jobs {
		msg := fmt.Sprintf("job abandoned: no task activity since %s", jobCutoff.UTC().Format(time.RFC3339))
		if err := w.coord.FailJob(ctx, j.ID, msg); err != nil {
			w.logger.Error("failed to recover stale job", "job_id", core.ShortJobID(j.ID), "error", err)
			stats.Errors++
			continue
		}
		w.logger.Warn("stale job failed by watchdog",
			"job_id", core.ShortJobID(j.ID), "job_type", j.JobType, "stage", j.CurrentStage)
		stats.StaleJobsFailed++
	}

	return stats, nil
}
