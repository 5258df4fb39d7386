package core

import (
	"context"
	"time"
)

// StateStore defines the persistence contract for jobs and tasks. It is the
// sole writer of job and task rows; every mutation is a single transaction
// that either commits fully or rolls back for queue redelivery.
type StateStore interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Job lifecycle
	CreateJob(ctx context.Context, job *Job) error
	MarkJobProcessing(ctx context.Context, jobID string) error
	AdvanceJobStage(ctx context.Context, jobID string, nextStage int, aggregated map[string]any) error
	CompleteJob(ctx context.Context, jobID string, finalResult map[string]any) error
	// FailJob reports whether the call performed the failed transition, so
	// redelivered triggers can tell a fresh failure from a no-op.
	FailJob(ctx context.Context, jobID string, errMsg string) (bool, error)

	// Task lifecycle
	CreateTasks(ctx context.Context, tasks []*Task) error
	StartTask(ctx context.Context, taskID string) (*Task, error)
	CompleteTaskAndCheckStage(ctx context.Context, taskID, jobID string, stage int, result map[string]any) (StageOutcome, error)
	FailTaskAndCheckStage(ctx context.Context, taskID, jobID string, stage int, errMsg string) (StageOutcome, error)

	// Queries
	GetJob(ctx context.Context, jobID string) (*Job, error)
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ListJobs(ctx context.Context, status JobStatus, limit int) ([]*Job, error)
	ListStageTasks(ctx context.Context, jobID string, stage int) ([]*Task, error)

	// Watchdog queries
	StaleTasks(ctx context.Context, cutoff time.Time, limit int) ([]*Task, error)
	StaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error)
}
