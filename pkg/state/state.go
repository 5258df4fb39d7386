// Package state provides the GORM-backed state manager, the sole writer of
// job and task rows.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rob634/rmhgeoapi-sub017/pkg/core"
	"github.com/rob634/rmhgeoapi-sub017/pkg/security"
)

var terminalTaskStatuses = []core.TaskStatus{core.TaskCompleted, core.TaskFailed}
var terminalJobStatuses = []core.JobStatus{core.JobCompleted, core.JobFailed}

// GormStateManager implements core.StateStore using GORM. All operations are
// single-transaction: on error the transaction rolls back and the caller
// retries the whole message via queue redelivery.
type GormStateManager struct {
	db *gorm.DB
}

// NewGormStateManager creates a new GORM-backed state manager.
func NewGormStateManager(db *gorm.DB) *GormStateManager {
	return &GormStateManager{db: db}
}

// Migrate creates the necessary tables.
func (s *GormStateManager) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.Job{}, &core.Task{})
}

// Ping verifies database connectivity.
func (s *GormStateManager) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// lockJob serializes stage-completion checks for one job. On PostgreSQL this
// takes a transaction-scoped advisory lock keyed on the job ID, so unrelated
// jobs never contend. SQLite serializes writers on its own, and row locks
// alone are not enough on PostgreSQL: two tasks completing in the same
// instant could both count zero remaining siblings and double-trigger stage
// advancement.
func (s *GormStateManager) lockJob(tx *gorm.DB, jobID string) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec("SELECT pg_advisory_xact_lock(hashtextextended(?, 0))", jobID).Error
}

// CreateJob inserts a job with status queued. Returns core.ErrJobExists when
// the deterministic job ID is already present; callers should treat that as
// "job already submitted" and reuse the existing record.
func (s *GormStateManager) CreateJob(ctx context.Context, job *core.Job) error {
	if err := security.ValidateJobType(job.JobType); err != nil {
		return err
	}
	if err := security.ValidateParameterSize(job.Parameters); err != nil {
		return err
	}
	if job.Status == "" {
		job.Status = core.JobQueued
	}
	if job.CurrentStage == 0 {
		job.CurrentStage = 1
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(job)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobExists
	}
	return nil
}

// MarkJobProcessing transitions a queued job to processing. Already-processing
// or terminal jobs are left untouched.
func (s *GormStateManager) MarkJobProcessing(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status = ?", jobID, core.JobQueued).
		Update("status", core.JobProcessing).Error
}

// CreateTasks bulk-inserts a stage's tasks in one transaction, all starting
// queued. Deterministic task IDs plus ON CONFLICT DO NOTHING make redelivered
// batches a no-op rather than a duplicate stage population.
func (s *GormStateManager) CreateTasks(ctx context.Context, tasks []*core.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	for _, t := range tasks {
		if err := security.ValidateTaskType(t.TaskType); err != nil {
			return err
		}
		if err := security.ValidateParameterSize(t.Parameters); err != nil {
			return err
		}
		if t.Status == "" {
			t.Status = core.TaskQueued
		}
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&tasks).Error
	})
}

// StartTask claims a queued task for execution, transitioning it to
// processing. Returns nil when the task is not in queued state (already
// claimed by another worker, or terminal) so redelivered messages are
// skipped rather than re-executed.
func (s *GormStateManager) StartTask(ctx context.Context, taskID string) (*core.Task, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.Task{}).
		Where("id = ? AND status = ?", taskID, core.TaskQueued).
		Updates(map[string]any{
			"status":     core.TaskProcessing,
			"started_at": now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	var task core.Task
	if err := s.db.WithContext(ctx).First(&task, "id = ?", taskID).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// CompleteTaskAndCheckStage marks the task completed with its result, then,
// under the per-job advisory lock, counts remaining non-terminal siblings in
// the stage. The task that observes zero remaining is responsible for
// triggering stage advancement.
func (s *GormStateManager) CompleteTaskAndCheckStage(ctx context.Context, taskID, jobID string, stage int, result map[string]any) (core.StageOutcome, error) {
	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return core.StageOutcome{}, fmt.Errorf("encode task result: %w", err)
		}
	}
	now := time.Now()
	return s.finishTaskAndCheckStage(ctx, taskID, jobID, stage, map[string]any{
		"status":       core.TaskCompleted,
		"result":       resultJSON,
		"completed_at": now,
	})
}

// FailTaskAndCheckStage marks the task failed and runs the same
// stage-completion check as success: a failed task still counts toward stage
// completion so one bad task never blocks its siblings forever.
func (s *GormStateManager) FailTaskAndCheckStage(ctx context.Context, taskID, jobID string, stage int, errMsg string) (core.StageOutcome, error) {
	now := time.Now()
	return s.finishTaskAndCheckStage(ctx, taskID, jobID, stage, map[string]any{
		"status":       core.TaskFailed,
		"last_error":   security.SanitizeErrorMessage(errMsg),
		"completed_at": now,
	})
}

func (s *GormStateManager) finishTaskAndCheckStage(ctx context.Context, taskID, jobID string, stage int, updates map[string]any) (core.StageOutcome, error) {
	var outcome core.StageOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockJob(tx, jobID); err != nil {
			return fmt.Errorf("acquire job lock: %w", err)
		}

		// Idempotent: a redelivered completion leaves a terminal row as-is.
		if err := tx.Model(&core.Task{}).
			Where("id = ? AND status NOT IN ?", taskID, terminalTaskStatuses).
			Updates(updates).Error; err != nil {
			return err
		}

		var remaining int64
		if err := tx.Model(&core.Task{}).
			Where("job_id = ? AND stage = ? AND status NOT IN ?", jobID, stage, terminalTaskStatuses).
			Count(&remaining).Error; err != nil {
			return err
		}

		outcome = core.StageOutcome{State: core.StageInProgress, Remaining: remaining}
		if remaining == 0 {
			outcome.State = core.StageComplete
		}
		return nil
	})
	if err != nil {
		return core.StageOutcome{}, err
	}
	return outcome, nil
}

// AdvanceJobStage records the finished stage's aggregated results and moves
// the job to nextStage. current_stage only increases: redelivered or stale
// advancement requests are no-ops, and terminal jobs accept no writes.
func (s *GormStateManager) AdvanceJobStage(ctx context.Context, jobID string, nextStage int, aggregated map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockJob(tx, jobID); err != nil {
			return fmt.Errorf("acquire job lock: %w", err)
		}

		var job core.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return core.ErrJobNotFound
			}
			return err
		}
		if job.Status.Terminal() || nextStage <= job.CurrentStage {
			return nil
		}

		results, err := job.StageResultMap()
		if err != nil {
			return err
		}
		if aggregated != nil {
			results[job.CurrentStage] = aggregated
		}
		encoded, err := core.EncodeStageResults(results)
		if err != nil {
			return err
		}

		return tx.Model(&core.Job{}).
			Where("id = ?", jobID).
			Updates(map[string]any{
				"current_stage": nextStage,
				"stage_results": encoded,
				"status":        core.JobProcessing,
			}).Error
	})
}

// CompleteJob records the final stage's aggregated result and transitions the
// job to completed. Calling it on an already-terminal job is a no-op.
func (s *GormStateManager) CompleteJob(ctx context.Context, jobID string, finalResult map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockJob(tx, jobID); err != nil {
			return fmt.Errorf("acquire job lock: %w", err)
		}

		var job core.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return core.ErrJobNotFound
			}
			return err
		}
		if job.Status.Terminal() {
			return nil
		}

		results, err := job.StageResultMap()
		if err != nil {
			return err
		}
		if finalResult != nil {
			results[job.CurrentStage] = finalResult
		}
		encoded, err := core.EncodeStageResults(results)
		if err != nil {
			return err
		}

		return tx.Model(&core.Job{}).
			Where("id = ? AND status NOT IN ?", jobID, terminalJobStatuses).
			Updates(map[string]any{
				"status":        core.JobCompleted,
				"stage_results": encoded,
			}).Error
	})
}

// FailJob transitions the job to failed with the first error encountered.
// Calling it on an already-terminal job is a no-op, so late completions in a
// failed stage never resurrect or re-fail the job. The boolean reports
// whether this call performed the transition; callers use it to suppress
// duplicate failure notifications.
func (s *GormStateManager) FailJob(ctx context.Context, jobID string, errMsg string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status NOT IN ?", jobID, terminalJobStatuses).
		Updates(map[string]any{
			"status":     core.JobFailed,
			"last_error": security.SanitizeErrorMessage(errMsg),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetJob retrieves a job by ID, or nil when absent.
func (s *GormStateManager) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetTask retrieves a task by ID, or nil when absent.
func (s *GormStateManager) GetTask(ctx context.Context, taskID string) (*core.Task, error) {
	var task core.Task
	err := s.db.WithContext(ctx).First(&task, "id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListJobs retrieves jobs by status, newest first.
func (s *GormStateManager) ListJobs(ctx context.Context, status core.JobStatus, limit int) ([]*core.Job, error) {
	var jobs []*core.Job
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Find(&jobs).Error
	return jobs, err
}

// ListStageTasks retrieves all tasks of one job stage, ordered by task ID so
// callers iterate deterministically.
func (s *GormStateManager) ListStageTasks(ctx context.Context, jobID string, stage int) ([]*core.Task, error) {
	var tasks []*core.Task
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND stage = ?", jobID, stage).
		Order("id ASC").
		Find(&tasks).Error
	return tasks, err
}

// StaleTasks returns processing tasks whose rows have not been touched since
// cutoff: a worker claimed them and never reported back.
func (s *GormStateManager) StaleTasks(ctx context.Context, cutoff time.Time, limit int) ([]*core.Task, error) {
	var tasks []*core.Task
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", core.TaskProcessing, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

// StaleJobs returns processing jobs with no job-row or task-row activity
// since cutoff.
func (s *GormStateManager) StaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]*core.Job, error) {
	var jobs []*core.Job
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", core.JobProcessing, cutoff).
		Where("NOT EXISTS (SELECT 1 FROM tasks WHERE tasks.job_id = jobs.id AND tasks.updated_at >= ?)", cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}
