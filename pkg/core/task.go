package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether the status accepts no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is the smallest unit of dispatched work, executed once (at least)
// by a registered handler. A task belongs to exactly one job and one stage;
// tasks within a stage carry no ordering dependency on each other.
//
// UpdatedAt doubles as the liveness signal for the watchdog: a processing
// task whose row has not been touched past the staleness threshold is
// presumed abandoned.
type Task struct {
	ID          string     `gorm:"primaryKey;size:128"`
	JobID       string     `gorm:"index:idx_tasks_job_stage;size:64;not null"`
	Stage       int        `gorm:"index:idx_tasks_job_stage;not null"`
	TaskType    string     `gorm:"size:255;not null"`
	Parameters  []byte     `gorm:"type:bytes"`
	Status      TaskStatus `gorm:"index;size:20;default:'queued'"`
	Result      []byte     `gorm:"type:bytes"`
	LastError   string     `gorm:"type:text"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime;index"`
}

// ParameterMap decodes the task's parameter JSON.
func (t *Task) ParameterMap() (map[string]any, error) {
	if len(t.Parameters) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(t.Parameters, &m); err != nil {
		return nil, fmt.Errorf("decode task parameters: %w", err)
	}
	return m, nil
}

// ResultMap decodes the task's result JSON, or nil when no result is stored.
func (t *Task) ResultMap() (map[string]any, error) {
	if len(t.Result) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(t.Result, &m); err != nil {
		return nil, fmt.Errorf("decode task result: %w", err)
	}
	return m, nil
}

// PredecessorKey is the parameter key carrying the lineage reference for
// match_previous_count stages: the predecessor task's ID.
const PredecessorKey = "predecessor"

// PredecessorResultKey is the parameter key carrying the predecessor task's
// result map for match_previous_count stages.
const PredecessorResultKey = "predecessor_result"
