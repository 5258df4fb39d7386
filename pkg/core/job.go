package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status accepts no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is a user-submitted unit of work spanning one or more ordered stages.
// The ID is derived deterministically from the job type and parameters, so
// resubmitting identical parameters yields the same row.
type Job struct {
	ID           string    `gorm:"primaryKey;size:64"`
	JobType      string    `gorm:"index;size:255;not null"`
	Parameters   []byte    `gorm:"type:bytes"`
	Status       JobStatus `gorm:"index;size:20;default:'queued'"`
	CurrentStage int       `gorm:"default:1"`
	TotalStages  int       `gorm:"default:1"`
	StageResults []byte    `gorm:"type:bytes"`
	LastError    string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime;index"`
}

// ParameterMap decodes the job's parameter JSON.
func (j *Job) ParameterMap() (map[string]any, error) {
	if len(j.Parameters) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(j.Parameters, &m); err != nil {
		return nil, fmt.Errorf("decode job parameters: %w", err)
	}
	return m, nil
}

// StageResultMap decodes the accumulated per-stage results, keyed by stage
// number. Stage keys are stored as strings in JSON and converted back here.
func (j *Job) StageResultMap() (map[int]map[string]any, error) {
	out := make(map[int]map[string]any)
	if len(j.StageResults) == 0 {
		return out, nil
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(j.StageResults, &raw); err != nil {
		return nil, fmt.Errorf("decode stage results: %w", err)
	}
	for k, v := range raw {
		n, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("decode stage results: bad stage key %q", k)
		}
		out[n] = v
	}
	return out, nil
}

// EncodeStageResults is the inverse of StageResultMap.
func EncodeStageResults(results map[int]map[string]any) ([]byte, error) {
	raw := make(map[string]map[string]any, len(results))
	for n, v := range results {
		raw[strconv.Itoa(n)] = v
	}
	return json.Marshal(raw)
}
