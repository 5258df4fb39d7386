package core

import (
	"encoding/json"
	"fmt"
)

// JobMessage is the wire contract for the job queue: an external producer
// asking the coordinator to start (or resume) a job.
type JobMessage struct {
	JobID      string         `json:"job_id"`
	JobType    string         `json:"job_type"`
	Parameters map[string]any `json:"parameters"`
}

// TaskMessage is the wire contract for the task queue: the coordinator
// dispatching one task to a worker.
type TaskMessage struct {
	TaskID     string         `json:"task_id"`
	JobID      string         `json:"job_id"`
	Stage      int            `json:"stage"`
	TaskType   string         `json:"task_type"`
	Parameters map[string]any `json:"parameters"`
}

// DecodeJobMessage parses a job-queue payload.
func DecodeJobMessage(body []byte) (*JobMessage, error) {
	var m JobMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode job message: %w", err)
	}
	if m.JobID == "" || m.JobType == "" {
		return nil, fmt.Errorf("decode job message: missing job_id or job_type")
	}
	return &m, nil
}

// DecodeTaskMessage parses a task-queue payload.
func DecodeTaskMessage(body []byte) (*TaskMessage, error) {
	var m TaskMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode task message: %w", err)
	}
	if m.TaskID == "" || m.JobID == "" {
		return nil, fmt.Errorf("decode task message: missing task_id or job_id")
	}
	return &m, nil
}

// Encode serializes the message for the broker.
func (m *JobMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Encode serializes the message for the broker.
func (m *TaskMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// TaskMessageFor builds the dispatch message for a persisted task.
func TaskMessageFor(t *Task) (*TaskMessage, error) {
	params, err := t.ParameterMap()
	if err != nil {
		return nil, err
	}
	return &TaskMessage{
		TaskID:     t.ID,
		JobID:      t.JobID,
		Stage:      t.Stage,
		TaskType:   t.TaskType,
		Parameters: params,
	}, nil
}
