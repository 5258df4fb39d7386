package core

import "time"

// Event is the interface for all coordinator events.
type Event interface {
	eventMarker()
}

// JobSubmitted is emitted when a job row is first created.
type JobSubmitted struct {
	Job       *Job
	Timestamp time.Time
}

func (*JobSubmitted) eventMarker() {}

// StageAdvanced is emitted when the last task of a stage completes and the
// job moves to the next stage.
type StageAdvanced struct {
	Job       *Job
	FromStage int
	ToStage   int
	TaskCount int
	Timestamp time.Time
}

func (*StageAdvanced) eventMarker() {}

// JobCompletedEvent is emitted when a job's final stage completes.
type JobCompletedEvent struct {
	Job       *Job
	Timestamp time.Time
}

func (*JobCompletedEvent) eventMarker() {}

// JobFailedEvent is emitted when a job reaches the failed state.
type JobFailedEvent struct {
	Job       *Job
	Error     string
	Timestamp time.Time
}

func (*JobFailedEvent) eventMarker() {}

// TaskFailedEvent is emitted when a task reaches the failed state,
// whether from a handler error or a watchdog sweep.
type TaskFailedEvent struct {
	Task      *Task
	Error     string
	Timestamp time.Time
}

func (*TaskFailedEvent) eventMarker() {}
