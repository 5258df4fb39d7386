// Package geoetl provides a multi-stage job orchestration engine for
// geospatial ETL workloads: jobs decompose into ordered stages of parallel
// tasks, coordination state lives in a relational store, and dispatch flows
// through Redis-backed message queues.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	db, _ := state.Open("geoetl.db", state.DefaultPoolConfig())
//	store := geoetl.NewStateManager(db)
//	store.Migrate(context.Background())
//
//	reg := geoetl.NewRegistry()
//	reg.RegisterJob(myDefinition)
//	reg.RegisterHandler("my_task", myHandler)
//
//	b := geoetl.NewMemoryBroker()
//	coord := geoetl.NewCoordinator(store, b, reg)
//
//	jobID, _ := coord.SubmitJob(ctx, "my_job", map[string]any{"key": "value"})
//
//	w := geoetl.NewWorker(coord, b)
//	w.Start(ctx)
package geoetl

import (
	"gorm.io/gorm"

	"github.com/rob634/rmhgeoapi-sub017/pkg/broker"
	"github.com/rob634/rmhgeoapi-sub017/pkg/coordinator"
	"github.com/rob634/rmhgeoapi-sub017/pkg/core"
	"github.com/rob634/rmhgeoapi-sub017/pkg/registry"
	"github.com/rob634/rmhgeoapi-sub017/pkg/security"
	"github.com/rob634/rmhgeoapi-sub017/pkg/state"
	"github.com/rob634/rmhgeoapi-sub017/pkg/watchdog"
	"github.com/rob634/rmhgeoapi-sub017/pkg/worker"
)

// Type aliases for the public API surface
type (
	// Job is a user-submitted unit of work spanning ordered stages.
	Job = core.Job

	// Task is the smallest unit of dispatched work.
	Task = core.Task

	// JobStatus represents the current state of a job.
	JobStatus = core.JobStatus

	// TaskStatus represents the current state of a task.
	TaskStatus = core.TaskStatus

	// StageDescriptor declares one ordered phase of a job definition.
	StageDescriptor = core.StageDescriptor

	// StateStore defines the persistence contract for jobs and tasks.
	StateStore = core.StateStore

	// Event is the interface for all lifecycle events.
	Event = core.Event

	// JobDefinition is one static registry entry.
	JobDefinition = registry.JobDefinition

	// TaskInput is the handler-facing view of one task.
	TaskInput = registry.TaskInput

	// TaskResult is the handler's output.
	TaskResult = registry.TaskResult

	// TaskSpec is one generated task for a fan-out stage.
	TaskSpec = registry.TaskSpec

	// Handler executes one task's business logic.
	Handler = registry.Handler

	// TaskGenerator computes the task list for a fan_out stage.
	TaskGenerator = registry.TaskGenerator

	// Aggregator folds a finished stage's tasks into the stage result.
	Aggregator = registry.Aggregator

	// Registry maps job types to definitions and task types to handlers.
	Registry = registry.Registry

	// Coordinator drives job and task processing.
	Coordinator = coordinator.Coordinator

	// Broker is the message transport between submission and execution.
	Broker = broker.Broker

	// Worker consumes messages from the broker.
	Worker = worker.Worker

	// WorkerOption configures a Worker.
	WorkerOption = worker.WorkerOption

	// Watchdog recovers work abandoned by crashed workers.
	Watchdog = watchdog.Watchdog
)

// Job status constants
const (
	JobQueued     = core.JobQueued
	JobProcessing = core.JobProcessing
	JobCompleted  = core.JobCompleted
	JobFailed     = core.JobFailed
)

// Task status constants
const (
	TaskQueued     = core.TaskQueued
	TaskProcessing = core.TaskProcessing
	TaskCompleted  = core.TaskCompleted
	TaskFailed     = core.TaskFailed
)

// Parallelism constants
const (
	ParallelismSingle        = core.ParallelismSingle
	ParallelismFanOut        = core.ParallelismFanOut
	ParallelismMatchPrevious = core.ParallelismMatchPrevious
)

// Security limits
const (
	MaxTypeNameLength     = security.MaxTypeNameLength
	MaxParametersSize     = security.MaxParametersSize
	MaxErrorMessageLength = security.MaxErrorMessageLength
	MaxConcurrency        = security.MaxConcurrency
	MaxFanOut             = security.MaxFanOut
)

// Error variables
var (
	ErrInvalidJobTypeName = core.ErrInvalidJobTypeName
	ErrInvalidTaskType    = core.ErrInvalidTaskType
	ErrParametersTooLarge = core.ErrParametersTooLarge
	ErrUnknownJobType     = core.ErrUnknownJobType
	ErrUnknownTaskType    = core.ErrUnknownTaskType
	ErrJobExists          = core.ErrJobExists
	ErrJobNotFound        = core.ErrJobNotFound
)

// NewRegistry creates an empty job and handler registry.
func NewRegistry() *Registry {
	return registry.New()
}

// NewStateManager creates a GORM-backed state manager.
func NewStateManager(db *gorm.DB) *state.GormStateManager {
	return state.NewGormStateManager(db)
}

// NewCoordinator wires a state store, broker, and registry together.
func NewCoordinator(st StateStore, b Broker, reg *Registry, opts ...coordinator.Option) *Coordinator {
	return coordinator.New(st, b, reg, opts...)
}

// NewWorker creates a worker for the given coordinator and broker.
func NewWorker(c *Coordinator, b Broker, opts ...WorkerOption) *Worker {
	return worker.NewWorker(c, b, opts...)
}

// NewMemoryBroker creates an in-process broker for tests and single-node use.
func NewMemoryBroker() *broker.MemoryBroker {
	return broker.NewMemoryBroker()
}

// NewRedisBroker creates a Redis-backed broker from a URL.
func NewRedisBroker(redisURL, prefix string) (*broker.RedisBroker, error) {
	return broker.NewRedisBroker(redisURL, prefix)
}

// NewWatchdog creates a recovery watchdog.
func NewWatchdog(st StateStore, c *Coordinator, cfg watchdog.Config) *Watchdog {
	return watchdog.New(st, c, cfg)
}

// DeriveJobID computes the deterministic job ID for a type and parameter set.
func DeriveJobID(jobType string, params map[string]any) (string, error) {
	return core.DeriveJobID(jobType, params)
}

// ValidateJobType validates a job type name.
func ValidateJobType(name string) error {
	return security.ValidateJobType(name)
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage.
func SanitizeErrorMessage(msg string) string {
	return security.SanitizeErrorMessage(msg)
}
