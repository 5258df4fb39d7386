// Package registry holds the static job and task-handler registries. Both
// are plain dependency-injected maps: the coordinator receives a Registry at
// construction and never consults package-level state, so new job and task
// types register by adding an entry, not by modifying the coordinator.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rob634/rmhgeoapi-sub017/pkg/core"
	"github.com/rob634/rmhgeoapi-sub017/pkg/security"
)

// TaskInput is the handler-facing view of one task. Handlers never touch the
// durable store; they return data and the coordinator persists it.
type TaskInput struct {
	TaskID     string
	JobID      string
	Stage      int
	Parameters map[string]any

	// Predecessor carries the lineage task's result for
	// match_previous_count stages, nil otherwise.
	Predecessor map[string]any
}

// TaskResult is the handler's output, persisted on the task row.
type TaskResult = map[string]any

// Handler executes one task's business logic. Handlers must tolerate
// at-least-once invocation.
type Handler func(ctx context.Context, in TaskInput) (TaskResult, error)

// TaskSpec is one generated task: a stable discriminator key plus its
// parameters. An empty Key falls back to the positional index.
type TaskSpec struct {
	Key        string
	Parameters map[string]any
}

// TaskGenerator computes the task list for a fan_out stage. It must be a
// pure function of the job parameters and prior-stage results so that
// re-invoking it after a crash reproduces an identical list.
type TaskGenerator func(stage core.StageDescriptor, params map[string]any, priorResults map[int]map[string]any) ([]TaskSpec, error)

// Aggregator folds a finished stage's tasks into the stage's recorded result.
type Aggregator func(tasks []*core.Task) (map[string]any, error)

// JobDefinition is one static registry entry: the ordered stage list plus
// the hooks the orchestration manager needs to expand it.
type JobDefinition struct {
	JobType string
	Stages  []core.StageDescriptor

	// GenerateTasks is required when any stage declares fan_out parallelism.
	GenerateTasks TaskGenerator

	// Aggregate overrides the default stage aggregation per stage number.
	Aggregate map[int]Aggregator

	// ContinueOnError keeps the job running when a task in a stage fails,
	// reporting failures in the stage result instead. The default (false)
	// fails the whole job on the stage's completion check, carrying the
	// first error encountered.
	ContinueOnError bool
}

// Validate checks the definition is internally consistent.
func (d *JobDefinition) Validate() error {
	if err := security.ValidateJobType(d.JobType); err != nil {
		return err
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("job definition %q: no stages", d.JobType)
	}
	for i, st := range d.Stages {
		if st.Number != i+1 {
			return fmt.Errorf("job definition %q: stage %d numbered %d, stages must be 1..N in order", d.JobType, i+1, st.Number)
		}
		if err := security.ValidateTaskType(st.TaskType); err != nil {
			return fmt.Errorf("job definition %q stage %d: %w", d.JobType, st.Number, err)
		}
		switch st.Parallelism {
		case core.ParallelismSingle, core.ParallelismMatchPrevious:
		case core.ParallelismFanOut:
			if d.GenerateTasks == nil {
				return fmt.Errorf("job definition %q stage %d: fan_out requires a task generator", d.JobType, st.Number)
			}
		default:
			return fmt.Errorf("job definition %q stage %d: unknown parallelism %q", d.JobType, st.Number, st.Parallelism)
		}
		if st.Parallelism == core.ParallelismMatchPrevious && st.Number == 1 {
			return fmt.Errorf("job definition %q: stage 1 cannot match a previous stage", d.JobType)
		}
		if st.DependsOn != 0 && st.DependsOn >= st.Number {
			return fmt.Errorf("job definition %q stage %d: depends_on must name an earlier stage", d.JobType, st.Number)
		}
	}
	return nil
}

// Stage returns the descriptor for a 1-based stage number.
func (d *JobDefinition) Stage(number int) (core.StageDescriptor, bool) {
	if number < 1 || number > len(d.Stages) {
		return core.StageDescriptor{}, false
	}
	return d.Stages[number-1], true
}

// Registry maps job types to definitions and task types to handlers.
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	jobs     map[string]*JobDefinition
	handlers map[string]Handler
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		jobs:     make(map[string]*JobDefinition),
		handlers: make(map[string]Handler),
	}
}

// RegisterJob adds a job definition. The definition is validated eagerly so
// misconfiguration surfaces at startup, not at submission.
func (r *Registry) RegisterJob(def *JobDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[def.JobType]; ok {
		return fmt.Errorf("job type %q already registered", def.JobType)
	}
	r.jobs[def.JobType] = def
	return nil
}

// RegisterHandler binds a task type to its business-logic function.
func (r *Registry) RegisterHandler(taskType string, h Handler) error {
	if err := security.ValidateTaskType(taskType); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("handler for %q is nil", taskType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[taskType]; ok {
		return fmt.Errorf("task type %q already registered", taskType)
	}
	r.handlers[taskType] = h
	return nil
}

// JobDefinition looks up a job type.
func (r *Registry) JobDefinition(jobType string) (*JobDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.jobs[jobType]
	return def, ok
}

// Handler looks up a task type.
func (r *Registry) Handler(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// JobTypes returns the registered job type names, sorted.
func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.jobs))
	for t := range r.jobs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
