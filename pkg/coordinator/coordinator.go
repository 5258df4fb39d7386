// Package coordinator is the engine's entry point: it receives job-queue and
// task-queue messages, delegates persistence to the state manager and task
// expansion to the orchestration manager, invokes registered handlers, and
// routes newly created tasks onto the task queue.
//
// The coordinator holds no cross-invocation state in memory: everything
// lives in the durable store, which keeps workers stateless and
// independently restartable.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rob634/rmhgeoapi-sub017/pkg/broker"
	"github.com/rob634/rmhgeoapi-sub017/pkg/core"
	"github.com/rob634/rmhgeoapi-sub017/pkg/orchestrate"
	"github.com/rob634/rmhgeoapi-sub017/pkg/registry"
)

// Coordinator wires the state store, broker, and registries together. Both
// registries arrive by injection; the coordinator never consults globals.
type Coordinator struct {
	state    core.StateStore
	broker   broker.Broker
	registry *registry.Registry
	orch     *orchestrate.Manager
	logger   *slog.Logger
	emitter  *emitter
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New creates a Coordinator.
func New(st core.StateStore, b broker.Broker, reg *registry.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		state:    st,
		broker:   b,
		registry: reg,
		orch:     orchestrate.NewManager(reg),
		logger:   slog.Default(),
		emitter:  newEmitter(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitJob validates the job type, derives the deterministic job ID, and
// publishes the submission onto the job queue. Unknown job types surface
// here, synchronously, before any row or task exists.
func (c *Coordinator) SubmitJob(ctx context.Context, jobType string, params map[string]any) (string, error) {
	if _, ok := c.registry.JobDefinition(jobType); !ok {
		return "", fmt.Errorf("%w: %q", core.ErrUnknownJobType, jobType)
	}
	jobID, err := core.DeriveJobID(jobType, params)
	if err != nil {
		return "", err
	}

	msg := &core.JobMessage{JobID: jobID, JobType: jobType, Parameters: params}
	body, err := msg.Encode()
	if err != nil {
		return "", err
	}
	if err := c.broker.Publish(ctx, broker.JobQueue, body); err != nil {
		return "", fmt.Errorf("publish job message: %w", err)
	}
	return jobID, nil
}

// HandleJobMessage processes one job-queue message: create the job row,
// expand stage 1, and dispatch its tasks. Redelivery is safe end to end:
// the job row, the task batch, and the dispatch are each idempotent.
//
// A nil return means the message can be acknowledged; a non-nil return means
// a transient failure the broker should redeliver. Permanently bad messages
// (unknown type, undecodable parameters) are logged and dropped.
func (c *Coordinator) HandleJobMessage(ctx context.Context, msg *core.JobMessage) error {
	def, ok := c.registry.JobDefinition(msg.JobType)
	if !ok {
		c.logger.Error("dropping job message with unknown job type",
			"job_id", core.ShortJobID(msg.JobID), "job_type", msg.JobType)
		return nil
	}

	paramsJSON, err := json.Marshal(msg.Parameters)
	if err != nil {
		c.logger.Error("dropping job message with undecodable parameters",
			"job_id", core.ShortJobID(msg.JobID), "error", err)
		return nil
	}

	job := &core.Job{
		ID:           msg.JobID,
		JobType:      msg.JobType,
		Parameters:   paramsJSON,
		Status:       core.JobQueued,
		CurrentStage: 1,
		TotalStages:  len(def.Stages),
	}

	err = c.state.CreateJob(ctx, job)
	switch {
	case err == nil:
		c.emitter.emit(&core.JobSubmitted{Job: job, Timestamp: time.Now()})
	case errors.Is(err, core.ErrJobExists):
		// Idempotent submission: reuse the existing record.
		existing, getErr := c.state.GetJob(ctx, msg.JobID)
		if getErr != nil {
			return getErr
		}
		if existing == nil {
			return fmt.Errorf("job %s reported as existing but not found", core.ShortJobID(msg.JobID))
		}
		if existing.Status.Terminal() || existing.CurrentStage > 1 {
			return nil
		}
		job = existing
	default:
		return err
	}

	tasks, err := c.orch.GenerateStageTasks(job, 1)
	if err != nil {
		c.logger.Error("stage 1 expansion failed", "job_id", core.ShortJobID(job.ID), "error", err)
		return c.FailJob(ctx, job.ID, err.Error())
	}
	if err := c.state.CreateTasks(ctx, tasks); err != nil {
		return fmt.Errorf("create stage 1 tasks: %w", err)
	}
	if err := c.state.MarkJobProcessing(ctx, job.ID); err != nil {
		return err
	}
	return c.dispatchTasks(ctx, tasks)
}

// HandleTaskMessage processes one task-queue message: claim the task, run
// its handler, record the outcome, and, when this was the last task of its
// stage, advance or finalize the job.
func (c *Coordinator) HandleTaskMessage(ctx context.Context, msg *core.TaskMessage) error {
	job, err := c.state.GetJob(ctx, msg.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		c.logger.Error("dropping task message for unknown job",
			"task_id", msg.TaskID, "job_id", core.ShortJobID(msg.JobID))
		return nil
	}
	if job.Status.Terminal() {
		// Best-effort short circuit: the job already completed or failed,
		// so skip the work before it gets expensive.
		c.logger.Debug("skipping task for terminal job",
			"task_id", msg.TaskID, "job_status", string(job.Status))
		return nil
	}

	task, err := c.state.StartTask(ctx, msg.TaskID)
	if err != nil {
		return err
	}
	if task == nil {
		return c.unclaimedTask(ctx, msg)
	}

	handler, ok := c.registry.Handler(task.TaskType)
	if !ok {
		return c.failTask(ctx, task, core.ErrUnknownTaskType.Error())
	}

	input, err := c.handlerInput(task)
	if err != nil {
		return c.failTask(ctx, task, err.Error())
	}

	result, handlerErr := runHandler(ctx, handler, input)
	if handlerErr != nil {
		return c.failTask(ctx, task, handlerErr.Error())
	}

	outcome, err := c.finishTaskWithRetry(ctx, task.ID, func() (core.StageOutcome, error) {
		return c.state.CompleteTaskAndCheckStage(ctx, task.ID, task.JobID, task.Stage, result)
	})
	if err != nil {
		return err
	}
	if outcome.State == core.StageComplete {
		return c.finishStage(ctx, task.JobID, task.Stage)
	}
	return nil
}

// unclaimedTask handles a task message whose row could not be moved out of
// queued. Terminal rows mean the work already finished and the duplicate
// message can be dropped. A processing row belongs to a delivery that has
// not reported back yet: the message is kept alive via redelivery until the
// row turns terminal, through that delivery finishing or through the
// watchdog failing it.
func (c *Coordinator) unclaimedTask(ctx context.Context, msg *core.TaskMessage) error {
	task, err := c.state.GetTask(ctx, msg.TaskID)
	if err != nil {
		return err
	}
	if task == nil {
		c.logger.Error("dropping task message with no task row",
			"task_id", msg.TaskID, "job_id", core.ShortJobID(msg.JobID))
		return nil
	}
	if task.Status.Terminal() {
		return nil
	}
	return fmt.Errorf("task %s still %s, awaiting its outcome", task.ID, task.Status)
}

// Bounds for retrying the terminal task write in place.
const (
	finishAttempts = 3
	finishBackoff  = 200 * time.Millisecond
)

// finishTaskWithRetry runs the terminal write for a claimed task, retrying
// transient store errors in place. The handler's outcome lives only in this
// call frame: once the claim moved the row out of queued, redelivery cannot
// rerun the handler, so giving up here strands the task until the watchdog
// sweeps it.
func (c *Coordinator) finishTaskWithRetry(ctx context.Context, taskID string, write func() (core.StageOutcome, error)) (core.StageOutcome, error) {
	var outcome core.StageOutcome
	var err error
	for attempt := 1; attempt <= finishAttempts; attempt++ {
		outcome, err = write()
		if err == nil {
			return outcome, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return core.StageOutcome{}, err
		}
		if attempt == finishAttempts {
			break
		}
		c.logger.Warn("terminal task write failed, retrying",
			"task_id", taskID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return core.StageOutcome{}, ctx.Err()
		case <-time.After(finishBackoff):
		}
	}
	return core.StageOutcome{}, err
}

// FailTask marks a task failed and drives the same stage-completion
// bookkeeping as a handler error. The watchdog uses this path so a stale
// task still unblocks its stage.
func (c *Coordinator) FailTask(ctx context.Context, task *core.Task, errMsg string) error {
	return c.failTask(ctx, task, errMsg)
}

// FailJob transitions a job to failed directly. Used by the watchdog for
// jobs with no task activity at all. The failure event fires only when this
// call performed the transition, so redelivered triggers stay silent.
func (c *Coordinator) FailJob(ctx context.Context, jobID string, errMsg string) error {
	changed, err := c.state.FailJob(ctx, jobID, errMsg)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if job, err := c.state.GetJob(ctx, jobID); err == nil && job != nil {
		c.emitter.emit(&core.JobFailedEvent{Job: job, Error: errMsg, Timestamp: time.Now()})
	}
	return nil
}

func (c *Coordinator) failTask(ctx context.Context, task *core.Task, errMsg string) error {
	outcome, err := c.finishTaskWithRetry(ctx, task.ID, func() (core.StageOutcome, error) {
		return c.state.FailTaskAndCheckStage(ctx, task.ID, task.JobID, task.Stage, errMsg)
	})
	if err != nil {
		return err
	}
	c.emitter.emit(&core.TaskFailedEvent{Task: task, Error: errMsg, Timestamp: time.Now()})
	if outcome.State == core.StageComplete {
		return c.finishStage(ctx, task.JobID, task.Stage)
	}
	return nil
}

func (c *Coordinator) handlerInput(task *core.Task) (registry.TaskInput, error) {
	params, err := task.ParameterMap()
	if err != nil {
		return registry.TaskInput{}, err
	}
	input := registry.TaskInput{
		TaskID:     task.ID,
		JobID:      task.JobID,
		Stage:      task.Stage,
		Parameters: params,
	}
	if pred, ok := params[core.PredecessorResultKey].(map[string]any); ok {
		input.Predecessor = pred
	}
	return input, nil
}

// runHandler executes the business-logic function, converting panics into
// ordinary errors so a bad handler never crashes the coordinator.
func runHandler(ctx context.Context, h registry.Handler, in registry.TaskInput) (result registry.TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, in)
}

// finishStage runs once per stage, triggered by the task that observed zero
// remaining siblings: aggregate the stage's results, apply the failure
// policy, and either create the next stage's tasks or finalize the job.
// Every step is idempotent, so a redelivered trigger re-runs it harmlessly.
func (c *Coordinator) finishStage(ctx context.Context, jobID string, stage int) error {
	job, err := c.state.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil || job.Status.Terminal() {
		return nil
	}
	def, ok := c.registry.JobDefinition(job.JobType)
	if !ok {
		return c.FailJob(ctx, jobID, fmt.Sprintf("job definition %q disappeared from registry", job.JobType))
	}

	tasks, err := c.state.ListStageTasks(ctx, jobID, stage)
	if err != nil {
		return err
	}

	// Fail-fast policy: the first error encountered (by task order) fails
	// the whole job once the completion check fires. Later completions in
	// the same stage no-op against the terminal row.
	if !def.ContinueOnError {
		for _, t := range tasks {
			if t.Status == core.TaskFailed {
				return c.FailJob(ctx, jobID,
					fmt.Sprintf("stage %d task %s: %s", stage, t.ID, t.LastError))
			}
		}
	}

	aggregated, err := c.aggregateStage(def, stage, tasks)
	if err != nil {
		return c.FailJob(ctx, jobID, fmt.Sprintf("aggregate stage %d: %v", stage, err))
	}

	if stage >= len(def.Stages) {
		if err := c.state.CompleteJob(ctx, jobID, aggregated); err != nil {
			return err
		}
		if final, err := c.state.GetJob(ctx, jobID); err == nil && final != nil {
			c.emitter.emit(&core.JobCompletedEvent{Job: final, Timestamp: time.Now()})
		}
		c.logger.Info("job completed",
			"job_id", core.ShortJobID(jobID), "job_type", job.JobType, "stages", len(def.Stages))
		return nil
	}

	next := stage + 1
	if err := c.state.AdvanceJobStage(ctx, jobID, next, aggregated); err != nil {
		return err
	}

	advanced, err := c.state.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if advanced == nil || advanced.Status.Terminal() || advanced.CurrentStage != next {
		return nil
	}

	nextTasks, err := c.orch.GenerateStageTasks(advanced, next)
	if err != nil {
		return c.FailJob(ctx, jobID, fmt.Sprintf("expand stage %d: %v", next, err))
	}
	if err := c.state.CreateTasks(ctx, nextTasks); err != nil {
		return fmt.Errorf("create stage %d tasks: %w", next, err)
	}
	if err := c.dispatchTasks(ctx, nextTasks); err != nil {
		return err
	}

	c.emitter.emit(&core.StageAdvanced{
		Job:       advanced,
		FromStage: stage,
		ToStage:   next,
		TaskCount: len(nextTasks),
		Timestamp: time.Now(),
	})
	c.logger.Info("stage advanced",
		"job_id", core.ShortJobID(jobID), "from", stage, "to", next, "tasks", len(nextTasks))
	return nil
}

func (c *Coordinator) aggregateStage(def *registry.JobDefinition, stage int, tasks []*core.Task) (map[string]any, error) {
	if agg, ok := def.Aggregate[stage]; ok && agg != nil {
		return agg(tasks)
	}
	return defaultAggregate(tasks)
}

// defaultAggregate records each task's result keyed by task ID, plus a
// count and any failures. The per-task map is what match_previous_count
// expansion enumerates.
func defaultAggregate(tasks []*core.Task) (map[string]any, error) {
	byTask := make(map[string]any, len(tasks))
	failed := make(map[string]any)
	for _, t := range tasks {
		res, err := t.ResultMap()
		if err != nil {
			return nil, err
		}
		if res == nil {
			res = map[string]any{}
		}
		byTask[t.ID] = res
		if t.Status == core.TaskFailed {
			failed[t.ID] = t.LastError
		}
	}
	out := map[string]any{
		"task_count":         len(tasks),
		orchestrate.TasksKey: byTask,
	}
	if len(failed) > 0 {
		out["failed"] = failed
	}
	return out, nil
}

// dispatchTasks publishes task messages onto the task queue in one batch.
func (c *Coordinator) dispatchTasks(ctx context.Context, tasks []*core.Task) error {
	bodies := make([][]byte, 0, len(tasks))
	for _, t := range tasks {
		msg, err := core.TaskMessageFor(t)
		if err != nil {
			return err
		}
		body, err := msg.Encode()
		if err != nil {
			return err
		}
		bodies = append(bodies, body)
	}
	if err := c.broker.PublishBatch(ctx, broker.TaskQueue, bodies); err != nil {
		return fmt.Errorf("dispatch %d tasks: %w", len(tasks), err)
	}
	return nil
}
