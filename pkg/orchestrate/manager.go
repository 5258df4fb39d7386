// Package orchestrate expands a job's stage descriptors into concrete task
// lists. Expansion is a pure function of the job parameters and prior-stage
// results: re-invoking it after a crash reproduces an identical list, which
// combined with deterministic task IDs makes stage-task creation retriable.
package orchestrate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rob634/rmhgeoapi-sub017/pkg/core"
	"github.com/rob634/rmhgeoapi-sub017/pkg/registry"
	"github.com/rob634/rmhgeoapi-sub017/pkg/security"
)

// TasksKey is the stage-result key under which the default aggregation
// records per-task results. match_previous_count expansion reads it to
// enumerate predecessors.
const TasksKey = "tasks"

// Manager computes the concrete set of tasks for a given job and stage.
type Manager struct {
	registry *registry.Registry
}

// NewManager creates a Manager backed by the given registry.
func NewManager(reg *registry.Registry) *Manager {
	return &Manager{registry: reg}
}

// GenerateStageTasks expands one stage descriptor into task rows. Tasks are
// returned in deterministic order with deterministic IDs; they are not yet
// persisted or dispatched.
func (m *Manager) GenerateStageTasks(job *core.Job, stageNumber int) ([]*core.Task, error) {
	def, ok := m.registry.JobDefinition(job.JobType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownJobType, job.JobType)
	}
	stage, ok := def.Stage(stageNumber)
	if !ok {
		return nil, fmt.Errorf("job %s: no stage %d in definition %q", core.ShortJobID(job.ID), stageNumber, job.JobType)
	}

	params, err := job.ParameterMap()
	if err != nil {
		return nil, err
	}
	prior, err := job.StageResultMap()
	if err != nil {
		return nil, err
	}

	var specs []registry.TaskSpec
	switch stage.Parallelism {
	case core.ParallelismSingle:
		specs = []registry.TaskSpec{{Key: "main", Parameters: params}}

	case core.ParallelismFanOut:
		specs, err = def.GenerateTasks(stage, params, prior)
		if err != nil {
			return nil, fmt.Errorf("generate tasks for stage %d of %s: %w", stageNumber, core.ShortJobID(job.ID), err)
		}
		if len(specs) > security.MaxFanOut {
			return nil, fmt.Errorf("stage %d of %s: fan-out of %d exceeds limit %d", stageNumber, core.ShortJobID(job.ID), len(specs), security.MaxFanOut)
		}

	case core.ParallelismMatchPrevious:
		specs, err = m.matchPrevious(job, stage, params, prior)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("stage %d of %q: unknown parallelism %q", stageNumber, job.JobType, stage.Parallelism)
	}

	return m.buildTasks(job, stage, specs)
}

// matchPrevious emits one task per predecessor task of the prior stage,
// carrying the predecessor's ID and result as lineage parameters.
// Predecessors come from the prior stage's aggregated result, so the
// expansion stays a pure function of (job parameters, stage results).
func (m *Manager) matchPrevious(job *core.Job, stage core.StageDescriptor, params map[string]any, prior map[int]map[string]any) ([]registry.TaskSpec, error) {
	prevStage := stage.Number - 1
	agg, ok := prior[prevStage]
	if !ok {
		return nil, fmt.Errorf("stage %d of %s: no recorded results for stage %d", stage.Number, core.ShortJobID(job.ID), prevStage)
	}
	byTask, _ := agg[TasksKey].(map[string]any)
	if len(byTask) == 0 {
		return nil, fmt.Errorf("stage %d of %s: stage %d results carry no per-task entries", stage.Number, core.ShortJobID(job.ID), prevStage)
	}

	predIDs := make([]string, 0, len(byTask))
	for id := range byTask {
		predIDs = append(predIDs, id)
	}
	sort.Strings(predIDs)

	prefix := fmt.Sprintf("%s-s%d-", core.ShortJobID(job.ID), prevStage)
	specs := make([]registry.TaskSpec, 0, len(predIDs))
	for i, predID := range predIDs {
		// Reuse the predecessor's discriminator so task IDs line up
		// across matched stages.
		key := strings.TrimPrefix(predID, prefix)
		if key == predID {
			key = core.IndexTaskKey(i)
		}

		taskParams := make(map[string]any, len(params)+2)
		for k, v := range params {
			taskParams[k] = v
		}
		taskParams[core.PredecessorKey] = predID
		if res, ok := byTask[predID].(map[string]any); ok {
			taskParams[core.PredecessorResultKey] = res
		}
		specs = append(specs, registry.TaskSpec{Key: key, Parameters: taskParams})
	}
	return specs, nil
}

func (m *Manager) buildTasks(job *core.Job, stage core.StageDescriptor, specs []registry.TaskSpec) ([]*core.Task, error) {
	tasks := make([]*core.Task, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for i, spec := range specs {
		key := spec.Key
		if key == "" {
			key = core.IndexTaskKey(i)
		}
		id := core.DeriveTaskID(job.ID, stage.Number, key)
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("stage %d of %s: duplicate task key %q", stage.Number, core.ShortJobID(job.ID), key)
		}
		seen[id] = struct{}{}

		paramsJSON, err := json.Marshal(spec.Parameters)
		if err != nil {
			return nil, fmt.Errorf("encode parameters for task %s: %w", id, err)
		}
		tasks = append(tasks, &core.Task{
			ID:         id,
			JobID:      job.ID,
			Stage:      stage.Number,
			TaskType:   stage.TaskType,
			Parameters: paramsJSON,
			Status:     core.TaskQueued,
		})
	}
	return tasks, nil
}
