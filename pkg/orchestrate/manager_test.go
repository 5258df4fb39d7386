package orchestrate_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rob634/rmhgeoapi-sub017/pkg/core"
	"github.com/rob634/rmhgeoapi-sub017/pkg/orchestrate"
	"github.com/rob634/rmhgeoapi-sub017/pkg/registry"
)

func newManager(t *testing.T, def *registry.JobDefinition) *orchestrate.Manager {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.RegisterJob(def))
	return orchestrate.NewManager(reg)
}

func testJob(t *testing.T, jobType string, params map[string]any, stageResults map[int]map[string]any) *core.Job {
	t.Helper()
	jobID, err := core.DeriveJobID(jobType, params)
	require.NoError(t, err)

	paramsJSON, err := json.Marshal(params)
	require.NoError(t, err)

	job := &core.Job{
		ID:         jobID,
		JobType:    jobType,
		Parameters: paramsJSON,
	}
	if stageResults != nil {
		encoded, err := core.EncodeStageResults(stageResults)
		require.NoError(t, err)
		job.StageResults = encoded
	}
	return job
}

func TestGenerateStageTasks_SingleEmitsOneMainTask(t *testing.T) {
	def := &registry.JobDefinition{
		JobType: "single_job",
		Stages: []core.StageDescriptor{
			{Number: 1, Name: "only", TaskType: "only_task", Parallelism: core.ParallelismSingle},
		},
	}
	m := newManager(t, def)
	job := testJob(t, "single_job", map[string]any{"source": "s3://bucket/scene.tif"}, nil)

	tasks, err := m.GenerateStageTasks(job, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	task := tasks[0]
	assert.Equal(t, core.DeriveTaskID(job.ID, 1, "main"), task.ID)
	assert.Equal(t, "only_task", task.TaskType)
	assert.Equal(t, core.TaskQueued, task.Status)

	params, err := task.ParameterMap()
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/scene.tif", params["source"])
}

func TestGenerateStageTasks_FanOutDeterministic(t *testing.T) {
	def := &registry.JobDefinition{
		JobType: "fan_job",
		Stages: []core.StageDescriptor{
			{Number: 1, Name: "fan", TaskType: "fan_task", Parallelism: core.ParallelismFanOut},
		},
		GenerateTasks: func(stage core.StageDescriptor, params map[string]any, prior map[int]map[string]any) ([]registry.TaskSpec, error) {
			n := int(params["n"].(float64))
			specs := make([]registry.TaskSpec, 0, n)
			for i := 0; i < n; i++ {
				specs = append(specs, registry.TaskSpec{
					Key:        fmt.Sprintf("part-%d", i),
					Parameters: map[string]any{"part": i},
				})
			}
			return specs, nil
		},
	}
	m := newManager(t, def)
	job := testJob(t, "fan_job", map[string]any{"n": float64(4)}, nil)

	first, err := m.GenerateStageTasks(job, 1)
	require.NoError(t, err)
	require.Len(t, first, 4)

	// Regenerating after a crash must reproduce identical IDs in order.
	second, err := m.GenerateStageTasks(job, 1)
	require.NoError(t, err)
	require.Len(t, second, 4)
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].Parameters, second[i].Parameters)
	}
}

func TestGenerateStageTasks_DuplicateKeysRejected(t *testing.T) {
	def := &registry.JobDefinition{
		JobType: "dup_job",
		Stages: []core.StageDescriptor{
			{Number: 1, Name: "fan", TaskType: "dup_task", Parallelism: core.ParallelismFanOut},
		},
		GenerateTasks: func(stage core.StageDescriptor, params map[string]any, prior map[int]map[string]any) ([]registry.TaskSpec, error) {
			return []registry.TaskSpec{
				{Key: "same", Parameters: map[string]any{}},
				{Key: "same", Parameters: map[string]any{}},
			}, nil
		},
	}
	m := newManager(t, def)
	job := testJob(t, "dup_job", nil, nil)

	_, err := m.GenerateStageTasks(job, 1)
	assert.ErrorContains(t, err, "duplicate task key")
}

func TestGenerateStageTasks_EmptyKeyFallsBackToIndex(t *testing.T) {
	def := &registry.JobDefinition{
		JobType: "nokey_job",
		Stages: []core.StageDescriptor{
			{Number: 1, Name: "fan", TaskType: "nokey_task", Parallelism: core.ParallelismFanOut},
		},
		GenerateTasks: func(stage core.StageDescriptor, params map[string]any, prior map[int]map[string]any) ([]registry.TaskSpec, error) {
			return []registry.TaskSpec{
				{Parameters: map[string]any{}},
				{Parameters: map[string]any{}},
			}, nil
		},
	}
	m := newManager(t, def)
	job := testJob(t, "nokey_job", nil, nil)

	tasks, err := m.GenerateStageTasks(job, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, core.DeriveTaskID(job.ID, 1, core.IndexTaskKey(0)), tasks[0].ID)
	assert.Equal(t, core.DeriveTaskID(job.ID, 1, core.IndexTaskKey(1)), tasks[1].ID)
}

func matchPreviousDef() *registry.JobDefinition {
	return &registry.JobDefinition{
		JobType: "match_job",
		Stages: []core.StageDescriptor{
			{Number: 1, Name: "first", TaskType: "first_task", Parallelism: core.ParallelismSingle},
			{Number: 2, Name: "second", TaskType: "second_task", Parallelism: core.ParallelismMatchPrevious, DependsOn: 1},
		},
	}
}

func TestGenerateStageTasks_MatchPreviousMirrorsPriorStage(t *testing.T) {
	m := newManager(t, matchPreviousDef())
	job := testJob(t, "match_job", map[string]any{"region": "af-north"}, nil)
	job.CurrentStage = 2

	// Simulate the stage 1 aggregation with two predecessor tasks.
	pred1 := core.DeriveTaskID(job.ID, 1, "alpha")
	pred2 := core.DeriveTaskID(job.ID, 1, "beta")
	encoded, err := core.EncodeStageResults(map[int]map[string]any{
		1: {
			"task_count": 2,
			orchestrate.TasksKey: map[string]any{
				pred1: map[string]any{"value": 10},
				pred2: map[string]any{"value": 20},
			},
		},
	})
	require.NoError(t, err)
	job.StageResults = encoded

	tasks, err := m.GenerateStageTasks(job, 2)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	// Keys carry over from the predecessors, so stage 2 IDs line up.
	assert.Equal(t, core.DeriveTaskID(job.ID, 2, "alpha"), tasks[0].ID)
	assert.Equal(t, core.DeriveTaskID(job.ID, 2, "beta"), tasks[1].ID)

	params, err := tasks[0].ParameterMap()
	require.NoError(t, err)
	assert.Equal(t, pred1, params[core.PredecessorKey])
	assert.Equal(t, "af-north", params["region"])
	predResult, ok := params[core.PredecessorResultKey].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 10, predResult["value"])
}

func TestGenerateStageTasks_MatchPreviousRequiresPriorResults(t *testing.T) {
	m := newManager(t, matchPreviousDef())
	job := testJob(t, "match_job", nil, nil)
	job.CurrentStage = 2

	_, err := m.GenerateStageTasks(job, 2)
	assert.ErrorContains(t, err, "no recorded results")
}

func TestGenerateStageTasks_UnknownJobType(t *testing.T) {
	m := orchestrate.NewManager(registry.New())
	job := testJob(t, "ghost_job", nil, nil)

	_, err := m.GenerateStageTasks(job, 1)
	assert.ErrorIs(t, err, core.ErrUnknownJobType)
}

func TestGenerateStageTasks_UnknownStage(t *testing.T) {
	m := newManager(t, matchPreviousDef())
	job := testJob(t, "match_job", nil, nil)

	_, err := m.GenerateStageTasks(job, 7)
	assert.ErrorContains(t, err, "no stage 7")
}
