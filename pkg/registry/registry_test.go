package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rob634/rmhgeoapi-sub017/pkg/core"
	"github.com/rob634/rmhgeoapi-sub017/pkg/registry"
)

func noopHandler(ctx context.Context, in registry.TaskInput) (registry.TaskResult, error) {
	return registry.TaskResult{}, nil
}

func validDefinition() *registry.JobDefinition {
	return &registry.JobDefinition{
		JobType: "ingest",
		Stages: []core.StageDescriptor{
			{Number: 1, Name: "analyze", TaskType: "analyze", Parallelism: core.ParallelismSingle},
			{Number: 2, Name: "process", TaskType: "process", Parallelism: core.ParallelismMatchPrevious, DependsOn: 1},
		},
	}
}

func TestRegisterJob_Valid(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterJob(validDefinition()))

	def, ok := reg.JobDefinition("ingest")
	require.True(t, ok)
	assert.Equal(t, "ingest", def.JobType)
	assert.Len(t, def.Stages, 2)
}

func TestRegisterJob_DuplicateRejected(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterJob(validDefinition()))
	err := reg.RegisterJob(validDefinition())
	assert.ErrorContains(t, err, "already registered")
}

func TestRegisterJob_ValidationFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*registry.JobDefinition)
		want   string
	}{
		{
			name:   "no stages",
			mutate: func(d *registry.JobDefinition) { d.Stages = nil },
			want:   "no stages",
		},
		{
			name:   "misnumbered stages",
			mutate: func(d *registry.JobDefinition) { d.Stages[1].Number = 5 },
			want:   "must be 1..N",
		},
		{
			name: "fan_out without generator",
			mutate: func(d *registry.JobDefinition) {
				d.Stages[1].Parallelism = core.ParallelismFanOut
			},
			want: "requires a task generator",
		},
		{
			name: "stage 1 match_previous",
			mutate: func(d *registry.JobDefinition) {
				d.Stages[0].Parallelism = core.ParallelismMatchPrevious
			},
			want: "stage 1 cannot match",
		},
		{
			name: "depends_on later stage",
			mutate: func(d *registry.JobDefinition) {
				d.Stages[0].DependsOn = 2
			},
			want: "earlier stage",
		},
		{
			name: "unknown parallelism",
			mutate: func(d *registry.JobDefinition) {
				d.Stages[0].Parallelism = "all_at_once"
			},
			want: "unknown parallelism",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := validDefinition()
			tc.mutate(def)
			err := registry.New().RegisterJob(def)
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestRegisterJob_InvalidJobTypeName(t *testing.T) {
	def := validDefinition()
	def.JobType = "9starts-with-digit"
	err := registry.New().RegisterJob(def)
	assert.ErrorIs(t, err, core.ErrInvalidJobTypeName)
}

func TestRegisterHandler_DuplicateRejected(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterHandler("tile", noopHandler))
	err := reg.RegisterHandler("tile", noopHandler)
	assert.ErrorContains(t, err, "already registered")
}

func TestRegisterHandler_NilRejected(t *testing.T) {
	err := registry.New().RegisterHandler("tile", nil)
	assert.ErrorContains(t, err, "nil")
}

func TestHandler_Lookup(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterHandler("tile", noopHandler))

	_, ok := reg.Handler("tile")
	assert.True(t, ok)
	_, ok = reg.Handler("missing")
	assert.False(t, ok)
}

func TestJobTypes_Sorted(t *testing.T) {
	reg := registry.New()
	for _, jt := range []string{"zeta", "alpha", "mike"} {
		def := validDefinition()
		def.JobType = jt
		require.NoError(t, reg.RegisterJob(def))
	}
	assert.Equal(t, []string{"alpha", "mike", "zeta"}, reg.JobTypes())
}

func TestStage_Lookup(t *testing.T) {
	def := validDefinition()
	st, ok := def.Stage(2)
	require.True(t, ok)
	assert.Equal(t, "process", st.TaskType)

	_, ok = def.Stage(0)
	assert.False(t, ok)
	_, ok = def.Stage(3)
	assert.False(t, ok)
}
