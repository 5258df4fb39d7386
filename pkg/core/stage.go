package core

// Parallelism declares how a stage's task count is determined.
type Parallelism string

const (
	// ParallelismSingle emits exactly one task for the stage.
	ParallelismSingle Parallelism = "single"

	// ParallelismFanOut computes the task list dynamically from job
	// parameters and prior-stage results.
	ParallelismFanOut Parallelism = "fan_out"

	// ParallelismMatchPrevious emits one task per task of the immediately
	// prior stage, carrying a lineage reference to the predecessor.
	ParallelismMatchPrevious Parallelism = "match_previous_count"
)

// StageDescriptor declares one ordered phase of a job definition.
// Descriptors are static registry data, not persisted rows.
type StageDescriptor struct {
	Number      int         `yaml:"number" json:"number"`
	Name        string      `yaml:"name" json:"name"`
	TaskType    string      `yaml:"task_type" json:"task_type"`
	Parallelism Parallelism `yaml:"parallelism" json:"parallelism"`
	DependsOn   int         `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// StageState is the result of the atomic stage-completion check.
type StageState int

const (
	// StageInProgress means other tasks in the stage remain non-terminal.
	StageInProgress StageState = iota

	// StageComplete means the reporting task was the last one out: the
	// caller must now advance the job or finalize it.
	StageComplete
)

func (s StageState) String() string {
	if s == StageComplete {
		return "stage_complete"
	}
	return "stage_in_progress"
}

// StageOutcome is returned by the completion-check primitives.
type StageOutcome struct {
	State StageState

	// Remaining is the number of non-terminal sibling tasks still in the
	// stage at the moment of the check.
	Remaining int64
}
