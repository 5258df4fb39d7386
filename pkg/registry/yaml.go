package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rob634/rmhgeoapi-sub017/pkg/core"
)

// definitionFile is the YAML shape for a declarative job definition. Only the
// stage list is declarative; generators, aggregators, and handlers are bound
// in code after parsing.
type definitionFile struct {
	JobType         string                `yaml:"job_type"`
	ContinueOnError bool                  `yaml:"continue_on_error"`
	Stages          []yamlStageDescriptor `yaml:"stages"`
}

type yamlStageDescriptor struct {
	Number      int    `yaml:"number"`
	Name        string `yaml:"name"`
	TaskType    string `yaml:"task_type"`
	Parallelism string `yaml:"parallelism"`
	DependsOn   int    `yaml:"depends_on"`
}

// ParseDefinition parses YAML content into a JobDefinition. The result is
// not yet registered: callers attach GenerateTasks/Aggregate as needed and
// pass it to RegisterJob, which validates it.
func ParseDefinition(data []byte) (*JobDefinition, error) {
	var f definitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse job definition: %w", err)
	}
	def := &JobDefinition{
		JobType:         f.JobType,
		ContinueOnError: f.ContinueOnError,
	}
	for _, st := range f.Stages {
		def.Stages = append(def.Stages, stageFromYAML(st))
	}
	return def, nil
}

func stageFromYAML(st yamlStageDescriptor) core.StageDescriptor {
	return core.StageDescriptor{
		Number:      st.Number,
		Name:        st.Name,
		TaskType:    st.TaskType,
		Parallelism: core.Parallelism(st.Parallelism),
		DependsOn:   st.DependsOn,
	}
}

// LoadDefinitionFile reads a job definition from a YAML file.
func LoadDefinitionFile(path string) (*JobDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job definition %s: %w", path, err)
	}
	return ParseDefinition(data)
}
