package orchestration

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jean-moorman/ForestForTheTrees-sub004/agent"
	"github.com/jean-moorman/ForestForTheTrees-sub004/core"
)

// PipelineDefinition is the declarative pipeline form hosts load from YAML.
type PipelineDefinition struct {
	Name   string            `yaml:"name"`
	Stages []StageDefinition `yaml:"stages"`
}

// StageDefinition declares one stage: which agent runs it, which prompt it
// uses, and which upstream outputs feed it.
type StageDefinition struct {
	Name  string `yaml:"name"`
	Agent string `yaml:"agent"`
	// Inputs names the upstream stages whose outputs this stage consumes.
	// Empty means the pipeline input passes through unchanged.
	Inputs []string               `yaml:"inputs"`
	Schema map[string]interface{} `yaml:"schema"`
}

// ParsePipelineYAML decodes and validates a pipeline definition.
func ParsePipelineYAML(raw []byte) (*PipelineDefinition, error) {
	var def PipelineDefinition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parsing pipeline definition: %w: %v", core.ErrInvalidConfiguration, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural constraints the decoder cannot.
func (d *PipelineDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("pipeline name is required: %w", core.ErrInvalidConfiguration)
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("pipeline %q has no stages: %w", d.Name, core.ErrInvalidConfiguration)
	}
	seen := make(map[string]bool, len(d.Stages))
	for _, stage := range d.Stages {
		if stage.Name == "" || stage.Agent == "" {
			return fmt.Errorf("pipeline %q: every stage needs a name and an agent: %w", d.Name, core.ErrInvalidConfiguration)
		}
		if seen[stage.Name] {
			return fmt.Errorf("pipeline %q: duplicate stage %q: %w", d.Name, stage.Name, core.ErrInvalidConfiguration)
		}
		// A stage may only consume outputs of stages declared before it.
		for _, input := range stage.Inputs {
			if !seen[input] {
				return fmt.Errorf("pipeline %q: stage %q consumes %q which is not an upstream stage: %w", d.Name, stage.Name, input, core.ErrInvalidConfiguration)
			}
		}
		seen[stage.Name] = true
	}
	return nil
}

// BuildStages materializes a definition against a set of agent runtimes.
func BuildStages(def *PipelineDefinition, agents map[string]*agent.Runtime) ([]Stage, error) {
	stages := make([]Stage, 0, len(def.Stages))
	for _, sd := range def.Stages {
		rt, ok := agents[sd.Agent]
		if !ok {
			return nil, fmt.Errorf("pipeline %q: no runtime for agent %q: %w", def.Name, sd.Agent, core.ErrMissingConfiguration)
		}
		stages = append(stages, Stage{
			Name:        sd.Name,
			Agent:       rt,
			Schema:      sd.Schema,
			SelectInput: selectorFor(sd.Inputs),
		})
	}
	return stages, nil
}

// selectorFor builds the conventional input selector: the pipeline input
// under "input" plus each named upstream output under its stage name.
func selectorFor(inputs []string) StageInputSelector {
	if len(inputs) == 0 {
		return nil
	}
	names := append([]string(nil), inputs...)
	return func(pipelineInput map[string]interface{}, outputs map[string]map[string]interface{}) map[string]interface{} {
		selected := map[string]interface{}{"input": pipelineInput}
		for _, name := range names {
			if out, ok := outputs[name]; ok {
				selected[name] = out
			}
		}
		return selected
	}
}
