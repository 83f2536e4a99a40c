// Package workflow defines the declarative stage-graph model tickets are
// bound to: workflow definitions loaded from YAML, stage transitions, and
// the guard-expression mini-language used on transition edges.
package workflow

import "fmt"

// TargetFinished is the reserved transition target that completes a ticket.
const TargetFinished = "finished"

// StageTransition is a guarded edge between workflow stages.
type StageTransition struct {
	Target string `yaml:"target"`
	When   string `yaml:"when,omitempty"`
}

// StageDefinition is one executable stage in a workflow.
type StageDefinition struct {
	ID               string            `yaml:"id"`
	Executor         string            `yaml:"executor"`
	Tools            []string          `yaml:"tools,omitempty"`
	RequiresApproval bool              `yaml:"requires_approval,omitempty"`
	Transitions      []StageTransition `yaml:"transitions,omitempty"`
	Metadata         map[string]any    `yaml:"metadata,omitempty"`
}

// Definition is a complete workflow specification.
type Definition struct {
	Key           string            `yaml:"key"`
	Version       string            `yaml:"version"`
	Description   string            `yaml:"description,omitempty"`
	WorkspaceType string            `yaml:"workspace_type"`
	InitialStage  string            `yaml:"initial_stage"`
	Stages        []StageDefinition `yaml:"stages"`
}

// ValidationError reports an invalid workflow definition.
type ValidationError struct {
	Workflow string
	Message  string
}

func (e *ValidationError) Error() string {
	if e.Workflow == "" {
		return fmt.Sprintf("invalid workflow: %s", e.Message)
	}
	return fmt.Sprintf("invalid workflow %q: %s", e.Workflow, e.Message)
}

// Validate checks structural invariants: required fields, a known initial
// stage, unique stage ids, resolvable transition targets, and guard
// expressions that at least tokenize.
func (d *Definition) Validate() error {
	if d.Key == "" {
		return &ValidationError{Message: "key is required"}
	}
	if d.InitialStage == "" {
		return &ValidationError{Workflow: d.Key, Message: "initial_stage is required"}
	}

	stageIDs := make(map[string]bool, len(d.Stages))
	for _, stage := range d.Stages {
		if stage.ID == "" {
			return &ValidationError{Workflow: d.Key, Message: "stage id is required"}
		}
		if stage.Executor == "" {
			return &ValidationError{Workflow: d.Key, Message: fmt.Sprintf("stage %q: executor is required", stage.ID)}
		}
		if stageIDs[stage.ID] {
			return &ValidationError{Workflow: d.Key, Message: fmt.Sprintf("duplicate stage id %q", stage.ID)}
		}
		stageIDs[stage.ID] = true
	}

	if !stageIDs[d.InitialStage] {
		return &ValidationError{
			Workflow: d.Key,
			Message:  fmt.Sprintf("initial_stage %q is not present in stages", d.InitialStage),
		}
	}

	for _, stage := range d.Stages {
		for _, tr := range stage.Transitions {
			if tr.Target == "" {
				return &ValidationError{Workflow: d.Key, Message: fmt.Sprintf("stage %q: transition target is required", stage.ID)}
			}
			if !stageIDs[tr.Target] && tr.Target != TargetFinished {
				return &ValidationError{
					Workflow: d.Key,
					Message:  fmt.Sprintf("stage %q references unknown transition target %q", stage.ID, tr.Target),
				}
			}
			if err := CheckGuard(tr.When); err != nil {
				return &ValidationError{
					Workflow: d.Key,
					Message:  fmt.Sprintf("stage %q transition to %q: %v", stage.ID, tr.Target, err),
				}
			}
		}
	}
	return nil
}

// StageByID returns the stage with the given id, or nil.
func (d *Definition) StageByID(stageID string) *StageDefinition {
	for i := range d.Stages {
		if d.Stages[i].ID == stageID {
			return &d.Stages[i]
		}
	}
	return nil
}

// applyDefaults fills optional definition fields.
func (d *Definition) applyDefaults(key string) {
	if d.Key == "" {
		d.Key = key
	}
	if d.Version == "" {
		d.Version = "1.0.0"
	}
	if d.WorkspaceType == "" {
		d.WorkspaceType = "none"
	}
}
