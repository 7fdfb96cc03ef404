package schema

// Plan is the JSON-serializable execution plan format.
// Plans are produced by an external diagram-parsing collaborator; the engine
// treats them as already parsed and only checks the invariants it depends on.
type Plan struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Steps    []Step         `json:"steps"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StepType enumerates the kinds of steps in a plan.
type StepType string

const (
	StepTypeStart            StepType = "start"
	StepTypeServiceTask      StepType = "serviceTask"
	StepTypeUserTask         StepType = "userTask"
	StepTypeScriptTask       StepType = "scriptTask"
	StepTypeExclusiveGateway StepType = "exclusiveGateway"
	StepTypeParallelGateway  StepType = "parallelGateway"
	StepTypeEnd              StepType = "end"
)

// Step describes a single typed step in a plan. The zero values of the
// type-specific fields are meaningful only for the matching StepType.
type Step struct {
	ID             string   `json:"id"`
	Type           StepType `json:"type"`
	Name           string   `json:"name,omitempty"`
	OutputVariable string   `json:"output_variable,omitempty"` // run output key for the step result

	// serviceTask
	CapabilityID string `json:"capability_id,omitempty"`

	// userTask
	Assignee string `json:"assignee,omitempty"`

	// userTask and scriptTask step-level timeout (Go duration string)
	Timeout string `json:"timeout,omitempty"`

	// scriptTask
	Script *ScriptSpec `json:"script,omitempty"`

	// exclusiveGateway
	Condition   string `json:"condition,omitempty"`
	TrueTarget  string `json:"true_target,omitempty"`
	FalseTarget string `json:"false_target,omitempty"`

	// parallelGateway
	Branches [][]Step `json:"branches,omitempty"`
}

// ScriptSpec is the sandboxed program carried by a scriptTask.
type ScriptSpec struct {
	Language string `json:"language,omitempty"` // expr (default), jq, cel
	Source   string `json:"source"`
}

// Validate checks the invariants the engine itself depends on: a non-empty
// step list and at most one explicit start entry. Structural well-formedness
// beyond that is the diagram collaborator's concern.
func (p *Plan) Validate() error {
	if p == nil || len(p.Steps) == 0 {
		return NewError(ErrCodePlanInvalid, "plan has no steps")
	}

	starts := 0
	for _, s := range p.Steps {
		if s.ID == "" {
			return NewErrorf(ErrCodePlanInvalid, "plan %q contains a step with an empty id", p.ID)
		}
		if s.Type == StepTypeStart {
			starts++
		}
	}
	if starts > 1 {
		return NewErrorf(ErrCodePlanInvalid, "plan %q declares %d start entries, want at most one", p.ID, starts)
	}
	return nil
}

// StepIndex returns the position of the step with the given ID in the flat
// plan, or -1 if absent.
func (p *Plan) StepIndex(stepID string) int {
	for i, s := range p.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// LeafCount returns the number of leaf steps in the plan. Parallel gateways
// count as the total leaf-step count of their branches; every other entry
// counts as one. Used for progress reporting.
func (p *Plan) LeafCount() int {
	return leafCount(p.Steps)
}

func leafCount(steps []Step) int {
	total := 0
	for _, s := range steps {
		if s.Type == StepTypeParallelGateway {
			for _, branch := range s.Branches {
				total += leafCount(branch)
			}
			continue
		}
		total++
	}
	return total
}
