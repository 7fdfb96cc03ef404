package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/plturrell/procflow/pkg/schema"
)

// planSchemaJSON is the JSON Schema for plan descriptors arriving over the
// wire. Embedded as a constant to avoid filesystem dependencies. The engine
// itself only requires a non-empty step list; this validator is the stricter
// opt-in check for untrusted plan sources.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://procflow.dev/schemas/plan.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "type": {
          "type": "string",
          "enum": ["start", "serviceTask", "userTask", "scriptTask", "exclusiveGateway", "parallelGateway", "end"]
        },
        "name": { "type": "string" },
        "output_variable": { "type": "string" },
        "capability_id": { "type": "string" },
        "assignee": { "type": "string" },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "script": { "$ref": "#/$defs/script" },
        "condition": { "type": "string" },
        "true_target": { "type": "string" },
        "false_target": { "type": "string" },
        "branches": {
          "type": "array",
          "items": {
            "type": "array",
            "minItems": 1,
            "items": { "$ref": "#/$defs/step" }
          }
        }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "type": { "const": "serviceTask" } } },
          "then": { "required": ["capability_id"] }
        },
        {
          "if": { "properties": { "type": { "const": "scriptTask" } } },
          "then": { "required": ["script"] }
        },
        {
          "if": { "properties": { "type": { "const": "exclusiveGateway" } } },
          "then": { "required": ["condition"] }
        },
        {
          "if": { "properties": { "type": { "const": "parallelGateway" } } },
          "then": { "required": ["branches"] }
        }
      ]
    },
    "script": {
      "type": "object",
      "required": ["source"],
      "properties": {
        "language": {
          "type": "string",
          "enum": ["expr", "jq", "cel"]
        },
        "source": {
          "type": "string",
          "minLength": 1
        }
      },
      "additionalProperties": false
    }
  }
}`

// PlanValidator validates plan descriptors against the plan JSON Schema plus
// the structural checks the schema cannot express. Safe for concurrent use.
type PlanValidator struct {
	planSchema *jsonschema.Schema
}

// NewPlanValidator creates a PlanValidator with the plan schema pre-compiled.
func NewPlanValidator() (*PlanValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	if err := c.AddResource("https://procflow.dev/schemas/plan.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}

	compiled, err := c.Compile("https://procflow.dev/schemas/plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}

	return &PlanValidator{planSchema: compiled}, nil
}

// ValidatePlan validates a plan against the JSON Schema, then applies
// structural checks: unique step IDs across the whole plan (branches
// included), at most one start entry, and gateway targets that resolve within
// their own sequence.
func (v *PlanValidator) ValidatePlan(plan *schema.Plan) error {
	if plan == nil {
		return schema.NewError(schema.ErrCodePlanInvalid, "plan is nil")
	}

	doc, err := toJSONValue(plan)
	if err != nil {
		return schema.NewError(schema.ErrCodePlanInvalid, "failed to serialize plan").WithCause(err)
	}
	if err := v.planSchema.Validate(doc); err != nil {
		return toPlanError(err)
	}

	seen := make(map[string]struct{})
	if err := checkSteps(plan.Steps, seen); err != nil {
		return err
	}

	starts := 0
	for _, s := range plan.Steps {
		if s.Type == schema.StepTypeStart {
			starts++
		}
	}
	if starts > 1 {
		return schema.NewErrorf(schema.ErrCodePlanInvalid,
			"plan declares %d start entries, want at most one", starts)
	}
	return nil
}

// checkSteps walks a step sequence recursively, collecting IDs and checking
// gateway targets against the sequence they live in.
func checkSteps(steps []schema.Step, seen map[string]struct{}) error {
	ids := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		if _, exists := seen[s.ID]; exists {
			return schema.NewErrorf(schema.ErrCodePlanInvalid, "duplicate step id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		ids[s.ID] = struct{}{}
	}

	for _, s := range steps {
		if s.Type == schema.StepTypeExclusiveGateway {
			for _, target := range []string{s.TrueTarget, s.FalseTarget} {
				if target == "" {
					continue
				}
				if _, ok := ids[target]; !ok {
					return schema.NewErrorf(schema.ErrCodePlanInvalid,
						"gateway %q routes to %q, which is not in the same sequence", s.ID, target).
						WithStep(s.ID)
				}
			}
		}
		if s.Type == schema.StepTypeParallelGateway {
			for _, branch := range s.Branches {
				if err := checkSteps(branch, seen); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toPlanError converts a jsonschema.ValidationError into an EngineError with
// the violating locations spelled out.
func toPlanError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodePlanInvalid, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodePlanInvalid, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodePlanInvalid, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	msg := fmt.Sprintf("plan validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodePlanInvalid, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
