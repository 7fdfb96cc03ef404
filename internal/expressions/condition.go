package expressions

import (
	"context"

	"github.com/plturrell/procflow/pkg/schema"
)

// ConditionEvaluator evaluates exclusive-gateway conditions over the run
// scope. Conditions must produce a boolean; anything else, including a
// reference to an undefined variable, is a condition error rather than a
// silent coercion.
type ConditionEvaluator struct {
	engine *CELEngine
}

// NewConditionEvaluator creates a condition evaluator backed by a shared CEL
// engine, so compiled conditions are cached across runs.
func NewConditionEvaluator(engine *CELEngine) *ConditionEvaluator {
	return &ConditionEvaluator{engine: engine}
}

// Evaluate runs the condition against input and accumulated output and returns
// the boolean outcome. All failure modes map to CONDITION_ERROR.
func (c *ConditionEvaluator) Evaluate(ctx context.Context, condition string, input, output map[string]any) (bool, error) {
	if condition == "" {
		return false, schema.NewError(schema.ErrCodeCondition, "gateway has no condition expression")
	}

	result, err := c.engine.Evaluate(ctx, condition, BuildScope(input, output))
	if err != nil {
		ee := schema.AsEngineError(err, schema.ErrCodeCondition)
		ee.Code = schema.ErrCodeCondition
		return false, ee
	}

	b, ok := result.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeCondition,
			"condition %q evaluated to %T, want bool", condition, result)
	}
	return b, nil
}
