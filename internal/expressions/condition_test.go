package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plturrell/procflow/pkg/schema"
)

func newConditionEvaluator(t *testing.T) *ConditionEvaluator {
	t.Helper()
	return NewConditionEvaluator(newCEL(t))
}

func TestCondition_TrueAndFalse(t *testing.T) {
	c := newConditionEvaluator(t)
	ctx := context.Background()
	input := map[string]any{"amount": 150.0}

	verdict, err := c.Evaluate(ctx, "input.amount > 100.0", input, nil)
	require.NoError(t, err)
	assert.True(t, verdict)

	verdict, err = c.Evaluate(ctx, "input.amount > 200.0", input, nil)
	require.NoError(t, err)
	assert.False(t, verdict)
}

func TestCondition_ReadsOutputNamespace(t *testing.T) {
	c := newConditionEvaluator(t)
	verdict, err := c.Evaluate(context.Background(), `output.decision == "approve"`,
		nil, map[string]any{"decision": "approve"})
	require.NoError(t, err)
	assert.True(t, verdict)
}

func TestCondition_EmptyIsConditionError(t *testing.T) {
	c := newConditionEvaluator(t)
	_, err := c.Evaluate(context.Background(), "", nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCondition, schema.CodeOf(err))
}

func TestCondition_UndefinedVariableIsConditionError(t *testing.T) {
	c := newConditionEvaluator(t)
	_, err := c.Evaluate(context.Background(), "input.missing > 1.0", nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCondition, schema.CodeOf(err))
}

func TestCondition_NonBooleanIsConditionError(t *testing.T) {
	c := newConditionEvaluator(t)
	_, err := c.Evaluate(context.Background(), "1 + 1", nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCondition, schema.CodeOf(err))
}

func TestCondition_CompileErrorIsConditionError(t *testing.T) {
	c := newConditionEvaluator(t)
	_, err := c.Evaluate(context.Background(), "input.amount >", nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCondition, schema.CodeOf(err))
}
