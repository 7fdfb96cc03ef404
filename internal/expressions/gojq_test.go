package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plturrell/procflow/pkg/schema"
)

func TestGoJQ_FieldAccess(t *testing.T) {
	e := NewGoJQEngine()
	scope := BuildScope(map[string]any{"amount": 42}, nil)

	out, err := e.Evaluate(context.Background(), ".input.amount", scope)
	require.NoError(t, err)
	assert.Equal(t, float64(42), out)
}

func TestGoJQ_Reshape(t *testing.T) {
	e := NewGoJQEngine()
	scope := BuildScope(map[string]any{
		"orders": []any{
			map[string]any{"id": "o1", "total": 10},
			map[string]any{"id": "o2", "total": 30},
		},
	}, nil)

	out, err := e.Evaluate(context.Background(), "[.input.orders[].total] | add", scope)
	require.NoError(t, err)
	assert.Equal(t, float64(40), out)
}

func TestGoJQ_MultipleOutputsCollected(t *testing.T) {
	e := NewGoJQEngine()
	scope := BuildScope(map[string]any{"items": []any{1, 2}}, nil)

	out, err := e.Evaluate(context.Background(), ".input.items[]", scope)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, out)
}

func TestGoJQ_ParseError(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), ".input.[", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestGoJQ_EnvIsBlocked(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), "env | length", BuildScope(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestGoJQ_ImplementsEngine(t *testing.T) {
	var _ Engine = (*GoJQEngine)(nil)
	assert.Equal(t, "jq", NewGoJQEngine().Name())
}
