package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plturrell/procflow/pkg/schema"
)

func TestExpr_Arithmetic(t *testing.T) {
	e := NewExprEngine()
	scope := BuildScope(map[string]any{"a": 2, "b": 3}, nil)

	out, err := e.Evaluate(context.Background(), "input.a + input.b", scope)
	require.NoError(t, err)
	assert.EqualValues(t, 5, out)
}

func TestExpr_ArrayPipeline(t *testing.T) {
	e := NewExprEngine()
	scope := BuildScope(map[string]any{
		"items": []any{1, 2, 3, 4},
	}, nil)

	out, err := e.Evaluate(context.Background(), "input.items | filter(# > 2) | len()", scope)
	require.NoError(t, err)
	assert.EqualValues(t, 2, out)
}

func TestExpr_NilCoalescing(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), `vars?.missing ?? "fallback"`, BuildScope(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "input.a +", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestExpr_EmptyExpression(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestExpr_ImplementsEngine(t *testing.T) {
	var _ Engine = (*ExprEngine)(nil)
	assert.Equal(t, "expr", NewExprEngine().Name())
}
