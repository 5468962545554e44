package expressions

import (
	"context"
	"testing"

	"github.com/rendis/flowsim/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpr_TraitCondition(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		ExprVarTraits: map[string]any{"budget": 5000, "urgency": "high"},
		ExprVarLead:   "what is the price?",
	}

	ok, err := EvaluateBool(context.Background(), e, `traits.budget > 1000 && lead contains "price"`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateBool(context.Background(), e, `traits.urgency == "low"`, data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpr_UndefinedVariableIsNil(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), `missing ?? "fallback"`, nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExpr_ProgramReusedAcrossShapes(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), `turn >= 3`, map[string]any{ExprVarTurn: 5})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), `turn >= 3`, map[string]any{ExprVarTurn: 1.0})
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), `traits.budget >`, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestExpr_Empty(t *testing.T) {
	_, err := NewExprEngine().Evaluate(context.Background(), "", nil)
	assert.Error(t, err)
}
