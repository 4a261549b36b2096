package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlinehq/flowline/pkg/schema"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestCELEngine_Conditions(t *testing.T) {
	e := newCEL(t)
	ctx := context.Background()
	data := map[string]any{
		"trigger": map[string]any{"amount": 150.0},
		"nodes": map[string]any{
			"extract": map[string]any{"total": 42.5, "vendor": "acme"},
		},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"trigger field", `trigger.amount > 100.0`, true},
		{"node output", `nodes.extract.total < 50.0`, true},
		{"string compare", `nodes.extract.vendor == "acme"`, true},
		{"conjunction", `trigger.amount > 100.0 && nodes.extract.total > 100.0`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvaluateBool(ctx, tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCELEngine_NonBoolResult(t *testing.T) {
	e := newCEL(t)
	_, err := e.EvaluateBool(context.Background(), `trigger.amount`,
		map[string]any{"trigger": map[string]any{"amount": 1.0}})
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeExpression, engErr.Code)
}

func TestCELEngine_MissingKeyIsEvalError(t *testing.T) {
	e := newCEL(t)
	_, err := e.EvaluateBool(context.Background(), `nodes.ghost.total > 0.0`, map[string]any{})
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeExpression, engErr.Code)
}

func TestCELEngine_CompileError(t *testing.T) {
	e := newCEL(t)
	err := e.Check(`trigger.amount >`)
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestCELEngine_UnknownTopLevelVariable(t *testing.T) {
	e := newCEL(t)
	err := e.Check(`steps.foo == 1`)
	require.Error(t, err)
}
