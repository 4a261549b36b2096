package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlinehq/flowline/pkg/schema"
)

func TestExprEngine_Builtins(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()
	data := map[string]any{
		"nodes": map[string]any{
			"extract": map[string]any{
				"invoice_date": "2026-03-01",
				"due_date":     "2026-03-31",
				"total":        123.456,
				"vendor":       "acme",
			},
		},
	}

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"daysBetween", `daysBetween(nodes.extract.invoice_date, nodes.extract.due_date)`, 30},
		{"addDays", `addDays(nodes.extract.invoice_date, 14)`, "2026-03-15"},
		{"concat", `concat(nodes.extract.vendor, "-", 2026)`, "acme-2026"},
		{"round", `round(nodes.extract.total, 2)`, 123.46},
		{"arithmetic", `round(nodes.extract.total * 2.0, 0)`, 246.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(ctx, tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExprEngine_InvalidDate(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(),
		`daysBetween("not-a-date", "2026-01-01")`, nil)
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeExpression, engErr.Code)
}

func TestExprEngine_UnknownIdentifier(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), `nonexistent + 1`, nil)
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeExpression, engErr.Code)
}

func TestExprEngine_DivisionByZero(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), `1 / 0`, nil)
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeExpression, engErr.Code)
}

func TestExprEngine_Deterministic(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()
	data := map[string]any{
		"trigger": map[string]any{"amount": 99.99},
	}

	first, err := e.Evaluate(ctx, `round(trigger.amount * 1.19, 2)`, data)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		got, err := e.Evaluate(ctx, `round(trigger.amount * 1.19, 2)`, data)
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}
