package expressions

import "context"

// Engine evaluates expressions against a run's variable scope.
// Three implementations: CEL (edge conditions), GoJQ (output mapping),
// Expr (derived values).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
