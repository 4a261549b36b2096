package executors

import (
	"context"

	"github.com/flowlinehq/flowline/internal/expressions"
	"github.com/flowlinehq/flowline/pkg/schema"
)

// DecisionExecutor routes a run down exactly one outgoing edge. Conditions
// are CEL expressions over the run scope, evaluated in edge declaration
// order; the first truthy condition wins. An edge without a condition is
// the default, taken only when no condition matched.
type DecisionExecutor struct {
	cel *expressions.CELEngine
}

// NewDecisionExecutor creates a DecisionExecutor.
func NewDecisionExecutor(cel *expressions.CELEngine) *DecisionExecutor {
	return &DecisionExecutor{cel: cel}
}

func (e *DecisionExecutor) Kind() schema.NodeKind { return schema.NodeKindDecision }

func (e *DecisionExecutor) Execute(ctx context.Context, ec *ExecContext) Outcome {
	data := ec.Scope.Nested()

	var defaultTarget string
	for _, edge := range ec.Def.Edges {
		if edge.Source != ec.Node.ID {
			continue
		}
		if edge.Condition == "" {
			if defaultTarget == "" {
				defaultTarget = edge.Target
			}
			continue
		}

		matched, err := e.cel.EvaluateBool(ctx, edge.Condition, data)
		if err != nil {
			var engErr *schema.EngineError
			if e, ok := err.(*schema.EngineError); ok {
				engErr = e
			} else {
				engErr = schema.NewError(schema.ErrCodeExpression, err.Error()).WithCause(err)
			}
			return failErr(engErr, ec.Node.ID, false)
		}
		if matched {
			return Continue{
				Outputs:      map[string]any{"branch": edge.Target},
				NextOverride: edge.Target,
			}
		}
	}

	if defaultTarget != "" {
		return Continue{
			Outputs:      map[string]any{"branch": defaultTarget},
			NextOverride: defaultTarget,
		}
	}

	return failf(schema.ErrCodeNoMatchingBranch, ec.Node.ID,
		"no outgoing edge condition matched and no default edge exists")
}
