package executors

import (
	"context"

	"github.com/flowlinehq/flowline/pkg/schema"
)

// StartExecutor marks the graph entry point. Trigger input is already
// bound into the scope when the run is created, so the node itself has
// nothing to compute.
type StartExecutor struct{}

func (e *StartExecutor) Kind() schema.NodeKind { return schema.NodeKindStart }

func (e *StartExecutor) Execute(ctx context.Context, ec *ExecContext) Outcome {
	return Continue{}
}
