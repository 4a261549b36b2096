package executors

import (
	"context"

	"github.com/flowlinehq/flowline/pkg/schema"
)

// ForkExecutor opens a parallel section. The node itself is a no-op; the
// walker schedules every declared successor concurrently.
type ForkExecutor struct{}

func (e *ForkExecutor) Kind() schema.NodeKind { return schema.NodeKindFork }

func (e *ForkExecutor) Execute(ctx context.Context, ec *ExecContext) Outcome {
	return Continue{}
}

// JoinExecutor closes a parallel section. The walker only schedules a
// join once every predecessor has reached a terminal step, so by the time
// this runs the barrier has already been satisfied.
type JoinExecutor struct{}

func (e *JoinExecutor) Kind() schema.NodeKind { return schema.NodeKindJoin }

func (e *JoinExecutor) Execute(ctx context.Context, ec *ExecContext) Outcome {
	return Continue{}
}
