package executors

import (
	"context"
	"log/slog"

	"github.com/flowlinehq/flowline/internal/expressions"
	"github.com/flowlinehq/flowline/pkg/schema"
)

// ExecContext carries everything an executor may consult for one attempt
// of one node. Executors never touch the store; persistence is the
// walker's job.
type ExecContext struct {
	RunID   string
	Def     *schema.WorkflowDefinition
	Node    *schema.NodeDefinition
	Scope   *expressions.Scope
	Attempt int

	// Review and Resolution are set only when re-entering a suspended
	// approval node: Review is the payload shown to the reviewer,
	// Resolution the decision they supplied.
	Review     *schema.ReviewPayload
	Resolution *schema.Resolution

	Logger *slog.Logger
}

// Outcome is the closed result union of a node execution attempt. Every
// attempt ends in exactly one of Continue, Suspend, or Fail; the walker
// switches over the concrete type and treats anything else as a bug.
type Outcome interface {
	isOutcome()
}

// Continue means the node finished. Outputs are merged into the run's
// variables under the node's namespace. NextOverride, when set, replaces
// the declared successors with a single chosen target (decision routing).
type Continue struct {
	Outputs      map[string]any
	NextOverride string
}

// Suspend means the node parked the run for a human decision. The payload
// is persisted as a PendingApproval and surfaced to the reviewer.
type Suspend struct {
	Payload schema.ReviewPayload
}

// Fail means the attempt failed. Retryable failures are re-attempted per
// the node's retry policy; the rest fail the run under its failure policy.
type Fail struct {
	Err       *schema.EngineError
	Retryable bool
}

func (Continue) isOutcome() {}
func (Suspend) isOutcome()  {}
func (Fail) isOutcome()     {}

// NodeExecutor executes a single node kind.
type NodeExecutor interface {
	Kind() schema.NodeKind
	Execute(ctx context.Context, ec *ExecContext) Outcome
}

// failf builds a non-retryable Fail outcome.
func failf(code string, nodeID string, format string, args ...any) Fail {
	return Fail{Err: schema.NewErrorf(code, format, args...).WithNode(nodeID)}
}

// failErr wraps an existing EngineError in a Fail outcome.
func failErr(err *schema.EngineError, nodeID string, retryable bool) Fail {
	return Fail{Err: err.WithNode(nodeID), Retryable: retryable}
}
