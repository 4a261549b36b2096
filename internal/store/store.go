package store

import (
	"context"

	"github.com/flowlinehq/flowline/pkg/schema"
)

// Store defines the persistence contract for the execution engine.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions (immutable; a new version is a new row)
	PutDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error)

	// Runs
	CreateRun(ctx context.Context, run *WorkflowRun) error
	GetRun(ctx context.Context, runID string) (*WorkflowRun, error)
	UpdateRun(ctx context.Context, runID string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error)

	// Step trace (append-only)
	AppendStep(ctx context.Context, step *StepExecution) error
	// CommitStep atomically appends a step record and applies a run update,
	// so a crash mid-step cannot leave the frontier and trace disagreeing.
	CommitStep(ctx context.Context, step *StepExecution, update RunUpdate) error
	ListSteps(ctx context.Context, runID string) ([]*StepExecution, error)

	// Pending approvals
	CreateApproval(ctx context.Context, ap *PendingApproval) error
	GetApproval(ctx context.Context, runID, nodeID string) (*PendingApproval, error)
	ResolveApproval(ctx context.Context, id string, res *schema.Resolution) error
	CancelApproval(ctx context.Context, id string) error
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*PendingApproval, error)

	// Trace events (append-only, per-run monotonic sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
