package store

import (
	"encoding/json"
	"time"

	"github.com/flowlinehq/flowline/pkg/schema"
)

// WorkflowRun is the persisted state of one execution of a definition.
// It is owned exclusively by the engine; the store persists it but never
// mutates it independently.
type WorkflowRun struct {
	RunID             string           `json:"run_id"`
	DefinitionID      string           `json:"definition_id"`
	DefinitionVersion int              `json:"definition_version"`
	Status            schema.RunStatus `json:"status"`
	TriggerInput      map[string]any   `json:"trigger_input,omitempty"`

	// Variables is the accumulated scope: trigger fields under "trigger.<f>"
	// plus every completed node's outputs under "<node_id>.<field>".
	// Append-only: a key once written is immutable for the run.
	Variables map[string]any `json:"variables,omitempty"`

	// Frontier is the sorted set of node IDs awaiting execution.
	Frontier []string `json:"frontier,omitempty"`

	Error       json.RawMessage `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StepExecution is one append-only entry in a run's execution trace. A node
// may have multiple attempts but at most one terminal succeeded/skipped entry.
type StepExecution struct {
	ID            int64             `json:"id,omitempty"`
	RunID         string            `json:"run_id"`
	NodeID        string            `json:"node_id"`
	Attempt       int               `json:"attempt"`
	Status        schema.StepStatus `json:"status"`
	InputSnapshot json.RawMessage   `json:"input_snapshot,omitempty"`
	Output        json.RawMessage   `json:"output,omitempty"`
	Error         json.RawMessage   `json:"error,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	EndedAt       *time.Time        `json:"ended_at,omitempty"`
	DurationMs    int64             `json:"duration_ms,omitempty"`
}

// Approval status values.
const (
	ApprovalStatusPending   = "pending"
	ApprovalStatusResolved  = "resolved"
	ApprovalStatusCancelled = "cancelled"
)

// PendingApproval is the durable record of a suspended human-in-the-loop
// decision point.
type PendingApproval struct {
	ID           string                `json:"id"`
	RunID        string                `json:"run_id"`
	NodeID       string                `json:"node_id"`
	Payload      schema.ReviewPayload  `json:"payload"`
	Status       string                `json:"status"`
	Decision     schema.ReviewDecision `json:"decision,omitempty"`
	EditedValues map[string]any        `json:"edited_values,omitempty"`
	Comment      string                `json:"comment,omitempty"`
	ResolvedBy   string                `json:"resolved_by,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	ResolvedAt   *time.Time            `json:"resolved_at,omitempty"`
}

// Event is an immutable entry in the run's trace log, sequenced per run.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// RunUpdate specifies the mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Variables   map[string]any    `json:"variables,omitempty"` // full replacement snapshot
	Frontier    *[]string         `json:"frontier,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       *schema.RunStatus `json:"status,omitempty"`
	DefinitionID string            `json:"definition_id,omitempty"`
	Since        *time.Time        `json:"since,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Offset       int               `json:"offset,omitempty"`
}

// ApprovalFilter specifies criteria for listing pending approvals.
type ApprovalFilter struct {
	RunID  string `json:"run_id,omitempty"`
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}
