package schema

import "encoding/json"

// WorkflowDefinition is the immutable, JSON-serializable workflow template.
// Definitions are produced by an external author or generator, validated once
// at publish time, and never mutated in place: edits produce a new version.
type WorkflowDefinition struct {
	ID       string           `json:"id"`
	Version  int              `json:"version"`
	Name     string           `json:"name,omitempty"`
	Nodes    []NodeDefinition `json:"nodes"`
	Edges    []EdgeDefinition `json:"edges,omitempty"`
	Trigger  TriggerConfig    `json:"trigger"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// NodeDefinition describes a single typed node in the workflow graph.
type NodeDefinition struct {
	ID           string          `json:"id"`
	Kind         NodeKind        `json:"kind"`
	Name         string          `json:"name,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`  // kind-specific config block
	InputFields  []FieldSpec     `json:"input_fields,omitempty"`
	OutputFields []FieldSpec     `json:"output_fields,omitempty"`
	Retry        *RetryPolicy    `json:"retry,omitempty"`
	Timeout      string          `json:"timeout,omitempty"` // per-node timeout (e.g. "30s")
}

// EdgeDefinition is a directed edge between two nodes. The condition, when
// present, is a CEL expression evaluated against the run's variable scope.
// An edge without a condition leaving a decision node is its default edge.
type EdgeDefinition struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
}

// FieldSpec declares one named input or output field of a node.
type FieldSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"` // string, number, boolean, date, file, object
	Required bool   `json:"required,omitempty"`
}

// NodeKind enumerates the closed set of node types the engine executes.
type NodeKind string

const (
	NodeKindStart    NodeKind = "start"
	NodeKindDecision NodeKind = "decision"
	NodeKindFork     NodeKind = "fork"
	NodeKindJoin     NodeKind = "join"
	NodeKindExtract  NodeKind = "extract"
	NodeKindApproval NodeKind = "approval"
	NodeKindAction   NodeKind = "action"
)

// TriggerConfig declares how a workflow is started. Only the manual trigger
// is actionable; schedule and webhook configs are accepted and validated but
// the engine does not fire them itself.
type TriggerConfig struct {
	Type        TriggerType     `json:"type"`
	Cron        string          `json:"cron,omitempty"`         // schedule triggers
	WebhookPath string          `json:"webhook_path,omitempty"` // webhook triggers
	InputSchema json.RawMessage `json:"input_schema,omitempty"` // optional JSON Schema for trigger input
}

// TriggerType enumerates the trigger kinds.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
	TriggerWebhook  TriggerType = "webhook"
)

// RetryPolicy configures retry behavior for a node.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts after the first
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap applied to the computed delay
}

// FileReference is an opaque handle to a stored file. The engine never reads
// file bytes itself; references are passed through variables to the file
// store collaborator.
type FileReference struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Size        int64  `json:"size,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// ExtractConfig is the config block for extract nodes.
type ExtractConfig struct {
	Prompt       string            `json:"prompt"`
	OutputSchema json.RawMessage   `json:"output_schema,omitempty"` // JSON Schema for the adapter's structured output
	OutputMap    map[string]string `json:"output_map,omitempty"`    // output field → jq expression over the raw result
	SourceFields []string          `json:"source_fields,omitempty"` // variable keys injected into the adapter context
	Rules        []ValidationRule  `json:"rules,omitempty"`         // anomaly rules checked against extracted fields
}

// ValidationRule declares an anomaly check applied to an extracted field.
// The expression is a derived-value expression that must evaluate truthy for
// the field to be considered normal; a falsy result attaches an anomaly flag.
type ValidationRule struct {
	Field      string `json:"field"`
	Expression string `json:"expression"`
	Message    string `json:"message,omitempty"`
}

// ApprovalConfig is the config block for approval nodes.
type ApprovalConfig struct {
	Title        string   `json:"title,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	ShowFields   []string `json:"show_fields,omitempty"` // variable keys surfaced to the reviewer
	SourceNode   string   `json:"source_node,omitempty"` // upstream node whose outputs are under review
}

// ActionConfig is the config block for action nodes.
type ActionConfig struct {
	Provider string          `json:"provider"`         // registered provider name (e.g. "http.request")
	Params   json.RawMessage `json:"params,omitempty"` // provider params; supports ${{...}} interpolation
}
