package diagram

import "github.com/flowlinehq/flowline/pkg/schema"

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single workflow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   schema.NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node when the diagram is
// rendered against a run.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	Attempt    int
	DurationMs int64
	Error      string
}

// Edge represents a directed edge between two nodes. Label carries the
// edge condition; Default marks a decision node's unconditional edge.
type Edge struct {
	From    string
	To      string
	Label   string
	Default bool
}
