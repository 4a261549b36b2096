package schema

// ReviewDecision is the outcome a reviewer supplies when resolving a
// pending approval.
type ReviewDecision string

const (
	DecisionApproved ReviewDecision = "approved"
	DecisionRejected ReviewDecision = "rejected"
	DecisionEdited   ReviewDecision = "edited"
)

// Valid reports whether the decision is one of the three recognized values.
func (d ReviewDecision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected || d == DecisionEdited
}

// ReviewPayload is the data shown to a reviewer at a suspended approval
// node: the upstream extraction output, source file references, and any
// anomaly flags computed during extraction.
type ReviewPayload struct {
	Title        string          `json:"title,omitempty"`
	Instructions string          `json:"instructions,omitempty"`
	Fields       map[string]any  `json:"fields,omitempty"`
	Files        []FileReference `json:"files,omitempty"`
	Anomalies    []AnomalyFlag   `json:"anomalies,omitempty"`
}

// AnomalyFlag marks an extracted field that failed a declared validation
// rule. Flags are advisory: they ride along with the output for the
// reviewer, they do not fail the node.
type AnomalyFlag struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message,omitempty"`
}

// Resolution carries a reviewer's decision back into the engine.
type Resolution struct {
	Decision     ReviewDecision `json:"decision"`
	EditedValues map[string]any `json:"edited_values,omitempty"`
	Comment      string         `json:"comment,omitempty"`
	ResolvedBy   string         `json:"resolved_by,omitempty"`
}
