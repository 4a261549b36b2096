package diagram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlinehq/flowline/internal/store"
	"github.com/flowlinehq/flowline/pkg/schema"
)

func approvalDef() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:      "invoice-approval",
		Version: 3,
		Name:    "Invoice approval",
		Nodes: []schema.NodeDefinition{
			{ID: "ingest", Kind: schema.NodeKindStart},
			{ID: "extract", Kind: schema.NodeKindExtract, Name: "Extract invoice"},
			{ID: "route", Kind: schema.NodeKindDecision},
			{ID: "review", Kind: schema.NodeKindApproval},
			{ID: "notify", Kind: schema.NodeKindAction},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "ingest", Target: "extract"},
			{Source: "extract", Target: "route"},
			{Source: "route", Target: "review", Condition: "nodes.extract.total > 1000.0"},
			{Source: "route", Target: "notify"},
			{Source: "review", Target: "notify"},
		},
	}
}

func TestBuild_TopologyAndLevels(t *testing.T) {
	model, err := Build(approvalDef(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Invoice approval (v3)", model.Title)
	require.Len(t, model.Nodes, 5)
	assert.Equal(t, "ingest", model.Nodes[0].ID)
	assert.Equal(t, "Extract invoice", model.Nodes[1].Label)

	// Longest-path layering: notify sits below review even though the
	// default branch reaches it earlier.
	require.Len(t, model.Levels, 5)
	assert.Equal(t, []string{"ingest"}, model.Levels[0])
	assert.Equal(t, []string{"notify"}, model.Levels[4])

	// Decision default edge picks up the "default" label.
	var defaults int
	for _, e := range model.Edges {
		if e.Default {
			defaults++
			assert.Equal(t, "route", e.From)
			assert.Equal(t, "default", e.Label)
		}
	}
	assert.Equal(t, 1, defaults)
}

func TestBuild_RejectsBrokenGraph(t *testing.T) {
	def := approvalDef()
	def.Edges = append(def.Edges, schema.EdgeDefinition{Source: "notify", Target: "extract"})
	_, err := Build(def, nil)
	require.Error(t, err)
}

func TestBuild_StatusOverlayLatestAttempt(t *testing.T) {
	started := time.Now()
	ended := started.Add(250 * time.Millisecond)
	steps := []*store.StepExecution{
		{NodeID: "extract", Attempt: 1, Status: schema.StepStatusFailed, StartedAt: started},
		{NodeID: "extract", Attempt: 2, Status: schema.StepStatusSucceeded, StartedAt: started, EndedAt: &ended},
		{NodeID: "review", Attempt: 1, Status: schema.StepStatusSuspended, StartedAt: started},
	}

	model, err := Build(approvalDef(), steps)
	require.NoError(t, err)

	extract := findNode(model.Nodes, "extract")
	require.NotNil(t, extract.Status)
	assert.Equal(t, "succeeded", extract.Status.Status)
	assert.Equal(t, 2, extract.Status.Attempt)
	assert.Equal(t, int64(250), extract.Status.DurationMs)

	review := findNode(model.Nodes, "review")
	require.NotNil(t, review.Status)
	assert.Equal(t, "suspended", review.Status.Status)

	assert.Nil(t, findNode(model.Nodes, "notify").Status)
}

func TestRenderMermaid(t *testing.T) {
	ended := time.Now()
	steps := []*store.StepExecution{
		{NodeID: "ingest", Attempt: 1, Status: schema.StepStatusSucceeded, StartedAt: ended, EndedAt: &ended},
	}
	model, err := Build(approvalDef(), steps)
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "ingest([ingest])")
	assert.Contains(t, out, "route{route}")
	assert.Contains(t, out, "review{{review}}")
	assert.Contains(t, out, "extract[/Extract invoice/]")
	assert.Contains(t, out, "route -->|default| notify")
	assert.Contains(t, out, "class ingest succeeded")
}

func TestRenderASCII(t *testing.T) {
	model, err := Build(approvalDef(), []*store.StepExecution{
		{NodeID: "extract", Attempt: 3, Status: schema.StepStatusFailed, StartedAt: time.Now()},
	})
	require.NoError(t, err)

	out := RenderASCII(model)
	assert.Contains(t, out, "=== Invoice approval (v3) ===")
	assert.Contains(t, out, "extract: Extract invoice")
	assert.Contains(t, out, "[FAIL] x3")
	assert.Contains(t, out, "branches:")
	assert.Contains(t, out, "route ─→ review")
}

func TestRenderDOT(t *testing.T) {
	model, err := Build(approvalDef(), nil)
	require.NoError(t, err)

	out := RenderDOT(model)
	assert.Contains(t, out, "digraph workflow {")
	assert.Contains(t, out, `"route" [label="route", shape=diamond];`)
	assert.Contains(t, out, `"route" -> "notify" [label="default"];`)
	assert.Contains(t, out, `"ingest" -> "extract";`)
}
