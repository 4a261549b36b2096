package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlinehq/flowline/pkg/schema"
)

func linearDef() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID: "wf", Version: 1,
		Nodes: []schema.NodeDefinition{
			{ID: "ingest", Kind: schema.NodeKindStart},
			{ID: "extract", Kind: schema.NodeKindExtract},
			{ID: "notify", Kind: schema.NodeKindAction},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "ingest", Target: "extract"},
			{Source: "extract", Target: "notify"},
		},
	}
}

func TestBuildGraph_Linear(t *testing.T) {
	g, err := BuildGraph(linearDef())
	require.NoError(t, err)

	assert.Equal(t, "ingest", g.Start)
	assert.Equal(t, []string{"extract"}, g.Successors("ingest"))
	assert.Equal(t, []string{"extract"}, g.Predecessors("notify"))
	assert.Equal(t, []string{"ingest", "extract", "notify"}, g.Sorted)
}

func TestBuildGraph_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*schema.WorkflowDefinition)
		code   string
	}{
		{
			name:   "nil definition handled separately",
			mutate: func(d *schema.WorkflowDefinition) { d.Nodes = nil },
			code:   schema.ErrCodeValidation,
		},
		{
			name: "duplicate node id",
			mutate: func(d *schema.WorkflowDefinition) {
				d.Nodes = append(d.Nodes, schema.NodeDefinition{ID: "extract", Kind: schema.NodeKindAction})
			},
			code: schema.ErrCodeValidation,
		},
		{
			name: "unknown kind",
			mutate: func(d *schema.WorkflowDefinition) {
				d.Nodes[1].Kind = "teleport"
			},
			code: schema.ErrCodeValidation,
		},
		{
			name: "no start node",
			mutate: func(d *schema.WorkflowDefinition) {
				d.Nodes[0].Kind = schema.NodeKindAction
			},
			code: schema.ErrCodeValidation,
		},
		{
			name: "two start nodes",
			mutate: func(d *schema.WorkflowDefinition) {
				d.Nodes = append(d.Nodes, schema.NodeDefinition{ID: "other", Kind: schema.NodeKindStart})
			},
			code: schema.ErrCodeValidation,
		},
		{
			name: "edge to missing node",
			mutate: func(d *schema.WorkflowDefinition) {
				d.Edges = append(d.Edges, schema.EdgeDefinition{Source: "extract", Target: "ghost"})
			},
			code: schema.ErrCodeValidation,
		},
		{
			name: "self edge",
			mutate: func(d *schema.WorkflowDefinition) {
				d.Edges = append(d.Edges, schema.EdgeDefinition{Source: "extract", Target: "extract"})
			},
			code: schema.ErrCodeCycleDetected,
		},
		{
			name: "cycle",
			mutate: func(d *schema.WorkflowDefinition) {
				d.Edges = append(d.Edges, schema.EdgeDefinition{Source: "notify", Target: "extract"})
			},
			code: schema.ErrCodeCycleDetected,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			def := linearDef()
			tc.mutate(def)
			_, err := BuildGraph(def)
			require.Error(t, err)
			engErr, ok := err.(*schema.EngineError)
			require.True(t, ok)
			assert.Equal(t, tc.code, engErr.Code)
		})
	}
}

func TestBuildGraph_ForkJoinTopology(t *testing.T) {
	def := &schema.WorkflowDefinition{
		ID: "wf", Version: 1,
		Nodes: []schema.NodeDefinition{
			{ID: "ingest", Kind: schema.NodeKindStart},
			{ID: "split", Kind: schema.NodeKindFork},
			{ID: "a", Kind: schema.NodeKindAction},
			{ID: "b", Kind: schema.NodeKindAction},
			{ID: "merge", Kind: schema.NodeKindJoin},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "ingest", Target: "split"},
			{Source: "split", Target: "a"},
			{Source: "split", Target: "b"},
			{Source: "a", Target: "merge"},
			{Source: "b", Target: "merge"},
		},
	}
	g, err := BuildGraph(def)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, g.Successors("split"))
	assert.ElementsMatch(t, []string{"a", "b"}, g.Predecessors("merge"))
}
