package diagram

import (
	"fmt"

	"github.com/flowlinehq/flowline/internal/engine"
	"github.com/flowlinehq/flowline/internal/store"
	"github.com/flowlinehq/flowline/pkg/schema"
)

// Build constructs a DiagramModel from a definition and an optional step
// trace. It uses engine.BuildGraph for topology, so a definition that
// would not run also does not render. When steps are given, each node is
// overlaid with the state of its most recent attempt.
func Build(def *schema.WorkflowDefinition, steps []*store.StepExecution) (*DiagramModel, error) {
	graph, err := engine.BuildGraph(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: build graph: %w", err)
	}

	// Latest attempt per node wins the overlay.
	latest := make(map[string]*store.StepExecution, len(steps))
	for _, s := range steps {
		if prev, ok := latest[s.NodeID]; !ok || s.Attempt >= prev.Attempt {
			latest[s.NodeID] = s
		}
	}

	decisions := make(map[string]bool, len(def.Nodes))
	model := &DiagramModel{Title: title(def)}
	for _, id := range graph.Sorted {
		node, _ := graph.Node(id)
		decisions[id] = node.Kind == schema.NodeKindDecision
		model.Nodes = append(model.Nodes, &Node{
			ID:     id,
			Label:  nodeLabel(node),
			Kind:   node.Kind,
			Status: overlay(latest[id]),
		})
	}

	for _, e := range def.Edges {
		edge := Edge{From: e.Source, To: e.Target, Label: e.Condition}
		if e.Condition == "" && decisions[e.Source] {
			edge.Default = true
			edge.Label = "default"
		}
		model.Edges = append(model.Edges, edge)
	}

	model.Levels = layerize(graph)
	return model, nil
}

func title(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return fmt.Sprintf("%s (v%d)", def.Name, def.Version)
	}
	return fmt.Sprintf("%s (v%d)", def.ID, def.Version)
}

func nodeLabel(node *schema.NodeDefinition) string {
	if node.Name != "" {
		return node.Name
	}
	return node.ID
}

func overlay(step *store.StepExecution) *StatusOverlay {
	if step == nil {
		return nil
	}
	o := &StatusOverlay{
		Status:  string(step.Status),
		Attempt: step.Attempt,
	}
	if step.EndedAt != nil {
		o.DurationMs = step.EndedAt.Sub(step.StartedAt).Milliseconds()
	}
	if len(step.Error) > 0 {
		o.Error = string(step.Error)
	}
	return o
}

// layerize groups nodes into levels by longest path from the start node,
// so each node renders below all of its predecessors.
func layerize(graph *engine.Graph) [][]string {
	depth := make(map[string]int, len(graph.Sorted))
	maxDepth := 0
	for _, id := range graph.Sorted {
		d := 0
		for _, pred := range graph.Predecessors(id) {
			if pd := depth[pred] + 1; pd > d {
				d = pd
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for _, id := range graph.Sorted {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}
