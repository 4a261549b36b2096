package engine

import (
	"github.com/flowlinehq/flowline/pkg/schema"
)

// Graph is the in-memory adjacency view of a workflow definition the
// walker executes against. Edge order is preserved from the definition
// because decision nodes match conditions in declaration order.
type Graph struct {
	Nodes  map[string]*schema.NodeDefinition
	Out    map[string][]string // node ID → successor IDs, declaration order
	In     map[string][]string // node ID → predecessor IDs
	Sorted []string            // topological order
	Start  string              // the single start node
}

// knownKinds is the closed set of node kinds the engine executes.
var knownKinds = map[schema.NodeKind]bool{
	schema.NodeKindStart:    true,
	schema.NodeKindDecision: true,
	schema.NodeKindFork:     true,
	schema.NodeKindJoin:     true,
	schema.NodeKindExtract:  true,
	schema.NodeKindApproval: true,
	schema.NodeKindAction:   true,
}

// BuildGraph parses a workflow definition into an executable graph. It
// checks the structural invariants the walker relies on: unique node IDs,
// known kinds, exactly one start node, edges between existing nodes, and
// acyclicity (Kahn's algorithm).
func BuildGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	g := &Graph{
		Nodes: make(map[string]*schema.NodeDefinition, len(def.Nodes)),
		Out:   make(map[string][]string, len(def.Nodes)),
		In:    make(map[string][]string, len(def.Nodes)),
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := g.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", node.ID)
		}
		if !knownKinds[node.Kind] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown kind: %s", node.ID, node.Kind)
		}
		if node.Kind == schema.NodeKindStart {
			if g.Start != "" {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"workflow has multiple start nodes: %s and %s", g.Start, node.ID)
			}
			g.Start = node.ID
		}
		g.Nodes[node.ID] = node
	}
	if g.Start == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no start node")
	}

	for _, edge := range def.Edges {
		if _, ok := g.Nodes[edge.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge source does not exist: %s", edge.Source)
		}
		if _, ok := g.Nodes[edge.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge target does not exist: %s", edge.Target)
		}
		if edge.Source == edge.Target {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "node %s has an edge to itself", edge.Source)
		}
		g.Out[edge.Source] = append(g.Out[edge.Source], edge.Target)
		g.In[edge.Target] = append(g.In[edge.Target], edge.Source)
	}

	// Kahn's algorithm: topological sort doubling as cycle detection.
	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = len(g.In[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sortStrings(queue)

	sorted := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		next := make([]string, len(g.Out[id]))
		copy(next, g.Out[id])
		sortStrings(next)
		for _, succ := range next {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}
	if len(sorted) != len(g.Nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle")
	}
	g.Sorted = sorted

	return g, nil
}

// Successors returns the declared out-edges of a node in declaration order.
func (g *Graph) Successors(nodeID string) []string {
	return g.Out[nodeID]
}

// Predecessors returns the in-edges of a node.
func (g *Graph) Predecessors(nodeID string) []string {
	return g.In[nodeID]
}

// Node returns a node definition by ID.
func (g *Graph) Node(nodeID string) (*schema.NodeDefinition, bool) {
	n, ok := g.Nodes[nodeID]
	return n, ok
}

// sortStrings sorts a small slice in place with insertion sort.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
