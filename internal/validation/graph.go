package validation

import (
	"fmt"
	"sort"

	"github.com/flowlinehq/flowline/pkg/schema"
)

// checkGraph performs graph analysis: exactly one start node, edges
// between existing nodes, cycle detection (Kahn's algorithm), and
// reachability from the start node.
func checkGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	var start string
	for i, n := range def.Nodes {
		if nodeIDs[n.ID] {
			result.AddError(fmt.Sprintf("nodes[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		nodeIDs[n.ID] = true
		if n.Kind == schema.NodeKindStart {
			if start != "" {
				result.AddError(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
					fmt.Sprintf("multiple start nodes: %q and %q", start, n.ID))
			}
			start = n.ID
		}
	}
	if start == "" {
		result.AddError("nodes", schema.ErrCodeValidation, "workflow has no start node")
	}

	out := make(map[string][]string, len(def.Nodes))
	in := make(map[string][]string, len(def.Nodes))
	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if !nodeIDs[e.Source] {
			result.AddError(path+".source", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", e.Source))
			continue
		}
		if !nodeIDs[e.Target] {
			result.AddError(path+".target", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", e.Target))
			continue
		}
		if e.Source == e.Target {
			result.AddError(path, schema.ErrCodeCycleDetected,
				fmt.Sprintf("node %q has an edge to itself", e.Source))
			continue
		}
		out[e.Source] = append(out[e.Source], e.Target)
		in[e.Target] = append(in[e.Target], e.Source)
	}
	if !result.Valid() {
		return result
	}

	// Kahn's algorithm for cycle detection.
	inDegree := make(map[string]int, len(nodeIDs))
	for id := range nodeIDs {
		inDegree[id] = len(in[id])
	}
	queue := make([]string, 0, len(nodeIDs))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, succ := range out[id] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}
	if visited != len(nodeIDs) {
		result.AddError("edges", schema.ErrCodeCycleDetected, "workflow contains a cycle")
		return result // reachability is meaningless with a cycle
	}

	// BFS from the start node: every node must be reachable, otherwise it
	// can never execute.
	reachable := map[string]bool{start: true}
	bfs := []string{start}
	for len(bfs) > 0 {
		id := bfs[0]
		bfs = bfs[1:]
		for _, succ := range out[id] {
			if !reachable[succ] {
				reachable[succ] = true
				bfs = append(bfs, succ)
			}
		}
	}

	unreachable := make([]string, 0)
	for id := range nodeIDs {
		if !reachable[id] {
			unreachable = append(unreachable, id)
		}
	}
	sort.Strings(unreachable)
	for _, id := range unreachable {
		result.AddError("nodes", schema.ErrCodeValidation,
			fmt.Sprintf("node %q is unreachable from the start node", id))
	}

	return result
}
