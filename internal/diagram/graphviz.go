package diagram

import (
	"fmt"
	"strings"

	"github.com/flowlinehq/flowline/pkg/schema"
)

// RenderDOT renders a DiagramModel in Graphviz DOT format.
func RenderDOT(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("digraph workflow {\n")
	b.WriteString("    rankdir=TB;\n")
	b.WriteString("    node [fontname=\"Helvetica\", fontsize=11];\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    label=%q;\n", model.Title))
		b.WriteString("    labelloc=t;\n")
	}
	b.WriteString("\n")

	for _, node := range model.Nodes {
		attrs := []string{
			fmt.Sprintf("label=%q", node.Label),
			"shape=" + dotShape(node.Kind),
		}
		if node.Status != nil {
			if color := dotFill(node.Status.Status); color != "" {
				attrs = append(attrs, "style=filled", "fillcolor="+color, "fontcolor=white")
			}
		}
		b.WriteString(fmt.Sprintf("    %q [%s];\n", node.ID, strings.Join(attrs, ", ")))
	}
	b.WriteString("\n")

	for _, edge := range model.Edges {
		if edge.Label != "" {
			b.WriteString(fmt.Sprintf("    %q -> %q [label=%q];\n", edge.From, edge.To, edge.Label))
		} else {
			b.WriteString(fmt.Sprintf("    %q -> %q;\n", edge.From, edge.To))
		}
	}

	b.WriteString("}\n")
	return b.String()
}

func dotShape(kind schema.NodeKind) string {
	switch kind {
	case schema.NodeKindStart:
		return "ellipse"
	case schema.NodeKindDecision:
		return "diamond"
	case schema.NodeKindFork, schema.NodeKindJoin:
		return "trapezium"
	case schema.NodeKindExtract:
		return "parallelogram"
	case schema.NodeKindApproval:
		return "hexagon"
	default:
		return "box"
	}
}

func dotFill(status string) string {
	switch status {
	case "succeeded":
		return "\"#2d6a2d\""
	case "failed":
		return "\"#8b1a1a\""
	case "running":
		return "\"#1a5276\""
	case "suspended":
		return "\"#b7791a\""
	case "skipped":
		return "\"#4a4a4a\""
	default:
		return ""
	}
}
