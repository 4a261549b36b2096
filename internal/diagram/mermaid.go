package diagram

import (
	"fmt"
	"strings"

	"github.com/flowlinehq/flowline/pkg/schema"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
	}

	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", mermaidEscape(edge.Label))
		}
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n",
			mermaidSafeID(edge.From), label, mermaidSafeID(edge.To)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef succeeded fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef suspended fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		switch node.Status.Status {
		case "succeeded", "failed", "running", "suspended", "skipped":
			b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), node.Status.Status))
		}
	}

	return b.String()
}

// mermaidNodeDef renders one node with a kind-specific shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscape(node.Label)
	switch node.Kind {
	case schema.NodeKindStart:
		return fmt.Sprintf("%s([%s])", id, label)
	case schema.NodeKindDecision:
		return fmt.Sprintf("%s{%s}", id, label)
	case schema.NodeKindFork, schema.NodeKindJoin:
		return fmt.Sprintf("%s[[%s]]", id, label)
	case schema.NodeKindExtract:
		return fmt.Sprintf("%s[/%s/]", id, label)
	case schema.NodeKindApproval:
		return fmt.Sprintf("%s{{%s}}", id, label)
	default:
		return fmt.Sprintf("%s[%s]", id, label)
	}
}

// mermaidSafeID replaces characters Mermaid treats as syntax.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer("-", "_", ".", "_", " ", "_", "/", "_")
	return r.Replace(id)
}

func mermaidEscape(s string) string {
	return strings.NewReplacer(`"`, "#quot;", "|", "/").Replace(s)
}
