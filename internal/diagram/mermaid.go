package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/chatflow/pkg/schema"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("flowchart TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}

	var taken []int
	for i, edge := range model.Edges {
		arrow := "-->"
		if edge.Jump {
			arrow = "-.->"
		}
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", mermaidEscapeLabel(edge.Label))
		}
		fmt.Fprintf(&b, "    %s %s%s %s\n", mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To))
		if edge.Taken {
			taken = append(taken, i)
		}
	}

	b.WriteString("\n")
	b.WriteString("    classDef visited fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef ended fill:#1a5276,stroke:#0e3a52,color:#fff\n")

	for _, node := range model.Nodes {
		if node.Status != nil {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), node.Status.Status)
		}
	}
	if len(taken) > 0 {
		ids := make([]string, len(taken))
		for i, idx := range taken {
			ids[i] = fmt.Sprint(idx)
		}
		fmt.Fprintf(&b, "    linkStyle %s stroke:#2d6a2d,stroke-width:3px\n", strings.Join(ids, ","))
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the shape of its kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := `"` + mermaidEscapeLabel(node.Label) + `"`

	switch node.Kind {
	case schema.NodeStart, schema.NodeEnd:
		return fmt.Sprintf("%s((%s))", id, label)
	case schema.NodeCondition:
		return fmt.Sprintf("%s{%s}", id, label)
	case schema.NodeInput:
		return fmt.Sprintf("%s([%s])", id, label)
	case schema.NodeIntegration:
		return fmt.Sprintf("%s[[%s]]", id, label)
	case schema.NodeAction, schema.NodeContext:
		return fmt.Sprintf("%s[/%s/]", id, label)
	case schema.NodeJump:
		return fmt.Sprintf("%s>%s]", id, label)
	default:
		return fmt.Sprintf("%s[%s]", id, label)
	}
}

var safeID = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	return safeID.Replace(id)
}

var labelEscaper = strings.NewReplacer(`"`, "#quot;", "\n", "<br/>", "|", "#124;")

// mermaidEscapeLabel escapes characters Mermaid treats as syntax inside labels.
func mermaidEscapeLabel(s string) string {
	return labelEscaper.Replace(s)
}
