package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	// Title as comment.
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
	}

	for i, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n",
			mermaidSafeID(edge.From), label, mermaidSafeID(edge.To)))
		if edge.Taken {
			b.WriteString(fmt.Sprintf("    linkStyle %d stroke:#1a5276,stroke-width:3px\n", i))
		}
	}

	// Status class definitions.
	b.WriteString("\n")
	b.WriteString("    classDef visited fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef deadend fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef empty fill:#e8e8e8,stroke:#888,color:#888,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		cls := mermaidClass(node)
		if cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), cls))
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(displayLabel(node))

	switch node.Kind {
	case NodeKindBranch:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindTerminal:
		return fmt.Sprintf("%s((%q))", id, label)
	case NodeKindEmpty:
		return fmt.Sprintf("%s([%q])", id, label)
	default: // action
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// displayLabel is the node label, with the condition text below it for
// branches. Unlabeled nodes fall back to their ID.
func displayLabel(node *Node) string {
	label := firstLine(node.Label)
	if label == "" {
		label = node.ID
	}
	if node.Condition != "" {
		label += ": " + firstLine(node.Condition)
	}
	return label
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", "/", "__", ":", "_")
	return "n_" + r.Replace(id)
}

// mermaidEscapeLabel replaces double quotes, which %q would otherwise
// backslash-escape and Mermaid does not understand.
func mermaidEscapeLabel(s string) string {
	return strings.ReplaceAll(s, `"`, "'")
}

func mermaidClass(node *Node) string {
	if node.Kind == NodeKindEmpty {
		return "empty"
	}
	if node.Status == nil {
		return ""
	}
	switch node.Status.Status {
	case StatusVisited:
		return "visited"
	case StatusDeadEnd:
		return "deadend"
	default:
		return ""
	}
}
