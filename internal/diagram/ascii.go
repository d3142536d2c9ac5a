package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case StatusVisited:
		return "[OK]"
	case StatusDeadEnd:
		return "[DEAD END]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a text-based ASCII diagram.
// Nodes are laid out one depth level per row; the edge list below the boxes
// says which slot leads where, with "*" marking the edges a run took.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	// Title.
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n\n", model.Title))
	}

	for levelIdx, level := range model.Levels {
		var boxes []asciiBox
		for _, nodeID := range level {
			node := model.Node(nodeID)
			if node == nil {
				continue
			}
			boxes = append(boxes, makeBox(node))
		}

		renderBoxRow(&b, boxes)

		// Draw connectors between levels (except after last level).
		if levelIdx < len(model.Levels)-1 {
			renderConnector(&b, len(boxes))
		}
	}

	if len(model.Edges) > 0 {
		b.WriteString("\n--- edges ---\n")
		for _, edge := range model.Edges {
			renderEdge(&b, model, edge)
		}
	}

	return b.String()
}

// asciiBox holds the rendered lines of a single box.
type asciiBox struct {
	lines []string
	width int
}

// makeBox creates an ASCII box for a node.
func makeBox(node *Node) asciiBox {
	contentLines := []string{displayName(node)}
	if node.Kind == NodeKindBranch && node.Condition != "" {
		contentLines = append(contentLines, "if "+firstLine(node.Condition))
	}
	if node.Status != nil {
		tag := statusTag(node.Status.Status)
		if tag != "" {
			contentLines = append(contentLines, fmt.Sprintf("%s #%d", tag, node.Status.Step))
		}
	}

	// Calculate width in runes so labels with accents stay aligned.
	maxLen := 0
	for _, line := range contentLines {
		if n := len([]rune(line)); n > maxLen {
			maxLen = n
		}
	}
	width := maxLen + 4 // 2 border + 2 padding

	corners := [4]string{"┌", "┐", "└", "┘"}
	switch node.Kind {
	case NodeKindTerminal:
		corners = [4]string{"╭", "╮", "╰", "╯"}
	case NodeKindBranch:
		corners = [4]string{"/", "\\", "\\", "/"}
	}

	var lines []string
	lines = append(lines, corners[0]+strings.Repeat("─", width-2)+corners[1])
	for _, content := range contentLines {
		padded := content + strings.Repeat(" ", maxLen-len([]rune(content)))
		lines = append(lines, "│ "+padded+" │")
	}
	lines = append(lines, corners[2]+strings.Repeat("─", width-2)+corners[3])

	return asciiBox{lines: lines, width: width}
}

// displayName is the node label, falling back to the ID.
func displayName(node *Node) string {
	if label := firstLine(node.Label); label != "" {
		return label
	}
	return node.ID
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// renderBoxRow writes boxes side by side.
func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	if len(boxes) == 0 {
		return
	}

	maxHeight := 0
	for _, box := range boxes {
		if len(box.lines) > maxHeight {
			maxHeight = len(box.lines)
		}
	}

	for row := 0; row < maxHeight; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ") // gap between boxes
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}

// renderConnector draws a vertical connector between levels.
func renderConnector(b *strings.Builder, boxCount int) {
	if boxCount == 0 {
		return
	}
	b.WriteString("       │\n")
	b.WriteString("       ▼\n")
}

func renderEdge(b *strings.Builder, model *DiagramModel, edge Edge) {
	marker := " "
	if edge.Taken {
		marker = "*"
	}
	from, to := edge.From, edge.To
	if n := model.Node(edge.From); n != nil {
		from = displayName(n)
	}
	if n := model.Node(edge.To); n != nil {
		to = displayName(n)
	}
	if edge.Label != "" {
		b.WriteString(fmt.Sprintf("%s %s ─%s→ %s\n", marker, from, edge.Label, to))
		return
	}
	b.WriteString(fmt.Sprintf("%s %s ─→ %s\n", marker, from, to))
}
