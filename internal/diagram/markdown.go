package diagram

import (
	"fmt"
	"strings"
)

// RenderMarkdown renders a DiagramModel as a nested Markdown outline. Branch
// slots are listed under their branch with the slot key in code, and an
// overlaid run is shown with the same tags as RenderASCII.
func RenderMarkdown(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("# %s\n\n", model.Title))
	}
	if len(model.Nodes) == 0 {
		return b.String()
	}

	out := make(map[string][]Edge, len(model.Nodes))
	for _, e := range model.Edges {
		out[e.From] = append(out[e.From], e)
	}

	var walk func(id, slot string, taken bool, depth int)
	walk = func(id, slot string, taken bool, depth int) {
		node := model.Node(id)
		if node == nil {
			return
		}
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString("- ")
		if slot != "" {
			b.WriteString(fmt.Sprintf("`%s` ", slot))
			if taken {
				b.WriteString("→ ")
			}
		}
		b.WriteString(markdownItem(node))
		b.WriteByte('\n')
		for _, e := range out[id] {
			walk(e.To, e.Label, e.Taken, depth+1)
		}
	}
	walk(model.Nodes[0].ID, "", false, 0)
	return b.String()
}

func markdownItem(node *Node) string {
	if node.Kind == NodeKindEmpty {
		return "_(empty)_"
	}
	item := fmt.Sprintf("**%s** _%s_", markdownEscape(displayName(node)), node.Kind)
	if node.Condition != "" {
		item += fmt.Sprintf(": `%s`", strings.ReplaceAll(firstLine(node.Condition), "`", "'"))
	}
	if node.Status != nil {
		if tag := statusTag(node.Status.Status); tag != "" {
			item += fmt.Sprintf(" %s #%d", tag, node.Status.Step)
		}
	}
	return item
}

func markdownEscape(s string) string {
	r := strings.NewReplacer("*", `\*`, "_", `\_`, "`", "'")
	return r.Replace(s)
}
