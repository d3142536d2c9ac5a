package diagram

import (
	"github.com/rendis/flowtree/internal/expressions"
	"github.com/rendis/flowtree/internal/traversal"
	"github.com/rendis/flowtree/internal/tree"
	"github.com/rendis/flowtree/pkg/schema"
)

// Build constructs a DiagramModel from a tree and an optional run path.
// Nodes are listed depth-first in display order. Every branch slot becomes an
// edge; empty slots point at a NodeKindEmpty placeholder so renderers can show
// where the tree is still open. With a path, visited nodes carry a status
// overlay and the edges the run followed are marked taken.
func Build(t *tree.Tree, path *traversal.Path) (*DiagramModel, error) {
	if t.IsEmpty() {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is empty; nothing to draw")
	}

	model := &DiagramModel{}
	index := make(map[string]*Node, t.Len())
	addLevel := func(id string, depth int) {
		for len(model.Levels) <= depth {
			model.Levels = append(model.Levels, nil)
		}
		model.Levels[depth] = append(model.Levels[depth], id)
	}

	// Placeholders are emitted at their slot's position so Nodes and Levels
	// keep display order.
	seen := make(map[string]bool, t.Len())
	var visit func(id string, depth int)
	visit = func(id string, depth int) {
		n, ok := t.Node(id)
		if !ok || seen[id] {
			return
		}
		seen[id] = true
		node := &Node{
			ID:        n.ID,
			Label:     n.Label,
			Kind:      kindOf(n.Kind),
			Condition: conditionText(n),
		}
		model.Nodes = append(model.Nodes, node)
		index[n.ID] = node
		addLevel(n.ID, depth)

		edges := t.Edges(n.ID)
		for _, e := range edges {
			to := e.To
			if to == "" {
				to = emptySlotID(n.ID, e.Key)
			}
			model.Edges = append(model.Edges, Edge{From: n.ID, To: to, Label: e.Key})
		}
		for _, e := range edges {
			if e.To != "" {
				visit(e.To, depth+1)
				continue
			}
			to := emptySlotID(n.ID, e.Key)
			placeholder := &Node{ID: to, Label: "(empty)", Kind: NodeKindEmpty}
			model.Nodes = append(model.Nodes, placeholder)
			index[to] = placeholder
			addLevel(to, depth+1)
		}
	}
	visit(t.RootID(), 0)

	if root, ok := t.Node(t.RootID()); ok {
		model.Title = root.Label
	}

	if path != nil {
		if err := overlayPath(model, index, path); err != nil {
			return nil, err
		}
	}
	return model, nil
}

// overlayPath marks the nodes and edges a run went through.
func overlayPath(model *DiagramModel, index map[string]*Node, path *traversal.Path) error {
	for i, step := range path.Steps {
		node, ok := index[step.NodeID]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "path visits node %s which is not in the tree", step.NodeID).
				WithNode(step.NodeID)
		}
		node.Status = &StatusOverlay{Status: StatusVisited, Step: i + 1}

		to := ""
		switch {
		case i+1 < len(path.Steps):
			to = path.Steps[i+1].NodeID
		case step.Selected != "":
			to = emptySlotID(step.NodeID, step.Selected)
		}
		if to == "" {
			continue
		}
		for j := range model.Edges {
			e := &model.Edges[j]
			if e.From == step.NodeID && e.To == to {
				e.Taken = true
			}
		}
	}

	if last, ok := path.Last(); ok && path.Outcome == schema.OutcomeDeadEnd {
		index[last.NodeID].Status.Status = StatusDeadEnd
	}
	return nil
}

func kindOf(k schema.NodeKind) NodeKind {
	switch k {
	case schema.KindBranch:
		return NodeKindBranch
	case schema.KindTerminal:
		return NodeKindTerminal
	default:
		return NodeKindAction
	}
}

func conditionText(n tree.Node) string {
	if n.Kind != schema.KindBranch {
		return ""
	}
	if n.Condition == "" && n.ConditionObj != nil {
		return expressions.Describe(n.ConditionObj)
	}
	return n.Condition
}

// emptySlotID names the placeholder for an unfilled slot of a branch.
func emptySlotID(parentID, key string) string {
	return parentID + "/" + key
}
