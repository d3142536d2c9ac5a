package tree

import (
	"github.com/rendis/flowtree/pkg/schema"
)

// Document exports the tree as a forward-edge document with parent
// references stripped. The result shares nothing with the tree. An empty tree
// exports as nil.
func (t *Tree) Document() *schema.NodeDocument {
	if t.IsEmpty() {
		return nil
	}
	return t.document(t.rootID, make(map[string]bool, len(t.nodes)))
}

func (t *Tree) document(id string, seen map[string]bool) *schema.NodeDocument {
	n, ok := t.nodes[id]
	if !ok || seen[id] {
		return nil
	}
	seen[id] = true

	doc := &schema.NodeDocument{
		ID:           n.ID,
		Kind:         n.Kind,
		Label:        n.Label,
		Condition:    n.Condition,
		ConditionObj: n.ConditionObj.Clone(),
	}
	switch n.Kind {
	case schema.KindAction:
		if n.Child != "" {
			if child := t.document(n.Child, seen); child != nil {
				doc.Children = []*schema.NodeDocument{child}
			}
		}
	case schema.KindBranch:
		doc.Branches = make(map[string]*schema.NodeDocument, len(n.Slots))
		doc.Branches[schema.KeyTrue] = nil
		doc.Branches[schema.KeyFalse] = nil
		for k, c := range n.Slots {
			if c == "" {
				if schema.IsCanonicalKey(k) {
					doc.Branches[k] = nil
				}
				continue
			}
			doc.Branches[k] = t.document(c, seen)
		}
	}
	return doc
}

// FromDocument builds a tree from a forward-edge document, re-deriving parent
// references. It rejects documents that are not trees: empty or duplicate
// IDs, a node reachable through two edges, unknown kinds, children on
// terminal nodes, more than one action child, and branch keys that are
// neither canonical nor "case:"-prefixed. A nil document yields an empty tree.
func FromDocument(doc *schema.NodeDocument, opts ...Option) (*Tree, error) {
	t := New(opts...)
	if doc == nil {
		return t, nil
	}
	b := &builder{tree: t, seen: make(map[*schema.NodeDocument]bool)}
	if err := b.add(doc, ""); err != nil {
		return nil, err
	}
	t.rootID = doc.ID
	return t, nil
}

type builder struct {
	tree *Tree
	seen map[*schema.NodeDocument]bool
}

func (b *builder) add(doc *schema.NodeDocument, parentID string) error {
	if b.seen[doc] {
		return schema.NewErrorf(schema.ErrCodeCycleDetected, "node %s is referenced more than once", doc.ID).WithNode(doc.ID)
	}
	b.seen[doc] = true

	if doc.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "node has empty id").
			WithDetails(map[string]any{"parent": parentID})
	}
	if _, dup := b.tree.nodes[doc.ID]; dup {
		return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %s", doc.ID).WithNode(doc.ID)
	}
	if !doc.Kind.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown type %q", doc.ID, doc.Kind).WithNode(doc.ID)
	}

	n := &Node{
		ID:           doc.ID,
		Kind:         doc.Kind,
		Label:        doc.Label,
		Parent:       parentID,
		Condition:    doc.Condition,
		ConditionObj: doc.ConditionObj.Clone(),
	}
	b.tree.nodes[n.ID] = n

	children := nonNil(doc.Children)
	switch doc.Kind {
	case schema.KindTerminal:
		if len(children) > 0 || len(nonNilBranches(doc.Branches)) > 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "terminal node %s cannot have children", doc.ID).WithNode(doc.ID)
		}
	case schema.KindAction:
		if len(nonNilBranches(doc.Branches)) > 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "action node %s cannot have branches", doc.ID).WithNode(doc.ID)
		}
		if len(children) > 1 {
			return schema.NewErrorf(schema.ErrCodeValidation, "action node %s has %d children; at most one is allowed", doc.ID, len(children)).WithNode(doc.ID)
		}
		if len(children) == 1 {
			n.Child = children[0].ID
			if err := b.add(children[0], n.ID); err != nil {
				return err
			}
		}
	case schema.KindBranch:
		if len(children) > 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "branch node %s cannot have children; use branches", doc.ID).WithNode(doc.ID)
		}
		n.Slots = map[string]string{schema.KeyTrue: "", schema.KeyFalse: ""}
		for key, child := range doc.Branches {
			if !schema.IsCanonicalKey(key) && !schema.IsCaseKey(key) {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"branch node %s has slot %q; extra slots must use the %q prefix", doc.ID, key, schema.CaseKeyPrefix).WithNode(doc.ID)
			}
			if child == nil {
				continue
			}
			n.Slots[key] = child.ID
			if err := b.add(child, n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func nonNil(docs []*schema.NodeDocument) []*schema.NodeDocument {
	out := make([]*schema.NodeDocument, 0, len(docs))
	for _, d := range docs {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}

func nonNilBranches(m map[string]*schema.NodeDocument) []*schema.NodeDocument {
	out := make([]*schema.NodeDocument, 0, len(m))
	for _, d := range m {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}
