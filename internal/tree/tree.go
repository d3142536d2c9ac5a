// Package tree holds the workflow tree: an arena of nodes addressed by ID with
// a single root. Trees are immutable; every mutation returns a new *Tree that
// shares unchanged nodes with its predecessor.
package tree

import (
	"maps"
	"sort"

	"github.com/google/uuid"

	"github.com/rendis/flowtree/internal/expressions"
	"github.com/rendis/flowtree/pkg/schema"
)

// Default labels for nodes created by AddChild. The root starts unlabeled.
const (
	DefaultActionLabel   = "Action"
	DefaultBranchLabel   = "Condition"
	DefaultTerminalLabel = "End"
)

// Node is one workflow step. Parent is a back-reference by ID and is never
// serialized. Child is set only on action nodes; Slots only on branch nodes,
// where it maps a slot key to the child ID ("" for an empty slot) and always
// contains the canonical "true" and "false" keys.
type Node struct {
	ID           string
	Kind         schema.NodeKind
	Label        string
	Parent       string
	Child        string
	Slots        map[string]string
	Condition    string
	ConditionObj *schema.Condition
}

func (n *Node) clone() *Node {
	cp := *n
	if n.Slots != nil {
		cp.Slots = maps.Clone(n.Slots)
	}
	return &cp
}

// snapshot returns a deep copy safe to hand to callers.
func (n *Node) snapshot() Node {
	cp := n.clone()
	cp.ConditionObj = n.ConditionObj.Clone()
	return *cp
}

// Edge is a forward edge out of a node. Key is "" for an action's child.
type Edge struct {
	Key string
	To  string
}

// Tree is an immutable workflow tree. The zero value is not usable; create
// one with New, Start or FromDocument.
type Tree struct {
	rootID string
	nodes  map[string]*Node
	newID  func() string
}

// Option configures a Tree.
type Option func(*Tree)

// WithIDGenerator replaces the UUID node ID generator.
func WithIDGenerator(gen func() string) Option {
	return func(t *Tree) { t.newID = gen }
}

// New returns an empty tree (no root).
func New(opts ...Option) *Tree {
	t := &Tree{nodes: map[string]*Node{}, newID: uuid.NewString}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start returns a tree holding a single unlabeled action root.
func Start(opts ...Option) *Tree {
	return New(opts...).Start()
}

// Start returns a new tree with a fresh unlabeled action root, discarding
// any existing nodes.
func (t *Tree) Start() *Tree {
	next := &Tree{nodes: map[string]*Node{}, newID: t.newID}
	root := &Node{ID: next.newID(), Kind: schema.KindAction}
	next.nodes[root.ID] = root
	next.rootID = root.ID
	return next
}

// Clear returns an empty tree that keeps the receiver's ID generator.
func (t *Tree) Clear() *Tree {
	return &Tree{nodes: map[string]*Node{}, newID: t.newID}
}

// IsEmpty reports whether the tree has no root.
func (t *Tree) IsEmpty() bool { return t == nil || t.rootID == "" }

// RootID returns the root node ID, or "" for an empty tree.
func (t *Tree) RootID() string { return t.rootID }

// Len returns the number of nodes in the arena.
func (t *Tree) Len() int { return len(t.nodes) }

// Node returns a copy of the node with the given ID.
func (t *Tree) Node(id string) (Node, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.snapshot(), true
}

// Slot returns the child ID held by a branch slot. ok is false when the node
// is not a branch or the slot does not exist; an empty slot yields ("", true).
func (t *Tree) Slot(id, key string) (string, bool) {
	n, exists := t.nodes[id]
	if !exists || n.Kind != schema.KindBranch {
		return "", false
	}
	child, ok := n.Slots[key]
	return child, ok
}

// Edges returns a node's forward edges in display order: an action's child,
// or a branch's true, false and then case slots sorted by key. Empty slots are
// included with To == "".
func (t *Tree) Edges(id string) []Edge {
	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	switch n.Kind {
	case schema.KindAction:
		if n.Child == "" {
			return nil
		}
		return []Edge{{To: n.Child}}
	case schema.KindBranch:
		edges := []Edge{{Key: schema.KeyTrue, To: n.Slots[schema.KeyTrue]}, {Key: schema.KeyFalse, To: n.Slots[schema.KeyFalse]}}
		for _, k := range caseKeys(n.Slots) {
			edges = append(edges, Edge{Key: k, To: n.Slots[k]})
		}
		return edges
	}
	return nil
}

func caseKeys(slots map[string]string) []string {
	var keys []string
	for k := range slots {
		if !schema.IsCanonicalKey(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Walk visits reachable nodes depth-first from the root in display order.
// Returning false from fn stops the walk.
func (t *Tree) Walk(fn func(n Node, depth int) bool) {
	if t.IsEmpty() {
		return
	}
	seen := make(map[string]bool, len(t.nodes))
	var visit func(id string, depth int) bool
	visit = func(id string, depth int) bool {
		n, ok := t.nodes[id]
		if !ok || seen[id] {
			return true
		}
		seen[id] = true
		if !fn(n.snapshot(), depth) {
			return false
		}
		for _, e := range t.Edges(id) {
			if e.To == "" {
				continue
			}
			if !visit(e.To, depth+1) {
				return false
			}
		}
		return true
	}
	visit(t.rootID, 0)
}

// Reachable counts nodes reachable from the root through forward edges.
func (t *Tree) Reachable() int {
	count := 0
	t.Walk(func(Node, int) bool {
		count++
		return true
	})
	return count
}

// HasBranch reports whether any reachable node is a branch. A tree without
// branches has nothing to decide, so callers only offer runs when this is true.
func (t *Tree) HasBranch() bool {
	found := false
	t.Walk(func(n Node, _ int) bool {
		found = n.Kind == schema.KindBranch
		return !found
	})
	return found
}

// RootOf follows parent back-references from id to the root.
func (t *Tree) RootOf(id string) (string, error) {
	cur, ok := t.nodes[id]
	if !ok {
		return "", notFound(id)
	}
	for steps := 0; cur.Parent != ""; steps++ {
		if steps > len(t.nodes) {
			return "", schema.NewErrorf(schema.ErrCodeCycleDetected, "parent chain of node %s does not reach a root", id).WithNode(id)
		}
		parent, ok := t.nodes[cur.Parent]
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "node %s has dangling parent %s", cur.ID, cur.Parent).WithNode(cur.ID)
		}
		cur = parent
	}
	return cur.ID, nil
}

// AddChild creates a node of kind under parentID and returns the new tree and
// the new node's ID. On an action parent slot is ignored and the new node
// replaces any existing child. On a branch parent slot must be "true",
// "false" or a "case:" key, and the new node replaces whatever the slot held.
// Replaced subtrees are discarded. Terminal parents reject the operation.
func (t *Tree) AddChild(parentID string, kind schema.NodeKind, slot string) (*Tree, string, error) {
	parent, ok := t.nodes[parentID]
	if !ok {
		return t, "", notFound(parentID)
	}
	if !kind.Valid() {
		return t, "", schema.NewErrorf(schema.ErrCodeValidation, "unknown node kind %q", kind)
	}
	if parent.Kind == schema.KindTerminal {
		return t, "", schema.NewError(schema.ErrCodeInvalidOperation, "terminal nodes cannot have children").WithNode(parentID)
	}
	if parent.Kind == schema.KindBranch && !schema.IsCanonicalKey(slot) && !schema.IsCaseKey(slot) {
		return t, "", schema.NewErrorf(schema.ErrCodeValidation,
			"invalid branch slot %q: want %q, %q or a %q key", slot, schema.KeyTrue, schema.KeyFalse, schema.CaseKeyPrefix).
			WithNode(parentID)
	}

	next := t.cow()
	p := parent.clone()
	child := &Node{ID: next.mintID(), Kind: kind, Label: defaultLabel(kind), Parent: parentID}
	if kind == schema.KindBranch {
		child.Slots = map[string]string{schema.KeyTrue: "", schema.KeyFalse: ""}
	}

	if parent.Kind == schema.KindAction {
		if p.Child != "" {
			next.removeSubtree(p.Child)
		}
		p.Child = child.ID
	} else {
		if old := p.Slots[slot]; old != "" {
			next.removeSubtree(old)
		}
		p.Slots[slot] = child.ID
	}

	next.nodes[p.ID] = p
	next.nodes[child.ID] = child
	return next, child.ID, nil
}

// SetLabel replaces a node's label.
func (t *Tree) SetLabel(id, label string) (*Tree, error) {
	n, ok := t.nodes[id]
	if !ok {
		return t, notFound(id)
	}
	next := t.cow()
	cp := n.clone()
	cp.Label = label
	next.nodes[id] = cp
	return next, nil
}

// SetCondition replaces a branch node's structured condition and regenerates
// its display text.
func (t *Tree) SetCondition(id string, c *schema.Condition) (*Tree, error) {
	n, err := t.branch(id)
	if err != nil {
		return t, err
	}
	if c == nil {
		return t, schema.NewError(schema.ErrCodeValidation, "condition is required").WithNode(id)
	}
	if !c.Kind.Known() {
		return t, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition kind %q", c.Kind).WithNode(id)
	}
	next := t.cow()
	cp := n.clone()
	cp.ConditionObj = c.Clone()
	cp.Condition = expressions.Describe(c)
	next.nodes[id] = cp
	return next, nil
}

// SetExpression sets a free-text condition on a branch node, clearing any
// structured condition.
func (t *Tree) SetExpression(id, text string) (*Tree, error) {
	n, err := t.branch(id)
	if err != nil {
		return t, err
	}
	next := t.cow()
	cp := n.clone()
	cp.ConditionObj = nil
	cp.Condition = text
	next.nodes[id] = cp
	return next, nil
}

// Delete removes a node and its whole subtree and empties the parent slot
// that referenced it. The root cannot be deleted.
func (t *Tree) Delete(id string) (*Tree, error) {
	n, ok := t.nodes[id]
	if !ok {
		return t, notFound(id)
	}
	if id == t.rootID || n.Parent == "" {
		return t, schema.NewError(schema.ErrCodeInvalidOperation, "cannot delete root").WithNode(id)
	}

	next := t.cow()
	if parent, ok := next.nodes[n.Parent]; ok {
		p := parent.clone()
		if p.Child == id {
			p.Child = ""
		}
		for k, v := range p.Slots {
			if v != id {
				continue
			}
			if schema.IsCanonicalKey(k) {
				p.Slots[k] = ""
			} else {
				delete(p.Slots, k)
			}
		}
		next.nodes[p.ID] = p
	}
	next.removeSubtree(id)
	return next, nil
}

func (t *Tree) branch(id string) (*Node, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, notFound(id)
	}
	if n.Kind != schema.KindBranch {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidOperation, "node %s is a %s node; conditions apply to branch nodes", id, n.Kind).WithNode(id)
	}
	return n, nil
}

// cow returns a tree sharing every node with t. Callers replace the nodes they
// change instead of writing through the shared pointers.
func (t *Tree) cow() *Tree {
	return &Tree{rootID: t.rootID, nodes: maps.Clone(t.nodes), newID: t.newID}
}

// removeSubtree deletes id and its descendants from the arena. It only edits
// the map, so it is safe on a tree returned by cow.
func (t *Tree) removeSubtree(id string) {
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := t.nodes[cur]
		if !ok {
			continue
		}
		delete(t.nodes, cur)
		if n.Child != "" {
			stack = append(stack, n.Child)
		}
		for _, c := range n.Slots {
			if c != "" {
				stack = append(stack, c)
			}
		}
	}
}

// mintID returns an ID not used by any node in the arena. A generator that
// keeps colliding falls back to UUIDs.
func (t *Tree) mintID() string {
	for range 16 {
		id := t.newID()
		if _, taken := t.nodes[id]; !taken && id != "" {
			return id
		}
	}
	for {
		id := uuid.NewString()
		if _, taken := t.nodes[id]; !taken {
			return id
		}
	}
}

func defaultLabel(kind schema.NodeKind) string {
	switch kind {
	case schema.KindBranch:
		return DefaultBranchLabel
	case schema.KindTerminal:
		return DefaultTerminalLabel
	default:
		return DefaultActionLabel
	}
}

func notFound(id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found", id).WithNode(id)
}
