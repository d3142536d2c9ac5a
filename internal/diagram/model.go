package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindAction   NodeKind = "action"
	NodeKindBranch   NodeKind = "branch"
	NodeKindTerminal NodeKind = "terminal"
	// NodeKindEmpty is a placeholder for an unfilled branch slot.
	NodeKindEmpty NodeKind = "empty"
)

// Path overlay statuses.
const (
	StatusVisited = "visited"
	StatusDeadEnd = "dead_end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one tree node, or an empty slot placeholder.
type Node struct {
	ID        string
	Label     string
	Kind      NodeKind
	Condition string
	Status    *StatusOverlay
}

// StatusOverlay marks a node that a run went through.
type StatusOverlay struct {
	Status string
	// Step is the 1-based position of the node in the run.
	Step int
}

// Edge is a forward edge. Label is the branch key ("" below an action).
// Taken is set when the overlaid run followed it.
type Edge struct {
	From  string
	To    string
	Label string
	Taken bool
}

// Node returns the node with the given ID, or nil.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
