package schema

// Stream event types published while editing and running a workflow.
const (
	EventTreeUpdated  = "tree.updated"
	EventTreeCleared  = "tree.cleared"
	EventMenuChanged  = "menu.changed"
	EventRunStarted   = "run.started"
	EventRunCompleted = "run.completed"
	EventNodeActive   = "node.active"
	EventPathActive   = "path.active"
	EventPathCleared  = "path.cleared"
)

// Outcome is how a traversal ended.
type Outcome string

const (
	// OutcomeTerminal means the path reached a terminal node.
	OutcomeTerminal Outcome = "terminal"
	// OutcomeDeadEnd means the selected edge had no node attached.
	OutcomeDeadEnd Outcome = "dead_end"
)
