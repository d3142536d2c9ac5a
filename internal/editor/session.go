// Package editor owns the current workflow tree for an editing surface. The
// session is the only place holding the "current" tree reference; every
// mutation swaps in a new immutable tree and republishes it.
package editor

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/rendis/flowtree/internal/logging"
	"github.com/rendis/flowtree/internal/streaming"
	"github.com/rendis/flowtree/internal/traversal"
	"github.com/rendis/flowtree/internal/tree"
	"github.com/rendis/flowtree/pkg/schema"
)

// Snapshot is the published view of the session.
type Snapshot struct {
	WorkflowID string               `json:"workflowId,omitempty"`
	Name       string               `json:"name,omitempty"`
	Document   *schema.NodeDocument `json:"document"`
	Runnable   bool                 `json:"runnable"`
	OpenMenu   string               `json:"openMenu,omitempty"`
	Version    uint64               `json:"version"`
}

// Session holds one editable tree, the currently open node menu and the
// identity of the saved workflow it was loaded from, if any.
type Session struct {
	mu         sync.Mutex
	tree       *tree.Tree
	openMenu   string
	version    uint64
	workflowID string
	name       string

	engine   *traversal.Engine
	animator *traversal.Animator
	hub      streaming.EventHub
	logger   *slog.Logger
	treeOpts []tree.Option

	animations sync.WaitGroup
}

// Option configures a Session.
type Option func(*Session)

// WithHub sets the hub that receives tree, menu and run events.
func WithHub(hub streaming.EventHub) Option {
	return func(s *Session) { s.hub = hub }
}

// WithAnimator enables animated runs.
func WithAnimator(a *traversal.Animator) Option {
	return func(s *Session) { s.animator = a }
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithTreeOptions passes options to every tree the session creates.
func WithTreeOptions(opts ...tree.Option) Option {
	return func(s *Session) { s.treeOpts = opts }
}

// NewSession creates an empty session that runs trees with engine.
func NewSession(engine *traversal.Engine, opts ...Option) *Session {
	s := &Session{engine: engine}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if s.hub == nil {
		s.hub = streaming.NewMemoryHub()
	}
	if s.engine == nil {
		s.engine = traversal.NewEngine(nil, traversal.WithLogger(s.logger))
	}
	s.tree = tree.New(s.treeOpts...)
	return s
}

// Hub returns the session's event hub.
func (s *Session) Hub() streaming.EventHub { return s.hub }

// Tree returns the current immutable tree.
func (s *Session) Tree() *tree.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree
}

// Snapshot returns the current published view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		WorkflowID: s.workflowID,
		Name:       s.name,
		Document:   s.tree.Document(),
		Runnable:   s.tree.HasBranch(),
		OpenMenu:   s.openMenu,
		Version:    s.version,
	}
}

// Start replaces the tree with a fresh single-node tree.
func (s *Session) Start(ctx context.Context) (Snapshot, error) {
	return s.apply(ctx, "", func(t *tree.Tree) (*tree.Tree, error) {
		return t.Start(), nil
	})
}

// AddChild adds a node of kind under parentID and returns the new node's ID.
func (s *Session) AddChild(ctx context.Context, parentID string, kind schema.NodeKind, slot string) (Snapshot, string, error) {
	var childID string
	snap, err := s.apply(ctx, parentID, func(t *tree.Tree) (*tree.Tree, error) {
		next, id, err := t.AddChild(parentID, kind, slot)
		childID = id
		return next, err
	})
	return snap, childID, err
}

// SetLabel renames a node.
func (s *Session) SetLabel(ctx context.Context, id, label string) (Snapshot, error) {
	return s.apply(ctx, id, func(t *tree.Tree) (*tree.Tree, error) {
		return t.SetLabel(id, label)
	})
}

// SetCondition sets a structured condition on a branch node.
func (s *Session) SetCondition(ctx context.Context, id string, c *schema.Condition) (Snapshot, error) {
	return s.apply(ctx, id, func(t *tree.Tree) (*tree.Tree, error) {
		return t.SetCondition(id, c)
	})
}

// SetExpression sets a free-text condition on a branch node.
func (s *Session) SetExpression(ctx context.Context, id, text string) (Snapshot, error) {
	return s.apply(ctx, id, func(t *tree.Tree) (*tree.Tree, error) {
		return t.SetExpression(id, text)
	})
}

// Delete removes a node and its subtree.
func (s *Session) Delete(ctx context.Context, id string) (Snapshot, error) {
	s.mu.Lock()
	parent := ""
	if n, ok := s.tree.Node(id); ok {
		parent = n.Parent
	}
	s.mu.Unlock()

	return s.apply(ctx, parent, func(t *tree.Tree) (*tree.Tree, error) {
		return t.Delete(id)
	})
}

// DeleteAll clears the tree. It must be confirmed by the caller.
func (s *Session) DeleteAll(ctx context.Context, confirmed bool) (Snapshot, error) {
	if !confirmed {
		return s.Snapshot(), schema.NewError(schema.ErrCodeConfirmationRequired, "deleting the whole workflow requires confirmation")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = s.tree.Clear()
	s.openMenu = ""
	s.workflowID, s.name = "", ""
	s.version++
	snap := s.snapshotLocked()
	s.publish(ctx, "", schema.EventTreeCleared, "", snap)
	return snap, nil
}

// Load replaces the tree with a saved document.
func (s *Session) Load(ctx context.Context, workflowID, name string, doc *schema.NodeDocument) (Snapshot, error) {
	loaded, err := tree.FromDocument(doc, s.treeOpts...)
	if err != nil {
		return s.Snapshot(), err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = loaded
	s.openMenu = ""
	s.workflowID, s.name = workflowID, name
	s.version++
	snap := s.snapshotLocked()
	s.publish(logging.WithWorkflowID(ctx, workflowID), workflowID, schema.EventTreeUpdated, "", snap)
	return snap, nil
}

// SetIdentity records the saved workflow the tree now belongs to.
func (s *Session) SetIdentity(workflowID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflowID, s.name = workflowID, name
}

// apply swaps in the tree returned by fn. On error the current tree is kept
// and the error returned. touched is a node that exists after the mutation;
// the root is re-derived from it before the new tree is published.
func (s *Session) apply(ctx context.Context, touched string, fn func(*tree.Tree) (*tree.Tree, error)) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(s.tree)
	if err != nil {
		return s.snapshotLocked(), err
	}
	if touched != "" {
		root, err := next.RootOf(touched)
		if err != nil {
			return s.snapshotLocked(), err
		}
		if root != next.RootID() {
			return s.snapshotLocked(), schema.NewErrorf(schema.ErrCodeValidation,
				"node %s resolves to root %s, want %s", touched, root, next.RootID()).WithNode(touched)
		}
	}

	s.tree = next
	if s.openMenu != "" {
		if _, ok := next.Node(s.openMenu); !ok {
			s.openMenu = ""
		}
	}
	s.version++
	snap := s.snapshotLocked()
	s.publish(ctx, s.workflowID, schema.EventTreeUpdated, touched, snap)
	return snap, nil
}

func (s *Session) publish(ctx context.Context, workflowID, eventType, nodeID string, payload any) {
	s.publishRun(ctx, workflowID, "", eventType, nodeID, payload)
}

func (s *Session) publishRun(ctx context.Context, workflowID, runID, eventType, nodeID string, payload any) {
	err := s.hub.Publish(ctx, streaming.StreamEvent{
		WorkflowID: workflowID,
		RunID:      runID,
		NodeID:     nodeID,
		EventType:  eventType,
		Payload:    payload,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "publish failed", slog.String("event_type", eventType), slog.String("error", err.Error()))
	}
}
