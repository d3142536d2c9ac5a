package editor

import (
	"context"

	"github.com/rendis/flowtree/pkg/schema"
)

// OpenMenu marks nodeID as the node whose menu is open. Opening a menu closes
// any other; at most one is open at a time.
func (s *Session) OpenMenu(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tree.Node(nodeID); !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found", nodeID).WithNode(nodeID)
	}
	if s.openMenu == nodeID {
		return nil
	}
	s.openMenu = nodeID
	s.publish(ctx, s.workflowID, schema.EventMenuChanged, nodeID, map[string]any{"openMenu": nodeID})
	return nil
}

// CloseMenu closes the open menu, if any.
func (s *Session) CloseMenu(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openMenu == "" {
		return
	}
	s.openMenu = ""
	s.publish(ctx, s.workflowID, schema.EventMenuChanged, "", map[string]any{"openMenu": ""})
}

// OpenMenuID returns the node whose menu is open, or "".
func (s *Session) OpenMenuID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openMenu
}
