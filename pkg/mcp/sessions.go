package mcp

import (
	"sort"
	"sync"
)

// SessionRegistry maps client IDs to MCP session IDs and records which
// clients watch which saved workflows.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string              // clientID → sessionID
	watchers map[string]map[string]struct{} // workflowID → clientIDs
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]string),
		watchers: make(map[string]map[string]struct{}),
	}
}

// Register associates a client ID with a session ID.
// If the client already has a session, it is overwritten (reconnect).
func (r *SessionRegistry) Register(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[clientID] = sessionID
}

// SessionFor returns the session ID for the given client, if connected.
func (r *SessionRegistry) SessionFor(clientID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[clientID]
	return sid, ok
}

// Watch adds clientID to the watchers of workflowID.
func (r *SessionRegistry) Watch(workflowID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watchers[workflowID]
	if !ok {
		set = make(map[string]struct{})
		r.watchers[workflowID] = set
	}
	set[clientID] = struct{}{}
}

// Watchers returns the clients watching workflowID, sorted.
func (r *SessionRegistry) Watchers(workflowID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.watchers[workflowID]))
	for id := range r.watchers[workflowID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove deletes all client mappings and watches for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for cid, sid := range r.sessions {
		if sid != sessionID {
			continue
		}
		delete(r.sessions, cid)
		for wf, set := range r.watchers {
			delete(set, cid)
			if len(set) == 0 {
				delete(r.watchers, wf)
			}
		}
	}
}
