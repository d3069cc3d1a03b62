package mcp

import "sync"

// SessionRegistry maps conversation refs to the MCP session that drives
// them. Populated when a client starts or resumes an execution.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // conversationRef → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a conversation with a session, replacing any earlier
// one (reconnect).
func (r *SessionRegistry) Register(conversationRef, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[conversationRef] = sessionID
}

// SessionFor returns the session ID bound to the conversation, if any.
func (r *SessionRegistry) SessionFor(conversationRef string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[conversationRef]
	return sid, ok
}

// Remove deletes every conversation bound to the session. Called when a
// session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ref, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, ref)
		}
	}
}
