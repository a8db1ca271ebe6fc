package session

import "sync"

// Registry is the concurrency-safe table of active sessions, keyed by call
// id. It is the only shared holder of session references; sessions remove
// themselves through their finalize path.
//
// The provider races its answered webhook against the media stream: on fast
// answers the webhook can land before the stream's start message registers
// the session. The registry buffers that mark in answered and delivers it
// when the session attaches, so the outbound greeting survives either
// ordering.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	answered map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		answered: make(map[string]struct{}),
	}
}

// Add registers a session, replacing any stale entry for the same call id.
// If the call was marked answered before the session attached, the mark is
// consumed and delivered now.
func (r *Registry) Add(s *Session) {
	id := s.ID()
	r.mu.Lock()
	r.sessions[id] = s
	_, pending := r.answered[id]
	if pending {
		delete(r.answered, id)
	}
	r.mu.Unlock()
	if pending {
		s.Answered()
	}
}

// Get returns the session for a call id.
func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// MarkAnswered delivers the provider's answered signal to the session, or
// records it for delivery if the media stream has not registered one yet.
func (r *Registry) MarkAnswered(callID string) {
	r.mu.Lock()
	s, ok := r.sessions[callID]
	if !ok {
		r.answered[callID] = struct{}{}
	}
	r.mu.Unlock()
	if ok {
		s.Answered()
	}
}

// Remove drops a session from the table along with any undelivered answered
// mark. Idempotent.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	delete(r.sessions, callID)
	delete(r.answered, callID)
	r.mu.Unlock()
}

// Len reports the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown finalizes every remaining session; used on server stop.
func (r *Registry) Shutdown(reason string) {
	r.mu.Lock()
	remaining := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		remaining = append(remaining, s)
	}
	r.sessions = make(map[string]*Session)
	r.answered = make(map[string]struct{})
	r.mu.Unlock()

	for _, s := range remaining {
		s.Finalize(reason)
	}
}
