package scanagent

import (
	"sync"

	"github.com/google/uuid"
)

// Registry tracks in-flight Sessions by id so the discovery HTTP endpoint
// (spec §6) can route pause/resume/cancel actions to a live Session rather
// than only reading its persisted snapshot.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uuid.UUID]*Session)}
}

// Register adds sess under id, replacing any prior entry.
func (r *Registry) Register(id uuid.UUID, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = sess
}

// Unregister removes id, a no-op if absent.
func (r *Registry) Unregister(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns the live Session for id, if any.
func (r *Registry) Get(id uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}
