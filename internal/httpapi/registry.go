package httpapi

import (
	"sync"

	"github.com/fyrsmithlabs/dialogd/internal/orchestrator"
)

// registry holds live sessions. Sessions are exclusively owned by their
// orchestration runs; the registry only maps ids to them.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]*orchestrator.Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*orchestrator.Session)}
}

func (r *registry) put(sess *orchestrator.Session) {
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()
}

func (r *registry) get(id string) (*orchestrator.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

func (r *registry) delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
