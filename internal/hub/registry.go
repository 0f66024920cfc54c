package hub

import (
	"sync"

	"github.com/example/dispatch-hub/internal/models"
	"github.com/example/dispatch-hub/internal/protocol"
)

// Entry is one registered actor connection.
type Entry struct {
	ActorID string
	Role    models.Role
	Conn    Conn
}

// ConnectionRegistry tracks the single live connection per actor id.
// A new registration for the same id silently replaces the previous
// one; the prior connection is assumed stale and closed.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Entry
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[string]*Entry)}
}

func (r *ConnectionRegistry) Register(actorID string, role models.Role, c Conn) {
	r.mu.Lock()
	prev, had := r.conns[actorID]
	r.conns[actorID] = &Entry{ActorID: actorID, Role: role, Conn: c}
	r.mu.Unlock()
	if had && prev.Conn != c {
		_ = prev.Conn.Close()
	}
}

// Unregister removes the actor's entry only if it still points at c,
// so a stale connection's teardown never evicts its replacement.
func (r *ConnectionRegistry) Unregister(actorID string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[actorID]
	if !ok || cur.Conn != c {
		return false
	}
	delete(r.conns, actorID)
	return true
}

// Lookup returns the actor's live connection. Absence means "currently
// unreachable", never an error.
func (r *ConnectionRegistry) Lookup(actorID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[actorID]
	if !ok {
		return nil, false
	}
	return e.Conn, true
}

func (r *ConnectionRegistry) IsReachable(actorID string) bool {
	_, ok := r.Lookup(actorID)
	return ok
}

// Push sends a frame to the actor if reachable. Delivery to an absent
// actor is a no-op; persistence is the durability fallback.
func (r *ConnectionRegistry) Push(actorID string, f protocol.Frame) bool {
	c, ok := r.Lookup(actorID)
	if !ok {
		return false
	}
	return c.Send(f) == nil
}

// Snapshot returns the current entries for the liveness scan.
func (r *ConnectionRegistry) Snapshot() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e)
	}
	return out
}

func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
