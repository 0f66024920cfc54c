package hub

import (
	"sync"

	"github.com/example/dispatch-hub/internal/protocol"
)

// RoomRegistry tracks which connections are subscribed to a dispatch or
// trip session for fan-out broadcast. Subscriber sets are unordered;
// empty sets are pruned immediately so memory stays bounded under
// session churn.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[string]map[Conn]struct{}
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{rooms: make(map[string]map[Conn]struct{})}
}

func (r *RoomRegistry) Subscribe(sessionID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.rooms[sessionID]
	if !ok {
		set = make(map[Conn]struct{})
		r.rooms[sessionID] = set
	}
	set[c] = struct{}{}
}

func (r *RoomRegistry) Unsubscribe(sessionID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.rooms[sessionID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.rooms, sessionID)
	}
}

// UnsubscribeAll drops the connection from every room; part of the
// disconnect cleanup cascade.
func (r *RoomRegistry) UnsubscribeAll(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sessionID, set := range r.rooms {
		if _, ok := set[c]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(r.rooms, sessionID)
			}
		}
	}
}

// Broadcast delivers the frame to every open member of the room.
func (r *RoomRegistry) Broadcast(sessionID string, f protocol.Frame) {
	r.mu.RLock()
	members := make([]Conn, 0, len(r.rooms[sessionID]))
	for c := range r.rooms[sessionID] {
		members = append(members, c)
	}
	r.mu.RUnlock()
	for _, c := range members {
		_ = c.Send(f)
	}
}

func (r *RoomRegistry) Size(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[sessionID])
}
