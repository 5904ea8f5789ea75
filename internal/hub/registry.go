package hub

import "sync"

// Registry maps room ids to the sessions currently viewing them. It is a
// passive membership set: nothing stops a session from joining several rooms
// at once. Clients are expected to leave their previous room before joining
// the next one; the registry does not enforce that discipline.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[*Session]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]map[*Session]struct{})}
}

// Join adds the session to the room. Joining a room twice is a no-op.
func (r *Registry) Join(roomID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[*Session]struct{})
	}
	r.rooms[roomID][s] = struct{}{}
}

// Leave removes the session from the room. Leaving a room the session never
// joined is a no-op.
func (r *Registry) Leave(roomID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[roomID]
	if members == nil {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// LeaveAll removes the session from every room it is in and returns the ids
// of the rooms it left. Used on disconnect, which needs no explicit cleanup
// message from the client.
func (r *Registry) LeaveAll(s *Session) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var left []string
	for roomID, members := range r.rooms {
		if _, ok := members[s]; !ok {
			continue
		}
		delete(members, s)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
		left = append(left, roomID)
	}
	return left
}

// MembersOf returns a snapshot of the room's current sessions, possibly
// empty.
func (r *Registry) MembersOf(roomID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[roomID]
	out := make([]*Session, 0, len(members))
	for s := range members {
		out = append(out, s)
	}
	return out
}
