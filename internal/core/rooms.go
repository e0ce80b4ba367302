package core

import "sync"

// Router maps room names to the set of sessions subscribed to them. Rooms are
// ephemeral: an entry appears on first join and is garbage-collected when the
// last session leaves.
type Router struct {
	mu    sync.RWMutex
	rooms map[string]map[*Session]struct{}
}

// NewRouter creates an empty room router.
func NewRouter() *Router {
	return &Router{rooms: make(map[string]map[*Session]struct{})}
}

// Join adds the session to the room. Idempotent.
func (r *Router) Join(room string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		r.rooms[room] = members
	}
	members[s] = struct{}{}
}

// Leave removes the session from the room. Idempotent; empty rooms are
// garbage-collected.
func (r *Router) Leave(room string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(room, s)
}

func (r *Router) leaveLocked(room string, s *Session) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// LeaveAll removes the session from every room it is in and returns the rooms
// it left. Called on disconnect.
func (r *Router) LeaveAll(s *Session) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []string
	for room, members := range r.rooms {
		if _, ok := members[s]; ok {
			left = append(left, room)
			r.leaveLocked(room, s)
		}
	}
	return left
}

// Broadcast delivers the event to every session in the room except the
// optionally excluded one. Each recipient receives at most one copy.
// Broadcasting to an empty or unknown room is a no-op.
func (r *Router) Broadcast(room string, ev *Event, exclude *Session) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for s := range r.rooms[room] {
		if s == exclude {
			continue
		}
		s.send(ev)
	}
}

// Members returns the sessions currently in the room.
func (r *Router) Members(room string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]*Session, 0, len(members))
	for s := range members {
		out = append(out, s)
	}
	return out
}

// Count returns the number of sessions in the room.
func (r *Router) Count(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// EvictUser removes every session of the given user from the room and returns
// the evicted sessions. Used when a member is removed server-side so a revoked
// user cannot keep listening through an open socket.
func (r *Router) EvictUser(room string, userID int64) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []*Session
	for s := range r.rooms[room] {
		if s.UserID == userID {
			evicted = append(evicted, s)
			r.leaveLocked(room, s)
		}
	}
	return evicted
}

// Drop removes the room and returns the sessions that were in it. Used when a
// channel is deleted.
func (r *Router) Drop(room string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	out := make([]*Session, 0, len(members))
	for s := range members {
		out = append(out, s)
	}
	delete(r.rooms, room)
	return out
}
