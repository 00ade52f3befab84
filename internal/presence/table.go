package presence

import "sync"

type binding struct {
	userID string
	roomID string
}

// Table is the bidirectional in-memory index between live connection IDs
// and (user, room) pairs. A connection holds at most one binding; a user
// may hold many bindings through distinct connections.
type Table struct {
	mu    sync.RWMutex
	conns map[string]binding             // connID -> (userID, roomID)
	rooms map[string]map[string]struct{} // roomID -> set of connID
}

func NewTable() *Table {
	return &Table{
		conns: make(map[string]binding),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Bind registers connID as userID's connection in roomID, replacing any
// previous binding for the same connection.
func (t *Table) Bind(connID, userID, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.conns[connID]; ok {
		t.removeFromRoom(old.roomID, connID)
	}
	t.conns[connID] = binding{userID: userID, roomID: roomID}
	set, ok := t.rooms[roomID]
	if !ok {
		set = make(map[string]struct{})
		t.rooms[roomID] = set
	}
	set[connID] = struct{}{}
}

// Unbind removes the binding for connID and reports the user and room it
// belonged to. The second call for the same connID returns ok=false.
func (t *Table) Unbind(connID string) (userID, roomID string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, found := t.conns[connID]
	if !found {
		return "", "", false
	}
	delete(t.conns, connID)
	t.removeFromRoom(b.roomID, connID)
	return b.userID, b.roomID, true
}

// Lookup returns the binding for connID.
func (t *Table) Lookup(connID string) (userID, roomID string, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, found := t.conns[connID]
	return b.userID, b.roomID, found
}

// Connections returns the connection IDs currently registered to roomID.
func (t *Table) Connections(roomID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.rooms[roomID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Count returns the number of connections registered to roomID.
func (t *Table) Count(roomID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms[roomID])
}

// UserIDs returns the distinct user IDs with at least one connection in
// roomID.
func (t *Table) UserIDs(roomID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for connID := range t.rooms[roomID] {
		b := t.conns[connID]
		if _, dup := seen[b.userID]; dup {
			continue
		}
		seen[b.userID] = struct{}{}
		out = append(out, b.userID)
	}
	return out
}

// UserConnections returns every connection ID bound to userID, across all
// rooms.
func (t *Table) UserConnections(userID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0)
	for connID, b := range t.conns {
		if b.userID == userID {
			out = append(out, connID)
		}
	}
	return out
}

// Stale returns the connection IDs in roomID that belong to userID but are
// not except. These are leftovers from tabs that never disconnected
// cleanly; the caller evicts them before registering a fresh connection.
func (t *Table) Stale(userID, roomID, except string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0)
	for connID := range t.rooms[roomID] {
		if connID == except {
			continue
		}
		if t.conns[connID].userID == userID {
			out = append(out, connID)
		}
	}
	return out
}

// caller holds t.mu
func (t *Table) removeFromRoom(roomID, connID string) {
	if set, ok := t.rooms[roomID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(t.rooms, roomID)
		}
	}
}
