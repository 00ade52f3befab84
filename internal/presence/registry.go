package presence

import (
	"sort"

	"codecollab/internal/models"
)

// Roster resolves user IDs to membership details for a room. It is
// satisfied by the rooms store; tests plug in fakes.
type Roster func(roomID string, userIDs []string) []models.RoomMemberInfo

// Registry derives authoritative presence views from the connection table.
// Snapshots are always recomputed from the table, never cached.
type Registry struct {
	table  *Table
	roster Roster
}

func NewRegistry(table *Table, roster Roster) *Registry {
	if roster == nil {
		roster = func(_ string, ids []string) []models.RoomMemberInfo {
			out := make([]models.RoomMemberInfo, 0, len(ids))
			for _, id := range ids {
				out = append(out, models.RoomMemberInfo{ID: id})
			}
			return out
		}
	}
	return &Registry{table: table, roster: roster}
}

// Join registers the membership (connID, userID, roomID). Any stale
// connection for the same user in the same room is evicted first so a
// reconnecting tab cannot inflate the online count. The evicted connection
// IDs are returned so the transport can drop them.
func (r *Registry) Join(connID, userID, roomID string) (snapshot []models.RoomMemberInfo, evicted []string) {
	evicted = r.table.Stale(userID, roomID, connID)
	for _, stale := range evicted {
		r.table.Unbind(stale)
	}
	r.table.Bind(connID, userID, roomID)
	return r.Snapshot(roomID), evicted
}

// Leave removes the membership keyed by connID. Idempotent: a second call
// for the same connID reports ok=false.
func (r *Registry) Leave(connID string) (userID, roomID string, snapshot []models.RoomMemberInfo, ok bool) {
	userID, roomID, ok = r.table.Unbind(connID)
	if !ok {
		return "", "", nil, false
	}
	return userID, roomID, r.Snapshot(roomID), true
}

// EvictRoom unbinds every connection in the room at once, for
// administrative teardown. Returns the evicted connection IDs so the
// transport can drop them.
func (r *Registry) EvictRoom(roomID string) []string {
	conns := r.table.Connections(roomID)
	for _, connID := range conns {
		r.table.Unbind(connID)
	}
	return conns
}

// OnlineCount is the number of live connections in the room. Two tabs of
// one user count as two.
func (r *Registry) OnlineCount(roomID string) int {
	return r.table.Count(roomID)
}

// OnlineUserIDs is the distinct set of users with a live connection in the
// room.
func (r *Registry) OnlineUserIDs(roomID string) []string {
	ids := r.table.UserIDs(roomID)
	sort.Strings(ids)
	return ids
}

// Snapshot recomputes the room's presence view and annotates it through
// the roster.
func (r *Registry) Snapshot(roomID string) []models.RoomMemberInfo {
	return r.roster(roomID, r.OnlineUserIDs(roomID))
}
