package session

import (
	"context"
	"sync"
	"time"

	"codecollab/internal/crdt"
	"codecollab/internal/models"
	"codecollab/internal/utils"

	"github.com/google/uuid"
)

// Persistence is the durable-store collaborator a session hydrates from
// and saves to.
type Persistence interface {
	Load(ctx context.Context, roomID string) (models.DocumentState, error)
	Save(ctx context.Context, roomID, content string) error
}

// Store owns one RoomSession per active room. Sessions are created lazily
// on first access, hydrated once from persistence, and torn down after a
// grace window once the last connection leaves so rapid reconnects do not
// thrash the durable store.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*RoomSession
	timers   map[string]*time.Timer

	persistence Persistence
	grace       time.Duration
	inUse       func(roomID string) bool
	log         *utils.Logger
}

// DefaultGrace is the default teardown delay after the last connection
// leaves a room. Tunable via SESSION_GRACE_MS.
const DefaultGrace = 3 * time.Second

func NewStore(persistence Persistence, grace time.Duration, inUse func(string) bool, log *utils.Logger) *Store {
	if grace < 0 {
		grace = 0
	}
	if inUse == nil {
		inUse = func(string) bool { return false }
	}
	return &Store{
		sessions:    make(map[string]*RoomSession),
		timers:      make(map[string]*time.Timer),
		persistence: persistence,
		grace:       grace,
		inUse:       inUse,
		log:         log,
	}
}

// GetOrCreate returns the room's session, hydrating a fresh document from
// persistence on first access. Hydration must succeed before any join is
// acknowledged, so a load failure is returned to the caller.
func (st *Store) GetOrCreate(ctx context.Context, roomID string) (*RoomSession, error) {
	st.mu.Lock()
	if t, ok := st.timers[roomID]; ok {
		t.Stop()
		delete(st.timers, roomID)
	}
	if sess, ok := st.sessions[roomID]; ok {
		st.mu.Unlock()
		return sess, nil
	}
	st.mu.Unlock()

	// Hydrate outside the lock; loads may hit the database.
	state, err := st.persistence.Load(ctx, roomID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if sess, ok := st.sessions[roomID]; ok {
		// lost the race to another connection
		return sess, nil
	}
	doc := crdt.NewDocument("server-" + uuid.NewString())
	if state.Content != "" {
		doc.InsertAt(0, state.Content)
	}
	sess := newRoomSession(roomID, doc, state.Language)
	st.sessions[roomID] = sess
	st.log.Info("room session created", "roomId", roomID, "contentBytes", len(state.Content))
	return sess, nil
}

// Get returns the session if one is live.
func (st *Store) Get(roomID string) (*RoomSession, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[roomID]
	return sess, ok
}

// ScheduleRelease arms the grace-window teardown for a room. The timer is
// cancelled if GetOrCreate is called again meanwhile, and the teardown
// re-checks liveness so a session with connections is never destroyed.
func (st *Store) ScheduleRelease(roomID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[roomID]; !ok {
		return
	}
	if t, ok := st.timers[roomID]; ok {
		t.Stop()
	}
	st.timers[roomID] = time.AfterFunc(st.grace, func() { st.release(roomID) })
}

// Release tears the session down immediately, regardless of the grace
// window. Used for administrative room teardown.
func (st *Store) Release(roomID string) {
	st.mu.Lock()
	if t, ok := st.timers[roomID]; ok {
		t.Stop()
		delete(st.timers, roomID)
	}
	delete(st.sessions, roomID)
	st.mu.Unlock()
	st.log.Info("room session released", "roomId", roomID)
}

// Count returns the number of live sessions.
func (st *Store) Count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

func (st *Store) release(roomID string) {
	st.mu.Lock()
	delete(st.timers, roomID)
	sess, ok := st.sessions[roomID]
	if !ok {
		st.mu.Unlock()
		return
	}
	if sess.ReplicaCount() > 0 || st.inUse(roomID) {
		st.mu.Unlock()
		return
	}
	delete(st.sessions, roomID)
	st.mu.Unlock()
	st.log.Info("room session released after grace window", "roomId", roomID)
}
