package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"codecollab/internal/broadcast"
	"codecollab/internal/events"
	"codecollab/internal/models"
	"codecollab/internal/presence"
	"codecollab/internal/rooms"
	"codecollab/internal/session"
	"codecollab/internal/utils"
)

type fakeRooms struct {
	mu       sync.Mutex
	members  map[string]map[string]string // roomID -> userID -> username
	state    map[string]models.DocumentState
	saves    map[string]string
	saveErr  error
	language map[string]string
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{
		members:  make(map[string]map[string]string),
		state:    make(map[string]models.DocumentState),
		saves:    make(map[string]string),
		language: make(map[string]string),
	}
}

func (f *fakeRooms) addMember(roomID string, user models.UserInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[roomID] == nil {
		f.members[roomID] = make(map[string]string)
	}
	f.members[roomID][user.ID] = user.Username
}

func (f *fakeRooms) Verify(_ context.Context, roomID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.members[roomID][userID]
	return ok, nil
}

func (f *fakeRooms) Roster(_ context.Context, roomID string, userIDs []string) ([]models.RoomMemberInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.RoomMemberInfo, 0, len(userIDs))
	for _, id := range userIDs {
		if name, ok := f.members[roomID][id]; ok {
			out = append(out, models.RoomMemberInfo{ID: id, Username: name, Role: "member"})
		}
	}
	return out, nil
}

func (f *fakeRooms) UpdateLanguage(_ context.Context, roomID, language, actorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.members[roomID][actorID]; !ok {
		return rooms.ErrNotMember
	}
	f.language[roomID] = language
	return nil
}

func (f *fakeRooms) Load(_ context.Context, roomID string) (models.DocumentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state[roomID], nil
}

func (f *fakeRooms) Save(_ context.Context, roomID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves[roomID] = content
	return nil
}

func (f *fakeRooms) savedContent(roomID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.saves[roomID]
	return c, ok
}

type eventCapture struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *eventCapture) hook(e models.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *eventCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *eventCapture) named(name string) []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Event
	for _, e := range c.events {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

func (c *eventCapture) reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

func newTestOrchestrator(t *testing.T, store *fakeRooms) *Orchestrator {
	t.Helper()
	log := utils.NewNopLogger()
	table := presence.NewTable()
	dispatcher := broadcast.NewDispatcher(table)
	sessions := session.NewStore(store, 5*time.Millisecond, func(roomID string) bool {
		return table.Count(roomID) > 0
	}, log)
	return NewOrchestrator(log, table, dispatcher, sessions, store, store, 64)
}

func connect(o *Orchestrator, connID string, user models.UserInfo) (*session.Client, *eventCapture) {
	c := session.NewClient(connID, nil)
	c.SetUser(user)
	cap := &eventCapture{}
	c.SetSendHook(cap.hook)
	o.Connect(c)
	return c, cap
}

var (
	alice = models.UserInfo{ID: "u1", Username: "alice"}
	bob   = models.UserInfo{ID: "u2", Username: "bob"}
)

func TestJoinRoomFirstUser(t *testing.T) {
	store := newFakeRooms()
	store.addMember("r1", alice)
	store.state["r1"] = models.DocumentState{Content: "hello", Language: "go"}
	o := newTestOrchestrator(t, store)

	client, cap := connect(o, "c1", alice)
	o.JoinRoom(client, models.JoinRoomRequest{RoomID: "r1"})

	joined := cap.named(models.EvRoomJoined)
	if len(joined) != 1 {
		t.Fatalf("expected one room-joined, got %d", len(joined))
	}
	data := joined[0].Data.(models.RoomJoined)
	if data.Content != "hello" || data.Language != "go" {
		t.Fatalf("unexpected room state: %+v", data)
	}
	if len(data.Members) != 1 || data.Members[0].Username != "alice" {
		t.Fatalf("unexpected members: %+v", data.Members)
	}
	if len(cap.named(models.EvUserJoined)) != 0 {
		t.Fatalf("joiner should not receive its own user-joined")
	}
	if len(cap.named(models.EvOnlineUsersUpdated)) != 1 {
		t.Fatalf("joiner should receive the presence snapshot")
	}
	updated := cap.named(models.EvRoomUpdated)
	if len(updated) != 1 {
		t.Fatalf("expected one room-updated, got %d", len(updated))
	}
	if updated[0].Data.(models.RoomUpdated).OnlineCount != 1 {
		t.Fatalf("unexpected online count")
	}
}

func TestJoinRoomNonMemberDenied(t *testing.T) {
	store := newFakeRooms()
	store.addMember("r1", alice)
	o := newTestOrchestrator(t, store)

	client, cap := connect(o, "c1", bob)
	o.JoinRoom(client, models.JoinRoomRequest{RoomID: "r1"})

	errs := cap.named(models.EvError)
	if len(errs) != 1 {
		t.Fatalf("expected one error event, got %d", len(errs))
	}
	if errs[0].Data.(models.ErrorEvent).Code != models.CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED, got %+v", errs[0].Data)
	}
	if o.Registry().OnlineCount("r1") != 0 {
		t.Fatalf("denied join must not register presence")
	}
}

func TestJoinRoomUnauthenticated(t *testing.T) {
	store := newFakeRooms()
	o := newTestOrchestrator(t, store)

	c := session.NewClient("c1", nil)
	cap := &eventCapture{}
	c.SetSendHook(cap.hook)
	o.Connect(c)
	o.JoinRoom(c, models.JoinRoomRequest{RoomID: "r1"})

	errs := cap.named(models.EvError)
	if len(errs) != 1 || errs[0].Data.(models.ErrorEvent).Code != models.CodeNotAuthenticated {
		t.Fatalf("expected NOT_AUTHENTICATED, got %+v", errs)
	}
}

func TestReconnectEvictsStaleConnection(t *testing.T) {
	store := newFakeRooms()
	store.addMember("r1", alice)
	o := newTestOrchestrator(t, store)

	oldClient, _ := connect(o, "c-old", alice)
	o.JoinRoom(oldClient, models.JoinRoomRequest{RoomID: "r1"})

	fresh, _ := connect(o, "c-new", alice)
	o.JoinRoom(fresh, models.JoinRoomRequest{RoomID: "r1"})

	if got := o.Registry().OnlineCount("r1"); got != 1 {
		t.Fatalf("reconnect inflated online count to %d", got)
	}
	if _, ok := o.Dispatcher().Client("c-old"); ok {
		t.Fatalf("stale connection still registered")
	}
}

func TestSecondUserJoinNotifiesFirst(t *testing.T) {
	store := newFakeRooms()
	store.addMember("r1", alice)
	store.addMember("r1", bob)
	o := newTestOrchestrator(t, store)

	first, firstCap := connect(o, "c1", alice)
	o.JoinRoom(first, models.JoinRoomRequest{RoomID: "r1"})
	firstCap.reset()

	second, _ := connect(o, "c2", bob)
	o.JoinRoom(second, models.JoinRoomRequest{RoomID: "r1"})

	joined := firstCap.named(models.EvUserJoined)
	if len(joined) != 1 {
		t.Fatalf("expected one user-joined at the first client, got %d", len(joined))
	}
	if joined[0].Data.(models.UserPresence).Username != "bob" {
		t.Fatalf("unexpected presence payload: %+v", joined[0].Data)
	}
	snapshots := firstCap.named(models.EvOnlineUsersUpdated)
	if len(snapshots) != 1 {
		t.Fatalf("expected one presence snapshot, got %d", len(snapshots))
	}
	if got := snapshots[0].Data.(models.OnlineUsersUpdated).OnlineUsers; len(got) != 2 {
		t.Fatalf("expected 2 online users, got %+v", got)
	}
}

func TestContentChangePersists(t *testing.T) {
	store := newFakeRooms()
	store.addMember("r1", alice)
	o := newTestOrchestrator(t, store)

	client, _ := connect(o, "c1", alice)
	o.JoinRoom(client, models.JoinRoomRequest{RoomID: "r1"})
	o.ContentChange(client, models.ContentChange{RoomID: "r1", Content: "saved text"})

	deadline := time.Now().Add(time.Second)
	for {
		if got, ok := store.savedContent("r1"); ok {
			if got != "saved text" {
				t.Fatalf("saved %q", got)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("content never persisted")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestContentChangeOversizedRejected(t *testing.T) {
	store := newFakeRooms()
	store.addMember("r1", alice)
	o := newTestOrchestrator(t, store)

	client, cap := connect(o, "c1", alice)
	o.JoinRoom(client, models.JoinRoomRequest{RoomID: "r1"})
	cap.reset()

	big := make([]byte, 65)
	o.ContentChange(client, models.ContentChange{RoomID: "r1", Content: string(big)})

	errs := cap.named(models.EvError)
	if len(errs) != 1 || errs[0].Data.(models.ErrorEvent).Code != models.CodeContentTooLarge {
		t.Fatalf("expected CONTENT_TOO_LARGE, got %+v", errs)
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := store.savedContent("r1"); ok {
		t.Fatalf("oversized content was persisted")
	}
}

func TestCursorRelayExcludesSender(t *testing.T) {
	store := newFakeRooms()
	store.addMember("r1", alice)
	store.addMember("r1", bob)
	o := newTestOrchestrator(t, store)

	first, firstCap := connect(o, "c1", alice)
	o.JoinRoom(first, models.JoinRoomRequest{RoomID: "r1"})
	second, secondCap := connect(o, "c2", bob)
	o.JoinRoom(second, models.JoinRoomRequest{RoomID: "r1"})
	firstCap.reset()
	secondCap.reset()

	o.CursorPosition(first, models.CursorPosition{RoomID: "r1", Position: []byte(`{"line":3}`)})

	if len(firstCap.named(models.EvCursorMoved)) != 0 {
		t.Fatalf("sender received its own cursor event")
	}
	moved := secondCap.named(models.EvCursorMoved)
	if len(moved) != 1 {
		t.Fatalf("expected one cursor-moved at the peer, got %d", len(moved))
	}
	if moved[0].Data.(models.CursorMoved).Username != "alice" {
		t.Fatalf("unexpected cursor payload: %+v", moved[0].Data)
	}
}

func TestEventForWrongRoomRejected(t *testing.T) {
	store := newFakeRooms()
	store.addMember("r1", alice)
	o := newTestOrchestrator(t, store)

	client, cap := connect(o, "c1", alice)
	o.JoinRoom(client, models.JoinRoomRequest{RoomID: "r1"})
	cap.reset()

	o.CursorPosition(client, models.CursorPosition{RoomID: "r2", Position: []byte(`{}`)})

	errs := cap.named(models.EvError)
	if len(errs) != 1 || errs[0].Data.(models.ErrorEvent).Code != models.CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED for wrong room, got %+v", errs)
	}
}

func TestSyncRoomStateResendsPresenceEvents(t *testing.T) {
	store := newFakeRooms()
	store.addMember("r1", alice)
	store.addMember("r1", bob)
	store.state["r1"] = models.DocumentState{Content: "shared", Language: "go"}
	o := newTestOrchestrator(t, store)

	first, firstCap := connect(o, "c1", alice)
	o.JoinRoom(first, models.JoinRoomRequest{RoomID: "r1"})
	second, secondCap := connect(o, "c2", bob)
	o.JoinRoom(second, models.JoinRoomRequest{RoomID: "r1"})
	firstCap.reset()
	secondCap.reset()

	o.SyncRoomState(first, models.RoomRef{RoomID: "r1"})

	snapshots := firstCap.named(models.EvOnlineUsersUpdated)
	if len(snapshots) != 1 {
		t.Fatalf("expected one online-users-updated, got %d", len(snapshots))
	}
	if got := snapshots[0].Data.(models.OnlineUsersUpdated).OnlineUsers; len(got) != 2 {
		t.Fatalf("expected 2 online users in resync, got %+v", got)
	}
	updated := firstCap.named(models.EvRoomUpdated)
	if len(updated) != 1 || updated[0].Data.(models.RoomUpdated).OnlineCount != 2 {
		t.Fatalf("expected one room-updated with count 2, got %+v", updated)
	}
	joined := firstCap.named(models.EvRoomJoined)
	if len(joined) != 1 || joined[0].Data.(models.RoomJoined).Content != "shared" {
		t.Fatalf("expected full state alongside the resync, got %+v", joined)
	}
	if secondCap.count() != 0 {
		t.Fatalf("resync must be unicast, peer saw %d events", secondCap.count())
	}
}

func TestSelectionRelayKeepsEventNames(t *testing.T) {
	store := newFakeRooms()
	store.addMember("r1", alice)
	store.addMember("r1", bob)
	o := newTestOrchestrator(t, store)

	first, _ := connect(o, "c1", alice)
	o.JoinRoom(first, models.JoinRoomRequest{RoomID: "r1"})
	second, secondCap := connect(o, "c2", bob)
	o.JoinRoom(second, models.JoinRoomRequest{RoomID: "r1"})
	secondCap.reset()

	o.SelectionChange(first, models.SelectionChange{RoomID: "r1", Selection: []byte(`{"from":1,"to":4}`)})
	o.SelectionClear(first, models.RoomRef{RoomID: "r1"})

	changed := secondCap.named(models.EvSelectionChange)
	if len(changed) != 1 {
		t.Fatalf("expected one selection-change at the peer, got %d", len(changed))
	}
	if changed[0].Data.(models.SelectionChanged).Username != "alice" {
		t.Fatalf("unexpected selection payload: %+v", changed[0].Data)
	}
	cleared := secondCap.named(models.EvSelectionClear)
	if len(cleared) != 1 || cleared[0].Data.(models.SelectionCleared).UserID != alice.ID {
		t.Fatalf("expected one selection-clear at the peer, got %+v", cleared)
	}
}

func TestJoinSecondRoomLeavesFirst(t *testing.T) {
	store := newFakeRooms()
	store.addMember("r1", alice)
	store.addMember("r1", bob)
	store.addMember("r2", alice)
	o := newTestOrchestrator(t, store)

	first, _ := connect(o, "c1", alice)
	o.JoinRoom(first, models.JoinRoomRequest{RoomID: "r1"})
	second, secondCap := connect(o, "c2", bob)
	o.JoinRoom(second, models.JoinRoomRequest{RoomID: "r1"})
	secondCap.reset()

	o.JoinRoom(first, models.JoinRoomRequest{RoomID: "r2"})

	left := secondCap.named(models.EvUserLeft)
	if len(left) != 1 || left[0].Data.(models.UserPresence).UserID != alice.ID {
		t.Fatalf("first room did not see the departure, got %+v", left)
	}
	snapshots := secondCap.named(models.EvOnlineUsersUpdated)
	if len(snapshots) != 1 || len(snapshots[0].Data.(models.OnlineUsersUpdated).OnlineUsers) != 1 {
		t.Fatalf("stale roster left in first room: %+v", snapshots)
	}
	if got := o.Registry().OnlineCount("r1"); got != 1 {
		t.Fatalf("first room count = %d", got)
	}
	if got := o.Registry().OnlineCount("r2"); got != 1 {
		t.Fatalf("second room count = %d", got)
	}
}

func TestLanguageChangeBroadcastsToWholeRoom(t *testing.T) {
	store := newFakeRooms()
	store.addMember("r1", alice)
	store.addMember("r1", bob)
	o := newTestOrchestrator(t, store)

	first, firstCap := connect(o, "c1", alice)
	o.JoinRoom(first, models.JoinRoomRequest{RoomID: "r1"})
	second, secondCap := connect(o, "c2", bob)
	o.JoinRoom(second, models.JoinRoomRequest{RoomID: "r1"})
	firstCap.reset()
	secondCap.reset()

	o.LanguageChange(first, models.LanguageChange{RoomID: "r1", Language: "python"})

	for _, cap := range []*eventCapture{firstCap, secondCap} {
		changed := cap.named(models.EvLanguageChanged)
		if len(changed) != 1 {
			t.Fatalf("expected language-changed at every client, got %d", len(changed))
		}
		if changed[0].Data.(models.LanguageChanged).Language != "python" {
			t.Fatalf("unexpected payload: %+v", changed[0].Data)
		}
	}
	if store.language["r1"] != "python" {
		t.Fatalf("language not stored")
	}
	if sess, ok := o.sessions.Get("r1"); !ok || sess.Language() != "python" {
		t.Fatalf("live session language not updated")
	}
}

func TestLeaveSchedulesSessionRelease(t *testing.T) {
	store := newFakeRooms()
	store.addMember("r1", alice)
	store.state["r1"] = models.DocumentState{Content: "draft"}
	o := newTestOrchestrator(t, store)

	client, _ := connect(o, "c1", alice)
	o.JoinRoom(client, models.JoinRoomRequest{RoomID: "r1"})
	if o.sessions.Count() != 1 {
		t.Fatalf("expected a live session")
	}

	o.Disconnect(client)

	deadline := time.Now().Add(time.Second)
	for o.sessions.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session survived the grace window with no connections")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// A later join rehydrates from persistence.
	fresh, cap := connect(o, "c2", alice)
	o.JoinRoom(fresh, models.JoinRoomRequest{RoomID: "r1"})
	joined := cap.named(models.EvRoomJoined)
	if len(joined) != 1 || joined[0].Data.(models.RoomJoined).Content != "draft" {
		t.Fatalf("rehydrated join missing content: %+v", joined)
	}
}

func TestDisconnectNotifiesPeers(t *testing.T) {
	store := newFakeRooms()
	store.addMember("r1", alice)
	store.addMember("r1", bob)
	o := newTestOrchestrator(t, store)

	first, _ := connect(o, "c1", alice)
	o.JoinRoom(first, models.JoinRoomRequest{RoomID: "r1"})
	second, secondCap := connect(o, "c2", bob)
	o.JoinRoom(second, models.JoinRoomRequest{RoomID: "r1"})
	secondCap.reset()

	o.Disconnect(first)

	left := secondCap.named(models.EvUserLeft)
	if len(left) != 1 || left[0].Data.(models.UserPresence).UserID != alice.ID {
		t.Fatalf("expected user-left for alice, got %+v", left)
	}
	snapshots := secondCap.named(models.EvOnlineUsersUpdated)
	if len(snapshots) != 1 || len(snapshots[0].Data.(models.OnlineUsersUpdated).OnlineUsers) != 1 {
		t.Fatalf("unexpected presence snapshot after leave: %+v", snapshots)
	}
}

func TestRoomEndedDomainEventExpelsRoom(t *testing.T) {
	store := newFakeRooms()
	store.addMember("r1", alice)
	o := newTestOrchestrator(t, store)

	client, cap := connect(o, "c1", alice)
	o.JoinRoom(client, models.JoinRoomRequest{RoomID: "r1"})
	cap.reset()

	o.HandleDomainEvent(events.DomainEvent{
		Type:      events.TypeRoomEnded,
		RoomID:    "r1",
		Actor:     "alice",
		Message:   "This room has been ended by alice",
		Timestamp: time.Now(),
	})

	ended := cap.named(models.EvRoomEnded)
	if len(ended) != 1 {
		t.Fatalf("expected a room-ended notice, got %d", len(ended))
	}
	if o.Registry().OnlineCount("r1") != 0 {
		t.Fatalf("room still has bound connections")
	}
	if o.sessions.Count() != 0 {
		t.Fatalf("session survived room end")
	}
}

func TestRoomForceDeletedTargetsUser(t *testing.T) {
	store := newFakeRooms()
	store.addMember("r1", alice)
	store.addMember("r1", bob)
	o := newTestOrchestrator(t, store)

	first, firstCap := connect(o, "c1", alice)
	o.JoinRoom(first, models.JoinRoomRequest{RoomID: "r1"})
	second, secondCap := connect(o, "c2", bob)
	o.JoinRoom(second, models.JoinRoomRequest{RoomID: "r1"})
	firstCap.reset()
	secondCap.reset()

	o.HandleDomainEvent(events.DomainEvent{
		Type:     events.TypeRoomForceDeleted,
		RoomID:   "r1",
		RoomName: "prep",
		UserID:   bob.ID,
		Actor:    "alice",
		Message:  "Room \"prep\" was deleted by alice",
	})

	if len(secondCap.named(models.EvRoomForceDeleted)) != 1 {
		t.Fatalf("targeted user did not get the notice")
	}
	if len(firstCap.named(models.EvRoomForceDeleted)) != 0 {
		t.Fatalf("untargeted user got a force-deleted notice")
	}
}

func TestShutdownDrainsAllConnections(t *testing.T) {
	store := newFakeRooms()
	o := newTestOrchestrator(t, store)

	_, cap1 := connect(o, "c1", alice)
	_, cap2 := connect(o, "c2", bob)

	o.Shutdown("server restarting")

	if len(cap1.named(models.EvServerShutdown)) != 1 || len(cap2.named(models.EvServerShutdown)) != 1 {
		t.Fatalf("shutdown notice missing")
	}
}
