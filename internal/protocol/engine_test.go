package protocol

import (
	"context"
	"sync"
	"testing"
	"time"

	"codecollab/internal/crdt"
	"codecollab/internal/models"
	"codecollab/internal/session"
	"codecollab/internal/utils"
)

type stubPersistence struct {
	state models.DocumentState
}

func (s *stubPersistence) Load(_ context.Context, _ string) (models.DocumentState, error) {
	return s.state, nil
}

func (s *stubPersistence) Save(_ context.Context, _ string, _ string) error { return nil }

func newTestSession(t *testing.T, content string) *session.RoomSession {
	t.Helper()
	store := session.NewStore(&stubPersistence{state: models.DocumentState{Content: content, Language: "javascript"}}, time.Second, nil, utils.NewNopLogger())
	sess, err := store.GetOrCreate(context.Background(), "room")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

type binaryCapture struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *binaryCapture) hook(b []byte) {
	c.mu.Lock()
	c.frames = append(c.frames, b)
	c.mu.Unlock()
}

func (c *binaryCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *binaryCapture) frame(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[i]
}

func (c *binaryCapture) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

func newCapturedClient(id string) (*session.Client, *binaryCapture, *[]models.Event) {
	client := session.NewClient(id, nil)
	bin := &binaryCapture{}
	client.SetBinarySendHook(bin.hook)
	events := &[]models.Event{}
	client.SetSendHook(func(e models.Event) { *events = append(*events, e) })
	return client, bin, events
}

func TestHandshakeAnnouncesStateSummary(t *testing.T) {
	sess := newTestSession(t, "hello")
	engine := NewEngine(utils.NewNopLogger(), 0, time.Minute)

	client, bin, _ := newCapturedClient("c1")
	sess.Attach(client)
	cs := engine.StartHandshake(sess, client)
	defer engine.FinishConn(cs)

	if bin.count() != 1 {
		t.Fatalf("expected one announce frame, got %d", bin.count())
	}
	frame, err := DecodeFrame(bin.frame(0))
	if err != nil || frame.Channel != ChannelSync || frame.Phase != PhaseStateSummary {
		t.Fatalf("unexpected announce frame: %+v err=%v", frame, err)
	}
	if _, err := crdt.DecodeStateVector(frame.Payload); err != nil {
		t.Fatalf("announce payload is not a state vector: %v", err)
	}
}

func TestStateSummaryAnsweredWithDiff(t *testing.T) {
	sess := newTestSession(t, "hello")
	engine := NewEngine(utils.NewNopLogger(), 0, time.Minute)

	client, bin, _ := newCapturedClient("c1")
	sess.Attach(client)
	cs := engine.StartHandshake(sess, client)
	defer engine.FinishConn(cs)
	bin.reset()

	// Peer announces an empty state vector; expect a full diff back.
	sv, _ := crdt.EncodeStateVector(crdt.StateVector{})
	engine.HandleMessage(sess, client, cs, EncodeFrame(Frame{Channel: ChannelSync, Phase: PhaseStateSummary, Payload: sv}))

	if bin.count() != 1 {
		t.Fatalf("expected one diff frame, got %d", bin.count())
	}
	frame, _ := DecodeFrame(bin.frame(0))
	if frame.Phase != PhaseDiff {
		t.Fatalf("expected diff phase, got %d", frame.Phase)
	}
	update, err := crdt.DecodeUpdate(frame.Payload)
	if err != nil {
		t.Fatalf("diff payload undecodable: %v", err)
	}
	replica := crdt.NewDocument("peer")
	replica.ApplyUpdate(update)
	if replica.Text() != "hello" {
		t.Fatalf("diff did not transfer document, got %q", replica.Text())
	}
}

func TestIncrementalUpdateMergedAndRebroadcastVerbatim(t *testing.T) {
	sess := newTestSession(t, "")
	engine := NewEngine(utils.NewNopLogger(), 0, time.Minute)

	sender, _, _ := newCapturedClient("sender")
	other, otherBin, _ := newCapturedClient("other")
	sess.Attach(sender)
	sess.Attach(other)

	peer := crdt.NewDocument("peer")
	payload, _ := crdt.EncodeUpdate(peer.InsertAt(0, "abc"))
	raw := EncodeFrame(Frame{Channel: ChannelSync, Phase: PhaseIncrementalUpdate, Payload: payload})

	engine.HandleMessage(sess, sender, &ConnState{}, raw)

	if got := sess.Doc().Text(); got != "abc" {
		t.Fatalf("update not merged, text=%q", got)
	}
	if otherBin.count() != 1 || string(otherBin.frame(0)) != string(raw) {
		t.Fatalf("expected verbatim rebroadcast to other connection")
	}
}

func TestOversizedUpdateRejected(t *testing.T) {
	sess := newTestSession(t, "seed")
	engine := NewEngine(utils.NewNopLogger(), 16, time.Minute) // tiny cap for the test

	sender, _, senderEvents := newCapturedClient("sender")
	other, otherBin, _ := newCapturedClient("other")
	sess.Attach(sender)
	sess.Attach(other)

	peer := crdt.NewDocument("peer")
	payload, _ := crdt.EncodeUpdate(peer.InsertAt(0, "this update is far too big"))
	raw := EncodeFrame(Frame{Channel: ChannelSync, Phase: PhaseIncrementalUpdate, Payload: payload})

	engine.HandleMessage(sess, sender, &ConnState{}, raw)

	if got := sess.Doc().Text(); got != "seed" {
		t.Fatalf("document must be unchanged, got %q", got)
	}
	if otherBin.count() != 0 {
		t.Fatalf("oversized update must not be broadcast")
	}
	if len(*senderEvents) != 1 {
		t.Fatalf("expected one error event to sender, got %d", len(*senderEvents))
	}
	errData, ok := (*senderEvents)[0].Data.(models.ErrorEvent)
	if !ok || errData.Code != models.CodeContentTooLarge {
		t.Fatalf("unexpected error event: %+v", (*senderEvents)[0])
	}
}

func TestOversizedDiffRejected(t *testing.T) {
	sess := newTestSession(t, "seed")
	engine := NewEngine(utils.NewNopLogger(), 16, time.Minute) // tiny cap for the test

	sender, _, senderEvents := newCapturedClient("sender")
	sess.Attach(sender)

	peer := crdt.NewDocument("peer")
	payload, _ := crdt.EncodeUpdate(peer.InsertAt(0, "a reconcile diff can be huge too"))
	raw := EncodeFrame(Frame{Channel: ChannelSync, Phase: PhaseDiff, Payload: payload})

	engine.HandleMessage(sess, sender, &ConnState{}, raw)

	if got := sess.Doc().Text(); got != "seed" {
		t.Fatalf("document must be unchanged, got %q", got)
	}
	if len(*senderEvents) != 1 {
		t.Fatalf("expected one error event to sender, got %d", len(*senderEvents))
	}
	errData, ok := (*senderEvents)[0].Data.(models.ErrorEvent)
	if !ok || errData.Code != models.CodeContentTooLarge {
		t.Fatalf("unexpected error event: %+v", (*senderEvents)[0])
	}
}

func TestPresenceAuxRelayedExcludingSender(t *testing.T) {
	sess := newTestSession(t, "")
	engine := NewEngine(utils.NewNopLogger(), 0, time.Minute)

	sender, senderBin, _ := newCapturedClient("sender")
	other, otherBin, _ := newCapturedClient("other")
	sess.Attach(sender)
	sess.Attach(other)

	raw := EncodeFrame(Frame{Channel: ChannelPresenceAux, Payload: []byte("cursor state")})
	engine.HandleMessage(sess, sender, &ConnState{}, raw)

	if senderBin.count() != 0 {
		t.Fatalf("sender must not receive its own awareness frame")
	}
	if otherBin.count() != 1 {
		t.Fatalf("other connection should receive the awareness frame")
	}
}

func TestUnknownTagsDroppedWithoutEffect(t *testing.T) {
	sess := newTestSession(t, "stable")
	engine := NewEngine(utils.NewNopLogger(), 0, time.Minute)

	sender, _, _ := newCapturedClient("sender")
	other, otherBin, _ := newCapturedClient("other")
	sess.Attach(sender)
	sess.Attach(other)

	engine.HandleMessage(sess, sender, &ConnState{}, []byte{42, 1, 2, 3})
	engine.HandleMessage(sess, sender, &ConnState{}, []byte{ChannelSync, 9, 0})
	engine.HandleMessage(sess, sender, &ConnState{}, []byte{})

	if got := sess.Doc().Text(); got != "stable" {
		t.Fatalf("document changed by junk frames: %q", got)
	}
	if otherBin.count() != 0 {
		t.Fatalf("junk frames must not be relayed")
	}
}

func TestReconcileFallbackSendsFullDiff(t *testing.T) {
	sess := newTestSession(t, "content")
	engine := NewEngine(utils.NewNopLogger(), 0, 10*time.Millisecond)

	client, bin, _ := newCapturedClient("c1")
	sess.Attach(client)
	cs := engine.StartHandshake(sess, client)
	defer engine.FinishConn(cs)

	deadline := time.After(time.Second)
	for {
		if bin.count() >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("fallback diff never sent, frames=%d", bin.count())
		case <-time.After(5 * time.Millisecond):
		}
	}

	frame, _ := DecodeFrame(bin.frame(1))
	if frame.Phase != PhaseDiff {
		t.Fatalf("expected fallback diff, got phase %d", frame.Phase)
	}
}
