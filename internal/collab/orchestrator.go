package collab

import (
	"context"
	"errors"
	"time"

	"codecollab/internal/broadcast"
	"codecollab/internal/events"
	"codecollab/internal/metrics"
	"codecollab/internal/models"
	"codecollab/internal/presence"
	"codecollab/internal/rooms"
	"codecollab/internal/session"
	"codecollab/internal/utils"
)

// Membership is the rooms-store surface the orchestrator needs: who may
// enter a room, roster details for presence snapshots, and language
// updates.
type Membership interface {
	Verify(ctx context.Context, roomID, userID string) (bool, error)
	Roster(ctx context.Context, roomID string, userIDs []string) ([]models.RoomMemberInfo, error)
	UpdateLanguage(ctx context.Context, roomID, language, actorID string) error
}

const dbTimeout = 5 * time.Second

// Orchestrator coordinates the control channel: presence, room entry,
// awareness relays, persistence, and room lifecycle notices. The binary
// document channel is handled separately by the protocol engine.
type Orchestrator struct {
	log        *utils.Logger
	table      *presence.Table
	registry   *presence.Registry
	dispatcher *broadcast.Dispatcher
	sessions   *session.Store
	membership Membership
	persist    session.Persistence

	maxContentBytes int
}

func NewOrchestrator(
	log *utils.Logger,
	table *presence.Table,
	dispatcher *broadcast.Dispatcher,
	sessions *session.Store,
	membership Membership,
	persist session.Persistence,
	maxContentBytes int,
) *Orchestrator {
	o := &Orchestrator{
		log:             log,
		table:           table,
		dispatcher:      dispatcher,
		sessions:        sessions,
		membership:      membership,
		persist:         persist,
		maxContentBytes: maxContentBytes,
	}
	o.registry = presence.NewRegistry(table, o.roster)
	return o
}

// roster adapts the Membership store to the presence registry's callback.
// A lookup failure degrades to bare IDs rather than hiding users.
func (o *Orchestrator) roster(roomID string, userIDs []string) []models.RoomMemberInfo {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	members, err := o.membership.Roster(ctx, roomID, userIDs)
	if err != nil {
		o.log.Warn("roster lookup failed", "roomId", roomID, "error", err)
		out := make([]models.RoomMemberInfo, 0, len(userIDs))
		for _, id := range userIDs {
			out = append(out, models.RoomMemberInfo{ID: id})
		}
		return out
	}
	return members
}

// Registry exposes the presence registry for transports and room listings.
func (o *Orchestrator) Registry() *presence.Registry { return o.registry }

// Dispatcher exposes the control-channel fanout.
func (o *Orchestrator) Dispatcher() *broadcast.Dispatcher { return o.dispatcher }

// Connect registers a fresh control-channel connection. The connection is
// not in any room until it joins one.
func (o *Orchestrator) Connect(client *session.Client) {
	o.dispatcher.Register(client)
	metrics.LiveConnections.Inc()
	o.log.Info("client connected", "connId", client.ID)
}

// Disconnect tears down a control-channel connection: its room presence is
// withdrawn exactly as an explicit leave would, then the connection leaves
// the dispatch set.
func (o *Orchestrator) Disconnect(client *session.Client) {
	o.LeaveRoom(client)
	o.dispatcher.Unregister(client.ID)
	metrics.LiveConnections.Dec()
	o.log.Info("client disconnected", "connId", client.ID)
}

// JoinRoom admits the connection into a room after a membership check,
// evicting any stale connection the same user left behind. The joiner gets
// the full room state; everyone else gets presence updates.
func (o *Orchestrator) JoinRoom(client *session.Client, req models.JoinRoomRequest) {
	user, ok := client.User()
	if !ok {
		client.Send(models.ErrEvent("not authenticated", models.CodeNotAuthenticated))
		return
	}
	if req.RoomID == "" {
		client.Send(models.ErrEvent("roomId is required", models.CodeMalformed))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	member, err := o.membership.Verify(ctx, req.RoomID, user.ID)
	if err != nil {
		o.log.Error("membership check failed", "roomId", req.RoomID, "userId", user.ID, "error", err)
		client.Send(models.ErrEvent("could not join room", models.CodeJoinFailed))
		return
	}
	if !member {
		client.Send(models.ErrEvent("you are not a member of this room", models.CodeAccessDenied))
		return
	}

	sess, err := o.sessions.GetOrCreate(ctx, req.RoomID)
	if err != nil {
		o.log.Error("room hydration failed", "roomId", req.RoomID, "error", err)
		client.Send(models.ErrEvent("could not join room", models.CodeJoinFailed))
		return
	}

	// A connection switching rooms leaves the old one first so its
	// members see the departure.
	if _, prevRoom, bound := o.table.Lookup(client.ID); bound && prevRoom != req.RoomID {
		o.LeaveRoom(client)
	}

	snapshot, evicted := o.registry.Join(client.ID, user.ID, req.RoomID)
	for _, staleID := range evicted {
		if stale, ok := o.dispatcher.Client(staleID); ok {
			stale.Close()
		}
		o.dispatcher.Unregister(staleID)
		o.log.Info("evicted stale connection", "connId", staleID, "userId", user.ID, "roomId", req.RoomID)
	}

	client.Send(models.Event{Event: models.EvRoomJoined, Data: models.RoomJoined{
		RoomID:   req.RoomID,
		Content:  sess.Doc().Text(),
		Language: sess.Language(),
		Members:  snapshot,
	}})

	o.dispatcher.ToRoom(req.RoomID, models.Event{Event: models.EvUserJoined, Data: models.UserPresence{
		UserID:   user.ID,
		Username: user.Username,
	}}, client.ID)

	o.broadcastPresence(req.RoomID, snapshot)
	metrics.OpenRooms.Set(float64(o.sessions.Count()))
	o.log.Info("user joined room", "roomId", req.RoomID, "userId", user.ID, "online", len(snapshot))
}

// LeaveRoom withdraws the connection's presence. Safe to call for a
// connection that never joined.
func (o *Orchestrator) LeaveRoom(client *session.Client) {
	userID, roomID, snapshot, ok := o.registry.Leave(client.ID)
	if !ok {
		return
	}

	user, _ := client.User()
	o.dispatcher.ToRoom(roomID, models.Event{Event: models.EvUserLeft, Data: models.UserPresence{
		UserID:   userID,
		Username: user.Username,
	}}, "")
	o.broadcastPresence(roomID, snapshot)

	if o.registry.OnlineCount(roomID) == 0 {
		o.sessions.ScheduleRelease(roomID)
	}
	o.log.Info("user left room", "roomId", roomID, "userId", userID)
}

// ContentChange persists the materialized document carried on the control
// channel. The durable write is asynchronous; a failure is reported to the
// sender only, without rolling back the live replicas.
func (o *Orchestrator) ContentChange(client *session.Client, req models.ContentChange) {
	roomID, ok := o.boundRoom(client, req.RoomID)
	if !ok {
		return
	}
	if len(req.Content) > o.maxContentBytes {
		client.Send(models.ErrEvent("content exceeds the maximum document size", models.CodeContentTooLarge))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
		defer cancel()
		if err := o.persist.Save(ctx, roomID, req.Content); err != nil {
			metrics.SaveFailures.Inc()
			o.log.Error("content save failed", "roomId", roomID, "error", err)
			client.Send(models.ErrEvent("failed to save content", models.CodeSaveFailed))
		}
	}()
}

// CursorPosition relays the sender's cursor to everyone else in the room.
func (o *Orchestrator) CursorPosition(client *session.Client, req models.CursorPosition) {
	roomID, ok := o.boundRoom(client, req.RoomID)
	if !ok {
		return
	}
	user, _ := client.User()
	o.relay(roomID, client.ID, models.Event{Event: models.EvCursorMoved, Data: models.CursorMoved{
		UserID:   user.ID,
		Username: user.Username,
		Position: req.Position,
	}})
}

// UserTyping relays a typing indicator to everyone else in the room.
func (o *Orchestrator) UserTyping(client *session.Client, req models.RoomRef) {
	roomID, ok := o.boundRoom(client, req.RoomID)
	if !ok {
		return
	}
	user, _ := client.User()
	o.relay(roomID, client.ID, models.Event{Event: models.EvUserTyping, Data: models.UserPresence{
		UserID:   user.ID,
		Username: user.Username,
	}})
}

// SelectionChange relays the sender's selection to everyone else. The
// relay keeps the inbound event name; selections are symmetric on the
// wire.
func (o *Orchestrator) SelectionChange(client *session.Client, req models.SelectionChange) {
	roomID, ok := o.boundRoom(client, req.RoomID)
	if !ok {
		return
	}
	user, _ := client.User()
	o.relay(roomID, client.ID, models.Event{Event: models.EvSelectionChange, Data: models.SelectionChanged{
		UserID:    user.ID,
		Username:  user.Username,
		Selection: req.Selection,
	}})
}

// SelectionClear tells everyone else the sender's selection is gone, under
// the same event name the sender used.
func (o *Orchestrator) SelectionClear(client *session.Client, req models.RoomRef) {
	roomID, ok := o.boundRoom(client, req.RoomID)
	if !ok {
		return
	}
	user, _ := client.User()
	o.relay(roomID, client.ID, models.Event{Event: models.EvSelectionClear, Data: models.SelectionCleared{
		UserID: user.ID,
	}})
}

// LanguageChange updates the room language durably and announces it to the
// whole room, the sender included, so every editor switches together.
func (o *Orchestrator) LanguageChange(client *session.Client, req models.LanguageChange) {
	roomID, ok := o.boundRoom(client, req.RoomID)
	if !ok {
		return
	}
	if req.Language == "" {
		client.Send(models.ErrEvent("language is required", models.CodeMalformed))
		return
	}
	user, _ := client.User()

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := o.membership.UpdateLanguage(ctx, roomID, req.Language, user.ID); err != nil {
		if errors.Is(err, rooms.ErrNotMember) {
			client.Send(models.ErrEvent("you are not a member of this room", models.CodeAccessDenied))
			return
		}
		o.log.Error("language update failed", "roomId", roomID, "error", err)
		client.Send(models.ErrEvent("failed to change language", models.CodeSaveFailed))
		return
	}

	if sess, ok := o.sessions.Get(roomID); ok {
		sess.SetLanguage(req.Language)
	}
	o.dispatcher.ToRoom(roomID, models.Event{Event: models.EvLanguageChanged, Data: models.LanguageChanged{
		Language: req.Language,
		UserID:   user.ID,
		Username: user.Username,
	}}, "")
	metrics.MessagesRelayed.WithLabelValues("control").Inc()
}

// SyncRoomState re-sends the presence view to a connection that thinks it
// drifted: a fresh online-users-updated snapshot and the room-updated
// count, unicast to the requester. A live session also gets the full room
// state on top.
func (o *Orchestrator) SyncRoomState(client *session.Client, req models.RoomRef) {
	roomID, ok := o.boundRoom(client, req.RoomID)
	if !ok {
		return
	}
	snapshot := o.registry.Snapshot(roomID)
	if sess, found := o.sessions.Get(roomID); found {
		client.Send(models.Event{Event: models.EvRoomJoined, Data: models.RoomJoined{
			RoomID:   roomID,
			Content:  sess.Doc().Text(),
			Language: sess.Language(),
			Members:  snapshot,
		}})
	}
	client.Send(models.Event{Event: models.EvOnlineUsersUpdated, Data: models.OnlineUsersUpdated{
		RoomID:      roomID,
		OnlineUsers: snapshot,
	}})
	client.Send(models.Event{Event: models.EvRoomUpdated, Data: models.RoomUpdated{
		RoomID:      roomID,
		OnlineCount: o.registry.OnlineCount(roomID),
	}})
}

// HandleDomainEvent reacts to room lifecycle events from the bus. Runs for
// events published by any instance, this one included.
func (o *Orchestrator) HandleDomainEvent(evt events.DomainEvent) {
	switch evt.Type {
	case events.TypeRoomEnded:
		o.dispatcher.ToRoom(evt.RoomID, models.Event{Event: models.EvRoomEnded, Data: models.RoomEndedNotice{
			Message:   evt.Message,
			EndedBy:   evt.Actor,
			Timestamp: evt.Timestamp.UTC().Format(time.RFC3339),
		}}, "")
		o.expelRoom(evt.RoomID)

	case events.TypeRoomForceDeleted:
		o.dispatcher.ToUser(evt.UserID, models.Event{Event: models.EvRoomForceDeleted, Data: models.RoomForceDeletedNotice{
			RoomID:    evt.RoomID,
			Message:   evt.Message,
			DeletedBy: evt.Actor,
			RoomName:  evt.RoomName,
		}})
		o.expelRoom(evt.RoomID)

	default:
		o.log.Warn("unhandled domain event", "type", evt.Type)
	}
}

// Shutdown tells every connection the server is draining.
func (o *Orchestrator) Shutdown(message string) {
	o.dispatcher.ToAll(models.Event{Event: models.EvServerShutdown, Data: models.ErrorEvent{Message: message}})
}

// expelRoom unbinds every connection from a room and tears its session
// down immediately.
func (o *Orchestrator) expelRoom(roomID string) {
	o.registry.EvictRoom(roomID)
	o.sessions.Release(roomID)
	metrics.OpenRooms.Set(float64(o.sessions.Count()))
}

// boundRoom checks that the connection is actually in the room it claims
// to act on. A connection that never joined any room is dropped silently;
// a claim for a different room is rejected without fanout.
func (o *Orchestrator) boundRoom(client *session.Client, claimed string) (string, bool) {
	_, roomID, ok := o.table.Lookup(client.ID)
	if !ok {
		return "", false
	}
	if claimed != "" && claimed != roomID {
		client.Send(models.ErrEvent("you are not in this room", models.CodeAccessDenied))
		return "", false
	}
	return roomID, true
}

func (o *Orchestrator) relay(roomID, senderID string, event models.Event) {
	o.dispatcher.ToRoom(roomID, event, senderID)
	metrics.MessagesRelayed.WithLabelValues("control").Inc()
}

func (o *Orchestrator) broadcastPresence(roomID string, snapshot []models.RoomMemberInfo) {
	o.dispatcher.ToRoom(roomID, models.Event{Event: models.EvOnlineUsersUpdated, Data: models.OnlineUsersUpdated{
		RoomID:      roomID,
		OnlineUsers: snapshot,
	}}, "")
	o.dispatcher.ToAll(models.Event{Event: models.EvRoomUpdated, Data: models.RoomUpdated{
		RoomID:      roomID,
		OnlineCount: o.registry.OnlineCount(roomID),
	}})
}
