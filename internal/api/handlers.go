package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"codecollab/internal/collab"
	"codecollab/internal/metrics"
	"codecollab/internal/models"
	"codecollab/internal/protocol"
	"codecollab/internal/session"
	"codecollab/internal/utils"
)

type Handlers struct {
	log          *utils.Logger
	orchestrator *collab.Orchestrator
	sessions     *session.Store
	engine       *protocol.Engine
	membership   collab.Membership
	jwtSecret    string
}

func NewHandlers(
	log *utils.Logger,
	orchestrator *collab.Orchestrator,
	sessions *session.Store,
	engine *protocol.Engine,
	membership collab.Membership,
	jwtSecret string,
) *Handlers {
	return &Handlers{
		log:          log,
		orchestrator: orchestrator,
		sessions:     sessions,
		engine:       engine,
		membership:   membership,
		jwtSecret:    jwtSecret,
	}
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// CollabWS is the JSON control channel: presence, awareness relays, and
// room lifecycle. Authentication happens at upgrade time; an anonymous
// socket is never opened.
func (h *Handlers) CollabWS(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := session.NewClient(uuid.NewString(), conn)
	client.SetUser(user)
	h.orchestrator.Connect(client)
	defer func() {
		h.orchestrator.Disconnect(client)
		client.Close()
	}()

	for {
		var frame models.Event
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		h.dispatch(client, frame)
	}
}

func (h *Handlers) dispatch(client *session.Client, frame models.Event) {
	switch frame.Event {
	case models.EvJoinRoom:
		var req models.JoinRoomRequest
		marshal(frame.Data, &req)
		h.orchestrator.JoinRoom(client, req)

	case models.EvLeaveRoom:
		h.orchestrator.LeaveRoom(client)

	case models.EvContentChange:
		var req models.ContentChange
		marshal(frame.Data, &req)
		h.orchestrator.ContentChange(client, req)

	case models.EvCursorPosition:
		var req models.CursorPosition
		marshal(frame.Data, &req)
		h.orchestrator.CursorPosition(client, req)

	case models.EvUserTyping:
		var req models.RoomRef
		marshal(frame.Data, &req)
		h.orchestrator.UserTyping(client, req)

	case models.EvSelectionChange:
		var req models.SelectionChange
		marshal(frame.Data, &req)
		h.orchestrator.SelectionChange(client, req)

	case models.EvSelectionClear:
		var req models.RoomRef
		marshal(frame.Data, &req)
		h.orchestrator.SelectionClear(client, req)

	case models.EvLanguageChange:
		var req models.LanguageChange
		marshal(frame.Data, &req)
		h.orchestrator.LanguageChange(client, req)

	case models.EvSyncRoomState:
		var req models.RoomRef
		marshal(frame.Data, &req)
		h.orchestrator.SyncRoomState(client, req)

	default:
		client.Send(models.ErrEvent("unknown event "+frame.Event, models.CodeMalformed))
	}
}

// DocWS is the binary document channel. Membership is checked before the
// upgrade; the frame protocol never carries identity.
func (h *Handlers) DocWS(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	roomID := chi.URLParam(r, "roomID")
	if roomID == "" {
		http.Error(w, "Room ID is required", http.StatusBadRequest)
		return
	}

	member, err := h.membership.Verify(r.Context(), roomID, user.ID)
	if err != nil {
		http.Error(w, "Failed to verify membership", http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "Not a room member", http.StatusForbidden)
		return
	}

	sess, err := h.sessions.GetOrCreate(r.Context(), roomID)
	if err != nil {
		h.log.Error("room hydration failed", "roomId", roomID, "error", err)
		http.Error(w, "Failed to open room", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := session.NewClient(uuid.NewString(), conn)
	client.SetUser(user)
	sess.Attach(client)
	cs := h.engine.StartHandshake(sess, client)
	defer func() {
		h.engine.FinishConn(cs)
		client.Close()
		if sess.Detach(client.ID) == 0 && h.orchestrator.Registry().OnlineCount(roomID) == 0 {
			h.sessions.ScheduleRelease(roomID)
		}
	}()

	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		h.engine.HandleMessage(sess, client, cs, raw)
		metrics.MessagesRelayed.WithLabelValues("document").Inc()
	}
}

func (h *Handlers) authenticate(w http.ResponseWriter, r *http.Request) (models.UserInfo, bool) {
	claims, err := utils.VerifyToken(r, h.jwtSecret)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return models.UserInfo{}, false
	}
	userID, err := utils.GetUserIDFromClaims(claims)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return models.UserInfo{}, false
	}
	return models.UserInfo{ID: userID, Username: utils.GetUsernameFromClaims(claims)}, true
}

func marshal(in any, out any) { b, _ := json.Marshal(in); _ = json.Unmarshal(b, out) }
