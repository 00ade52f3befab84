package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"codecollab/internal/events"
	"codecollab/internal/models"
	"codecollab/internal/utils"
)

type ctxKey int

const userKey ctxKey = iota

// Handler exposes the room CRUD over HTTP. Room lifecycle changes that
// affect live editors (end, delete) are announced on the event bus rather
// than by calling into the gateway directly.
type Handler struct {
	Store       *Store
	Bus         *events.Bus
	JWTSecret   string
	Log         *utils.Logger
	OnlineCount func(roomID string) int
}

// Routes mounts the room endpoints on the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Use(h.authenticate)
	r.Get("/", h.ListRooms)
	r.Post("/", h.CreateRoom)
	r.Get("/{id}", h.GetRoom)
	r.Post("/{id}/join", h.JoinRoom)
	r.Post("/join-by-code", h.JoinByCode)
	r.Post("/{id}/leave", h.LeaveRoom)
	r.Put("/{id}/language", h.UpdateLanguage)
	r.Post("/{id}/end", h.EndRoom)
	r.Delete("/{id}", h.DeleteRoom)
}

// authenticate rejects requests without a valid JWT and stores the caller's
// identity in the request context.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := utils.VerifyToken(r, h.JWTSecret)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		userID, err := utils.GetUserIDFromClaims(claims)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		user := models.UserInfo{ID: userID, Username: utils.GetUsernameFromClaims(claims)}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func callerFrom(r *http.Request) models.UserInfo {
	user, _ := r.Context().Value(userKey).(models.UserInfo)
	return user
}

// CreateRoom creates a room with the caller as admin.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "Room name is required", http.StatusBadRequest)
		return
	}

	room, err := h.Store.Create(r.Context(), req, callerFrom(r))
	if err != nil {
		h.Log.Error("room creation failed", "error", err)
		http.Error(w, "Failed to create room", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(h.annotate(room))
}

// ListRooms returns all rooms with live online counts.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	list, err := h.Store.List(r.Context())
	if err != nil {
		http.Error(w, "Failed to list rooms", http.StatusInternalServerError)
		return
	}
	out := make([]*Room, len(list))
	for i := range list {
		out[i] = h.annotate(&list[i])
	}
	json.NewEncoder(w).Encode(out)
}

// GetRoom returns a single room.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrRoomNotFound) {
		http.Error(w, "Room not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to retrieve room", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(h.annotate(room))
}

type joinRequest struct {
	Password string `json:"password,omitempty"`
	RoomCode string `json:"roomCode,omitempty"`
}

// JoinRoom adds the caller as a member.
func (h *Handler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	member, err := h.Store.Join(r.Context(), chi.URLParam(r, "id"), callerFrom(r), req.Password)
	if err != nil {
		h.writeJoinError(w, err)
		return
	}
	json.NewEncoder(w).Encode(member)
}

// JoinByCode resolves the room code and joins it.
func (h *Handler) JoinByCode(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomCode == "" {
		http.Error(w, "Room code is required", http.StatusBadRequest)
		return
	}
	room, err := h.Store.GetByCode(r.Context(), req.RoomCode)
	if errors.Is(err, ErrRoomNotFound) {
		http.Error(w, "Room not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to retrieve room", http.StatusInternalServerError)
		return
	}
	member, err := h.Store.Join(r.Context(), room.ID, callerFrom(r), req.Password)
	if err != nil {
		h.writeJoinError(w, err)
		return
	}
	json.NewEncoder(w).Encode(struct {
		Room   *Room       `json:"room"`
		Member *RoomMember `json:"member"`
	}{h.annotate(room), member})
}

// LeaveRoom removes the caller's membership.
func (h *Handler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	err := h.Store.Leave(r.Context(), chi.URLParam(r, "id"), callerFrom(r).ID)
	if errors.Is(err, ErrNotMember) {
		http.Error(w, "Not a room member", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to leave room", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateLanguage changes the room's editor language.
func (h *Handler) UpdateLanguage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Language string `json:"language"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Language == "" {
		http.Error(w, "Language is required", http.StatusBadRequest)
		return
	}
	err := h.Store.UpdateLanguage(r.Context(), chi.URLParam(r, "id"), req.Language, callerFrom(r).ID)
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EndRoom marks the room ended and tells every connected editor.
func (h *Handler) EndRoom(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	room, err := h.Store.End(r.Context(), chi.URLParam(r, "id"), caller.ID)
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}

	if err := h.Bus.Publish(r.Context(), events.DomainEvent{
		Type:     events.TypeRoomEnded,
		RoomID:   room.ID,
		RoomName: room.Name,
		ActorID:  caller.ID,
		Actor:    caller.Username,
		Message:  "This room has been ended by " + caller.Username,
	}); err != nil {
		h.Log.Error("room-ended publish failed", "roomId", room.ID, "error", err)
	}

	json.NewEncoder(w).Encode(h.annotate(room))
}

// DeleteRoom removes the room and notifies each member individually.
func (h *Handler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	room, err := h.Store.Delete(r.Context(), chi.URLParam(r, "id"), caller.ID)
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}

	for _, m := range room.Members {
		if err := h.Bus.Publish(r.Context(), events.DomainEvent{
			Type:     events.TypeRoomForceDeleted,
			RoomID:   room.ID,
			RoomName: room.Name,
			UserID:   m.UserID,
			ActorID:  caller.ID,
			Actor:    caller.Username,
			Message:  "Room \"" + room.Name + "\" was deleted by " + caller.Username,
		}); err != nil {
			h.Log.Error("room-force-deleted publish failed", "roomId", room.ID, "userId", m.UserID, "error", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) annotate(room *Room) *Room {
	if h.OnlineCount != nil {
		room.OnlineCount = h.OnlineCount(room.ID)
	}
	return room
}

func (h *Handler) writeJoinError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		http.Error(w, "Room not found", http.StatusNotFound)
	case errors.Is(err, ErrRoomEnded):
		http.Error(w, "Room has ended", http.StatusGone)
	case errors.Is(err, ErrWrongPassword):
		http.Error(w, "Wrong room password", http.StatusForbidden)
	default:
		http.Error(w, "Failed to join room", http.StatusInternalServerError)
	}
}

func (h *Handler) writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		http.Error(w, "Room not found", http.StatusNotFound)
	case errors.Is(err, ErrNotMember):
		http.Error(w, "Not a room member", http.StatusForbidden)
	case errors.Is(err, ErrNotAdmin):
		http.Error(w, "Admin role required", http.StatusForbidden)
	default:
		http.Error(w, "Operation failed", http.StatusInternalServerError)
	}
}
