package models

import "encoding/json"

// Event is the envelope exchanged on the control WebSocket channel.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Inbound event names (client -> server).
const (
	EvJoinRoom        = "join-room"
	EvLeaveRoom       = "leave-room"
	EvContentChange   = "content-change"
	EvCursorPosition  = "cursor-position"
	EvUserTyping      = "user-typing"
	EvSelectionChange = "selection-change"
	EvSelectionClear  = "selection-clear"
	EvLanguageChange  = "language-change"
	EvSyncRoomState   = "sync-room-state"
)

// Outbound event names (server -> client).
const (
	EvRoomJoined         = "room-joined"
	EvUserJoined         = "user-joined"
	EvUserLeft           = "user-left"
	EvOnlineUsersUpdated = "online-users-updated"
	EvRoomUpdated        = "room-updated"
	EvCursorMoved        = "cursor-moved"
	EvLanguageChanged    = "language-changed"
	EvServerShutdown     = "server-shutdown"
	EvRoomEnded          = "room-ended"
	EvRoomForceDeleted   = "room-force-deleted"
	EvError              = "error"
)

// Error codes carried by the error event.
const (
	CodeAccessDenied     = "ACCESS_DENIED"
	CodeContentTooLarge  = "CONTENT_TOO_LARGE"
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeSaveFailed       = "SAVE_FAILED"
	CodeMalformed        = "MALFORMED_MESSAGE"
	CodeJoinFailed       = "JOIN_FAILED"
)

// UserInfo identifies the user behind a connection.
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// RoomMemberInfo is a roster entry sourced from the room membership store.
type RoomMemberInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// DocumentState is the persisted view of a room's document.
type DocumentState struct {
	Content  string `json:"content"`
	Language string `json:"language"`
}

/*** Control-channel payloads ***/

type JoinRoomRequest struct {
	RoomID string    `json:"roomId"`
	User   *UserInfo `json:"user,omitempty"`
}

type RoomJoined struct {
	RoomID   string           `json:"roomId"`
	Content  string           `json:"content"`
	Language string           `json:"language"`
	Members  []RoomMemberInfo `json:"members"`
}

type UserPresence struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type OnlineUsersUpdated struct {
	RoomID      string           `json:"roomId"`
	OnlineUsers []RoomMemberInfo `json:"onlineUsers"`
}

type RoomUpdated struct {
	RoomID      string `json:"roomId"`
	OnlineCount int    `json:"onlineCount"`
}

type ContentChange struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

type CursorPosition struct {
	RoomID   string          `json:"roomId"`
	Position json.RawMessage `json:"position"`
}

type CursorMoved struct {
	UserID   string          `json:"userId"`
	Username string          `json:"username"`
	Position json.RawMessage `json:"position"`
}

type SelectionChange struct {
	RoomID    string          `json:"roomId"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

type SelectionChanged struct {
	UserID    string          `json:"userId"`
	Username  string          `json:"username"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

type SelectionCleared struct {
	UserID string `json:"userId"`
}

type LanguageChange struct {
	RoomID   string `json:"roomId"`
	Language string `json:"language"`
}

type LanguageChanged struct {
	Language string `json:"language"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type RoomRef struct {
	RoomID string `json:"roomId"`
}

type RoomEndedNotice struct {
	Message   string `json:"message"`
	EndedBy   string `json:"endedBy"`
	Timestamp string `json:"timestamp"`
}

type RoomForceDeletedNotice struct {
	RoomID    string `json:"roomId"`
	Message   string `json:"message"`
	DeletedBy string `json:"deletedBy"`
	RoomName  string `json:"roomName"`
}

type ErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func ErrEvent(msg, code string) Event {
	return Event{Event: EvError, Data: ErrorEvent{Message: msg, Code: code}}
}
