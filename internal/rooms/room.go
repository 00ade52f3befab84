package rooms

import (
	"time"
)

// Room statuses.
const (
	StatusNormal = "normal"
	StatusEnded  = "ended"
)

// Member roles.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// DefaultLanguage is used when a room is created without one.
const DefaultLanguage = "javascript"

// Room is a named collaboration context holding one shared document and a
// membership list.
type Room struct {
	ID           string       `gorm:"primaryKey" json:"id"`
	Name         string       `gorm:"not null" json:"name"`
	Description  string       `json:"description,omitempty"`
	RoomCode     string       `gorm:"uniqueIndex" json:"roomCode"`
	PasswordHash string       `json:"-"`
	Status       string       `gorm:"default:normal" json:"status"`
	Content      string       `json:"content,omitempty"`
	Language     string       `gorm:"default:javascript" json:"language"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	Members      []RoomMember `gorm:"foreignKey:RoomID;constraint:OnDelete:CASCADE" json:"members,omitempty"`

	// Derived from live socket connections, never persisted.
	OnlineCount int `gorm:"-" json:"onlineCount"`
}

// RoomMember links a user to a room with a role.
type RoomMember struct {
	ID       string    `gorm:"primaryKey" json:"id"`
	RoomID   string    `gorm:"index;not null" json:"roomId"`
	UserID   string    `gorm:"index;not null" json:"userId"`
	Username string    `json:"username"`
	Role     string    `gorm:"default:member" json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// HasPassword reports whether joining the room requires a password.
func (r *Room) HasPassword() bool { return r.PasswordHash != "" }

// Member finds a user's membership record.
func (r *Room) Member(userID string) (*RoomMember, bool) {
	for i := range r.Members {
		if r.Members[i].UserID == userID {
			return &r.Members[i], true
		}
	}
	return nil, false
}
