package rooms

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"codecollab/internal/models"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrRoomEnded     = errors.New("room has ended")
	ErrWrongPassword = errors.New("wrong room password")
	ErrNotMember     = errors.New("not a room member")
	ErrNotAdmin      = errors.New("admin role required")
)

// Store persists rooms and memberships. It also satisfies the membership
// and persistence collaborator interfaces the collaboration core consumes.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Room{}, &RoomMember{})
}

// CreateRequest carries the fields of a room-creation call.
type CreateRequest struct {
	Name        string
	Description string
	Language    string
	Password    string
}

// Create inserts a room with the creator as its admin member.
func (s *Store) Create(ctx context.Context, req CreateRequest, creator models.UserInfo) (*Room, error) {
	language := req.Language
	if language == "" {
		language = DefaultLanguage
	}

	room := &Room{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Language:    language,
		Status:      StatusNormal,
	}

	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		room.PasswordHash = string(hash)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		code, err := s.generateRoomCode(tx)
		if err != nil {
			return err
		}
		room.RoomCode = code
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		member := &RoomMember{
			ID:       uuid.NewString(),
			RoomID:   room.ID,
			UserID:   creator.ID,
			Username: creator.Username,
			Role:     RoleAdmin,
			JoinedAt: time.Now(),
		}
		if err := tx.Create(member).Error; err != nil {
			return err
		}
		room.Members = []RoomMember{*member}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

// List returns every room with its members.
func (s *Store) List(ctx context.Context) ([]Room, error) {
	var out []Room
	err := s.db.WithContext(ctx).Preload("Members").Order("created_at desc").Find(&out).Error
	return out, err
}

// Get returns one room with its members.
func (s *Store) Get(ctx context.Context, roomID string) (*Room, error) {
	var room Room
	err := s.db.WithContext(ctx).Preload("Members").First(&room, "id = ?", roomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// GetByCode resolves a room by its short join code.
func (s *Store) GetByCode(ctx context.Context, code string) (*Room, error) {
	var room Room
	err := s.db.WithContext(ctx).Preload("Members").First(&room, "room_code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// Join adds the user as a member. Joining an ended room fails; joining a
// password-protected room requires the password; joining twice is a no-op.
func (s *Store) Join(ctx context.Context, roomID string, user models.UserInfo, password string) (*RoomMember, error) {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Status == StatusEnded {
		return nil, ErrRoomEnded
	}
	if existing, ok := room.Member(user.ID); ok {
		return existing, nil
	}
	if room.HasPassword() {
		if bcrypt.CompareHashAndPassword([]byte(room.PasswordHash), []byte(password)) != nil {
			return nil, ErrWrongPassword
		}
	}

	member := &RoomMember{
		ID:       uuid.NewString(),
		RoomID:   room.ID,
		UserID:   user.ID,
		Username: user.Username,
		Role:     RoleMember,
		JoinedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(member).Error; err != nil {
		return nil, err
	}
	return member, nil
}

// Leave removes the user's membership.
func (s *Store) Leave(ctx context.Context, roomID, userID string) error {
	result := s.db.WithContext(ctx).Delete(&RoomMember{}, "room_id = ? AND user_id = ?", roomID, userID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotMember
	}
	return nil
}

// UpdateLanguage changes the room language; any member may do it.
func (s *Store) UpdateLanguage(ctx context.Context, roomID, language, actorID string) error {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if _, ok := room.Member(actorID); !ok {
		return ErrNotMember
	}
	return s.db.WithContext(ctx).Model(&Room{}).Where("id = ?", roomID).Update("language", language).Error
}

// End marks the room ended. Admin only.
func (s *Store) End(ctx context.Context, roomID, actorID string) (*Room, error) {
	room, err := s.requireAdmin(ctx, roomID, actorID)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&Room{}).Where("id = ?", roomID).Update("status", StatusEnded).Error; err != nil {
		return nil, err
	}
	room.Status = StatusEnded
	return room, nil
}

// Delete removes the room and its memberships. Admin only. Returns the
// room as it was, so callers can notify its members.
func (s *Store) Delete(ctx context.Context, roomID, actorID string) (*Room, error) {
	room, err := s.requireAdmin(ctx, roomID, actorID)
	if err != nil {
		return nil, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&RoomMember{}, "room_id = ?", roomID).Error; err != nil {
			return err
		}
		return tx.Delete(&Room{}, "id = ?", roomID).Error
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

/*** Collaborator interfaces consumed by the collaboration core ***/

// Verify reports whether the user is a member of the room.
func (s *Store) Verify(ctx context.Context, roomID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&RoomMember{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).Count(&count).Error
	return count > 0, err
}

// Roster returns membership details for the given users. Users without a
// membership record are skipped.
func (s *Store) Roster(ctx context.Context, roomID string, userIDs []string) ([]models.RoomMemberInfo, error) {
	if len(userIDs) == 0 {
		return []models.RoomMemberInfo{}, nil
	}
	var members []RoomMember
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND user_id IN ?", roomID, userIDs).Find(&members).Error
	if err != nil {
		return nil, err
	}
	byUser := make(map[string]RoomMember, len(members))
	for _, m := range members {
		byUser[m.UserID] = m
	}
	out := make([]models.RoomMemberInfo, 0, len(userIDs))
	for _, id := range userIDs {
		if m, ok := byUser[id]; ok {
			out = append(out, models.RoomMemberInfo{ID: m.UserID, Username: m.Username, Role: m.Role})
		}
	}
	return out, nil
}

// Load returns the persisted document state. A missing room loads as an
// empty document rather than an error; sessions are created lazily.
func (s *Store) Load(ctx context.Context, roomID string) (models.DocumentState, error) {
	room, err := s.Get(ctx, roomID)
	if errors.Is(err, ErrRoomNotFound) {
		return models.DocumentState{Language: DefaultLanguage}, nil
	}
	if err != nil {
		return models.DocumentState{}, err
	}
	return models.DocumentState{Content: room.Content, Language: room.Language}, nil
}

// Save durably stores the materialized plaintext.
func (s *Store) Save(ctx context.Context, roomID, content string) error {
	result := s.db.WithContext(ctx).Model(&Room{}).Where("id = ?", roomID).Update("content", content)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (s *Store) requireAdmin(ctx context.Context, roomID, actorID string) (*Room, error) {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	member, ok := room.Member(actorID)
	if !ok {
		return nil, ErrNotMember
	}
	if member.Role != RoleAdmin {
		return nil, ErrNotAdmin
	}
	return room, nil
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// generateRoomCode produces a short join code, retrying on the rare
// collision.
func (s *Store) generateRoomCode(tx *gorm.DB) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		code := make([]byte, 6)
		for i := range code {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
			if err != nil {
				return "", err
			}
			code[i] = codeAlphabet[n.Int64()]
		}
		var count int64
		if err := tx.Model(&Room{}).Where("room_code = ?", string(code)).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return string(code), nil
		}
	}
	return "", errors.New("could not allocate a unique room code")
}
