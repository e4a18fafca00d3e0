package models

import (
	"time"
)

// User is a session identity: it is created when a room is created or joined and
// deleted when its owner leaves that room. It is not a durable account.
type User struct {
	ID        string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	Username  string    `json:"username" gorm:"size:64;not null"`
	CreatedAt time.Time `json:"created_at"`
}

type Room struct {
	ID        string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	Name      string    `json:"name" gorm:"size:128;not null"`
	Code      string    `json:"code" gorm:"type:varchar(6);uniqueIndex;not null"`
	OwnerID   string    `json:"owner_id" gorm:"type:varchar(36);index"`
	Active    bool      `json:"active"`
	Members   []Member  `json:"members" gorm:"foreignKey:RoomID"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasMember reports whether userID holds a membership row in the room.
func (r *Room) HasMember(userID string) bool {
	for _, m := range r.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

type Member struct {
	ID       uint      `json:"-" gorm:"primaryKey"`
	RoomID   string    `json:"-" gorm:"type:varchar(36);uniqueIndex:idx_member_room_user;not null"`
	UserID   string    `json:"user_id" gorm:"type:varchar(36);uniqueIndex:idx_member_room_user;not null"`
	Username string    `json:"username" gorm:"size:64"`
	JoinedAt time.Time `json:"joined_at"`
}

type Song struct {
	ID         string `json:"id" gorm:"type:varchar(36);primaryKey"`
	Title      string `json:"title" gorm:"size:255;not null"`
	Artist     string `json:"artist" gorm:"size:255;not null"`
	Album      string `json:"album,omitempty" gorm:"size:255"`
	Duration   int    `json:"duration,omitempty"` // seconds
	Thumbnail  string `json:"thumbnail,omitempty" gorm:"size:512"`
	ExternalID string `json:"external_id" gorm:"size:128;index"`
	Source     string `json:"source" gorm:"size:32;default:youtube"`
}

type QueueItem struct {
	ID        string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	RoomID    string    `json:"room_id" gorm:"type:varchar(36);index;not null"`
	SongID    string    `json:"song_id" gorm:"type:varchar(36);not null"`
	Song      *Song     `json:"song,omitempty" gorm:"foreignKey:SongID"`
	AddedByID string    `json:"added_by_id" gorm:"type:varchar(36)"`
	AddedBy   *User     `json:"added_by,omitempty" gorm:"foreignKey:AddedByID"`
	Position  int       `json:"position"`
	Votes     int       `json:"votes"`
	IsPlaying bool      `json:"is_playing"`
	CreatedAt time.Time `json:"created_at"`
}

type VoteDirection string

const (
	VoteUp   VoteDirection = "up"
	VoteDown VoteDirection = "down"
)

func (d VoteDirection) Valid() bool {
	return d == VoteUp || d == VoteDown
}

// Weight is the contribution of a single vote to an entry's tally.
func (d VoteDirection) Weight() int {
	if d == VoteUp {
		return 1
	}
	return -1
}

type Vote struct {
	ID          string        `json:"id" gorm:"type:varchar(36);primaryKey"`
	QueueItemID string        `json:"queue_item_id" gorm:"type:varchar(36);uniqueIndex:idx_vote_item_user;not null"`
	UserID      string        `json:"user_id" gorm:"type:varchar(36);uniqueIndex:idx_vote_item_user;not null"`
	Direction   VoteDirection `json:"direction" gorm:"type:varchar(4);not null"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Occupant is one live connection present in a room. It only exists in the presence
// layer and is never persisted.
type Occupant struct {
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
	ConnectionID string `json:"connection_id"`
}

// RoomSnapshot is a persisted room merged with its live presence. ListenerCount is the
// number of live connections and is what clients display; MemberCount is the number of
// persisted membership rows.
type RoomSnapshot struct {
	Room
	ListenerCount int        `json:"listener_count"`
	MemberCount   int        `json:"member_count"`
	Listeners     []Occupant `json:"listeners"`
}

func NewRoomSnapshot(room *Room, listeners []Occupant) *RoomSnapshot {
	if listeners == nil {
		listeners = []Occupant{}
	}
	return &RoomSnapshot{
		Room:          *room,
		ListenerCount: len(listeners),
		MemberCount:   len(room.Members),
		Listeners:     listeners,
	}
}

// PresenceSession binds one live transport connection to the user occupying it and the
// rooms it has joined. It lives only as long as the connection.
type PresenceSession struct {
	ConnectionID string   `json:"connection_id"`
	UserID       string   `json:"user_id"`
	Username     string   `json:"username"`
	Rooms        []string `json:"rooms"`
}

func (s PresenceSession) InRoom(roomID string) bool {
	for _, r := range s.Rooms {
		if r == roomID {
			return true
		}
	}
	return false
}

func (s PresenceSession) Occupant() Occupant {
	return Occupant{UserID: s.UserID, Username: s.Username, ConnectionID: s.ConnectionID}
}
