package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/listening-rooms/pkg/models"
)

type EventType string

const (
	EventTypeJoinedRoom      EventType = "joined_room"
	EventTypeJoinRoomError   EventType = "join_room_error"
	EventTypeUserJoined      EventType = "user_joined"
	EventTypeUserLeft        EventType = "user_left"
	EventTypeRoomUpdated     EventType = "room_updated"
	EventTypeRoomDeleted     EventType = "room_deleted"
	EventTypeQueueUpdated    EventType = "queue_updated"
	EventTypeRoomCreated     EventType = "room_created"
	EventTypeSessionReplaced EventType = "session_replaced"
	EventTypePong            EventType = "pong"
)

// Event is the envelope of every outbound frame.
type Event struct {
	Type      EventType       `json:"type"`
	RoomID    string          `json:"room_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func NewEvent(eventType EventType, roomID, userID string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return Event{
		Type:      eventType,
		RoomID:    roomID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Transport delivers events to one connection, to the connections present in a room,
// or to every connection.
type Transport interface {
	SendToConnection(ctx context.Context, connID string, event Event) error
	BroadcastToRoom(ctx context.Context, roomID string, event Event, excludeConnID string) error
	BroadcastGlobal(ctx context.Context, event Event) error
}

// Event payload types
type JoinRoomErrorPayload struct {
	RoomID string `json:"room_id"`
	Error  string `json:"error"`
}

type UserJoinedPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type UserLeftPayload struct {
	UserID   string               `json:"user_id"`
	Username string               `json:"username"`
	Room     *models.RoomSnapshot `json:"room,omitempty"`
}

type RoomDeletedPayload struct {
	RoomID string `json:"room_id"`
}

type QueueUpdatedPayload struct {
	RoomID string              `json:"room_id"`
	Queue  []*models.QueueItem `json:"queue"`
}

type RoomCreatedPayload struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Code        string    `json:"code"`
	OwnerID     string    `json:"owner_id"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
}

type SessionReplacedPayload struct {
	UserID string `json:"user_id"`
}
