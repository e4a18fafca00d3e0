// Package dispatch turns presence, room and queue transitions into outbound events
// with a fixed delivery scope. Delivery is best effort: failures are logged and never
// returned, so a closed connection cannot break the flow for the rest of a room.
package dispatch

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/listening-rooms/pkg/events"
	"github.com/listening-rooms/pkg/models"
)

type Dispatcher struct {
	transport events.Transport
}

func New(transport events.Transport) *Dispatcher {
	return &Dispatcher{transport: transport}
}

// JoinedRoom acknowledges a join to the requesting connection only.
func (d *Dispatcher) JoinedRoom(ctx context.Context, connID, userID string, snapshot *models.RoomSnapshot) {
	d.toConnection(ctx, connID, events.EventTypeJoinedRoom, snapshot.ID, userID, snapshot)
}

func (d *Dispatcher) JoinRoomError(ctx context.Context, connID, roomID, userID string, cause error) {
	d.toConnection(ctx, connID, events.EventTypeJoinRoomError, roomID, userID, events.JoinRoomErrorPayload{
		RoomID: roomID,
		Error:  cause.Error(),
	})
}

// UserJoined tells everyone else in the room about the joiner.
func (d *Dispatcher) UserJoined(ctx context.Context, roomID string, who models.Occupant) {
	d.toRoom(ctx, roomID, events.EventTypeUserJoined, who.UserID, events.UserJoinedPayload{
		UserID:   who.UserID,
		Username: who.Username,
	}, who.ConnectionID)
}

// UserLeft goes to every remaining connection. snapshot is nil when the room no longer exists.
func (d *Dispatcher) UserLeft(ctx context.Context, roomID string, who models.Occupant, snapshot *models.RoomSnapshot) {
	d.toRoom(ctx, roomID, events.EventTypeUserLeft, who.UserID, events.UserLeftPayload{
		UserID:   who.UserID,
		Username: who.Username,
		Room:     snapshot,
	}, "")
}

func (d *Dispatcher) RoomUpdated(ctx context.Context, snapshot *models.RoomSnapshot) {
	d.toRoom(ctx, snapshot.ID, events.EventTypeRoomUpdated, "", snapshot, "")
}

func (d *Dispatcher) RoomDeleted(ctx context.Context, roomID string) {
	d.toRoom(ctx, roomID, events.EventTypeRoomDeleted, "", events.RoomDeletedPayload{RoomID: roomID}, "")
}

func (d *Dispatcher) QueueUpdated(ctx context.Context, roomID string, queue []*models.QueueItem) {
	if queue == nil {
		queue = []*models.QueueItem{}
	}
	d.toRoom(ctx, roomID, events.EventTypeQueueUpdated, "", events.QueueUpdatedPayload{
		RoomID: roomID,
		Queue:  queue,
	}, "")
}

func (d *Dispatcher) RoomCreated(ctx context.Context, room *models.Room) {
	event, err := events.NewEvent(events.EventTypeRoomCreated, room.ID, room.OwnerID, events.RoomCreatedPayload{
		ID:          room.ID,
		Name:        room.Name,
		Code:        room.Code,
		OwnerID:     room.OwnerID,
		MemberCount: len(room.Members),
		CreatedAt:   room.CreatedAt,
	})
	if err != nil {
		logrus.WithError(err).Error("Failed to build event")
		return
	}
	if err := d.transport.BroadcastGlobal(ctx, event); err != nil {
		logrus.WithError(err).WithField("event", event.Type).Warn("Global broadcast failed")
	}
}

// SessionReplaced tells a connection that a newer connection of the same user took over.
func (d *Dispatcher) SessionReplaced(ctx context.Context, connID, userID string) {
	d.toConnection(ctx, connID, events.EventTypeSessionReplaced, "", userID, events.SessionReplacedPayload{UserID: userID})
}

func (d *Dispatcher) Pong(ctx context.Context, connID string) {
	d.toConnection(ctx, connID, events.EventTypePong, "", "", struct{}{})
}

func (d *Dispatcher) toConnection(ctx context.Context, connID string, eventType events.EventType, roomID, userID string, payload interface{}) {
	event, err := events.NewEvent(eventType, roomID, userID, payload)
	if err != nil {
		logrus.WithError(err).Error("Failed to build event")
		return
	}
	if err := d.transport.SendToConnection(ctx, connID, event); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"conn_id": connID,
			"event":   eventType,
		}).Warn("Send to connection failed")
	}
}

func (d *Dispatcher) toRoom(ctx context.Context, roomID string, eventType events.EventType, userID string, payload interface{}, excludeConnID string) {
	event, err := events.NewEvent(eventType, roomID, userID, payload)
	if err != nil {
		logrus.WithError(err).Error("Failed to build event")
		return
	}
	if err := d.transport.BroadcastToRoom(ctx, roomID, event, excludeConnID); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"room_id": roomID,
			"event":   eventType,
		}).Warn("Room broadcast failed")
	}
}
