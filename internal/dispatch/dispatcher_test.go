package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listening-rooms/internal/testutil"
	"github.com/listening-rooms/pkg/events"
	"github.com/listening-rooms/pkg/models"
)

func snapshot() *models.RoomSnapshot {
	room := &models.Room{
		ID:      "r1",
		Name:    "Party",
		Code:    "ABC123",
		OwnerID: "alice",
		Members: []models.Member{{UserID: "alice", Username: "alice"}, {UserID: "bob", Username: "bob"}},
	}
	return models.NewRoomSnapshot(room, []models.Occupant{{UserID: "alice", Username: "alice", ConnectionID: "c1"}})
}

func TestEventScopes(t *testing.T) {
	tr := &testutil.RecordingTransport{}
	d := New(tr)
	ctx := context.Background()
	joiner := models.Occupant{UserID: "bob", Username: "bob", ConnectionID: "c2"}

	d.JoinedRoom(ctx, "c2", "bob", snapshot())
	d.UserJoined(ctx, "r1", joiner)
	d.RoomUpdated(ctx, snapshot())
	d.UserLeft(ctx, "r1", joiner, snapshot())
	d.RoomDeleted(ctx, "r1")
	d.QueueUpdated(ctx, "r1", nil)
	d.SessionReplaced(ctx, "c0", "bob")

	got := tr.Deliveries()
	require.Len(t, got, 7)

	assert.Equal(t, events.ScopeConnection, got[0].Scope)
	assert.Equal(t, "c2", got[0].Target)

	assert.Equal(t, events.ScopeRoom, got[1].Scope)
	assert.Equal(t, "c2", got[1].Exclude, "the joiner does not hear about itself")

	for _, i := range []int{2, 3, 4, 5} {
		assert.Equal(t, events.ScopeRoom, got[i].Scope)
		assert.Equal(t, "r1", got[i].Target)
		assert.Empty(t, got[i].Exclude)
	}

	assert.Equal(t, events.ScopeConnection, got[6].Scope)
	assert.Equal(t, "c0", got[6].Target)
}

func TestJoinedRoomPayload(t *testing.T) {
	tr := &testutil.RecordingTransport{}
	New(tr).JoinedRoom(context.Background(), "c1", "alice", snapshot())

	d := tr.OfType(events.EventTypeJoinedRoom)[0]
	assert.Equal(t, "r1", d.Event.RoomID)

	var got models.RoomSnapshot
	require.NoError(t, d.Decode(&got))
	assert.Equal(t, 1, got.ListenerCount)
	assert.Equal(t, 2, got.MemberCount)
	require.Len(t, got.Listeners, 1)
	assert.Equal(t, "c1", got.Listeners[0].ConnectionID)
}

func TestQueueUpdatedSendsEmptyList(t *testing.T) {
	tr := &testutil.RecordingTransport{}
	New(tr).QueueUpdated(context.Background(), "r1", nil)

	var got map[string]interface{}
	require.NoError(t, tr.Deliveries()[0].Decode(&got))
	assert.Equal(t, []interface{}{}, got["queue"])
}

func TestRoomCreatedIsGlobal(t *testing.T) {
	tr := &testutil.RecordingTransport{}
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	New(tr).RoomCreated(context.Background(), &models.Room{
		ID: "r1", Name: "Party", Code: "ABC123", OwnerID: "alice",
		Members:   []models.Member{{UserID: "alice"}},
		CreatedAt: created,
	})

	d := tr.Deliveries()[0]
	assert.Equal(t, events.ScopeGlobal, d.Scope)

	var got events.RoomCreatedPayload
	require.NoError(t, d.Decode(&got))
	assert.Equal(t, "ABC123", got.Code)
	assert.Equal(t, 1, got.MemberCount)
	assert.True(t, created.Equal(got.CreatedAt))
}

func TestTransportFailuresAreSwallowed(t *testing.T) {
	tr := &testutil.RecordingTransport{Err: errors.New("connection closed")}
	d := New(tr)
	ctx := context.Background()

	assert.NotPanics(t, func() {
		d.JoinRoomError(ctx, "c1", "r1", "alice", errors.New("room r1: not found"))
		d.RoomDeleted(ctx, "r1")
		d.RoomCreated(ctx, &models.Room{ID: "r1"})
		d.Pong(ctx, "c1")
	})
	assert.Len(t, tr.Deliveries(), 4)
}
