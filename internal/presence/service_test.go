package presence

import (
	"context"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listening-rooms/internal/dispatch"
	"github.com/listening-rooms/internal/sequencer"
	"github.com/listening-rooms/internal/testutil"
	"github.com/listening-rooms/pkg/apperr"
	"github.com/listening-rooms/pkg/database"
	"github.com/listening-rooms/pkg/events"
	"github.com/listening-rooms/pkg/models"
)

type fixture struct {
	db        *database.DB
	svc       *Service
	registry  *MemoryRegistry
	table     *MemoryTable
	transport *testutil.RecordingTransport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	tr := &testutil.RecordingTransport{}
	reg := NewMemoryRegistry()
	tbl := NewMemoryTable()
	return &fixture{
		db:        db,
		svc:       NewService(reg, tbl, db, dispatch.New(tr), sequencer.New(), time.Second),
		registry:  reg,
		table:     tbl,
		transport: tr,
	}
}

func (f *fixture) room(t *testing.T, id string, members ...string) {
	t.Helper()
	ctx := context.Background()
	room := &models.Room{ID: id, Name: "room " + id, Code: "ROOM" + strings.ToUpper(id), OwnerID: members[0], Active: true}
	for _, m := range members {
		require.NoError(t, f.db.CreateUser(ctx, &models.User{ID: m, Username: m + "-name"}))
		room.Members = append(room.Members, models.Member{UserID: m, Username: m + "-name", JoinedAt: time.Now()})
	}
	require.NoError(t, f.db.CreateRoom(ctx, room))
}

func TestJoinRoomEventsAndOrder(t *testing.T) {
	f := newFixture(t)
	f.room(t, "r1", "alice", "bob")
	ctx := context.Background()

	require.NoError(t, f.svc.JoinRoom(ctx, "c1", "r1", "alice"))
	f.transport.Reset()
	require.NoError(t, f.svc.JoinRoom(ctx, "c2", "r1", "bob"))

	assert.Equal(t, []events.EventType{
		events.EventTypeJoinedRoom,
		events.EventTypeUserJoined,
		events.EventTypeRoomUpdated,
	}, f.transport.Types())

	ack := f.transport.Deliveries()[0]
	assert.Equal(t, "c2", ack.Target)
	var snap models.RoomSnapshot
	require.NoError(t, ack.Decode(&snap))
	assert.Equal(t, "r1", snap.ID)
	assert.Equal(t, 2, snap.ListenerCount)
	assert.Len(t, snap.Listeners, 2)

	joined := f.transport.Deliveries()[1]
	assert.Equal(t, "c2", joined.Exclude)
	var who events.UserJoinedPayload
	require.NoError(t, joined.Decode(&who))
	assert.Equal(t, "bob-name", who.Username)

	n, err := f.svc.ListenerCount(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestJoinRoomRejections(t *testing.T) {
	f := newFixture(t)
	f.room(t, "r1", "alice")
	f.room(t, "r2", "mallory")
	ctx := context.Background()

	err := f.svc.JoinRoom(ctx, "c1", "missing", "alice")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	err = f.svc.JoinRoom(ctx, "c2", "r1", "mallory")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	err = f.svc.JoinRoom(ctx, "", "r1", "alice")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	errs := f.transport.OfType(events.EventTypeJoinRoomError)
	require.Len(t, errs, 3)
	assert.Equal(t, "c1", errs[0].Target)

	n, err := f.svc.ListenerCount(ctx, "r1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

// leavingStore removes the member right after the join has looked the user up, as an
// HTTP leave committing between the two room reads would.
type leavingStore struct {
	*database.DB
	roomID, userID string
}

func (s *leavingStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	user, err := s.DB.GetUser(ctx, id)
	if err == nil && id == s.userID {
		_, err = s.DB.RemoveRoomMember(ctx, s.roomID, s.userID)
	}
	return user, err
}

func TestJoinRejectedWhenMembershipEndsBeforeTheLane(t *testing.T) {
	f := newFixture(t)
	f.room(t, "r1", "alice", "bob")
	ctx := context.Background()
	svc := NewService(f.registry, f.table, &leavingStore{DB: f.db, roomID: "r1", userID: "bob"},
		dispatch.New(f.transport), sequencer.New(), time.Second)

	err := svc.JoinRoom(ctx, "c-bob", "r1", "bob")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	n, err := svc.ListenerCount(ctx, "r1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.transport.OfType(events.EventTypeJoinedRoom))
	assert.Empty(t, f.transport.OfType(events.EventTypeUserJoined))
	assert.Len(t, f.transport.OfType(events.EventTypeJoinRoomError), 1)
}

func TestRepeatJoinDoesNotDoubleCount(t *testing.T) {
	f := newFixture(t)
	f.room(t, "r1", "alice")
	ctx := context.Background()

	require.NoError(t, f.svc.JoinRoom(ctx, "c1", "r1", "alice"))
	require.NoError(t, f.svc.JoinRoom(ctx, "c1", "r1", "alice"))

	n, err := f.svc.ListenerCount(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, f.transport.OfType(events.EventTypeUserJoined), 1)
	assert.Len(t, f.transport.OfType(events.EventTypeJoinedRoom), 2)
}

func TestReconnectEvictsStaleConnection(t *testing.T) {
	f := newFixture(t)
	f.room(t, "r1", "alice", "bob")
	ctx := context.Background()

	require.NoError(t, f.svc.JoinRoom(ctx, "c1", "r1", "alice"))
	require.NoError(t, f.svc.JoinRoom(ctx, "c3", "r1", "bob"))
	f.transport.Reset()

	require.NoError(t, f.svc.JoinRoom(ctx, "c2", "r1", "alice"))

	roster, err := f.table.Roster(ctx, "r1")
	require.NoError(t, err)
	var aliceConns []string
	for _, o := range roster {
		if o.UserID == "alice" {
			aliceConns = append(aliceConns, o.ConnectionID)
		}
	}
	assert.Equal(t, []string{"c2"}, aliceConns)
	assert.Len(t, roster, 2)

	replaced := f.transport.OfType(events.EventTypeSessionReplaced)
	require.Len(t, replaced, 1)
	assert.Equal(t, "c1", replaced[0].Target)
	assert.Empty(t, f.transport.OfType(events.EventTypeUserJoined), "a reconnect is not a new listener")
	assert.Empty(t, f.transport.OfType(events.EventTypeUserLeft))

	_, ok, err := f.registry.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReconnectToAnotherRoomLeavesTheOldOne(t *testing.T) {
	f := newFixture(t)
	f.room(t, "r1", "alice")
	ctx := context.Background()
	require.NoError(t, f.db.AddRoomMember(ctx, &models.Member{RoomID: "r1", UserID: "bob", Username: "bob"}))
	f.room(t, "r2", "carol")
	require.NoError(t, f.db.AddRoomMember(ctx, &models.Member{RoomID: "r2", UserID: "alice", Username: "alice"}))

	require.NoError(t, f.svc.JoinRoom(ctx, "c1", "r1", "alice"))
	require.NoError(t, f.svc.JoinRoom(ctx, "c2", "r2", "alice"))

	n, err := f.svc.ListenerCount(ctx, "r1")
	require.NoError(t, err)
	assert.Zero(t, n)

	left := f.transport.OfType(events.EventTypeUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "r1", left[0].Target)
}

func TestLeaveRoom(t *testing.T) {
	f := newFixture(t)
	f.room(t, "r1", "alice", "bob")
	ctx := context.Background()

	require.NoError(t, f.svc.JoinRoom(ctx, "c1", "r1", "alice"))
	require.NoError(t, f.svc.JoinRoom(ctx, "c2", "r1", "bob"))
	f.transport.Reset()

	require.NoError(t, f.svc.LeaveRoom(ctx, "c2", "r1", "bob"))

	assert.Equal(t, []events.EventType{events.EventTypeUserLeft, events.EventTypeRoomUpdated}, f.transport.Types())
	var left events.UserLeftPayload
	require.NoError(t, f.transport.Deliveries()[0].Decode(&left))
	assert.Equal(t, "bob", left.UserID)
	require.NotNil(t, left.Room)
	assert.Equal(t, 1, left.Room.ListenerCount)
	assert.Equal(t, 2, left.Room.MemberCount, "leaving presence keeps the membership row")

	rooms, err := f.registry.RoomsOf(ctx, "c2")
	require.NoError(t, err)
	assert.Empty(t, rooms)

	// unknown connections and rooms not joined are no-ops
	f.transport.Reset()
	require.NoError(t, f.svc.LeaveRoom(ctx, "ghost", "r1", ""))
	require.NoError(t, f.svc.LeaveRoom(ctx, "c2", "r1", "bob"))
	assert.Empty(t, f.transport.Deliveries())

	assert.ErrorIs(t, f.svc.LeaveRoom(ctx, "c1", "r1", "bob"), apperr.ErrInvalidArgument)
}

func TestDisconnectLeavesEveryRoom(t *testing.T) {
	f := newFixture(t)
	f.room(t, "r1", "alice", "bob")
	ctx := context.Background()
	require.NoError(t, f.db.AddRoomMember(ctx, &models.Member{RoomID: "r1", UserID: "carol", Username: "carol"}))
	f.room(t, "r2", "carol")

	require.NoError(t, f.svc.JoinRoom(ctx, "c1", "r1", "alice"))
	require.NoError(t, f.svc.JoinRoom(ctx, "c3", "r1", "carol"))
	require.NoError(t, f.svc.JoinRoom(ctx, "c3", "r2", "carol"))
	f.transport.Reset()

	require.NoError(t, f.svc.Disconnect(ctx, "c3"))

	for _, roomID := range []string{"r1", "r2"} {
		roster, err := f.table.Roster(ctx, roomID)
		require.NoError(t, err)
		_, present := containsConn(roster, "c3")
		assert.False(t, present, roomID)
	}
	assert.Len(t, f.transport.OfType(events.EventTypeUserLeft), 2)

	// an emptied presence entry does not delete the persisted room
	_, err := f.db.GetRoomByID(ctx, "r2")
	assert.NoError(t, err)

	require.NoError(t, f.svc.Disconnect(ctx, "c3"))
}

func TestListenerCountMatchesOpenJoins(t *testing.T) {
	f := newFixture(t)
	users := []string{"u0", "u1", "u2", "u3", "u4", "u5"}
	f.room(t, "r1", users...)
	ctx := context.Background()

	rng := rand.New(rand.NewSource(7))
	open := map[string]bool{}
	for i := 0; i < 200; i++ {
		u := users[rng.Intn(len(users))]
		conn := "conn-" + u
		if rng.Intn(2) == 0 {
			require.NoError(t, f.svc.JoinRoom(ctx, conn, "r1", u))
			open[conn] = true
		} else {
			require.NoError(t, f.svc.LeaveRoom(ctx, conn, "r1", u))
			delete(open, conn)
		}

		n, err := f.svc.ListenerCount(ctx, "r1")
		require.NoError(t, err)
		require.Equal(t, len(open), n, "step %d", i)
	}
}

func TestEvacuateAndStats(t *testing.T) {
	f := newFixture(t)
	f.room(t, "r1", "alice", "bob")
	ctx := context.Background()

	require.NoError(t, f.svc.JoinRoom(ctx, "c1", "r1", "alice"))
	require.NoError(t, f.svc.JoinRoom(ctx, "c2", "r1", "bob"))

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Connections)
	assert.Len(t, stats.Rooms["r1"], 2)

	f.transport.Reset()
	require.NoError(t, f.svc.Evacuate(ctx, "r1"))
	assert.Empty(t, f.transport.Deliveries())

	stats, err = f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Connections, "connections stay open")
	assert.Empty(t, stats.Rooms)

	rooms, err := f.registry.RoomsOf(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, rooms)
}
