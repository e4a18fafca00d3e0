package presence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listening-rooms/pkg/models"
)

func TestRegistryUnknownConnectionIsNoop(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	require.NoError(t, r.RecordJoin(ctx, "ghost", "r1"))
	require.NoError(t, r.RecordLeave(ctx, "ghost", "r1"))

	rooms, err := r.RoomsOf(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, rooms)

	_, ok, err := r.Forget(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistryEvictsOtherConnectionsOfUser(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	evicted, err := r.Register(ctx, "c1", "alice", "alice")
	require.NoError(t, err)
	assert.Empty(t, evicted)
	require.NoError(t, r.RecordJoin(ctx, "c1", "r1"))
	require.NoError(t, r.RecordJoin(ctx, "c1", "r2"))

	_, err = r.Register(ctx, "c9", "bob", "bob")
	require.NoError(t, err)

	evicted, err = r.Register(ctx, "c2", "alice", "alice")
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, "c1", evicted[0].ConnectionID)
	assert.Equal(t, []string{"r1", "r2"}, evicted[0].Rooms)

	_, ok, err := r.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := r.Connections(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRegistryReRegisterSameUserKeepsRooms(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	_, err := r.Register(ctx, "c1", "alice", "alice")
	require.NoError(t, err)
	require.NoError(t, r.RecordJoin(ctx, "c1", "r1"))

	evicted, err := r.Register(ctx, "c1", "alice", "Alice")
	require.NoError(t, err)
	assert.Empty(t, evicted)

	s, ok, err := r.Lookup(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Alice", s.Username)
	assert.Equal(t, []string{"r1"}, s.Rooms)
}

func TestTableJoinIsIdempotent(t *testing.T) {
	tbl := NewMemoryTable()
	ctx := context.Background()
	alice := models.Occupant{UserID: "alice", Username: "alice", ConnectionID: "c1"}

	n, err := tbl.Join(ctx, "r1", alice)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = tbl.Join(ctx, "r1", alice)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = tbl.Join(ctx, "r1", models.Occupant{UserID: "bob", Username: "bob", ConnectionID: "c2"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	roster, err := tbl.Roster(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, roster, 2)
	assert.Equal(t, "c1", roster[0].ConnectionID)
	assert.Equal(t, "c2", roster[1].ConnectionID)
}

func TestTableDropsEmptyRoom(t *testing.T) {
	tbl := NewMemoryTable()
	ctx := context.Background()

	_, err := tbl.Join(ctx, "r1", models.Occupant{UserID: "alice", ConnectionID: "c1"})
	require.NoError(t, err)

	n, err := tbl.Leave(ctx, "r1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	rooms, err := tbl.Rooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)

	// leaving again is harmless
	n, err = tbl.Leave(ctx, "r1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	roster, err := tbl.Roster(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, roster)
}
