package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listening-rooms/internal/presence"
	"github.com/listening-rooms/pkg/apperr"
	"github.com/listening-rooms/pkg/models"
)

var (
	_ presence.Registry = (*PresenceRegistry)(nil)
	_ presence.Table    = (*PresenceTable)(nil)
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRegistryRegisterEvictsStaleConnections(t *testing.T) {
	_, client := newClient(t)
	r := NewPresenceRegistry(client)
	ctx := context.Background()

	evicted, err := r.Register(ctx, "c1", "alice", "alice")
	require.NoError(t, err)
	assert.Empty(t, evicted)
	require.NoError(t, r.RecordJoin(ctx, "c1", "r2"))
	require.NoError(t, r.RecordJoin(ctx, "c1", "r1"))

	evicted, err = r.Register(ctx, "c2", "alice", "alice")
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, models.PresenceSession{
		ConnectionID: "c1",
		UserID:       "alice",
		Username:     "alice",
		Rooms:        []string{"r1", "r2"},
	}, evicted[0])

	_, ok, err := r.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := r.Connections(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRegistrySameUserReRegisterKeepsRooms(t *testing.T) {
	_, client := newClient(t)
	r := NewPresenceRegistry(client)
	ctx := context.Background()

	_, err := r.Register(ctx, "c1", "alice", "alice")
	require.NoError(t, err)
	require.NoError(t, r.RecordJoin(ctx, "c1", "r1"))

	evicted, err := r.Register(ctx, "c1", "alice", "Alice")
	require.NoError(t, err)
	assert.Empty(t, evicted)

	rooms, err := r.RoomsOf(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, rooms)
}

func TestRegistryUnknownConnection(t *testing.T) {
	_, client := newClient(t)
	r := NewPresenceRegistry(client)
	ctx := context.Background()

	require.NoError(t, r.RecordJoin(ctx, "ghost", "r1"))
	rooms, err := r.RoomsOf(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, rooms, "joins of unknown connections are not recorded")

	require.NoError(t, r.RecordLeave(ctx, "ghost", "r1"))
	_, ok, err := r.Forget(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistryForget(t *testing.T) {
	mr, client := newClient(t)
	r := NewPresenceRegistry(client)
	ctx := context.Background()

	_, err := r.Register(ctx, "c1", "alice", "alice")
	require.NoError(t, err)
	require.NoError(t, r.RecordJoin(ctx, "c1", "r1"))

	s, ok, err := r.Forget(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"r1"}, s.Rooms)

	assert.False(t, mr.Exists(connKey("c1")))
	assert.False(t, mr.Exists(connRoomsKey("c1")))
	assert.False(t, mr.Exists(userConnsKey("alice")))
}

func TestTableJoinLeave(t *testing.T) {
	_, client := newClient(t)
	tbl := NewPresenceTable(client)
	ctx := context.Background()
	alice := models.Occupant{UserID: "alice", Username: "alice", ConnectionID: "c1"}
	bob := models.Occupant{UserID: "bob", Username: "bob", ConnectionID: "c2"}

	n, err := tbl.Join(ctx, "r1", alice)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = tbl.Join(ctx, "r1", bob)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = tbl.Join(ctx, "r1", alice)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "join is idempotent per connection")

	roster, err := tbl.Roster(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []models.Occupant{alice, bob}, roster)

	n, err = tbl.Leave(ctx, "r1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rooms, err := tbl.Rooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, rooms)

	n, err = tbl.Leave(ctx, "r1", "c2")
	require.NoError(t, err)
	assert.Zero(t, n)

	rooms, err = tbl.Rooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)

	count, err := tbl.Count(ctx, "r1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestTablesShareState(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()
	// two processes, one Redis
	a, b := NewPresenceTable(client), NewPresenceTable(client)

	_, err := a.Join(ctx, "r1", models.Occupant{UserID: "alice", ConnectionID: "c1"})
	require.NoError(t, err)
	n, err := b.Join(ctx, "r1", models.Occupant{UserID: "bob", ConnectionID: "c2"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := a.Count(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRoomCache(t *testing.T) {
	mr, client := newClient(t)
	cache := NewRoomCache(client, time.Minute)
	ctx := context.Background()

	_, err := cache.Get(ctx, "r1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	room := &models.Room{ID: "r1", Name: "Party", Code: "ABC123", Members: []models.Member{{UserID: "alice", Username: "alice"}}}
	require.NoError(t, cache.Set(ctx, room))

	got, err := cache.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "ABC123", got.Code)
	assert.True(t, got.HasMember("alice"))

	require.NoError(t, cache.Invalidate(ctx, "r1"))
	_, err = cache.Get(ctx, "r1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, cache.Set(ctx, room))
	mr.FastForward(2 * time.Minute)
	_, err = cache.Get(ctx, "r1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestTokenStoreExpires(t *testing.T) {
	mr, client := newClient(t)
	store := NewTokenStore(client)
	ctx := context.Background()

	require.NoError(t, store.StoreToken(ctx, "spotify", &TokenInfo{AccessToken: "abc", ExpiresAt: time.Now().Add(time.Hour)}))
	tok, err := store.GetToken(ctx, "spotify")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)

	mr.FastForward(2 * time.Hour)
	_, err = store.GetToken(ctx, "spotify")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	// already expired tokens are not stored
	require.NoError(t, store.StoreToken(ctx, "spotify", &TokenInfo{AccessToken: "old", ExpiresAt: time.Now().Add(-time.Minute)}))
	_, err = store.GetToken(ctx, "spotify")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUnavailableRedisIsStoreUnavailable(t *testing.T) {
	mr, client := newClient(t)
	mr.Close()

	_, err := NewPresenceTable(client).Count(context.Background(), "r1")
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
}
