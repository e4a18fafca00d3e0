package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/listening-rooms/pkg/apperr"
	"github.com/listening-rooms/pkg/models"
)

// Presence keys. Every server process shares them, which keeps listener counts right
// when connections of one room are spread over several processes.
const (
	connsKey = "presence:conns"
	roomsKey = "presence:rooms"
	seqKey   = "presence:seq"

	registerAttempts = 5
)

func connKey(connID string) string      { return fmt.Sprintf("presence:conn:%s", connID) }
func connRoomsKey(connID string) string { return fmt.Sprintf("presence:conn:%s:rooms", connID) }
func userConnsKey(userID string) string { return fmt.Sprintf("presence:user:%s", userID) }
func occupantsKey(roomID string) string { return fmt.Sprintf("presence:room:%s", roomID) }
func orderKey(roomID string) string     { return fmt.Sprintf("presence:room:%s:order", roomID) }

var (
	// KEYS: conn hash, conn rooms. ARGV: room id.
	recordJoinScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('SADD', KEYS[2], ARGV[1])
end
return 0`)

	// KEYS: occupants, order, rooms, seq. ARGV: conn id, room id, occupant json.
	joinScript = redis.NewScript(`
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
if not redis.call('ZSCORE', KEYS[2], ARGV[1]) then
	redis.call('ZADD', KEYS[2], redis.call('INCR', KEYS[4]), ARGV[1])
end
redis.call('SADD', KEYS[3], ARGV[2])
return redis.call('ZCARD', KEYS[2])`)

	// KEYS: occupants, order, rooms. ARGV: conn id, room id.
	leaveScript = redis.NewScript(`
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
local n = redis.call('ZCARD', KEYS[2])
if n == 0 then
	redis.call('DEL', KEYS[1], KEYS[2])
	redis.call('SREM', KEYS[3], ARGV[2])
end
return n`)
)

type sessionReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// PresenceRegistry is a connection registry stored in Redis.
type PresenceRegistry struct {
	client *redis.Client
}

func NewPresenceRegistry(client *redis.Client) *PresenceRegistry {
	return &PresenceRegistry{client: client}
}

func (p *PresenceRegistry) Register(ctx context.Context, connID, userID, username string) ([]models.PresenceSession, error) {
	var evicted []models.PresenceSession
	userKey := userConnsKey(userID)

	txf := func(tx *redis.Tx) error {
		evicted = evicted[:0]

		var stale []string
		current, err := tx.HGetAll(ctx, connKey(connID)).Result()
		if err != nil {
			return err
		}
		if len(current) > 0 && current["user_id"] != userID {
			stale = append(stale, connID)
		}
		others, err := tx.SMembers(ctx, userKey).Result()
		if err != nil {
			return err
		}
		sort.Strings(others)
		for _, other := range others {
			if other != connID {
				stale = append(stale, other)
			}
		}
		for _, c := range stale {
			s, ok, err := lookup(ctx, tx, c)
			if err != nil {
				return err
			}
			if ok {
				evicted = append(evicted, s)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, s := range evicted {
				dropSession(ctx, pipe, s)
			}
			pipe.HSet(ctx, connKey(connID), "user_id", userID, "username", username)
			pipe.SAdd(ctx, userKey, connID)
			pipe.SAdd(ctx, connsKey, connID)
			return nil
		})
		return err
	}

	for i := 0; i < registerAttempts; i++ {
		err := p.client.Watch(ctx, txf, userKey, connKey(connID))
		if err == nil {
			return evicted, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, storeErr("register connection", err)
		}
	}
	return nil, apperr.Conflict("connection %s: registration kept racing", connID)
}

func (p *PresenceRegistry) Lookup(ctx context.Context, connID string) (models.PresenceSession, bool, error) {
	s, ok, err := lookup(ctx, p.client, connID)
	return s, ok, storeErr("lookup connection", err)
}

func lookup(ctx context.Context, r sessionReader, connID string) (models.PresenceSession, bool, error) {
	fields, err := r.HGetAll(ctx, connKey(connID)).Result()
	if err != nil {
		return models.PresenceSession{}, false, err
	}
	if len(fields) == 0 {
		return models.PresenceSession{}, false, nil
	}
	rooms, err := r.SMembers(ctx, connRoomsKey(connID)).Result()
	if err != nil {
		return models.PresenceSession{}, false, err
	}
	sort.Strings(rooms)
	return models.PresenceSession{
		ConnectionID: connID,
		UserID:       fields["user_id"],
		Username:     fields["username"],
		Rooms:        rooms,
	}, true, nil
}

func dropSession(ctx context.Context, pipe redis.Pipeliner, s models.PresenceSession) {
	pipe.Del(ctx, connKey(s.ConnectionID), connRoomsKey(s.ConnectionID))
	pipe.SRem(ctx, userConnsKey(s.UserID), s.ConnectionID)
	pipe.SRem(ctx, connsKey, s.ConnectionID)
}

func (p *PresenceRegistry) RecordJoin(ctx context.Context, connID, roomID string) error {
	err := recordJoinScript.Run(ctx, p.client, []string{connKey(connID), connRoomsKey(connID)}, roomID).Err()
	return storeErr("record join", err)
}

func (p *PresenceRegistry) RecordLeave(ctx context.Context, connID, roomID string) error {
	return storeErr("record leave", p.client.SRem(ctx, connRoomsKey(connID), roomID).Err())
}

func (p *PresenceRegistry) RoomsOf(ctx context.Context, connID string) ([]string, error) {
	rooms, err := p.client.SMembers(ctx, connRoomsKey(connID)).Result()
	if err != nil {
		return nil, storeErr("rooms of connection", err)
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (p *PresenceRegistry) Forget(ctx context.Context, connID string) (models.PresenceSession, bool, error) {
	s, ok, err := lookup(ctx, p.client, connID)
	if err != nil || !ok {
		return s, ok, storeErr("forget connection", err)
	}
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		dropSession(ctx, pipe, s)
		return nil
	})
	if err != nil {
		return models.PresenceSession{}, false, storeErr("forget connection", err)
	}
	return s, true, nil
}

func (p *PresenceRegistry) Connections(ctx context.Context) (int, error) {
	n, err := p.client.SCard(ctx, connsKey).Result()
	return int(n), storeErr("count connections", err)
}

// PresenceTable is a room presence table stored in Redis. Rosters keep join order.
type PresenceTable struct {
	client *redis.Client
}

func NewPresenceTable(client *redis.Client) *PresenceTable {
	return &PresenceTable{client: client}
}

func (p *PresenceTable) Join(ctx context.Context, roomID string, occupant models.Occupant) (int, error) {
	occupantJSON, err := json.Marshal(occupant)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal occupant: %w", err)
	}
	keys := []string{occupantsKey(roomID), orderKey(roomID), roomsKey, seqKey}
	n, err := joinScript.Run(ctx, p.client, keys, occupant.ConnectionID, roomID, occupantJSON).Int()
	return n, storeErr("join room", err)
}

func (p *PresenceTable) Leave(ctx context.Context, roomID, connID string) (int, error) {
	keys := []string{occupantsKey(roomID), orderKey(roomID), roomsKey}
	n, err := leaveScript.Run(ctx, p.client, keys, connID, roomID).Int()
	return n, storeErr("leave room", err)
}

func (p *PresenceTable) Roster(ctx context.Context, roomID string) ([]models.Occupant, error) {
	order, err := p.client.ZRange(ctx, orderKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, storeErr("roster", err)
	}
	roster := make([]models.Occupant, 0, len(order))
	if len(order) == 0 {
		return roster, nil
	}
	values, err := p.client.HMGet(ctx, occupantsKey(roomID), order...).Result()
	if err != nil {
		return nil, storeErr("roster", err)
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// left between the two reads
			continue
		}
		var o models.Occupant
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return nil, fmt.Errorf("failed to unmarshal occupant: %w", err)
		}
		roster = append(roster, o)
	}
	return roster, nil
}

func (p *PresenceTable) Count(ctx context.Context, roomID string) (int, error) {
	n, err := p.client.ZCard(ctx, orderKey(roomID)).Result()
	return int(n), storeErr("count listeners", err)
}

func (p *PresenceTable) Rooms(ctx context.Context) ([]string, error) {
	rooms, err := p.client.SMembers(ctx, roomsKey).Result()
	if err != nil {
		return nil, storeErr("rooms", err)
	}
	sort.Strings(rooms)
	return rooms, nil
}
