package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/listening-rooms/pkg/apperr"
	"github.com/listening-rooms/pkg/models"
)

// RoomCache holds persisted rooms, members included, for a short time. Anything that
// changes a room's membership or deletes it must call Invalidate.
type RoomCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRoomCache(client *redis.Client, ttl time.Duration) *RoomCache {
	return &RoomCache{client: client, ttl: ttl}
}

// Get returns apperr.ErrNotFound on a miss.
func (c *RoomCache) Get(ctx context.Context, roomID string) (*models.Room, error) {
	roomJSON, err := c.client.Get(ctx, roomKey(roomID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperr.NotFound("cached room %s", roomID)
		}
		return nil, storeErr("get cached room", err)
	}

	var room models.Room
	if err := json.Unmarshal(roomJSON, &room); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}
	return &room, nil
}

func (c *RoomCache) Set(ctx context.Context, room *models.Room) error {
	roomJSON, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}
	return storeErr("cache room", c.client.Set(ctx, roomKey(room.ID), roomJSON, c.ttl).Err())
}

func (c *RoomCache) Invalidate(ctx context.Context, roomID string) error {
	return storeErr("invalidate room", c.client.Del(ctx, roomKey(roomID)).Err())
}

func roomKey(roomID string) string {
	return fmt.Sprintf("room:%s", roomID)
}
