// Package presence tracks which live connections occupy which rooms.
//
// The Registry maps a connection to the user occupying it and the rooms it joined.
// The Table maps a room to the connections present in it. Both come in an in-memory
// flavour for a single process and a Redis flavour (pkg/redis) for several processes
// sharing one view of presence.
package presence

import (
	"context"

	"github.com/listening-rooms/pkg/models"
)

// Registry is the connection registry. Operations on an unknown connection are no-ops.
type Registry interface {
	// Register binds connID to userID. Any other live connection of the same user is
	// removed from the registry and returned so the caller can evict it from its rooms.
	Register(ctx context.Context, connID, userID, username string) ([]models.PresenceSession, error)
	Lookup(ctx context.Context, connID string) (models.PresenceSession, bool, error)
	RecordJoin(ctx context.Context, connID, roomID string) error
	RecordLeave(ctx context.Context, connID, roomID string) error
	RoomsOf(ctx context.Context, connID string) ([]string, error)
	// Forget drops the connection and returns the session it had.
	Forget(ctx context.Context, connID string) (models.PresenceSession, bool, error)
	Connections(ctx context.Context) (int, error)
}

// Table is the room presence table. Listener counts are the number of distinct live
// connections in a room. A room whose last connection leaves is dropped from the table.
type Table interface {
	// Join is idempotent per connection and returns the listener count after joining.
	Join(ctx context.Context, roomID string, occupant models.Occupant) (int, error)
	// Leave returns the listener count after leaving.
	Leave(ctx context.Context, roomID, connID string) (int, error)
	Roster(ctx context.Context, roomID string) ([]models.Occupant, error)
	Count(ctx context.Context, roomID string) (int, error)
	Rooms(ctx context.Context) ([]string, error)
}

func containsConn(roster []models.Occupant, connID string) (models.Occupant, bool) {
	for _, o := range roster {
		if o.ConnectionID == connID {
			return o, true
		}
	}
	return models.Occupant{}, false
}
