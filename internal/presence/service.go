package presence

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/listening-rooms/internal/sequencer"
	"github.com/listening-rooms/pkg/apperr"
	"github.com/listening-rooms/pkg/models"
)

// Store is the part of the durable store presence reads from.
type Store interface {
	GetRoomByID(ctx context.Context, id string) (*models.Room, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// Notifier receives presence transitions. *dispatch.Dispatcher implements it.
type Notifier interface {
	JoinedRoom(ctx context.Context, connID, userID string, snapshot *models.RoomSnapshot)
	JoinRoomError(ctx context.Context, connID, roomID, userID string, cause error)
	UserJoined(ctx context.Context, roomID string, who models.Occupant)
	UserLeft(ctx context.Context, roomID string, who models.Occupant, snapshot *models.RoomSnapshot)
	RoomUpdated(ctx context.Context, snapshot *models.RoomSnapshot)
	SessionReplaced(ctx context.Context, connID, userID string)
}

// Stats is a point-in-time view of live presence.
type Stats struct {
	Connections int                          `json:"connections"`
	Rooms       map[string][]models.Occupant `json:"rooms"`
}

// Service applies join, leave and disconnect transitions. Every transition touching a
// room runs in that room's sequencer lane, so the events of one room go out in the
// order their mutations happened.
type Service struct {
	registry     Registry
	table        Table
	store        Store
	notify       Notifier
	seq          *sequencer.Sequencer
	storeTimeout time.Duration
}

func NewService(registry Registry, table Table, store Store, notify Notifier, seq *sequencer.Sequencer, storeTimeout time.Duration) *Service {
	return &Service{
		registry:     registry,
		table:        table,
		store:        store,
		notify:       notify,
		seq:          seq,
		storeTimeout: storeTimeout,
	}
}

// JoinRoom admits connID to roomID on behalf of userID, who must be a member of the
// room. A rejected join is reported to the connection and returned.
func (s *Service) JoinRoom(ctx context.Context, connID, roomID, userID string) error {
	err := s.join(ctx, connID, roomID, userID)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"conn_id": connID,
			"room_id": roomID,
			"user_id": userID,
		}).Info("Join rejected")
		s.notify.JoinRoomError(ctx, connID, roomID, userID, err)
	}
	return err
}

func (s *Service) join(ctx context.Context, connID, roomID, userID string) error {
	if connID == "" || roomID == "" || userID == "" {
		return apperr.InvalidArgument("connection, room and user are required")
	}

	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.HasMember(userID) {
		return apperr.InvalidArgument("user %s is not a member of room %s", userID, roomID)
	}
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return err
	}

	evicted, err := s.registry.Register(ctx, connID, userID, user.Username)
	if err != nil {
		return err
	}
	reconnect := false
	for _, old := range evicted {
		if old.InRoom(roomID) {
			reconnect = true
		}
		s.evict(ctx, old, connID, roomID)
	}

	occupant := models.Occupant{UserID: userID, Username: user.Username, ConnectionID: connID}
	return s.seq.Do(ctx, roomID, func(ctx context.Context) error {
		// the room may have been deleted, or the user may have left it, while this join waited
		room, err := s.getRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if !room.HasMember(userID) {
			return apperr.InvalidArgument("user %s is not a member of room %s", userID, roomID)
		}
		before, err := s.table.Roster(ctx, roomID)
		if err != nil {
			return err
		}
		_, repeat := containsConn(before, connID)

		if err := s.registry.RecordJoin(ctx, connID, roomID); err != nil {
			return err
		}
		count, err := s.table.Join(ctx, roomID, occupant)
		if err != nil {
			return err
		}
		roster, err := s.table.Roster(ctx, roomID)
		if err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"conn_id":   connID,
			"room_id":   roomID,
			"user_id":   userID,
			"listeners": count,
			"reconnect": reconnect,
		}).Info("Connection joined room")

		snapshot := models.NewRoomSnapshot(room, roster)
		s.notify.JoinedRoom(ctx, connID, userID, snapshot)
		if !repeat && !reconnect {
			s.notify.UserJoined(ctx, roomID, occupant)
		}
		s.notify.RoomUpdated(ctx, snapshot)
		return nil
	})
}

// evict removes a replaced session from its rooms. The room being joined is vacated
// silently because the join that follows announces the new state.
func (s *Service) evict(ctx context.Context, old models.PresenceSession, newConnID, joiningRoomID string) {
	if old.ConnectionID != newConnID {
		s.notify.SessionReplaced(ctx, old.ConnectionID, old.UserID)
	}
	who := old.Occupant()
	for _, roomID := range old.Rooms {
		roomID := roomID
		err := s.seq.Do(ctx, roomID, func(ctx context.Context) error {
			if roomID == joiningRoomID {
				_, err := s.table.Leave(ctx, roomID, who.ConnectionID)
				return err
			}
			return s.leaveLocked(ctx, roomID, who)
		})
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"conn_id": who.ConnectionID,
				"room_id": roomID,
			}).Warn("Failed to evict replaced connection")
		}
	}
}

// LeaveRoom removes connID from roomID. Leaving a room the connection is not in, or
// leaving from an unknown connection, does nothing.
func (s *Service) LeaveRoom(ctx context.Context, connID, roomID, userID string) error {
	if roomID == "" {
		return apperr.InvalidArgument("room is required")
	}
	return s.seq.Do(ctx, roomID, func(ctx context.Context) error {
		session, ok, err := s.registry.Lookup(ctx, connID)
		if err != nil || !ok {
			return err
		}
		if userID != "" && userID != session.UserID {
			return apperr.InvalidArgument("connection %s does not belong to user %s", connID, userID)
		}

		roster, err := s.table.Roster(ctx, roomID)
		if err != nil {
			return err
		}
		who, present := containsConn(roster, connID)
		if err := s.registry.RecordLeave(ctx, connID, roomID); err != nil {
			return err
		}
		if !present {
			return nil
		}
		return s.leaveLocked(ctx, roomID, who)
	})
}

// Disconnect forgets connID at once and then processes a leave for every room it had
// joined.
func (s *Service) Disconnect(ctx context.Context, connID string) error {
	session, ok, err := s.registry.Forget(ctx, connID)
	if err != nil || !ok {
		return err
	}

	who := session.Occupant()
	var errs []error
	for _, roomID := range session.Rooms {
		roomID := roomID
		if err := s.seq.Do(ctx, roomID, func(ctx context.Context) error {
			return s.leaveLocked(ctx, roomID, who)
		}); err != nil {
			errs = append(errs, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"conn_id": connID,
		"user_id": session.UserID,
		"rooms":   len(session.Rooms),
	}).Info("Connection disconnected")
	return errors.Join(errs...)
}

// leaveLocked must run inside the room's lane.
func (s *Service) leaveLocked(ctx context.Context, roomID string, who models.Occupant) error {
	count, err := s.table.Leave(ctx, roomID, who.ConnectionID)
	if err != nil {
		return err
	}

	logCtx := logrus.WithFields(logrus.Fields{
		"conn_id":   who.ConnectionID,
		"room_id":   roomID,
		"user_id":   who.UserID,
		"listeners": count,
	})
	logCtx.Info("Connection left room")

	snapshot, err := s.snapshotByID(ctx, roomID)
	if err != nil {
		// the room may already be gone; members still learn who left
		if !errors.Is(err, apperr.ErrNotFound) {
			logCtx.WithError(err).Warn("Failed to load room for leave broadcast")
		}
		snapshot = nil
	}
	s.notify.UserLeft(ctx, roomID, who, snapshot)
	if snapshot != nil {
		s.notify.RoomUpdated(ctx, snapshot)
	}
	return nil
}

// Evacuate drops every connection from a room without announcing anything. It is used
// once the room itself has been deleted.
func (s *Service) Evacuate(ctx context.Context, roomID string) error {
	return s.seq.Do(ctx, roomID, func(ctx context.Context) error {
		roster, err := s.table.Roster(ctx, roomID)
		if err != nil {
			return err
		}
		for _, o := range roster {
			if err := s.registry.RecordLeave(ctx, o.ConnectionID, roomID); err != nil {
				return err
			}
			if _, err := s.table.Leave(ctx, roomID, o.ConnectionID); err != nil {
				return err
			}
		}
		return nil
	})
}

// Snapshot merges a persisted room with its live roster.
func (s *Service) Snapshot(ctx context.Context, room *models.Room) (*models.RoomSnapshot, error) {
	roster, err := s.table.Roster(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	return models.NewRoomSnapshot(room, roster), nil
}

func (s *Service) snapshotByID(ctx context.Context, roomID string) (*models.RoomSnapshot, error) {
	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return s.Snapshot(ctx, room)
}

func (s *Service) ListenerCount(ctx context.Context, roomID string) (int, error) {
	return s.table.Count(ctx, roomID)
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	conns, err := s.registry.Connections(ctx)
	if err != nil {
		return nil, err
	}
	roomIDs, err := s.table.Rooms(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Connections: conns, Rooms: make(map[string][]models.Occupant, len(roomIDs))}
	for _, id := range roomIDs {
		roster, err := s.table.Roster(ctx, id)
		if err != nil {
			return nil, err
		}
		stats.Rooms[id] = roster
	}
	return stats, nil
}

func (s *Service) getRoom(ctx context.Context, roomID string) (*models.Room, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	room, err := s.store.GetRoomByID(ctx, roomID)
	return room, apperr.FromContext(err)
}

func (s *Service) getUser(ctx context.Context, userID string) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	user, err := s.store.GetUser(ctx, userID)
	return user, apperr.FromContext(err)
}
