package room

import (
	"context"
	"errors"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/listening-rooms/internal/sequencer"
	"github.com/listening-rooms/pkg/apperr"
	"github.com/listening-rooms/pkg/database"
	"github.com/listening-rooms/pkg/models"
)

const (
	codeLength        = 6
	codeCharset       = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxCodeAttempts   = 10
	maxNameLength     = 128
	maxUsernameLength = 64
)

var codePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// Notifier receives room lifecycle transitions. *dispatch.Dispatcher implements it.
type Notifier interface {
	RoomCreated(ctx context.Context, room *models.Room)
	RoomUpdated(ctx context.Context, snapshot *models.RoomSnapshot)
	RoomDeleted(ctx context.Context, roomID string)
}

// Presence is the part of the presence service rooms need.
type Presence interface {
	Snapshot(ctx context.Context, room *models.Room) (*models.RoomSnapshot, error)
	Evacuate(ctx context.Context, roomID string) error
}

// Cache holds recently read rooms. It may be nil.
type Cache interface {
	Get(ctx context.Context, roomID string) (*models.Room, error)
	Set(ctx context.Context, room *models.Room) error
	Invalidate(ctx context.Context, roomID string) error
}

type Service struct {
	db           *database.DB
	cache        Cache
	presence     Presence
	notify       Notifier
	seq          *sequencer.Sequencer
	storeTimeout time.Duration
}

func NewService(db *database.DB, cache Cache, presence Presence, notify Notifier, seq *sequencer.Sequencer, storeTimeout time.Duration) *Service {
	return &Service{
		db:           db,
		cache:        cache,
		presence:     presence,
		notify:       notify,
		seq:          seq,
		storeTimeout: storeTimeout,
	}
}

// CreateRoom creates the owner's session identity and a room with the owner as its
// only member.
func (s *Service) CreateRoom(ctx context.Context, name, username string) (*models.Room, string, error) {
	name, username = strings.TrimSpace(name), strings.TrimSpace(username)
	if err := validateName(name); err != nil {
		return nil, "", err
	}
	if err := validateUsername(username); err != nil {
		return nil, "", err
	}

	now := time.Now()
	owner := &models.User{ID: uuid.NewString(), Username: username, CreatedAt: now}
	room := &models.Room{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   owner.ID,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.withStore(ctx, func(ctx context.Context) error {
		for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
			room.Code = generateRoomCode()
			taken, err := s.db.RoomCodeExists(ctx, room.Code)
			if err != nil {
				return err
			}
			if taken {
				logrus.WithFields(logrus.Fields{"code": room.Code, "attempt": attempt}).Debug("Room code taken, regenerating")
				continue
			}

			room.Members = []models.Member{{UserID: owner.ID, Username: owner.Username, JoinedAt: now}}
			err = s.db.Transaction(ctx, func(tx *database.DB) error {
				if err := tx.CreateUser(ctx, owner); err != nil {
					return err
				}
				return tx.CreateRoom(ctx, room)
			})
			if errors.Is(err, apperr.ErrConflict) {
				// lost a race for the code
				continue
			}
			return err
		}
		return apperr.Conflict("no free room code after %d attempts", maxCodeAttempts)
	})
	if err != nil {
		return nil, "", err
	}

	logrus.WithFields(logrus.Fields{
		"room_id":  room.ID,
		"code":     room.Code,
		"owner_id": owner.ID,
	}).Info("Room created")

	s.cacheRoom(ctx, room)
	// nothing else can know the new room's id yet, so its lane is free
	s.notify.RoomCreated(ctx, room)
	return room, owner.ID, nil
}

// JoinByCode creates a session identity for username and adds it to the room as a
// member. It returns the updated room snapshot and the new user's id.
func (s *Service) JoinByCode(ctx context.Context, code, username string) (*models.RoomSnapshot, string, error) {
	code = NormalizeCode(code)
	username = strings.TrimSpace(username)
	if !codePattern.MatchString(code) {
		return nil, "", apperr.InvalidArgument("room code must be %d letters or digits", codeLength)
	}
	if err := validateUsername(username); err != nil {
		return nil, "", err
	}

	var room *models.Room
	err := s.withStore(ctx, func(ctx context.Context) error {
		var err error
		room, err = s.db.GetRoomByCode(ctx, code)
		return err
	})
	if err != nil {
		return nil, "", err
	}

	user := &models.User{ID: uuid.NewString(), Username: username, CreatedAt: time.Now()}
	var snapshot *models.RoomSnapshot
	err = s.seq.Do(ctx, room.ID, func(ctx context.Context) error {
		err := s.withStore(ctx, func(ctx context.Context) error {
			err := s.db.Transaction(ctx, func(tx *database.DB) error {
				// the room may have been deleted while we waited for the lane
				if _, err := tx.GetRoomByID(ctx, room.ID); err != nil {
					return err
				}
				if err := tx.CreateUser(ctx, user); err != nil {
					return err
				}
				return tx.AddRoomMember(ctx, &models.Member{
					RoomID:   room.ID,
					UserID:   user.ID,
					Username: user.Username,
					JoinedAt: user.CreatedAt,
				})
			})
			if err != nil {
				return err
			}
			room, err = s.db.GetRoomByID(ctx, room.ID)
			return err
		})
		if err != nil {
			return err
		}

		s.invalidate(ctx, room.ID)
		snapshot, err = s.presence.Snapshot(ctx, room)
		if err != nil {
			// the membership is committed; report it without live presence
			logrus.WithError(err).WithField("room_id", room.ID).Warn("Failed to load presence for room update")
			snapshot = models.NewRoomSnapshot(room, nil)
		}

		logrus.WithFields(logrus.Fields{
			"room_id": room.ID,
			"user_id": user.ID,
			"members": snapshot.MemberCount,
		}).Info("User joined room")
		s.notify.RoomUpdated(ctx, snapshot)
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return snapshot, user.ID, nil
}

// Leave removes userID's membership and deletes the user's session identity. The room
// is deleted with its queue once its last member has left. It reports whether the room
// was deleted.
func (s *Service) Leave(ctx context.Context, roomID, userID string) (bool, error) {
	if roomID == "" || userID == "" {
		return false, apperr.InvalidArgument("room and user are required")
	}

	var deleted bool
	err := s.seq.Do(ctx, roomID, func(ctx context.Context) error {
		var room *models.Room
		err := s.withStore(ctx, func(ctx context.Context) error {
			err := s.db.Transaction(ctx, func(tx *database.DB) error {
				if _, err := tx.GetRoomByID(ctx, roomID); err != nil {
					return err
				}
				remaining, err := tx.RemoveRoomMember(ctx, roomID, userID)
				if err != nil {
					return err
				}
				if _, err := tx.DeleteUser(ctx, userID); err != nil {
					return err
				}
				if remaining == 0 {
					deleted = true
					return tx.DeleteRoom(ctx, roomID)
				}
				return nil
			})
			if err != nil || deleted {
				return err
			}
			room, err = s.db.GetRoomByID(ctx, roomID)
			return err
		})
		if err != nil {
			deleted = false
			return err
		}

		s.invalidate(ctx, roomID)
		logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID})
		if deleted {
			logCtx.Info("Last member left, room deleted")
			s.notify.RoomDeleted(ctx, roomID)
			return nil
		}

		logCtx.WithField("members", len(room.Members)).Info("User left room")
		snapshot, err := s.presence.Snapshot(ctx, room)
		if err != nil {
			logCtx.WithError(err).Warn("Failed to load presence for room update")
			return nil
		}
		s.notify.RoomUpdated(ctx, snapshot)
		return nil
	})
	if err != nil {
		return false, err
	}

	if deleted {
		if err := s.presence.Evacuate(ctx, roomID); err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to clear presence of deleted room")
		}
	}
	return deleted, nil
}

// GetRoom returns the persisted room merged with its live presence.
func (s *Service) GetRoom(ctx context.Context, roomID string) (*models.RoomSnapshot, error) {
	room, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return s.presence.Snapshot(ctx, room)
}

func (s *Service) GetRoomByCode(ctx context.Context, code string) (*models.RoomSnapshot, error) {
	var room *models.Room
	err := s.withStore(ctx, func(ctx context.Context) error {
		var err error
		room, err = s.db.GetRoomByCode(ctx, NormalizeCode(code))
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.presence.Snapshot(ctx, room)
}

func (s *Service) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var user *models.User
	err := s.withStore(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.db.GetUser(ctx, userID)
		return err
	})
	return user, err
}

func (s *Service) loadRoom(ctx context.Context, roomID string) (*models.Room, error) {
	if s.cache != nil {
		room, err := s.cache.Get(ctx, roomID)
		if err == nil {
			return room, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			logrus.WithError(err).WithField("room_id", roomID).Warn("Room cache read failed")
		}
	}

	var room *models.Room
	err := s.withStore(ctx, func(ctx context.Context) error {
		var err error
		room, err = s.db.GetRoomByID(ctx, roomID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.cacheRoom(ctx, room)
	return room, nil
}

func (s *Service) cacheRoom(ctx context.Context, room *models.Room) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, room); err != nil {
		logrus.WithError(err).WithField("room_id", room.ID).Warn("Failed to cache room")
	}
}

func (s *Service) invalidate(ctx context.Context, roomID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, roomID); err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to invalidate cached room")
	}
}

func (s *Service) withStore(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		return apperr.FromContext(err)
	}
	return nil
}

// NormalizeCode trims and upper-cases a room code as typed by a user.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func validateName(name string) error {
	if name == "" {
		return apperr.InvalidArgument("room name is required")
	}
	if len(name) > maxNameLength {
		return apperr.InvalidArgument("room name is longer than %d characters", maxNameLength)
	}
	return nil
}

func validateUsername(username string) error {
	if username == "" {
		return apperr.InvalidArgument("username is required")
	}
	if len(username) > maxUsernameLength {
		return apperr.InvalidArgument("username is longer than %d characters", maxUsernameLength)
	}
	return nil
}

func generateRoomCode() string {
	b := make([]byte, codeLength)
	for i := range b {
		b[i] = codeCharset[rand.IntN(len(codeCharset))]
	}
	return string(b)
}
