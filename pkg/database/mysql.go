package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/listening-rooms/pkg/apperr"
	"github.com/listening-rooms/pkg/models"
)

// DB is the durable store for users, rooms, songs, queue entries and votes.
type DB struct {
	*gorm.DB
}

func NewMySQLDB(host, port, user, password, dbname string, logLevel logger.LogLevel) (*DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		user, password, host, port, dbname)

	db, err := Open(mysql.Open(dsn), logLevel)
	if err != nil {
		return nil, err
	}

	// Set connection pool settings
	sqlDB, err := db.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

// Open connects through any GORM dialector and migrates the schema.
func Open(dialector gorm.Dialector, logLevel logger.LogLevel) (*DB, error) {
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
		// Cascades are applied explicitly so that ephemeral users can be deleted
		// while queue entries they added stay in place.
		DisableForeignKeyConstraintWhenMigrating: true,
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &DB{DB: db}, nil
}

func autoMigrate(db *gorm.DB) error {
	logrus.Info("Running database migrations...")

	return db.AutoMigrate(
		&models.User{},
		&models.Room{},
		&models.Member{},
		&models.Song{},
		&models.QueueItem{},
		&models.Vote{},
	)
}

// Transaction runs fn against a store bound to a single database transaction.
func (db *DB) Transaction(ctx context.Context, fn func(tx *DB) error) error {
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&DB{DB: tx})
	})
	return translate(err, "transaction")
}

// translate maps driver errors onto the apperr taxonomy. Errors that are already
// classified pass through.
func translate(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrInvalidArgument),
		errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrTimeout),
		errors.Is(err, apperr.ErrStoreUnavailable), errors.Is(err, apperr.ErrTransport):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, apperr.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", op, apperr.ErrConflict)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w: %v", op, apperr.ErrTimeout, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, apperr.ErrStoreUnavailable, err)
	}
}

// User operations
func (db *DB) CreateUser(ctx context.Context, user *models.User) error {
	return translate(db.WithContext(ctx).Create(user).Error, "create user")
}

func (db *DB) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, translate(err, "get user "+id)
	}
	return &user, nil
}

func (db *DB) DeleteUser(ctx context.Context, id string) (bool, error) {
	res := db.WithContext(ctx).Delete(&models.User{}, "id = ?", id)
	if res.Error != nil {
		return false, translate(res.Error, "delete user "+id)
	}
	return res.RowsAffected > 0, nil
}

// Room operations
func (db *DB) CreateRoom(ctx context.Context, room *models.Room) error {
	return db.Transaction(ctx, func(tx *DB) error {
		if err := tx.WithContext(ctx).Omit(clause.Associations).Create(room).Error; err != nil {
			return translate(err, "create room")
		}
		for i := range room.Members {
			room.Members[i].RoomID = room.ID
			if err := tx.WithContext(ctx).Create(&room.Members[i]).Error; err != nil {
				return translate(err, "create room member")
			}
		}
		return nil
	})
}

func (db *DB) membersQuery(tx *gorm.DB) *gorm.DB {
	return tx.Order("joined_at ASC, id ASC")
}

func (db *DB) GetRoomByID(ctx context.Context, id string) (*models.Room, error) {
	var room models.Room
	if err := db.WithContext(ctx).Preload("Members", db.membersQuery).First(&room, "id = ?", id).Error; err != nil {
		return nil, translate(err, "get room "+id)
	}
	return &room, nil
}

func (db *DB) GetRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	var room models.Room
	if err := db.WithContext(ctx).Preload("Members", db.membersQuery).First(&room, "code = ?", code).Error; err != nil {
		return nil, translate(err, "get room by code "+code)
	}
	return &room, nil
}

func (db *DB) RoomCodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	if err := db.WithContext(ctx).Model(&models.Room{}).Where("code = ?", code).Count(&count).Error; err != nil {
		return false, translate(err, "check room code")
	}
	return count > 0, nil
}

func (db *DB) AddRoomMember(ctx context.Context, member *models.Member) error {
	return translate(db.WithContext(ctx).Create(member).Error, "add room member")
}

// RemoveRoomMember deletes the membership row and returns how many members remain.
func (db *DB) RemoveRoomMember(ctx context.Context, roomID, userID string) (int, error) {
	res := db.WithContext(ctx).Where("room_id = ? AND user_id = ?", roomID, userID).Delete(&models.Member{})
	if res.Error != nil {
		return 0, translate(res.Error, "remove room member")
	}
	if res.RowsAffected == 0 {
		return 0, apperr.InvalidArgument("user %s is not a member of room %s", userID, roomID)
	}
	var remaining int64
	if err := db.WithContext(ctx).Model(&models.Member{}).Where("room_id = ?", roomID).Count(&remaining).Error; err != nil {
		return 0, translate(err, "count room members")
	}
	return int(remaining), nil
}

// DeleteRoom removes the room with its members, queue entries and their votes.
func (db *DB) DeleteRoom(ctx context.Context, id string) error {
	return db.Transaction(ctx, func(tx *DB) error {
		entries := tx.WithContext(ctx).Model(&models.QueueItem{}).Select("id").Where("room_id = ?", id)
		if err := tx.WithContext(ctx).Where("queue_item_id IN (?)", entries).Delete(&models.Vote{}).Error; err != nil {
			return translate(err, "delete room votes")
		}
		if err := tx.WithContext(ctx).Where("room_id = ?", id).Delete(&models.QueueItem{}).Error; err != nil {
			return translate(err, "delete room queue")
		}
		if err := tx.WithContext(ctx).Where("room_id = ?", id).Delete(&models.Member{}).Error; err != nil {
			return translate(err, "delete room members")
		}
		res := tx.WithContext(ctx).Delete(&models.Room{}, "id = ?", id)
		if res.Error != nil {
			return translate(res.Error, "delete room")
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound("room %s", id)
		}
		return nil
	})
}

// Song operations
func (db *DB) CreateSong(ctx context.Context, song *models.Song) error {
	return translate(db.WithContext(ctx).Create(song).Error, "create song")
}

func (db *DB) GetSong(ctx context.Context, id string) (*models.Song, error) {
	var song models.Song
	if err := db.WithContext(ctx).First(&song, "id = ?", id).Error; err != nil {
		return nil, translate(err, "get song "+id)
	}
	return &song, nil
}

func (db *DB) GetSongByExternalID(ctx context.Context, source, externalID string) (*models.Song, error) {
	var song models.Song
	if err := db.WithContext(ctx).First(&song, "source = ? AND external_id = ?", source, externalID).Error; err != nil {
		return nil, translate(err, "get song by external id "+externalID)
	}
	return &song, nil
}

func (db *DB) CountSongs(ctx context.Context) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&models.Song{}).Count(&count).Error
	return count, translate(err, "count songs")
}

// SearchSongs matches the query as a case-insensitive substring of title, artist or album.
func (db *DB) SearchSongs(ctx context.Context, query string) ([]*models.Song, error) {
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	var songs []*models.Song
	err := db.WithContext(ctx).
		Where("LOWER(title) LIKE ? ESCAPE '!' OR LOWER(artist) LIKE ? ESCAPE '!' OR LOWER(album) LIKE ? ESCAPE '!'", pattern, pattern, pattern).
		Order("artist ASC, title ASC").
		Find(&songs).Error
	if err != nil {
		return nil, translate(err, "search songs")
	}
	return songs, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

// Queue operations
func (db *DB) queueQuery(ctx context.Context) *gorm.DB {
	return db.WithContext(ctx).Preload("Song").Preload("AddedBy")
}

func (db *DB) CreateQueueItem(ctx context.Context, item *models.QueueItem) error {
	return translate(db.WithContext(ctx).Omit(clause.Associations).Create(item).Error, "create queue item")
}

func (db *DB) CountQueueItems(ctx context.Context, roomID string) (int, error) {
	var count int64
	if err := db.WithContext(ctx).Model(&models.QueueItem{}).Where("room_id = ?", roomID).Count(&count).Error; err != nil {
		return 0, translate(err, "count queue items")
	}
	return int(count), nil
}

func (db *DB) GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error) {
	var item models.QueueItem
	if err := db.queueQuery(ctx).First(&item, "id = ?", id).Error; err != nil {
		return nil, translate(err, "get queue item "+id)
	}
	return &item, nil
}

// ListQueueItems returns the room's queue ordered by position.
func (db *DB) ListQueueItems(ctx context.Context, roomID string) ([]*models.QueueItem, error) {
	var items []*models.QueueItem
	if err := db.queueQuery(ctx).Where("room_id = ?", roomID).Order("position ASC, created_at ASC").Find(&items).Error; err != nil {
		return nil, translate(err, "list queue items")
	}
	return items, nil
}

// DeleteQueueItem removes the entry and all of its votes.
func (db *DB) DeleteQueueItem(ctx context.Context, id string) (bool, error) {
	if err := db.WithContext(ctx).Where("queue_item_id = ?", id).Delete(&models.Vote{}).Error; err != nil {
		return false, translate(err, "delete queue item votes")
	}
	res := db.WithContext(ctx).Delete(&models.QueueItem{}, "id = ?", id)
	if res.Error != nil {
		return false, translate(res.Error, "delete queue item")
	}
	return res.RowsAffected > 0, nil
}

func (db *DB) SetQueueItemPosition(ctx context.Context, id string, position int) error {
	err := db.WithContext(ctx).Model(&models.QueueItem{}).Where("id = ?", id).Update("position", position).Error
	return translate(err, "set queue item position")
}

func (db *DB) SetQueueItemVotes(ctx context.Context, id string, votes int) error {
	err := db.WithContext(ctx).Model(&models.QueueItem{}).Where("id = ?", id).Update("votes", votes).Error
	return translate(err, "set queue item votes")
}

// SetPlaying flags entryID as playing and clears the flag on every other entry of the room.
// An empty entryID only clears.
func (db *DB) SetPlaying(ctx context.Context, roomID, entryID string) error {
	err := db.WithContext(ctx).Model(&models.QueueItem{}).
		Where("room_id = ? AND is_playing = ?", roomID, true).
		Update("is_playing", false).Error
	if err != nil {
		return translate(err, "clear playing flag")
	}
	if entryID == "" {
		return nil
	}
	res := db.WithContext(ctx).Model(&models.QueueItem{}).
		Where("id = ? AND room_id = ?", entryID, roomID).
		Update("is_playing", true)
	if res.Error != nil {
		return translate(res.Error, "set playing flag")
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("queue entry %s in room %s", entryID, roomID)
	}
	return nil
}

// Vote operations
func (db *DB) GetVote(ctx context.Context, queueItemID, userID string) (*models.Vote, error) {
	var vote models.Vote
	if err := db.WithContext(ctx).First(&vote, "queue_item_id = ? AND user_id = ?", queueItemID, userID).Error; err != nil {
		return nil, translate(err, "get vote")
	}
	return &vote, nil
}

func (db *DB) CreateVote(ctx context.Context, vote *models.Vote) error {
	return translate(db.WithContext(ctx).Create(vote).Error, "create vote")
}

func (db *DB) DeleteVote(ctx context.Context, queueItemID, userID string) (bool, error) {
	res := db.WithContext(ctx).Where("queue_item_id = ? AND user_id = ?", queueItemID, userID).Delete(&models.Vote{})
	if res.Error != nil {
		return false, translate(res.Error, "delete vote")
	}
	return res.RowsAffected > 0, nil
}

// TallyVotes returns upCount - downCount for an entry.
func (db *DB) TallyVotes(ctx context.Context, queueItemID string) (int, error) {
	var rows []struct {
		Direction models.VoteDirection
		Total     int
	}
	err := db.WithContext(ctx).Model(&models.Vote{}).
		Select("direction, COUNT(*) AS total").
		Where("queue_item_id = ?", queueItemID).
		Group("direction").
		Scan(&rows).Error
	if err != nil {
		return 0, translate(err, "tally votes")
	}
	tally := 0
	for _, r := range rows {
		tally += r.Direction.Weight() * r.Total
	}
	return tally, nil
}
