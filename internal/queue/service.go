// Package queue keeps each room's ordered song queue and the vote tally of every entry.
//
// Positions in a room are always 0..n-1 without gaps. Display order is by position.
// Whether votes move entries is decided by the room's Policy.
package queue

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/listening-rooms/internal/sequencer"
	"github.com/listening-rooms/pkg/apperr"
	"github.com/listening-rooms/pkg/database"
	"github.com/listening-rooms/pkg/models"
)

type Policy string

const (
	// PolicyManual keeps votes informational; only explicit reorders move entries.
	PolicyManual Policy = "manual"
	// PolicyVotes re-ranks the queue by score after every vote. The playing entry stays first.
	PolicyVotes Policy = "votes"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", PolicyManual:
		return PolicyManual, nil
	case PolicyVotes:
		return PolicyVotes, nil
	default:
		return "", apperr.InvalidArgument("unknown queue order policy %q", s)
	}
}

// Notifier receives the full queue of a room after every change.
type Notifier interface {
	QueueUpdated(ctx context.Context, roomID string, queue []*models.QueueItem)
}

type Service struct {
	db           *database.DB
	notify       Notifier
	seq          *sequencer.Sequencer
	policy       Policy
	storeTimeout time.Duration
}

func NewService(db *database.DB, notify Notifier, seq *sequencer.Sequencer, policy Policy, storeTimeout time.Duration) *Service {
	return &Service{
		db:           db,
		notify:       notify,
		seq:          seq,
		policy:       policy,
		storeTimeout: storeTimeout,
	}
}

// Enqueue appends songID to the end of the room's queue. The same song may be queued
// any number of times.
func (s *Service) Enqueue(ctx context.Context, roomID, songID, addedByID string) (*models.QueueItem, error) {
	if roomID == "" || songID == "" || addedByID == "" {
		return nil, apperr.InvalidArgument("room, song and user are required")
	}

	var item *models.QueueItem
	err := s.seq.Do(ctx, roomID, func(ctx context.Context) error {
		err := s.withStore(ctx, func(ctx context.Context) error {
			if err := s.requireMember(ctx, roomID, addedByID); err != nil {
				return err
			}
			if _, err := s.db.GetSong(ctx, songID); err != nil {
				return err
			}

			entry := &models.QueueItem{
				ID:        uuid.NewString(),
				RoomID:    roomID,
				SongID:    songID,
				AddedByID: addedByID,
				CreatedAt: time.Now(),
			}
			err := s.db.Transaction(ctx, func(tx *database.DB) error {
				n, err := tx.CountQueueItems(ctx, roomID)
				if err != nil {
					return err
				}
				entry.Position = n
				return tx.CreateQueueItem(ctx, entry)
			})
			if err != nil {
				return err
			}

			item, err = s.db.GetQueueItem(ctx, entry.ID)
			return err
		})
		if err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"room_id":  roomID,
			"entry_id": item.ID,
			"song_id":  songID,
			"position": item.Position,
		}).Info("Song enqueued")
		s.broadcast(ctx, roomID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Vote replaces any earlier vote of userID on the entry with a vote in direction and
// recomputes the entry's tally as ups minus downs.
func (s *Service) Vote(ctx context.Context, entryID, userID string, direction models.VoteDirection) (*models.Vote, *models.QueueItem, error) {
	if !direction.Valid() {
		return nil, nil, apperr.InvalidArgument("vote direction must be %q or %q", models.VoteUp, models.VoteDown)
	}
	if userID == "" {
		return nil, nil, apperr.InvalidArgument("user is required")
	}
	roomID, err := s.roomOf(ctx, entryID)
	if err != nil {
		return nil, nil, err
	}

	var (
		vote *models.Vote
		item *models.QueueItem
	)
	err = s.seq.Do(ctx, roomID, func(ctx context.Context) error {
		err := s.withStore(ctx, func(ctx context.Context) error {
			if err := s.requireMember(ctx, roomID, userID); err != nil {
				return err
			}
			err := s.db.Transaction(ctx, func(tx *database.DB) error {
				if _, err := tx.GetQueueItem(ctx, entryID); err != nil {
					return err
				}
				if _, err := tx.DeleteVote(ctx, entryID, userID); err != nil {
					return err
				}
				vote = &models.Vote{
					ID:          uuid.NewString(),
					QueueItemID: entryID,
					UserID:      userID,
					Direction:   direction,
					CreatedAt:   time.Now(),
				}
				if err := tx.CreateVote(ctx, vote); err != nil {
					return err
				}
				return s.retally(ctx, tx, roomID, entryID)
			})
			if err != nil {
				return err
			}
			item, err = s.db.GetQueueItem(ctx, entryID)
			return err
		})
		if err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"room_id":   roomID,
			"entry_id":  entryID,
			"user_id":   userID,
			"direction": direction,
			"votes":     item.Votes,
		}).Info("Vote cast")
		s.broadcast(ctx, roomID)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return vote, item, nil
}

// Unvote removes userID's vote from the entry and reports whether there was one.
func (s *Service) Unvote(ctx context.Context, entryID, userID string) (bool, error) {
	roomID, err := s.roomOf(ctx, entryID)
	if err != nil {
		return false, err
	}

	var existed bool
	err = s.seq.Do(ctx, roomID, func(ctx context.Context) error {
		err := s.withStore(ctx, func(ctx context.Context) error {
			return s.db.Transaction(ctx, func(tx *database.DB) error {
				var err error
				existed, err = tx.DeleteVote(ctx, entryID, userID)
				if err != nil || !existed {
					return err
				}
				return s.retally(ctx, tx, roomID, entryID)
			})
		})
		if err != nil {
			return err
		}
		if existed {
			s.broadcast(ctx, roomID)
		}
		return nil
	})
	return existed, err
}

// retally stores the entry's score and re-ranks the room if the policy asks for it.
// It runs inside a transaction.
func (s *Service) retally(ctx context.Context, tx *database.DB, roomID, entryID string) error {
	tally, err := tx.TallyVotes(ctx, entryID)
	if err != nil {
		return err
	}
	if err := tx.SetQueueItemVotes(ctx, entryID, tally); err != nil {
		return err
	}
	if s.policy == PolicyVotes {
		return rerank(ctx, tx, roomID)
	}
	return nil
}

// Remove deletes the entry with its votes and closes the gap it leaves.
func (s *Service) Remove(ctx context.Context, entryID string) error {
	roomID, err := s.roomOf(ctx, entryID)
	if err != nil {
		return err
	}

	return s.seq.Do(ctx, roomID, func(ctx context.Context) error {
		err := s.withStore(ctx, func(ctx context.Context) error {
			return s.db.Transaction(ctx, func(tx *database.DB) error {
				deleted, err := tx.DeleteQueueItem(ctx, entryID)
				if err != nil {
					return err
				}
				if !deleted {
					return apperr.NotFound("queue entry %s", entryID)
				}
				return compact(ctx, tx, roomID)
			})
		})
		if err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{"room_id": roomID, "entry_id": entryID}).Info("Queue entry removed")
		s.broadcast(ctx, roomID)
		return nil
	})
}

// Reorder assigns positions 0..n-1 in the order given. The ids must be exactly the
// room's current entries.
func (s *Service) Reorder(ctx context.Context, roomID string, orderedIDs []string) ([]*models.QueueItem, error) {
	var queue []*models.QueueItem
	err := s.seq.Do(ctx, roomID, func(ctx context.Context) error {
		err := s.withStore(ctx, func(ctx context.Context) error {
			if _, err := s.db.GetRoomByID(ctx, roomID); err != nil {
				return err
			}
			err := s.db.Transaction(ctx, func(tx *database.DB) error {
				items, err := tx.ListQueueItems(ctx, roomID)
				if err != nil {
					return err
				}
				if err := sameEntries(items, orderedIDs); err != nil {
					return err
				}
				byID := make(map[string]*models.QueueItem, len(items))
				for _, it := range items {
					byID[it.ID] = it
				}
				ordered := make([]*models.QueueItem, len(orderedIDs))
				for i, id := range orderedIDs {
					ordered[i] = byID[id]
				}
				return assignPositions(ctx, tx, ordered)
			})
			if err != nil {
				return err
			}
			queue, err = s.db.ListQueueItems(ctx, roomID)
			return err
		})
		if err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{"room_id": roomID, "entries": len(queue)}).Info("Queue reordered")
		s.notify.QueueUpdated(ctx, roomID, queue)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return queue, nil
}

func sameEntries(items []*models.QueueItem, ids []string) error {
	if len(items) != len(ids) {
		return apperr.InvalidArgument("reorder lists %d entries, queue has %d", len(ids), len(items))
	}
	current := make(map[string]bool, len(items))
	for _, it := range items {
		current[it.ID] = true
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !current[id] {
			return apperr.InvalidArgument("entry %s is not in the queue", id)
		}
		if seen[id] {
			return apperr.InvalidArgument("entry %s listed twice", id)
		}
		seen[id] = true
	}
	return nil
}

// List returns the room's queue in display order.
func (s *Service) List(ctx context.Context, roomID string) ([]*models.QueueItem, error) {
	var queue []*models.QueueItem
	err := s.withStore(ctx, func(ctx context.Context) error {
		if _, err := s.db.GetRoomByID(ctx, roomID); err != nil {
			return err
		}
		var err error
		queue, err = s.db.ListQueueItems(ctx, roomID)
		return err
	})
	return queue, err
}

// CurrentlyPlaying returns the flagged entry, or the lowest-position entry when none
// is flagged, or nil for an empty queue. It never changes state.
func (s *Service) CurrentlyPlaying(ctx context.Context, roomID string) (*models.QueueItem, error) {
	queue, err := s.List(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return nowPlaying(queue), nil
}

func nowPlaying(queue []*models.QueueItem) *models.QueueItem {
	for _, it := range queue {
		if it.IsPlaying {
			return it
		}
	}
	if len(queue) > 0 {
		return queue[0]
	}
	return nil
}

// Play flags the entry as the one playing in its room.
func (s *Service) Play(ctx context.Context, entryID string) (*models.QueueItem, error) {
	roomID, err := s.roomOf(ctx, entryID)
	if err != nil {
		return nil, err
	}

	var item *models.QueueItem
	err = s.seq.Do(ctx, roomID, func(ctx context.Context) error {
		err := s.withStore(ctx, func(ctx context.Context) error {
			err := s.db.Transaction(ctx, func(tx *database.DB) error {
				if err := tx.SetPlaying(ctx, roomID, entryID); err != nil {
					return err
				}
				if s.policy == PolicyVotes {
					return rerank(ctx, tx, roomID)
				}
				return nil
			})
			if err != nil {
				return err
			}
			item, err = s.db.GetQueueItem(ctx, entryID)
			return err
		})
		if err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{"room_id": roomID, "entry_id": entryID}).Info("Now playing")
		s.broadcast(ctx, roomID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Advance drops the entry that is playing (or the head of the queue) and flags the
// next one. It returns the new playing entry, or nil when the queue ran out.
func (s *Service) Advance(ctx context.Context, roomID string) (*models.QueueItem, error) {
	var next *models.QueueItem
	err := s.seq.Do(ctx, roomID, func(ctx context.Context) error {
		var changed bool
		err := s.withStore(ctx, func(ctx context.Context) error {
			if _, err := s.db.GetRoomByID(ctx, roomID); err != nil {
				return err
			}
			return s.db.Transaction(ctx, func(tx *database.DB) error {
				queue, err := tx.ListQueueItems(ctx, roomID)
				if err != nil {
					return err
				}
				current := nowPlaying(queue)
				if current == nil {
					return nil
				}
				changed = true
				if _, err := tx.DeleteQueueItem(ctx, current.ID); err != nil {
					return err
				}
				if err := compact(ctx, tx, roomID); err != nil {
					return err
				}
				remaining, err := tx.ListQueueItems(ctx, roomID)
				if err != nil || len(remaining) == 0 {
					return err
				}
				next = remaining[0]
				if err := tx.SetPlaying(ctx, roomID, next.ID); err != nil {
					return err
				}
				next.IsPlaying = true
				return nil
			})
		})
		if err != nil {
			return err
		}
		if changed {
			s.broadcast(ctx, roomID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// compact renumbers the room's entries to 0..n-1 keeping their order.
func compact(ctx context.Context, tx *database.DB, roomID string) error {
	items, err := tx.ListQueueItems(ctx, roomID)
	if err != nil {
		return err
	}
	return assignPositions(ctx, tx, items)
}

// rerank orders the playing entry first, then by score, then by previous position.
func rerank(ctx context.Context, tx *database.DB, roomID string) error {
	items, err := tx.ListQueueItems(ctx, roomID)
	if err != nil {
		return err
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].IsPlaying != items[j].IsPlaying {
			return items[i].IsPlaying
		}
		if items[i].Votes != items[j].Votes {
			return items[i].Votes > items[j].Votes
		}
		return items[i].Position < items[j].Position
	})
	return assignPositions(ctx, tx, items)
}

func assignPositions(ctx context.Context, tx *database.DB, ordered []*models.QueueItem) error {
	for i, it := range ordered {
		if it.Position == i {
			continue
		}
		if err := tx.SetQueueItemPosition(ctx, it.ID, i); err != nil {
			return err
		}
		it.Position = i
	}
	return nil
}

// broadcast sends the committed queue to the room. It runs inside the room's lane so
// rooms see queue states in commit order.
func (s *Service) broadcast(ctx context.Context, roomID string) {
	var queue []*models.QueueItem
	err := s.withStore(ctx, func(ctx context.Context) error {
		var err error
		queue, err = s.db.ListQueueItems(ctx, roomID)
		return err
	})
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to load queue for broadcast")
		return
	}
	s.notify.QueueUpdated(ctx, roomID, queue)
}

func (s *Service) roomOf(ctx context.Context, entryID string) (string, error) {
	if entryID == "" {
		return "", apperr.InvalidArgument("queue entry is required")
	}
	var roomID string
	err := s.withStore(ctx, func(ctx context.Context) error {
		item, err := s.db.GetQueueItem(ctx, entryID)
		if err != nil {
			return err
		}
		roomID = item.RoomID
		return nil
	})
	return roomID, err
}

func (s *Service) requireMember(ctx context.Context, roomID, userID string) error {
	room, err := s.db.GetRoomByID(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.HasMember(userID) {
		return apperr.InvalidArgument("user %s is not a member of room %s", userID, roomID)
	}
	return nil
}

// withStore bounds store work by the configured timeout.
func (s *Service) withStore(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		return apperr.FromContext(err)
	}
	return nil
}
