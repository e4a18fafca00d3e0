// Package catalog searches the song catalog and imports new songs from Spotify.
package catalog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/listening-rooms/internal/spotify"
	"github.com/listening-rooms/pkg/apperr"
	"github.com/listening-rooms/pkg/database"
	"github.com/listening-rooms/pkg/models"
)

const (
	sourceSpotify = "spotify"

	defaultImportLimit = 10
	maxImportLimit     = 50
)

// TrackSearcher finds tracks in an external catalog. *spotify.Client implements it.
type TrackSearcher interface {
	SearchTracks(ctx context.Context, query string, limit int) ([]spotify.Track, error)
}

type Service struct {
	db           *database.DB
	tracks       TrackSearcher
	storeTimeout time.Duration
}

// NewService builds the catalog. tracks may be nil when no external catalog is
// configured; Import then fails.
func NewService(db *database.DB, tracks TrackSearcher, storeTimeout time.Duration) *Service {
	return &Service{db: db, tracks: tracks, storeTimeout: storeTimeout}
}

// Search matches query case-insensitively against title, artist and album.
func (s *Service) Search(ctx context.Context, query string) ([]*models.Song, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.InvalidArgument("search query is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	songs, err := s.db.SearchSongs(ctx, query)
	if err != nil {
		return nil, apperr.FromContext(err)
	}
	return songs, nil
}

func (s *Service) GetSong(ctx context.Context, id string) (*models.Song, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	song, err := s.db.GetSong(ctx, id)
	return song, apperr.FromContext(err)
}

// Import searches the external catalog and stores the tracks not seen before. Tracks
// already imported are returned as stored.
func (s *Service) Import(ctx context.Context, query string, limit int) ([]*models.Song, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.InvalidArgument("search query is required")
	}
	if s.tracks == nil {
		return nil, apperr.Transport(errors.New("no external catalog configured"))
	}
	if limit <= 0 {
		limit = defaultImportLimit
	}
	if limit > maxImportLimit {
		limit = maxImportLimit
	}

	tracks, err := s.tracks.SearchTracks(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	songs := make([]*models.Song, 0, len(tracks))
	var created int
	for _, track := range tracks {
		song, err := s.db.GetSongByExternalID(ctx, sourceSpotify, track.ID)
		if err == nil {
			songs = append(songs, song)
			continue
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.FromContext(err)
		}

		song = &models.Song{
			ID:         uuid.NewString(),
			Title:      track.Name,
			Artist:     track.ArtistNames(),
			Album:      track.Album.Name,
			Duration:   track.Duration / 1000,
			Thumbnail:  track.Thumbnail(),
			ExternalID: track.ID,
			Source:     sourceSpotify,
		}
		if err := s.db.CreateSong(ctx, song); err != nil {
			return nil, apperr.FromContext(err)
		}
		created++
		songs = append(songs, song)
	}

	logrus.WithFields(logrus.Fields{
		"query":    query,
		"found":    len(tracks),
		"imported": created,
	}).Info("Imported songs")
	return songs, nil
}
