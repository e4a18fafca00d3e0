package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listening-rooms/internal/spotify"
	"github.com/listening-rooms/internal/testutil"
	"github.com/listening-rooms/pkg/apperr"
)

type fakeSearcher struct {
	tracks []spotify.Track
	err    error
	limits []int
}

func (f *fakeSearcher) SearchTracks(_ context.Context, _ string, limit int) ([]spotify.Track, error) {
	f.limits = append(f.limits, limit)
	return f.tracks, f.err
}

func TestSearch(t *testing.T) {
	svc := NewService(testutil.NewDB(t), nil, time.Second)
	ctx := context.Background()

	for _, q := range []string{"weeknd", "WEEKND", " Weeknd "} {
		songs, err := svc.Search(ctx, q)
		require.NoError(t, err)
		require.Len(t, songs, 1, q)
		assert.Equal(t, "Blinding Lights", songs[0].Title)
	}

	songs, err := svc.Search(ctx, "nostalgia")
	require.NoError(t, err)
	require.Len(t, songs, 1, "albums match too")
	assert.Equal(t, "Levitating", songs[0].Title)

	songs, err = svc.Search(ctx, "zzz")
	require.NoError(t, err)
	assert.Empty(t, songs)

	_, err = svc.Search(ctx, "  ")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestImportStoresNewTracksOnce(t *testing.T) {
	searcher := &fakeSearcher{tracks: []spotify.Track{{
		ID:       "sp1",
		Name:     "Save Your Tears",
		Duration: 215000,
		Artists:  []spotify.Artist{{Name: "The Weeknd"}, {Name: "Ariana Grande"}},
		Album:    spotify.Album{Name: "After Hours", Images: []spotify.Image{{URL: "https://img/1"}}},
	}}}
	db := testutil.NewDB(t)
	svc := NewService(db, searcher, time.Second)
	ctx := context.Background()

	songs, err := svc.Import(ctx, "save your tears", 0)
	require.NoError(t, err)
	require.Len(t, songs, 1)
	assert.Equal(t, "The Weeknd, Ariana Grande", songs[0].Artist)
	assert.Equal(t, 215, songs[0].Duration)
	assert.Equal(t, "spotify", songs[0].Source)
	assert.Equal(t, "https://img/1", songs[0].Thumbnail)

	again, err := svc.Import(ctx, "save your tears", 500)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, songs[0].ID, again[0].ID)
	assert.Equal(t, []int{defaultImportLimit, maxImportLimit}, searcher.limits)

	found, err := svc.Search(ctx, "ariana")
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestImportFailures(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()

	_, err := NewService(db, nil, time.Second).Import(ctx, "x", 1)
	assert.ErrorIs(t, err, apperr.ErrTransport)

	_, err = NewService(db, &fakeSearcher{}, time.Second).Import(ctx, "", 1)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	upstream := apperr.Transport(errors.New("spotify down"))
	_, err = NewService(db, &fakeSearcher{err: upstream}, time.Second).Import(ctx, "x", 1)
	assert.ErrorIs(t, err, apperr.ErrTransport)
}

func TestHandlerSearch(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(NewService(testutil.NewDB(t), nil, time.Second)).RegisterRoutes(r.Group("/api/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/songs/search?q=weeknd", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Blinding Lights")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/songs/search?q=", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/songs/song2", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Olivia Rodrigo")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/songs/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
