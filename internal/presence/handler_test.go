package presence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerStats(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	f.room(t, "r1", "alice", "bob")
	require.NoError(t, f.svc.JoinRoom(context.Background(), "c1", "r1", "alice"))

	r := gin.New()
	NewHandler(f.svc).RegisterRoutes(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/presence/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var stats Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Connections)
	require.Len(t, stats.Rooms["r1"], 1)
	assert.Equal(t, "alice", stats.Rooms["r1"][0].UserID)
}
