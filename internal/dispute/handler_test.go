package dispute

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RankedLobby/internal/match"
)

func newRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if uid := c.GetHeader("X-User"); uid != "" {
			c.Set("userId", uid)
		}
	})
	h := NewHandler(f.c)
	r.POST("/reviewers/online", h.Online)
	r.POST("/reviewers/offline", h.Offline)
	r.GET("/disputes", h.Queue)
	r.POST("/disputes/:id/resolve", h.Resolve)
	return r
}

func call(r *gin.Engine, method, path, user, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User", user)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestHandlerReviewerFlow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reviewers = []string{"mod"}
	f := newFixture(t, cfg)
	m := f.open(t, "m1", match.OriginPlayerRequest, false)
	r := newRouter(f)

	assert.Equal(t, http.StatusUnauthorized, call(r, http.MethodGet, "/disputes", "", "").Code)
	assert.Equal(t, http.StatusForbidden, call(r, http.MethodGet, "/disputes", "a-m1", "").Code)

	w := call(r, http.MethodGet, "/disputes", "mod", "")
	require.Equal(t, http.StatusOK, w.Code)
	var q QueueResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &q))
	require.Len(t, q.Pending, 1)
	assert.Equal(t, "m1", q.Pending[0].MatchID)
	assert.Empty(t, q.Assigned)

	w = call(r, http.MethodPost, "/reviewers/online", "mod", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &q))
	assert.Empty(t, q.Pending)
	require.Len(t, q.Assigned, 1)
	assert.Equal(t, "mod", q.Assigned[0].Reviewer)

	path := "/disputes/" + m.Dispute.ID + "/resolve"
	assert.Equal(t, http.StatusBadRequest, call(r, http.MethodPost, path, "mod", "{").Code)
	assert.Equal(t, http.StatusBadRequest, call(r, http.MethodPost, path, "mod", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, call(r, http.MethodPost, "/disputes/nope/resolve", "mod", `{"cancelled":true}`).Code)

	w = call(r, http.MethodPost, path, "mod", `{"winner":"a-m1","note":"clip"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := f.get(t, "m1")
	assert.Equal(t, match.StatusCompleted, got.Status)
	assert.Equal(t, "a-m1", got.Outcome.WinnerID)

	assert.Equal(t, http.StatusOK, call(r, http.MethodPost, "/reviewers/offline", "mod", "").Code)
}

func TestHandlerOfflineRequeues(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.open(t, "m1", match.OriginScoreMismatch, false)
	r := newRouter(f)

	require.Equal(t, http.StatusOK, call(r, http.MethodPost, "/reviewers/online", "rev", "").Code)
	require.Len(t, f.c.Assigned("rev"), 1)
	require.Equal(t, http.StatusOK, call(r, http.MethodPost, "/reviewers/offline", "rev", "").Code)
	assert.Len(t, f.c.Queue(), 1)
}
