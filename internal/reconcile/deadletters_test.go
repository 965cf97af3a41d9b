package reconcile_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/checkout/internal/reconcile"
	"github.com/aura-webinar/checkout/pkg/queue"
)

type fixedLister struct {
	jobs      []queue.Job
	err       error
	lastLimit int64
}

func (f *fixedLister) DeadLetters(_ context.Context, limit int64) ([]queue.Job, error) {
	f.lastLimit = limit
	return f.jobs, f.err
}

func deadLetterRouter(h *reconcile.DeadLetterHandler) *gin.Engine {
	r := gin.New()
	r.GET("/admin/reconcile/dead-letters", h.List)
	return r
}

func TestDeadLetterList(t *testing.T) {
	lister := &fixedLister{jobs: []queue.Job{{ID: "job-1", Type: queue.JobTypeReconcile, Attempt: 3}}}
	r := deadLetterRouter(reconcile.NewDeadLetterHandler(lister, nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/reconcile/dead-letters?limit=1000", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(200), lister.lastLimit)

	var body struct {
		Data struct {
			Jobs []queue.Job `json:"jobs"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data.Jobs, 1)
	assert.Equal(t, "job-1", body.Data.Jobs[0].ID)
}

func TestDeadLetterListErrors(t *testing.T) {
	w := httptest.NewRecorder()
	deadLetterRouter(reconcile.NewDeadLetterHandler(nil, nil)).
		ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/reconcile/dead-letters", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	r := deadLetterRouter(reconcile.NewDeadLetterHandler(&fixedLister{err: errors.New("redis down")}, nil))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/reconcile/dead-letters?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/reconcile/dead-letters", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
