package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicedesk/voicedesk/internal/scheduler"
)

type fakeJobs struct {
	jobs []*scheduler.Job
	err  error
}

func (f *fakeJobs) Jobs(_ context.Context, clientID string) ([]*scheduler.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*scheduler.Job
	for _, j := range f.jobs {
		if j.ClientID == clientID {
			out = append(out, j)
		}
	}
	return out, nil
}

type fakeRunner struct{ n int }

func (f *fakeRunner) RunDue(context.Context) (int, error) { return f.n, nil }

type fakeStats map[string]any

func (f fakeStats) Stats() map[string]any { return f }

func serve(t *testing.T, h *Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestListJobs(t *testing.T) {
	now := time.Now()
	jobs := &fakeJobs{jobs: []*scheduler.Job{
		{ID: "job_1", Kind: scheduler.KindCreditReset, ClientID: "cli_a", Offset: 1, FireAt: now, Status: scheduler.StatusPending},
		{ID: "job_2", Kind: scheduler.KindCreditReset, ClientID: "cli_b", Offset: 1, FireAt: now, Status: scheduler.StatusPending},
	}}

	w, body := serve(t, NewHandler().WithJobLister(jobs), "GET", "/v1/admin/clients/cli_a/jobs")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, body = serve(t, NewHandler().WithJobLister(jobs), "GET", "/v1/admin/clients/cli_none/jobs")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["count"])
	assert.Equal(t, []any{}, body["jobs"])
}

func TestListJobs_Error(t *testing.T) {
	w, body := serve(t, NewHandler().WithJobLister(&fakeJobs{err: errors.New("db down")}), "GET", "/v1/admin/clients/cli_a/jobs")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal_error", body["error"])
}

func TestRunScheduler(t *testing.T) {
	w, body := serve(t, NewHandler().WithSchedulerRunner(&fakeRunner{n: 3}), "POST", "/v1/admin/scheduler/run")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, body["executed"])
}

func TestRealtimeStats(t *testing.T) {
	w, body := serve(t, NewHandler().WithRealtimeStats(fakeStats{"connectedClients": 2}), "GET", "/v1/admin/realtime/stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["connectedClients"])
}

func TestUnconfigured(t *testing.T) {
	for _, tc := range []struct{ method, path string }{
		{"GET", "/v1/admin/clients/cli_a/jobs"},
		{"POST", "/v1/admin/scheduler/run"},
		{"GET", "/v1/admin/realtime/stats"},
	} {
		w, body := serve(t, NewHandler(), tc.method, tc.path)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, tc.path)
		assert.Equal(t, "unavailable", body["error"], tc.path)
	}
}
