package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/loykin/jobstream/internal/auth"
	"github.com/loykin/jobstream/internal/broker"
	"github.com/loykin/jobstream/internal/enginetest"
	"github.com/loykin/jobstream/internal/event"
	"github.com/loykin/jobstream/internal/registry"
)

func init() { gin.SetMode(gin.TestMode) }

// newTestRouter builds a router over a broker that is never connected; the
// registry is seeded directly.
func newTestRouter(t *testing.T, basePath string) (*Router, *registry.Registry) {
	t.Helper()
	reg := registry.New(0, nil)
	src := auth.NewSource("http://127.0.0.1:0", "")
	brk := broker.New(src, reg, nil, broker.Options{
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  50 * time.Millisecond,
	})
	t.Cleanup(brk.Close)
	return NewRouter(brk, basePath), reg
}

func seedJob(reg *registry.Registry, jobID string, seq int64, states ...event.JobState) {
	var prev *event.JobState
	for _, st := range states {
		seq++
		reg.Apply(&event.JobStateChanged{
			Envelope: event.Envelope{
				EventType:      event.TypeJobStateChanged,
				SequenceNumber: seq,
				TimestampUTC:   event.Timestamp{Time: time.Now().UTC()},
			},
			JobID:    jobID,
			OldState: prev,
			NewState: st,
		})
		s := st
		prev = &s
	}
}

func doRequest(t *testing.T, r *Router, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)
	return w
}

func TestListJobs(t *testing.T) {
	r, reg := newTestRouter(t, "")
	seedJob(reg, "j1", 0, event.StateQueued, event.StateRunning)
	seedJob(reg, "j2", 10, event.StateQueued)

	w := doRequest(t, r, http.MethodGet, "/jobs")
	require.Equal(t, http.StatusOK, w.Code)

	var jobs []registry.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	require.Len(t, jobs, 2)
}

func TestListJobsStateFilter(t *testing.T) {
	r, reg := newTestRouter(t, "")
	seedJob(reg, "j1", 0, event.StateQueued, event.StateRunning)
	seedJob(reg, "j2", 10, event.StateQueued)
	seedJob(reg, "j3", 20, event.StateQueued, event.StateRunning, event.StateCompleted)

	w := doRequest(t, r, http.MethodGet, "/jobs?state=running,completed")
	require.Equal(t, http.StatusOK, w.Code)

	var jobs []registry.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		require.Contains(t, []event.JobState{event.StateRunning, event.StateCompleted}, j.State)
	}
}

func TestListJobsRejectsUnknownState(t *testing.T) {
	r, _ := newTestRouter(t, "")
	w := doRequest(t, r, http.MethodGet, "/jobs?state=sleeping")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "unknown state")
}

func TestGetJob(t *testing.T) {
	r, reg := newTestRouter(t, "")
	seedJob(reg, "j1", 0, event.StateQueued)

	w := doRequest(t, r, http.MethodGet, "/jobs/j1")
	require.Equal(t, http.StatusOK, w.Code)
	var job registry.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	require.Equal(t, "j1", job.ID)
	require.Equal(t, event.StateQueued, job.State)

	w = doRequest(t, r, http.MethodGet, "/jobs/missing")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobLogsAndTransitions(t *testing.T) {
	r, reg := newTestRouter(t, "")
	seedJob(reg, "j1", 0, event.StateQueued, event.StateRunning)
	reg.Apply(&event.JobLog{
		Envelope: event.Envelope{
			EventType:      event.TypeJobLog,
			SequenceNumber: 50,
			TimestampUTC:   event.Timestamp{Time: time.Now().UTC()},
		},
		JobID:   "j1",
		Level:   "info",
		Message: "step one",
	})

	w := doRequest(t, r, http.MethodGet, "/jobs/j1/logs")
	require.Equal(t, http.StatusOK, w.Code)
	var logs []registry.LogEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	require.Len(t, logs, 1)
	require.Equal(t, "step one", logs[0].Message)

	w = doRequest(t, r, http.MethodGet, "/jobs/j1/transitions")
	require.Equal(t, http.StatusOK, w.Code)
	var ts []registry.Transition
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ts))
	require.Len(t, ts, 2)

	// Unknown jobs get empty collections, not errors.
	w = doRequest(t, r, http.MethodGet, "/jobs/missing/logs")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestArchive(t *testing.T) {
	r, reg := newTestRouter(t, "")
	seedJob(reg, "done", 0, event.StateQueued, event.StateRunning, event.StateCompleted)
	seedJob(reg, "live", 10, event.StateQueued, event.StateRunning)

	w := doRequest(t, r, http.MethodPost, "/jobs/missing/archive")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, r, http.MethodPost, "/jobs/live/archive")
	require.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(t, r, http.MethodPost, "/jobs/done/archive")
	require.Equal(t, http.StatusOK, w.Code)
	job, ok := reg.Get("done")
	require.True(t, ok)
	require.Equal(t, event.StateArchived, job.State)
}

func TestHealthAndEngineWithoutStream(t *testing.T) {
	r, _ := newTestRouter(t, "")

	w := doRequest(t, r, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "[]", strings.TrimSpace(w.Body.String()))

	w = doRequest(t, r, http.MethodGet, "/engine")
	require.Equal(t, http.StatusOK, w.Code)
	var eng broker.EngineState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &eng))
	require.False(t, eng.Live)
}

func TestBasePathMounting(t *testing.T) {
	r, reg := newTestRouter(t, "jobstream/")
	seedJob(reg, "j1", 0, event.StateQueued)

	w := doRequest(t, r, http.MethodGet, "/jobstream/jobs/j1")
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, r, http.MethodGet, "/jobs/j1")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newTestRouter(t, "")
	w := doRequest(t, r, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestWebsocketLiveTail(t *testing.T) {
	eng := enginetest.New("ws-token")
	defer eng.Close()

	reg := registry.New(0, nil)
	src := auth.NewSource(eng.URL(), "ws-token")
	brk := broker.New(src, reg, nil, broker.Options{
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  50 * time.Millisecond,
	})
	defer brk.Close()

	srv := httptest.NewServer(NewRouter(brk, "").Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = conn.Close() }()

	// Wait for the broker's stream to come up before emitting.
	require.Eventually(t, func() bool { return eng.StreamCount() > 0 }, 2*time.Second, 10*time.Millisecond)
	eng.EmitStateChanged("ws-job", "", "queued")

	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var frame struct {
			Kind    string          `json:"kind"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Kind == "health" {
			// Health frames carry the state by name, matching /health.
			var h struct {
				State string `json:"state"`
			}
			require.NoError(t, json.Unmarshal(frame.Payload, &h))
			require.Contains(t, []string{"disconnected", "reconnecting", "connected"}, h.State)
			continue
		}
		if frame.Kind != "event" {
			continue
		}
		var env struct {
			EventType string `json:"event_type"`
			JobID     string `json:"job_id"`
		}
		require.NoError(t, json.Unmarshal(frame.Payload, &env))
		if env.EventType == "job.state_changed" && env.JobID == "ws-job" {
			return
		}
	}
}
