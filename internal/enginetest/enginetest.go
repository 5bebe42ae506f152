// Package enginetest provides an in-process stand-in for the job engine:
// the /v1/events SSE feed with Last-Event-ID replay plus the job control
// endpoints. It exists for tests only.
package enginetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type record struct {
	seq   int64
	frame string
}

type conn struct {
	ch   chan string
	done chan struct{}
}

// Engine is a fake engine backed by httptest.Server. Emit* methods publish
// events to every connected stream; control endpoints operate on an
// in-memory job table.
type Engine struct {
	srv   *httptest.Server
	token string

	mu       sync.Mutex
	seq      int64
	history  []record
	conns    map[*conn]struct{}
	jobs     map[string]map[string]any
	receipts map[string]map[string]any
	order    []string
}

// New starts the fake engine. token, when non-empty, is required as a
// bearer credential on every endpoint.
func New(token string) *Engine {
	e := &Engine{
		token:    token,
		conns:    make(map[*conn]struct{}),
		jobs:     make(map[string]map[string]any),
		receipts: make(map[string]map[string]any),
	}
	gin.SetMode(gin.TestMode)
	g := gin.New()
	g.GET("/v1/events", e.handleEvents)
	g.GET("/v1/engine/status", e.handleStatus)
	g.POST("/v1/jobs", e.handleCreate)
	g.GET("/v1/jobs", e.handleList)
	g.GET("/v1/jobs/:id", e.handleGet)
	g.GET("/v1/jobs/:id/receipt", e.handleReceipt)
	g.POST("/v1/jobs/:id/cancel", e.handleCancel)
	e.srv = httptest.NewServer(g)
	return e
}

// URL returns the engine base URL.
func (e *Engine) URL() string { return e.srv.URL }

// RotateToken replaces the required bearer credential. Open streams are not
// affected; new requests must carry the new token.
func (e *Engine) RotateToken(token string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.token = token
}

// Close shuts the server down and terminates all streams.
func (e *Engine) Close() {
	e.mu.Lock()
	for c := range e.conns {
		close(c.done)
	}
	e.conns = make(map[*conn]struct{})
	e.mu.Unlock()
	e.srv.Close()
}

// DropStreams severs every open event stream without stopping the server,
// forcing connected sessions onto their reconnect path.
func (e *Engine) DropStreams() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for c := range e.conns {
		close(c.done)
	}
	e.conns = make(map[*conn]struct{})
}

// StreamCount reports how many event streams are currently open.
func (e *Engine) StreamCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// Emit publishes an event with the next sequence number and returns it.
// fields must not include event_type or sequence_number.
func (e *Engine) Emit(eventType string, fields map[string]any) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	seq := e.seq
	e.broadcastLocked(record{seq: seq, frame: buildFrame(eventType, seq, fields)})
	return seq
}

// Resend re-broadcasts an already published sequence number verbatim.
// Consumers with an intact dedup window must drop it.
func (e *Engine) Resend(seq int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.history {
		if r.seq == seq {
			e.broadcastRawLocked(r.frame)
			return
		}
	}
}

// SendRaw pushes raw bytes onto every open stream without recording them.
// Useful for malformed-frame tests.
func (e *Engine) SendRaw(raw string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcastRawLocked(raw)
}

// EmitStateChanged publishes a job.state_changed event.
func (e *Engine) EmitStateChanged(jobID, oldState, newState string) int64 {
	return e.Emit("job.state_changed", map[string]any{
		"job_id": jobID, "old_state": oldState, "new_state": newState,
	})
}

// EmitProgress publishes a job.progress event.
func (e *Engine) EmitProgress(jobID string, jobSeq int64, phase string, percent int) int64 {
	return e.Emit("job.progress", map[string]any{
		"job_id": jobID, "job_sequence": jobSeq, "phase": phase, "progress_percent": percent,
	})
}

// EmitLog publishes a job.log event.
func (e *Engine) EmitLog(jobID, level, message string) int64 {
	return e.Emit("job.log", map[string]any{
		"job_id": jobID, "job_sequence": 0, "level": level, "subsystem": "test", "message": message,
	})
}

// EmitHeartbeat publishes an engine.heartbeat event.
func (e *Engine) EmitHeartbeat(health string, activeJobs, queueDepth int) int64 {
	return e.Emit("engine.heartbeat", map[string]any{
		"uptime_ms": 1000, "health": health, "active_jobs": activeJobs, "queue_depth": queueDepth,
	})
}

// PutJob seeds the control-surface job table directly.
func (e *Engine) PutJob(job map[string]any) {
	id, _ := job["job_id"].(string)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.jobs[id]; !ok {
		e.order = append(e.order, id)
	}
	e.jobs[id] = job
}

// PutReceipt seeds a receipt for GetReceipt.
func (e *Engine) PutReceipt(jobID string, receipt map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.receipts[jobID] = receipt
}

func (e *Engine) broadcastLocked(r record) {
	e.history = append(e.history, r)
	e.broadcastRawLocked(r.frame)
}

func (e *Engine) broadcastRawLocked(frame string) {
	for c := range e.conns {
		select {
		case c.ch <- frame:
		default:
		}
	}
}

func buildFrame(eventType string, seq int64, fields map[string]any) string {
	body := map[string]any{
		"event_type":      eventType,
		"sequence_number": seq,
		"timestamp_utc":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		body[k] = v
	}
	data, _ := json.Marshal(body)
	return fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, eventType, data)
}

// --- handlers ---

func (e *Engine) authorized(c *gin.Context) bool {
	e.mu.Lock()
	token := e.token
	e.mu.Unlock()
	if token == "" {
		return true
	}
	if c.GetHeader("Authorization") != "Bearer "+token {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return false
	}
	return true
}

func (e *Engine) handleEvents(c *gin.Context) {
	if !e.authorized(c) {
		return
	}
	var after int64 = -1
	if lastID := c.GetHeader("Last-Event-ID"); lastID != "" {
		if v, err := strconv.ParseInt(lastID, 10, 64); err == nil {
			after = v
		}
	}
	jobID := c.Query("job_id")

	cn := &conn{ch: make(chan string, 256), done: make(chan struct{})}

	e.mu.Lock()
	var replay []string
	replayed := 0
	for _, r := range e.history {
		if r.seq > after && (jobID == "" || strings.Contains(r.frame, `"job_id":"`+jobID+`"`)) {
			replay = append(replay, r.frame)
			replayed++
		}
	}
	e.seq++
	completeSeq := e.seq
	e.conns[cn] = struct{}{}
	e.mu.Unlock()

	complete, _ := json.Marshal(map[string]any{
		"event_type":      "replay.complete",
		"sequence_number": completeSeq,
		"timestamp_utc":   time.Now().UTC().Format(time.RFC3339Nano),
		"replayed_count":  replayed,
		"now_live":        true,
	})

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	w := c.Writer
	for _, frame := range replay {
		_, _ = w.WriteString(frame)
	}
	_, _ = w.WriteString(fmt.Sprintf("id: %d\nevent: replay.complete\ndata: %s\n\n", completeSeq, complete))
	w.Flush()

	defer func() {
		e.mu.Lock()
		delete(e.conns, cn)
		e.mu.Unlock()
	}()

	for {
		select {
		case frame := <-cn.ch:
			if _, err := w.WriteString(frame); err != nil {
				return
			}
			w.Flush()
		case <-cn.done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (e *Engine) handleStatus(c *gin.Context) {
	if !e.authorized(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"version":        "0.0.0-test",
		"build_hash":     "deadbeef",
		"api_version":    "v1",
		"mode":           "test",
		"health":         "ok",
		"uptime_seconds": 1.0,
		"active_jobs":    len(e.jobs),
		"queue_depth":    0,
	})
}

func (e *Engine) handleCreate(c *gin.Context) {
	if !e.authorized(c) {
		return
	}
	var req struct {
		Config         map[string]any `json:"config"`
		IdempotencyKey string         `json:"idempotency_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.IdempotencyKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idempotency_key required"})
		return
	}
	job := map[string]any{
		"job_id":          uuid.NewString(),
		"state":           "queued",
		"created_at":      time.Now().UTC().Format(time.RFC3339Nano),
		"config":          req.Config,
		"idempotency_key": req.IdempotencyKey,
	}
	e.PutJob(job)
	c.JSON(http.StatusCreated, job)
}

func (e *Engine) handleList(c *gin.Context) {
	if !e.authorized(c) {
		return
	}
	states := map[string]struct{}{}
	if s := c.Query("state"); s != "" {
		for _, v := range strings.Split(s, ",") {
			states[strings.TrimSpace(v)] = struct{}{}
		}
	}
	limit := 0
	if l := c.Query("limit"); l != "" {
		limit, _ = strconv.Atoi(l)
	}

	e.mu.Lock()
	out := make([]map[string]any, 0, len(e.order))
	for _, id := range e.order {
		job := e.jobs[id]
		if len(states) > 0 {
			st, _ := job["state"].(string)
			if _, ok := states[st]; !ok {
				continue
			}
		}
		out = append(out, job)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	e.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

func (e *Engine) handleGet(c *gin.Context) {
	if !e.authorized(c) {
		return
	}
	e.mu.Lock()
	job, ok := e.jobs[c.Param("id")]
	e.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found", "code": "not_found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (e *Engine) handleReceipt(c *gin.Context) {
	if !e.authorized(c) {
		return
	}
	e.mu.Lock()
	rcpt, ok := e.receipts[c.Param("id")]
	e.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "receipt not found", "code": "not_found"})
		return
	}
	c.JSON(http.StatusOK, rcpt)
}

func (e *Engine) handleCancel(c *gin.Context) {
	if !e.authorized(c) {
		return
	}
	id := c.Param("id")
	e.mu.Lock()
	job, ok := e.jobs[id]
	if ok {
		job["state"] = "cancelling"
	}
	e.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found", "code": "not_found"})
		return
	}
	c.JSON(http.StatusAccepted, job)
}
