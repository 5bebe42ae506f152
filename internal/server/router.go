// Package server exposes a local, read-only HTTP view of the synchronized
// job state: registry snapshots, session health, metrics and a websocket
// live tail. It never proxies control operations to the engine.
package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/jobstream/internal/broker"
	"github.com/loykin/jobstream/internal/event"
	"github.com/loykin/jobstream/internal/metrics"
	"github.com/loykin/jobstream/internal/registry"
)

// Router provides embeddable HTTP handlers over the broker and registry.
// Endpoints:
//
//	GET  {basePath}/jobs                 query: state=... (optional filter)
//	GET  {basePath}/jobs/:id
//	GET  {basePath}/jobs/:id/logs
//	GET  {basePath}/jobs/:id/transitions
//	POST {basePath}/jobs/:id/archive
//	GET  {basePath}/health
//	GET  {basePath}/engine
//	GET  {basePath}/metrics
//	GET  {basePath}/ws                   websocket live event tail
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	brk      *broker.Broker
	basePath string
}

// NewRouter constructs a Router with configurable basePath.
func NewRouter(brk *broker.Broker, basePath string) *Router {
	return &Router{brk: brk, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/jobs", r.handleJobs)
	group.GET("/jobs/:id", r.handleJob)
	group.GET("/jobs/:id/logs", r.handleJobLogs)
	group.GET("/jobs/:id/transitions", r.handleJobTransitions)
	group.POST("/jobs/:id/archive", r.handleArchive)
	group.GET("/health", r.handleHealth)
	group.GET("/engine", r.handleEngine)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	group.GET("/ws", r.handleWS)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, brk *broker.Broker) (*http.Server, error) {
	r := NewRouter(brk, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleJobs(c *gin.Context) {
	jobs := r.brk.Registry().Snapshot()

	if stateQ := c.Query("state"); stateQ != "" {
		wanted := make(map[event.JobState]struct{})
		for _, s := range strings.Split(stateQ, ",") {
			st := event.JobState(strings.TrimSpace(s))
			if !st.Valid() {
				c.JSON(http.StatusBadRequest, errorResp{Error: "unknown state: " + string(st)})
				return
			}
			wanted[st] = struct{}{}
		}
		filtered := jobs[:0]
		for _, j := range jobs {
			if _, ok := wanted[j.State]; ok {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}

	c.JSON(http.StatusOK, jobs)
}

func (r *Router) handleJob(c *gin.Context) {
	job, ok := r.brk.Registry().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, errorResp{Error: "unknown job"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (r *Router) handleJobLogs(c *gin.Context) {
	logs := r.brk.Registry().Logs(c.Param("id"))
	if logs == nil {
		logs = []registry.LogEntry{}
	}
	c.JSON(http.StatusOK, logs)
}

func (r *Router) handleJobTransitions(c *gin.Context) {
	ts := r.brk.Registry().Transitions(c.Param("id"))
	if ts == nil {
		ts = []registry.Transition{}
	}
	c.JSON(http.StatusOK, ts)
}

// handleArchive is the explicit external archival action: terminal jobs
// only, never driven by stream data.
func (r *Router) handleArchive(c *gin.Context) {
	err := r.brk.Registry().Archive(c.Param("id"))
	switch {
	case errors.Is(err, registry.ErrUnknownJob):
		c.JSON(http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.Is(err, registry.ErrNotTerminal):
		c.JSON(http.StatusConflict, errorResp{Error: err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
	default:
		c.JSON(http.StatusOK, okResp{OK: true})
	}
}

func (r *Router) handleHealth(c *gin.Context) {
	type feedHealth struct {
		Feed          string    `json:"feed"`
		State         string    `json:"state"`
		Endpoint      string    `json:"endpoint"`
		LastEventID   string    `json:"last_event_id,omitempty"`
		LastMessageAt time.Time `json:"last_message_at"`
		Attempts      int       `json:"attempts"`
	}
	snap := r.brk.HealthSnapshot()
	out := make([]feedHealth, 0, len(snap))
	for _, h := range snap {
		out = append(out, feedHealth{
			Feed:          h.Feed,
			State:         h.State.String(),
			Endpoint:      h.Endpoint,
			LastEventID:   h.LastEventID,
			LastMessageAt: h.LastMessageAt,
			Attempts:      h.Attempts,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (r *Router) handleEngine(c *gin.Context) {
	c.JSON(http.StatusOK, r.brk.Engine())
}

func sanitizeBase(basePath string) string {
	bp := strings.TrimSpace(basePath)
	if bp == "" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}
