// Package registry maintains the authoritative local snapshot of all known
// engine jobs. It applies decoded feed events as state deltas, rejects
// illegal or stale transitions, and hands out copy-on-read snapshots.
package registry

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/jobstream/internal/event"
	"github.com/loykin/jobstream/internal/metrics"
)

// DefaultLogLimit bounds the per-job log buffer.
const DefaultLogLimit = 500

// Job is the local view of one engine job. Config is opaque to this
// subsystem and carried verbatim.
type Job struct {
	ID              string          `json:"job_id"`
	State           event.JobState  `json:"state"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Config          json.RawMessage `json:"config,omitempty"`
	ProgressPercent *int            `json:"progress_percent,omitempty"`
	ProgressPhase   string          `json:"progress_phase,omitempty"`
	ErrorCode       string          `json:"error_code,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
}

// Transition records one applied state change for a job.
type Transition struct {
	From event.JobState `json:"from"`
	To   event.JobState `json:"to"`
	At   time.Time      `json:"at"`
}

// LogEntry is one retained job.log event.
type LogEntry struct {
	JobSequence   int64           `json:"job_sequence"`
	Level         event.LogLevel  `json:"level"`
	Subsystem     string          `json:"subsystem"`
	Message       string          `json:"message"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	At            time.Time       `json:"at"`
}

type jobEntry struct {
	job             Job
	lastProgressSeq int64
	lastLogSeq      int64
	transitions     []Transition
	logs            []LogEntry
}

// Registry serializes all mutation behind a single mutex; a job may be
// touched by the global feed and a job-scoped feed at the same time.
type Registry struct {
	mu       sync.Mutex
	jobs     map[string]*jobEntry
	logLimit int
	logger   *slog.Logger
}

// New builds an empty Registry. logLimit <= 0 selects DefaultLogLimit.
func New(logLimit int, logger *slog.Logger) *Registry {
	if logLimit <= 0 {
		logLimit = DefaultLogLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		jobs:     make(map[string]*jobEntry),
		logLimit: logLimit,
		logger:   logger,
	}
}

// Apply folds one deduplicated event into the registry. Heartbeats and
// replay markers are not job deltas and are ignored here; the broker
// surfaces them to whoever owns connection health. Illegal transitions and
// stale progress are logged and dropped, leaving state untouched.
func (r *Registry) Apply(ev event.Event) {
	switch v := ev.(type) {
	case *event.JobStateChanged:
		r.applyStateChanged(v)
	case *event.JobProgress:
		r.applyProgress(v)
	case *event.JobLog:
		r.applyLog(v)
	}
}

func (r *Registry) applyStateChanged(ev *event.JobStateChanged) {
	if !ev.NewState.Valid() {
		r.logger.Warn("ignoring transition to unknown state", "job", ev.JobID, "state", ev.NewState)
		metrics.IncTransitionRejected()
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[ev.JobID]
	if !ok {
		// First sighting of this job id creates the local entity.
		e = r.newEntryLocked(ev.JobID, ev.Time())
	}

	from := e.job.State
	if from == ev.NewState {
		r.logger.Debug("ignoring no-op transition", "job", ev.JobID, "state", from)
		metrics.IncTransitionRejected()
		return
	}
	if from != "" && !from.CanTransitionTo(ev.NewState) {
		r.logger.Warn("rejecting illegal transition",
			"job", ev.JobID, "from", from, "to", ev.NewState, "seq", ev.Seq())
		metrics.IncTransitionRejected()
		return
	}

	r.setStateLocked(e, ev.NewState, ev.Time())
}

// setStateLocked applies an already-validated transition and stamps
// started_at/completed_at on first entry into running/terminal states.
func (r *Registry) setStateLocked(e *jobEntry, next event.JobState, at time.Time) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	from := e.job.State
	e.job.State = next
	if next == event.StateRunning && e.job.StartedAt == nil {
		t := at
		e.job.StartedAt = &t
	}
	if next.Terminal() && next != event.StateArchived && e.job.CompletedAt == nil {
		t := at
		e.job.CompletedAt = &t
	}
	e.transitions = append(e.transitions, Transition{From: from, To: next, At: at})
	metrics.IncTransition(string(from), string(next))
	r.logger.Info("job state changed", "job", e.job.ID, "from", from, "to", next)
}

func (r *Registry) applyProgress(ev *event.JobProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[ev.JobID]
	if !ok {
		e = r.newEntryLocked(ev.JobID, ev.Time())
	}

	// Per-job sequence guards against reordering inside the dedup window's
	// pass-through gap.
	if ev.JobSequence != 0 && ev.JobSequence <= e.lastProgressSeq {
		r.logger.Debug("dropping stale progress",
			"job", ev.JobID, "job_seq", ev.JobSequence, "last", e.lastProgressSeq)
		metrics.IncStaleProgress()
		return
	}
	if ev.JobSequence != 0 {
		e.lastProgressSeq = ev.JobSequence
	}

	if ev.ProgressPercent != nil {
		p := *ev.ProgressPercent
		e.job.ProgressPercent = &p
	}
	e.job.ProgressPhase = ev.Phase
}

func (r *Registry) applyLog(ev *event.JobLog) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[ev.JobID]
	if !ok {
		e = r.newEntryLocked(ev.JobID, ev.Time())
	}

	// A job watched through both the global and a job-scoped feed sees the
	// same log event once per session; the per-job sequence drops the echo.
	if ev.JobSequence != 0 && ev.JobSequence <= e.lastLogSeq {
		r.logger.Debug("dropping replayed log",
			"job", ev.JobID, "job_seq", ev.JobSequence, "last", e.lastLogSeq)
		return
	}
	if ev.JobSequence != 0 {
		e.lastLogSeq = ev.JobSequence
	}

	e.logs = append(e.logs, LogEntry{
		JobSequence:   ev.JobSequence,
		Level:         ev.Level,
		Subsystem:     ev.Subsystem,
		Message:       ev.Message,
		Payload:       ev.Payload,
		CorrelationID: ev.CorrelationID,
		At:            ev.Time(),
	})
	if len(e.logs) > r.logLimit {
		e.logs = e.logs[len(e.logs)-r.logLimit:]
	}
}

// Archive moves a terminal job to archived. This is an explicit external
// action; no streamed event triggers it.
func (r *Registry) Archive(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}
	if !e.job.State.CanTransitionTo(event.StateArchived) {
		return ErrNotTerminal
	}
	r.setStateLocked(e, event.StateArchived, time.Now().UTC())
	return nil
}

// SyncSnapshot folds a control-surface listing into the registry. The
// listing is server-authoritative, so it may introduce unknown jobs and
// update attributes freely, but state regressions that violate the graph
// are still rejected so a stale listing cannot resurrect a terminal job.
func (r *Registry) SyncSnapshot(jobs []Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, j := range jobs {
		if j.ID == "" || !j.State.Valid() {
			continue
		}
		e, ok := r.jobs[j.ID]
		if !ok {
			e = r.newEntryLocked(j.ID, j.CreatedAt)
			e.job = j
			e.transitions = append(e.transitions, Transition{To: j.State, At: time.Now().UTC()})
			metrics.IncTransition("", string(j.State))
			continue
		}

		if e.job.State != j.State {
			if e.job.State.CanTransitionTo(j.State) {
				r.setStateLocked(e, j.State, time.Now().UTC())
			} else {
				r.logger.Warn("snapshot state ignored, not reachable",
					"job", j.ID, "local", e.job.State, "snapshot", j.State)
				metrics.IncTransitionRejected()
			}
		}
		if j.Config != nil {
			e.job.Config = j.Config
		}
		if j.StartedAt != nil && e.job.StartedAt == nil {
			e.job.StartedAt = j.StartedAt
		}
		if j.CompletedAt != nil && e.job.CompletedAt == nil {
			e.job.CompletedAt = j.CompletedAt
		}
		if j.ProgressPercent != nil {
			e.job.ProgressPercent = j.ProgressPercent
		}
		if j.ProgressPhase != "" {
			e.job.ProgressPhase = j.ProgressPhase
		}
		if j.ErrorCode != "" {
			e.job.ErrorCode = j.ErrorCode
		}
		if j.ErrorMessage != "" {
			e.job.ErrorMessage = j.ErrorMessage
		}
	}
}

// Get returns a copy of one job.
func (r *Registry) Get(jobID string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return cloneJob(e.job), true
}

// Snapshot returns copies of all known jobs ordered by creation time.
func (r *Registry) Snapshot() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Job, 0, len(r.jobs))
	for _, e := range r.jobs {
		out = append(out, cloneJob(e.job))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Transitions returns the applied transition history for one job.
func (r *Registry) Transitions(jobID string) []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[jobID]
	if !ok {
		return nil
	}
	out := make([]Transition, len(e.transitions))
	copy(out, e.transitions)
	return out
}

// Logs returns the retained log buffer for one job.
func (r *Registry) Logs(jobID string) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[jobID]
	if !ok {
		return nil
	}
	out := make([]LogEntry, len(e.logs))
	copy(out, e.logs)
	return out
}

// Len returns the number of known jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Reset discards all local state. Used on logout/teardown only; jobs are
// never deleted individually.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = make(map[string]*jobEntry)
}

func (r *Registry) newEntryLocked(jobID string, at time.Time) *jobEntry {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	e := &jobEntry{job: Job{ID: jobID, CreatedAt: at}}
	r.jobs[jobID] = e
	return e
}

func cloneJob(j Job) Job {
	out := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.ProgressPercent != nil {
		p := *j.ProgressPercent
		out.ProgressPercent = &p
	}
	if j.Config != nil {
		out.Config = append(json.RawMessage(nil), j.Config...)
	}
	return out
}
