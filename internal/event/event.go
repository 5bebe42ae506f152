package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates the event variants carried on the engine feed.
type Type string

const (
	TypeEngineHeartbeat    Type = "engine.heartbeat"
	TypeEngineShuttingDown Type = "engine.shutting_down"
	TypeJobStateChanged    Type = "job.state_changed"
	TypeJobProgress        Type = "job.progress"
	TypeJobLog             Type = "job.log"
	TypeJobQueueHeartbeat  Type = "job.queue_heartbeat"
	TypeReplayComplete     Type = "replay.complete"
)

// Timestamp wraps the engine's timestamp_utc field. The engine emits
// RFC3339; anything else is kept verbatim in Raw with a zero Time so a
// single odd timestamp never invalidates an otherwise good event.
type Timestamp struct {
	time.Time
	Raw string
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	t.Raw = s
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = ts
	}
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.Raw != "" {
		return json.Marshal(t.Raw)
	}
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

// Envelope holds the header fields every streamed event carries.
// SequenceNumber is assigned by the engine and is the dedup/resumption key;
// it is not guaranteed monotonic across reconnects.
type Envelope struct {
	EventType      Type      `json:"event_type"`
	SequenceNumber int64     `json:"sequence_number"`
	TimestampUTC   Timestamp `json:"timestamp_utc"`
}

func (e Envelope) Kind() Type      { return e.EventType }
func (e Envelope) Seq() int64      { return e.SequenceNumber }
func (e Envelope) Time() time.Time { return e.TimestampUTC.Time }

// Event is implemented by all decoded feed events.
type Event interface {
	Kind() Type
	Seq() int64
	Time() time.Time
}

// EngineHealth mirrors the engine's coarse health states.
type EngineHealth string

const (
	HealthHealthy  EngineHealth = "healthy"
	HealthDegraded EngineHealth = "degraded"
)

// LogLevel is the severity attached to job.log events.
type LogLevel string

const (
	LevelTrace LogLevel = "trace"
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// EngineHeartbeat carries engine liveness plus aggregate counters.
type EngineHeartbeat struct {
	Envelope
	UptimeMS   int64        `json:"uptime_ms"`
	Health     EngineHealth `json:"health"`
	ActiveJobs int          `json:"active_jobs"`
	QueueDepth int          `json:"queue_depth"`
}

// EngineShuttingDown announces a graceful engine shutdown.
type EngineShuttingDown struct {
	Envelope
	Reason        string `json:"reason"`
	GracePeriodMS int64  `json:"grace_period_ms"`
}

// JobStateChanged records a job state transition observed by the engine.
type JobStateChanged struct {
	Envelope
	JobID    string    `json:"job_id"`
	OldState *JobState `json:"old_state"`
	NewState JobState  `json:"new_state"`
}

// JobProgress is a per-job progress update. JobSequence orders progress
// events within one job and guards against redelivery the dedup window
// has already aged out.
type JobProgress struct {
	Envelope
	JobID           string `json:"job_id"`
	JobSequence     int64  `json:"job_sequence"`
	Phase           string `json:"phase"`
	ProgressPercent *int   `json:"progress_percent,omitempty"`
	ItemsCompleted  *int   `json:"items_completed,omitempty"`
	ItemsTotal      *int   `json:"items_total,omitempty"`
	ETASeconds      *int   `json:"eta_seconds,omitempty"`
}

// JobLog is a structured log line emitted by a running job.
type JobLog struct {
	Envelope
	JobID         string          `json:"job_id"`
	JobSequence   int64           `json:"job_sequence"`
	Level         LogLevel        `json:"level"`
	Subsystem     string          `json:"subsystem"`
	Message       string          `json:"message"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// JobQueueHeartbeat reports queue position for a job still waiting to run.
type JobQueueHeartbeat struct {
	Envelope
	JobID                string `json:"job_id"`
	QueuePosition        int    `json:"queue_position"`
	EstimatedWaitSeconds *int   `json:"estimated_wait_seconds,omitempty"`
	ClaimAttempts        int    `json:"claim_attempts"`
}

// ReplayComplete marks the end of server-side backfill on a resumed
// connection; NowLive signals the stream has switched to live delivery.
type ReplayComplete struct {
	Envelope
	ReplayedCount int  `json:"replayed_count"`
	NowLive       bool `json:"now_live"`
}

// Decode unmarshals one event payload into its typed variant.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var ev Event
	switch env.EventType {
	case TypeEngineHeartbeat:
		ev = &EngineHeartbeat{}
	case TypeEngineShuttingDown:
		ev = &EngineShuttingDown{}
	case TypeJobStateChanged:
		ev = &JobStateChanged{}
	case TypeJobProgress:
		ev = &JobProgress{}
	case TypeJobLog:
		ev = &JobLog{}
	case TypeJobQueueHeartbeat:
		ev = &JobQueueHeartbeat{}
	case TypeReplayComplete:
		ev = &ReplayComplete{}
	case "":
		return nil, fmt.Errorf("decode event: missing event_type")
	default:
		return nil, fmt.Errorf("decode event: unknown event_type %q", env.EventType)
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.EventType, err)
	}
	return ev, nil
}

// IsJobScoped reports whether the event targets a single job.
func IsJobScoped(ev Event) (string, bool) {
	switch v := ev.(type) {
	case *JobStateChanged:
		return v.JobID, true
	case *JobProgress:
		return v.JobID, true
	case *JobLog:
		return v.JobID, true
	case *JobQueueHeartbeat:
		return v.JobID, true
	}
	return "", false
}
