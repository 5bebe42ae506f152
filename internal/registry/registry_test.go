package registry

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/jobstream/internal/event"
)

func stateChanged(seq int64, jobID string, from, to event.JobState, at time.Time) *event.JobStateChanged {
	ev := &event.JobStateChanged{
		Envelope: event.Envelope{
			EventType:      event.TypeJobStateChanged,
			SequenceNumber: seq,
			TimestampUTC:   event.Timestamp{Time: at},
		},
		JobID:    jobID,
		NewState: to,
	}
	if from != "" {
		f := from
		ev.OldState = &f
	}
	return ev
}

func progress(seq, jobSeq int64, jobID, phase string, percent int) *event.JobProgress {
	return &event.JobProgress{
		Envelope: event.Envelope{
			EventType:      event.TypeJobProgress,
			SequenceNumber: seq,
			TimestampUTC:   event.Timestamp{Time: time.Now().UTC()},
		},
		JobID:           jobID,
		JobSequence:     jobSeq,
		Phase:           phase,
		ProgressPercent: &percent,
	}
}

func logLine(seq, jobSeq int64, jobID, msg string) *event.JobLog {
	return &event.JobLog{
		Envelope: event.Envelope{
			EventType:      event.TypeJobLog,
			SequenceNumber: seq,
			TimestampUTC:   event.Timestamp{Time: time.Now().UTC()},
		},
		JobID:       jobID,
		JobSequence: jobSeq,
		Level:       event.LevelInfo,
		Subsystem:   "core",
		Message:     msg,
	}
}

func TestUnknownJobCreatedOnFirstEvent(t *testing.T) {
	r := New(0, nil)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r.Apply(stateChanged(1, "j1", "", event.StateQueued, at))

	job, ok := r.Get("j1")
	require.True(t, ok)
	assert.Equal(t, event.StateQueued, job.State)
	assert.Equal(t, at, job.CreatedAt)
	assert.Nil(t, job.StartedAt)
}

func TestLifecycleTimestamps(t *testing.T) {
	r := New(0, nil)
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	t2 := t0.Add(2 * time.Minute)

	r.Apply(stateChanged(1, "j1", "", event.StateQueued, t0))
	r.Apply(stateChanged(2, "j1", event.StateQueued, event.StateRunning, t1))
	r.Apply(stateChanged(3, "j1", event.StateRunning, event.StateCompleted, t2))

	job, ok := r.Get("j1")
	require.True(t, ok)
	assert.Equal(t, event.StateCompleted, job.State)
	require.NotNil(t, job.StartedAt)
	assert.Equal(t, t1, *job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, t2, *job.CompletedAt)

	ts := r.Transitions("j1")
	require.Len(t, ts, 3)
	assert.Equal(t, event.StateQueued, ts[1].From)
	assert.Equal(t, event.StateRunning, ts[1].To)
}

func TestIllegalTransitionIsNoOp(t *testing.T) {
	r := New(0, nil)
	now := time.Now().UTC()
	r.Apply(stateChanged(1, "j1", "", event.StateQueued, now))
	r.Apply(stateChanged(2, "j1", event.StateQueued, event.StateRunning, now))
	r.Apply(stateChanged(3, "j1", event.StateRunning, event.StateCompleted, now))

	// Terminal jobs never resume.
	r.Apply(stateChanged(4, "j1", event.StateCompleted, event.StateRunning, now))

	job, _ := r.Get("j1")
	assert.Equal(t, event.StateCompleted, job.State)
	assert.Len(t, r.Transitions("j1"), 3)
}

func TestSameStateTransitionRejected(t *testing.T) {
	r := New(0, nil)
	now := time.Now().UTC()
	r.Apply(stateChanged(1, "j1", "", event.StateQueued, now))
	r.Apply(stateChanged(2, "j1", event.StateQueued, event.StateQueued, now))
	assert.Len(t, r.Transitions("j1"), 1)
}

func TestUnknownStateRejected(t *testing.T) {
	r := New(0, nil)
	r.Apply(stateChanged(1, "j1", "", event.JobState("exploded"), time.Now().UTC()))
	_, ok := r.Get("j1")
	assert.False(t, ok, "event with unknown state must not create the job")
}

func TestStaleProgressDropped(t *testing.T) {
	r := New(0, nil)
	r.Apply(progress(1, 5, "j1", "translate", 40))
	r.Apply(progress(2, 3, "j1", "fetch", 10)) // stale: job_sequence went backwards
	r.Apply(progress(3, 5, "j1", "fetch", 10)) // stale: duplicate job_sequence

	job, ok := r.Get("j1")
	require.True(t, ok)
	require.NotNil(t, job.ProgressPercent)
	assert.Equal(t, 40, *job.ProgressPercent)
	assert.Equal(t, "translate", job.ProgressPhase)

	r.Apply(progress(4, 6, "j1", "render", 80))
	job, _ = r.Get("j1")
	assert.Equal(t, 80, *job.ProgressPercent)
	assert.Equal(t, "render", job.ProgressPhase)
}

func TestZeroJobSequenceAlwaysApplies(t *testing.T) {
	r := New(0, nil)
	r.Apply(progress(1, 0, "j1", "a", 10))
	r.Apply(progress(2, 0, "j1", "b", 20))
	job, _ := r.Get("j1")
	assert.Equal(t, 20, *job.ProgressPercent)
}

func TestLogBufferBounded(t *testing.T) {
	r := New(5, nil)
	for i := 1; i <= 12; i++ {
		r.Apply(logLine(int64(i), int64(i), "j1", fmt.Sprintf("line-%d", i)))
	}
	logs := r.Logs("j1")
	require.Len(t, logs, 5)
	assert.Equal(t, "line-8", logs[0].Message)
	assert.Equal(t, "line-12", logs[4].Message)
}

func TestDuplicateLogDropped(t *testing.T) {
	r := New(0, nil)

	// The same log line arrives over the global feed and a job-scoped feed;
	// each session's own dedup window passes it through once.
	r.Apply(logLine(10, 1, "j1", "first"))
	r.Apply(logLine(11, 1, "j1", "first"))
	require.Len(t, r.Logs("j1"), 1)

	// Lower sequences are stale, higher ones apply.
	r.Apply(logLine(12, 3, "j1", "third"))
	r.Apply(logLine(13, 2, "j1", "second"))
	logs := r.Logs("j1")
	require.Len(t, logs, 2)
	assert.Equal(t, "first", logs[0].Message)
	assert.Equal(t, "third", logs[1].Message)
}

func TestZeroLogSequenceAlwaysAppended(t *testing.T) {
	r := New(0, nil)
	r.Apply(logLine(10, 0, "j1", "a"))
	r.Apply(logLine(11, 0, "j1", "a"))
	require.Len(t, r.Logs("j1"), 2)
}

func TestArchive(t *testing.T) {
	r := New(0, nil)
	now := time.Now().UTC()

	assert.ErrorIs(t, r.Archive("missing"), ErrUnknownJob)

	r.Apply(stateChanged(1, "j1", "", event.StateQueued, now))
	assert.ErrorIs(t, r.Archive("j1"), ErrNotTerminal)

	r.Apply(stateChanged(2, "j1", event.StateQueued, event.StateRunning, now))
	r.Apply(stateChanged(3, "j1", event.StateRunning, event.StateFailed, now))
	require.NoError(t, r.Archive("j1"))

	job, _ := r.Get("j1")
	assert.Equal(t, event.StateArchived, job.State)

	assert.ErrorIs(t, r.Archive("j1"), ErrNotTerminal)
}

func TestSyncSnapshot(t *testing.T) {
	r := New(0, nil)
	now := time.Now().UTC()
	r.Apply(stateChanged(1, "j1", "", event.StateQueued, now))
	r.Apply(stateChanged(2, "j1", event.StateQueued, event.StateRunning, now))
	r.Apply(stateChanged(3, "j2", "", event.StateRunning, now))
	r.Apply(stateChanged(4, "j2", event.StateRunning, event.StateCompleted, now))

	started := now.Add(-time.Minute)
	r.SyncSnapshot([]Job{
		// Unknown job comes in wholesale.
		{ID: "j3", State: event.StateQueued, CreatedAt: now, Config: json.RawMessage(`{"style":"x"}`)},
		// Legal forward move is applied.
		{ID: "j1", State: event.StateCompleted, CreatedAt: now, StartedAt: &started},
		// Stale listing must not resurrect a terminal job.
		{ID: "j2", State: event.StateRunning, CreatedAt: now},
	})

	j3, ok := r.Get("j3")
	require.True(t, ok)
	assert.Equal(t, event.StateQueued, j3.State)
	assert.JSONEq(t, `{"style":"x"}`, string(j3.Config))

	j1, _ := r.Get("j1")
	assert.Equal(t, event.StateCompleted, j1.State)

	j2, _ := r.Get("j2")
	assert.Equal(t, event.StateCompleted, j2.State)
}

func TestSnapshotOrderAndIsolation(t *testing.T) {
	r := New(0, nil)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r.Apply(stateChanged(1, "b", "", event.StateQueued, base.Add(time.Hour)))
	r.Apply(stateChanged(2, "a", "", event.StateQueued, base))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ID)
	assert.Equal(t, "b", snap[1].ID)

	// Mutating the returned copy must not touch the registry.
	snap[0].State = event.StateFailed
	job, _ := r.Get("a")
	assert.Equal(t, event.StateQueued, job.State)
}

func TestHeartbeatsIgnored(t *testing.T) {
	r := New(0, nil)
	r.Apply(&event.EngineHeartbeat{Envelope: event.Envelope{EventType: event.TypeEngineHeartbeat, SequenceNumber: 1}})
	r.Apply(&event.ReplayComplete{Envelope: event.Envelope{EventType: event.TypeReplayComplete, SequenceNumber: 2}})
	assert.Equal(t, 0, r.Len())
}

func TestReset(t *testing.T) {
	r := New(0, nil)
	r.Apply(stateChanged(1, "j1", "", event.StateQueued, time.Now().UTC()))
	require.Equal(t, 1, r.Len())
	r.Reset()
	assert.Equal(t, 0, r.Len())
}
