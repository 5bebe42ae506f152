package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/jobstream/internal/auth"
	"github.com/loykin/jobstream/internal/enginetest"
	"github.com/loykin/jobstream/internal/event"
	"github.com/loykin/jobstream/internal/journal"
	"github.com/loykin/jobstream/internal/registry"
	"github.com/loykin/jobstream/internal/stream"
)

func newBroker(t *testing.T, eng *enginetest.Engine, token string, sinks []journal.Sink) *Broker {
	t.Helper()
	src := auth.NewSource(eng.URL(), token)
	reg := registry.New(0, nil)
	return New(src, reg, sinks, Options{
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  50 * time.Millisecond,
		Buffer:    128,
	})
}

func drainUntil(t *testing.T, sub *Subscription, timeout time.Duration, want func(event.Event) bool) event.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed while waiting")
			}
			if want(ev) {
				return ev
			}
		case <-sub.HealthChanges():
		case <-deadline:
			t.Fatalf("wanted event not seen within %v", timeout)
		}
	}
}

func waitCond(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestSharedGlobalSessionLifecycle(t *testing.T) {
	eng := enginetest.New("")
	defer eng.Close()

	b := newBroker(t, eng, "", nil)
	defer b.Close()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()

	// Two subscribers share one physical stream.
	waitCond(t, 2*time.Second, func() bool { return eng.StreamCount() == 1 }, "one shared stream")

	seq := eng.EmitStateChanged("j1", "queued", "running")
	for _, sub := range []*Subscription{sub1, sub2} {
		ev := drainUntil(t, sub, 2*time.Second, func(ev event.Event) bool { return ev.Seq() == seq })
		assert.Equal(t, event.TypeJobStateChanged, ev.Kind())
	}

	// The registry was updated once on the shared path.
	job, ok := b.Registry().Get("j1")
	require.True(t, ok)
	assert.Equal(t, event.StateRunning, job.State)

	sub1.Cancel()
	time.Sleep(50 * time.Millisecond)
	if eng.StreamCount() != 1 {
		t.Fatalf("session must survive while a subscriber remains")
	}

	sub2.Cancel()
	waitCond(t, 2*time.Second, func() bool { return eng.StreamCount() == 0 }, "last unsubscribe stops session")
}

func TestHealthChangesFanOut(t *testing.T) {
	eng := enginetest.New("")
	defer eng.Close()

	b := newBroker(t, eng, "", nil)
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Cancel()

	// Subscribers observe the session coming up through HealthChanges.
	deadline := time.After(2 * time.Second)
	var last stream.Health
	for last.State != stream.StateConnected {
		select {
		case h, ok := <-sub.HealthChanges():
			require.True(t, ok, "health channel closed before connect")
			last = h
		case <-deadline:
			t.Fatalf("no connected health change, last state %v", last.State)
		}
	}
	assert.Equal(t, "global", last.Feed)
	assert.Equal(t, eng.URL(), last.Endpoint)

	snap := b.HealthSnapshot()
	require.Contains(t, snap, "global")
	assert.Equal(t, stream.StateConnected, snap["global"].State)
}

func TestSubscribeJobDedicatedSession(t *testing.T) {
	eng := enginetest.New("")
	defer eng.Close()

	b := newBroker(t, eng, "", nil)
	defer b.Close()

	sub := b.SubscribeJob("j7")
	waitCond(t, 2*time.Second, func() bool { return eng.StreamCount() == 1 }, "job session connected")

	seq := eng.EmitProgress("j7", 1, "translate", 30)
	ev := drainUntil(t, sub, 2*time.Second, func(ev event.Event) bool { return ev.Seq() == seq })
	p := ev.(*event.JobProgress)
	assert.Equal(t, "j7", p.JobID)

	// Job feeds also feed the registry.
	job, ok := b.Registry().Get("j7")
	require.True(t, ok)
	assert.Equal(t, "translate", job.ProgressPhase)

	sub.Cancel()
	waitCond(t, 2*time.Second, func() bool { return eng.StreamCount() == 0 }, "cancel tears session down")
}

func TestEngineStateTracking(t *testing.T) {
	eng := enginetest.New("")
	defer eng.Close()

	b := newBroker(t, eng, "", nil)
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Cancel()

	seq := eng.EmitHeartbeat("degraded", 4, 9)
	drainUntil(t, sub, 2*time.Second, func(ev event.Event) bool { return ev.Seq() == seq })

	st := b.Engine()
	assert.Equal(t, event.EngineHealth("degraded"), st.Health)
	assert.Equal(t, 4, st.ActiveJobs)
	assert.Equal(t, 9, st.QueueDepth)
	assert.True(t, st.Live, "replay.complete on connect should mark the feed live")
}

func TestSetAuthBouncesSessions(t *testing.T) {
	eng := enginetest.New("old")
	defer eng.Close()

	b := newBroker(t, eng, "old", nil)
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Cancel()
	waitCond(t, 2*time.Second, func() bool { return eng.StreamCount() == 1 }, "initial connect")

	first := eng.EmitLog("j1", "info", "before")
	drainUntil(t, sub, 2*time.Second, func(ev event.Event) bool { return ev.Seq() == first })

	// Rotate the engine credential, sever the stream and let the stale token
	// fail; SetAuth must bounce the session back into a working state.
	eng.RotateToken("new")
	eng.DropStreams()
	b.SetAuth(eng.URL(), "new")

	waitCond(t, 3*time.Second, func() bool { return eng.StreamCount() == 1 }, "reconnected with new token")

	second := eng.EmitLog("j1", "info", "after")
	drainUntil(t, sub, 2*time.Second, func(ev event.Event) bool { return ev.Seq() == second })
}

type memSink struct {
	mu      sync.Mutex
	records []journal.Record
	closed  bool
}

func (m *memSink) Send(_ context.Context, rec journal.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func TestJournalReceivesAcceptedEvents(t *testing.T) {
	eng := enginetest.New("")
	defer eng.Close()

	sink := &memSink{}
	b := newBroker(t, eng, "", []journal.Sink{sink})

	sub := b.Subscribe()
	seq := eng.EmitStateChanged("j1", "queued", "running")
	drainUntil(t, sub, 2*time.Second, func(ev event.Event) bool { return ev.Seq() == seq })

	waitCond(t, 2*time.Second, func() bool { return sink.count() >= 2 }, "replay marker and delta journaled")

	sink.mu.Lock()
	var found bool
	for _, rec := range sink.records {
		if rec.Sequence == seq {
			found = rec.JobID == "j1" && rec.EventType == "job.state_changed" && len(rec.Payload) > 0
		}
	}
	sink.mu.Unlock()
	assert.True(t, found, "journal record carries identity and payload")

	b.Close()
	assert.True(t, sink.closed, "broker close closes sinks")
}

func TestCloseShutsDownSubscribers(t *testing.T) {
	eng := enginetest.New("")
	defer eng.Close()

	b := newBroker(t, eng, "", nil)
	sub := b.Subscribe()
	jsub := b.SubscribeJob("j1")

	b.Close()

	waitCond(t, 2*time.Second, func() bool { return eng.StreamCount() == 0 }, "all sessions stopped")
	for _, s := range []*Subscription{sub, jsub} {
		// Drain anything buffered before close; the channel must end closed.
		closed := false
		for !closed {
			select {
			case _, ok := <-s.Events():
				closed = !ok
			case <-time.After(2 * time.Second):
				t.Fatalf("event channel never closed")
			}
		}
	}

	// Subscribing after close yields an already-terminated subscription.
	late := b.Subscribe()
	_, ok := <-late.Events()
	assert.False(t, ok)
}

func TestCancelIdempotent(t *testing.T) {
	eng := enginetest.New("")
	defer eng.Close()

	b := newBroker(t, eng, "", nil)
	defer b.Close()

	sub := b.Subscribe()
	sub.Cancel()
	sub.Cancel()
}
