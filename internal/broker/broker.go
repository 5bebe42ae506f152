// Package broker lets independent consumers observe the engine feed. The
// unfiltered global feed runs on one shared session, lazily created on the
// first subscriber and torn down when the last cancels. Job-scoped feeds get
// one dedicated session per subscriber; their lifetimes are independent and
// filtering happens server-side via the job_id parameter.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loykin/jobstream/internal/auth"
	"github.com/loykin/jobstream/internal/event"
	"github.com/loykin/jobstream/internal/journal"
	"github.com/loykin/jobstream/internal/metrics"
	"github.com/loykin/jobstream/internal/registry"
	"github.com/loykin/jobstream/internal/stream"
)

// DefaultBuffer is the per-subscriber channel depth. A slow consumer drops
// events rather than stalling the read loop.
const DefaultBuffer = 64

const journalTimeout = 5 * time.Second

// Options tune sessions created by the broker.
type Options struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	WindowSize int
	Buffer     int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// EngineState is the last engine-level information seen on the feed.
type EngineState struct {
	Health        event.EngineHealth `json:"health"`
	UptimeMS      int64              `json:"uptime_ms"`
	ActiveJobs    int                `json:"active_jobs"`
	QueueDepth    int                `json:"queue_depth"`
	LastHeartbeat time.Time          `json:"last_heartbeat"`
	ShuttingDown  bool               `json:"shutting_down"`
	LastReplayed  int                `json:"last_replayed_count"`
	Live          bool               `json:"live"`
}

// Subscription is one consumer's live view. Events and HealthChanges are
// closed when the subscription is cancelled.
type Subscription struct {
	feed   string
	events chan event.Event
	health chan stream.Health
	once   sync.Once
	cancel func(*Subscription)

	mu     sync.Mutex
	closed bool
}

// Events streams decoded, deduplicated events.
func (s *Subscription) Events() <-chan event.Event { return s.events }

// HealthChanges streams session health notifications.
func (s *Subscription) HealthChanges() <-chan stream.Health { return s.health }

// Feed identifies the subscribed scope.
func (s *Subscription) Feed() string { return s.feed }

// Cancel detaches the subscription. Idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.cancel(s)
		s.shutdown()
	})
}

// shutdown closes the channels exactly once, excluding concurrent sends.
func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
	close(s.health)
}

func (s *Subscription) sendEvent(ev event.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) sendHealth(h stream.Health) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.health <- h:
	default:
	}
}

// Broker fans the feed out to subscribers, applies job deltas to the
// registry and journals accepted events.
type Broker struct {
	authSrc *auth.Source
	reg     *registry.Registry
	sinks   []journal.Sink
	opts    Options
	logger  *slog.Logger

	mu         sync.Mutex
	closed     bool
	global     *stream.Session
	globalSubs map[*Subscription]struct{}
	jobSubs    map[*Subscription]*stream.Session
	engine     EngineState
	lastHealth map[string]stream.Health
}

// New builds a Broker over the shared auth source and registry. sinks may
// be empty; journal failures are logged and never interrupt the stream.
func New(src *auth.Source, reg *registry.Registry, sinks []journal.Sink, opts Options) *Broker {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Broker{
		authSrc:    src,
		reg:        reg,
		sinks:      sinks,
		opts:       opts,
		logger:     opts.Logger,
		globalSubs: make(map[*Subscription]struct{}),
		jobSubs:    make(map[*Subscription]*stream.Session),
		lastHealth: make(map[string]stream.Health),
	}
}

// Registry exposes the shared job registry.
func (b *Broker) Registry() *registry.Registry { return b.reg }

// Subscribe attaches a consumer to the global feed, starting the shared
// session when it is the first one.
func (b *Broker) Subscribe() *Subscription {
	sub := &Subscription{
		feed:   "global",
		events: make(chan event.Event, b.opts.Buffer),
		health: make(chan stream.Health, b.opts.Buffer),
		cancel: b.unsubscribeGlobal,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.once.Do(sub.shutdown)
		return sub
	}
	b.globalSubs[sub] = struct{}{}
	start := b.global == nil
	if start {
		b.global = stream.New(b.authSrc, b.sessionOptions(""), stream.Callbacks{
			OnEvent:  b.onGlobalEvent,
			OnHealth: b.onGlobalHealth,
		})
	}
	session := b.global
	b.mu.Unlock()

	if start {
		b.logger.Info("starting shared global session")
		session.Connect()
	}
	return sub
}

// SubscribeJob attaches a consumer to a single job's feed on a dedicated
// session. Cancelling the subscription tears the session down.
func (b *Broker) SubscribeJob(jobID string) *Subscription {
	sub := &Subscription{
		feed:   "job:" + jobID,
		events: make(chan event.Event, b.opts.Buffer),
		health: make(chan stream.Health, b.opts.Buffer),
		cancel: b.unsubscribeJob,
	}

	session := stream.New(b.authSrc, b.sessionOptions(jobID), stream.Callbacks{
		OnEvent: func(ev event.Event) {
			b.reg.Apply(ev)
			b.deliver(sub, ev)
		},
		OnHealth: func(h stream.Health) {
			b.recordHealth(h)
			b.deliverHealth(sub, h)
		},
	})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.once.Do(sub.shutdown)
		return sub
	}
	b.jobSubs[sub] = session
	b.mu.Unlock()

	session.Connect()
	return sub
}

// SetAuth swaps the credential and base endpoint at runtime. Live sessions
// reconnect with the new values; subscriptions and resumption hints are kept.
func (b *Broker) SetAuth(baseURL, token string) {
	b.authSrc.Set(baseURL, token)

	b.mu.Lock()
	sessions := make([]*stream.Session, 0, len(b.jobSubs)+1)
	if b.global != nil {
		sessions = append(sessions, b.global)
	}
	for _, s := range b.jobSubs {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	b.logger.Info("credentials updated, bouncing sessions", "sessions", len(sessions))
	for _, s := range sessions {
		s.Bounce()
	}
}

// Engine returns the last engine-level state seen on the feed.
func (b *Broker) Engine() EngineState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.engine
}

// HealthSnapshot returns the latest health per feed.
func (b *Broker) HealthSnapshot() map[string]stream.Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]stream.Health, len(b.lastHealth))
	for k, v := range b.lastHealth {
		out[k] = v
	}
	return out
}

// Close disconnects every session, drops all subscribers and closes sinks.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	global := b.global
	b.global = nil
	globalSubs := b.globalSubs
	b.globalSubs = make(map[*Subscription]struct{})
	jobSubs := b.jobSubs
	b.jobSubs = make(map[*Subscription]*stream.Session)
	b.mu.Unlock()

	if global != nil {
		global.Disconnect()
	}
	for sub, session := range jobSubs {
		session.Disconnect()
		sub.shutdown()
	}
	for sub := range globalSubs {
		sub.shutdown()
	}
	for _, sink := range b.sinks {
		if err := sink.Close(); err != nil {
			b.logger.Warn("journal sink close failed", "error", err)
		}
	}
}

func (b *Broker) sessionOptions(jobID string) stream.Options {
	return stream.Options{
		JobID:      jobID,
		BaseDelay:  b.opts.BaseDelay,
		MaxDelay:   b.opts.MaxDelay,
		WindowSize: b.opts.WindowSize,
		HTTPClient: b.opts.HTTPClient,
		Logger:     b.logger,
	}
}

func (b *Broker) unsubscribeGlobal(sub *Subscription) {
	b.mu.Lock()
	delete(b.globalSubs, sub)
	var session *stream.Session
	if len(b.globalSubs) == 0 && b.global != nil {
		session = b.global
		b.global = nil
	}
	b.mu.Unlock()

	if session != nil {
		b.logger.Info("last global subscriber left, stopping shared session")
		session.Disconnect()
	}
}

func (b *Broker) unsubscribeJob(sub *Subscription) {
	b.mu.Lock()
	session := b.jobSubs[sub]
	delete(b.jobSubs, sub)
	b.mu.Unlock()

	if session != nil {
		session.Disconnect()
	}
}

// onGlobalEvent is the shared session's apply path: registry first, then
// journal, then fan-out.
func (b *Broker) onGlobalEvent(ev event.Event) {
	b.reg.Apply(ev)
	b.trackEngine(ev)
	b.journal(ev)

	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.globalSubs))
	for sub := range b.globalSubs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(sub, ev)
	}
}

func (b *Broker) onGlobalHealth(h stream.Health) {
	b.recordHealth(h)

	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.globalSubs))
	for sub := range b.globalSubs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliverHealth(sub, h)
	}
}

func (b *Broker) recordHealth(h stream.Health) {
	b.mu.Lock()
	b.lastHealth[h.Feed] = h
	b.mu.Unlock()
}

// trackEngine folds engine-level events into the broker's engine state.
func (b *Broker) trackEngine(ev event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch v := ev.(type) {
	case *event.EngineHeartbeat:
		b.engine.Health = v.Health
		b.engine.UptimeMS = v.UptimeMS
		b.engine.ActiveJobs = v.ActiveJobs
		b.engine.QueueDepth = v.QueueDepth
		b.engine.LastHeartbeat = time.Now()
	case *event.EngineShuttingDown:
		b.engine.ShuttingDown = true
		b.logger.Warn("engine shutting down", "reason", v.Reason, "grace_ms", v.GracePeriodMS)
	case *event.ReplayComplete:
		b.engine.LastReplayed = v.ReplayedCount
		b.engine.Live = v.NowLive
		b.logger.Info("replay complete", "replayed", v.ReplayedCount, "now_live", v.NowLive)
	}
}

// journal writes the event to every configured sink. Only the global
// session journals; a job-scoped duplicate of the same event would
// double-write.
func (b *Broker) journal(ev event.Event) {
	if len(b.sinks) == 0 {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("journal encode failed", "error", err)
		return
	}
	jobID, _ := event.IsJobScoped(ev)
	rec := journal.Record{
		EventType:  string(ev.Kind()),
		Sequence:   ev.Seq(),
		JobID:      jobID,
		OccurredAt: ev.Time(),
		ReceivedAt: time.Now().UTC(),
		Payload:    payload,
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	for _, sink := range b.sinks {
		if err := sink.Send(ctx, rec); err != nil {
			metrics.IncJournalError(fmt.Sprintf("%T", sink))
			b.logger.Warn("journal write failed", "sink", fmt.Sprintf("%T", sink), "error", err)
		}
	}
}

func (b *Broker) deliver(sub *Subscription, ev event.Event) {
	if !sub.sendEvent(ev) {
		metrics.IncSubscriberDropped()
		b.logger.Debug("subscriber buffer full, dropping event", "feed", sub.feed, "seq", ev.Seq())
	}
}

func (b *Broker) deliverHealth(sub *Subscription, h stream.Health) {
	sub.sendHealth(h)
}
