// Package stream manages one logical, reconnecting subscription to the
// engine event feed, either global or scoped to a single job.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/loykin/jobstream/internal/auth"
	"github.com/loykin/jobstream/internal/dedup"
	"github.com/loykin/jobstream/internal/event"
	"github.com/loykin/jobstream/internal/metrics"
	"github.com/loykin/jobstream/internal/sse"
)

// State is the session connection state.
type State int32

const (
	StateDisconnected State = iota
	StateReconnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// MarshalJSON serializes the state by name so every surface reports the
// same wire shape.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Health is the notification payload emitted on every state change and
// after every accepted event.
type Health struct {
	Feed          string    `json:"feed"`
	State         State     `json:"state"`
	Endpoint      string    `json:"endpoint"`
	LastEventID   string    `json:"last_event_id,omitempty"`
	LastMessageAt time.Time `json:"last_message_at"`
	Attempts      int       `json:"attempts"`
}

// Callbacks are supplied by the session owner. OnEvent fires before the
// per-event OnHealth notification. OnDecodeError is a non-fatal diagnostic
// for frames whose payload failed to decode; the stream continues.
type Callbacks struct {
	OnEvent       func(ev event.Event)
	OnHealth      func(h Health)
	OnDecodeError func(frame sse.Frame, err error)
}

// Options tune one session.
type Options struct {
	JobID      string // empty = unfiltered global feed
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	WindowSize int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// DefaultBaseDelay and DefaultMaxDelay bound the reconnect backoff.
const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second
)

// Session owns one physical connection's lifecycle: establish, authenticate,
// resume from the last accepted id, detect failure, back off and reconnect.
// All mutation happens on the session's own read goroutine or under mu.
type Session struct {
	authSrc *auth.Source
	opts    Options
	cb      Callbacks
	feed    string
	logger  *slog.Logger

	mu            sync.Mutex
	state         State
	lastEventID   string
	lastMessageAt time.Time
	attempts      int
	stopped       bool
	gen           uint64
	cancelRead    context.CancelFunc
	timer         *time.Timer
	window        *dedup.Window
}

// New builds a Session. Credentials and endpoint are re-read from src on
// every connect, so swapping them at runtime affects the next attempt.
func New(src *auth.Source, opts Options, cb Callbacks) *Session {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.HTTPClient == nil {
		// No global timeout: the body is a long-lived stream. Cancellation
		// happens through the per-connection context.
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	feed := "global"
	if opts.JobID != "" {
		feed = "job:" + opts.JobID
	}
	s := &Session{
		authSrc: src,
		opts:    opts,
		cb:      cb,
		feed:    feed,
		logger:  opts.Logger.With("feed", feed),
		stopped: true,
		window:  dedup.New(opts.WindowSize),
	}
	return s
}

// Feed identifies the session's scope ("global" or "job:<id>").
func (s *Session) Feed() string { return s.feed }

// Health returns a snapshot of the session's current health.
func (s *Session) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthLocked()
}

func (s *Session) healthLocked() Health {
	endpoint, _ := s.authSrc.Credentials()
	return Health{
		Feed:          s.feed,
		State:         s.state,
		Endpoint:      endpoint,
		LastEventID:   s.lastEventID,
		LastMessageAt: s.lastMessageAt,
		Attempts:      s.attempts,
	}
}

// Connect starts the session. It is a no-op when already running.
func (s *Session) Connect() {
	s.mu.Lock()
	if !s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = false
	gen := s.gen
	s.mu.Unlock()

	go s.run(gen)
}

// Disconnect deliberately stops the session: it cancels an in-flight read,
// clears a pending reconnect timer and reports a clean transition to
// disconnected. It is idempotent and safe to call from any state. No retry
// is scheduled.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.stopped && s.cancelRead == nil && s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancelRead != nil {
		s.cancelRead()
		s.cancelRead = nil
	}
	s.attempts = 0
	h := s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	s.logger.Info("stream disconnected", "reason", "requested")
	s.notifyHealth(h)
}

// Bounce tears the current connection down and reconnects, keeping the last
// accepted id and the dedup window. Used when credentials or the endpoint
// change at runtime.
func (s *Session) Bounce() {
	s.Disconnect()
	s.Connect()
}

// LastEventID returns the resumption hint that will be sent on the next
// connect.
func (s *Session) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// run performs one connect attempt and the following read loop. gen guards
// against a stale goroutine surviving a Disconnect/Connect cycle.
func (s *Session) run(gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.stopped || gen != s.gen {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancelRead = cancel
	s.mu.Unlock()

	err := s.readStream(ctx)

	s.mu.Lock()
	deliberate := s.stopped || gen != s.gen
	if s.cancelRead != nil && gen == s.gen {
		s.cancelRead = nil
	}
	s.mu.Unlock()
	cancel()

	if deliberate {
		// Disconnect already reported the clean transition.
		return
	}
	s.scheduleReconnect(gen, err)
}

func (s *Session) readStream(ctx context.Context) error {
	base, token := s.authSrc.Credentials()
	if s.authSrc.ExpiresWithin(time.Minute) {
		s.logger.Warn("credential close to expiry", "endpoint", base)
	}

	s.mu.Lock()
	lastID := s.lastEventID
	s.mu.Unlock()

	req, err := s.buildRequest(ctx, base, token, lastID)
	if err != nil {
		return err
	}

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("open stream: status %d", resp.StatusCode)
	}

	s.mu.Lock()
	s.attempts = 0
	h := s.setStateLocked(StateConnected)
	s.mu.Unlock()
	s.logger.Info("stream connected", "endpoint", base, "resume_from", lastID)
	s.notifyHealth(h)

	dec := sse.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			for _, frame := range dec.Write(buf[:n]) {
				s.handleFrame(frame)
			}
		}
		if rerr != nil {
			return fmt.Errorf("read stream: %w", rerr)
		}
	}
}

func (s *Session) buildRequest(ctx context.Context, base, token, lastID string) (*http.Request, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	u = u.JoinPath("v1", "events")
	if s.opts.JobID != "" {
		q := u.Query()
		q.Set("job_id", s.opts.JobID)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	return req, nil
}

// handleFrame decodes, dedups and dispatches one frame.
func (s *Session) handleFrame(frame sse.Frame) {
	ev, err := event.Decode(frame.Data)
	if err != nil {
		metrics.IncFrameDropped("decode_error")
		s.logger.Warn("dropping undecodable frame", "event", frame.Event, "id", frame.ID, "error", err)
		if s.cb.OnDecodeError != nil {
			s.cb.OnDecodeError(frame, err)
		}
		return
	}

	s.mu.Lock()
	if s.window.Has(ev.Seq()) {
		s.mu.Unlock()
		metrics.IncEventDuplicate()
		s.logger.Debug("dropping duplicate event", "seq", ev.Seq(), "type", ev.Kind())
		return
	}
	s.window.Add(ev.Seq())
	if frame.ID != "" {
		s.lastEventID = frame.ID
	}
	s.lastMessageAt = time.Now()
	h := s.healthLocked()
	s.mu.Unlock()

	metrics.IncEventReceived(string(ev.Kind()))
	if s.cb.OnEvent != nil {
		s.cb.OnEvent(ev)
	}
	s.notifyHealth(h)
}

// scheduleReconnect arms the backoff timer after a transport failure.
// Deliberate disconnects never reach here.
func (s *Session) scheduleReconnect(gen uint64, cause error) {
	s.mu.Lock()
	if s.stopped || gen != s.gen {
		s.mu.Unlock()
		return
	}
	down := s.setStateLocked(StateDisconnected)
	delay := Backoff(s.opts.BaseDelay, s.opts.MaxDelay, s.attempts)
	s.attempts++
	retrying := s.setStateLocked(StateReconnecting)
	attempts := s.attempts
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.stopped || gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		s.run(gen)
	})
	s.mu.Unlock()

	metrics.IncReconnect(s.feed)
	s.logger.Warn("stream failed, reconnect scheduled",
		"error", cause, "delay", delay, "attempt", attempts)
	s.notifyHealth(down)
	s.notifyHealth(retrying)
}

// setStateLocked updates state and the state gauge; caller holds mu.
// The returned health snapshot is emitted after mu is released.
func (s *Session) setStateLocked(next State) Health {
	s.state = next
	for _, st := range []State{StateDisconnected, StateReconnecting, StateConnected} {
		metrics.SetSessionState(s.feed, st.String(), st == next)
	}
	return s.healthLocked()
}

func (s *Session) notifyHealth(h Health) {
	if s.cb.OnHealth != nil {
		s.cb.OnHealth(h)
	}
}

// Backoff returns min(base * 2^attempt, max).
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
