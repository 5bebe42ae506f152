package jobstream

import (
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/jobstream/internal/auth"
	"github.com/loykin/jobstream/internal/broker"
	cfg "github.com/loykin/jobstream/internal/config"
	"github.com/loykin/jobstream/internal/event"
	"github.com/loykin/jobstream/internal/journal"
	"github.com/loykin/jobstream/internal/journal/factory"
	"github.com/loykin/jobstream/internal/logger"
	"github.com/loykin/jobstream/internal/metrics"
	"github.com/loykin/jobstream/internal/registry"
	"github.com/loykin/jobstream/internal/resync"
	iapi "github.com/loykin/jobstream/internal/server"
	"github.com/loykin/jobstream/internal/stream"
	"github.com/loykin/jobstream/pkg/client"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Event = event.Event

type JobState = event.JobState

type Job = registry.Job

type Transition = registry.Transition

type LogEntry = registry.LogEntry

type Subscription = broker.Subscription

type EngineState = broker.EngineState

type StreamHealth = stream.Health

type JournalSink = journal.Sink

type Config = cfg.Config

// Watcher is a thin facade over the broker, registry and resyncer wired
// from a single Config. It provides a stable public API for embedding.
type Watcher struct {
	brk      *broker.Broker
	reg      *registry.Registry
	api      *client.Client
	resyncer *resync.Resyncer
	src      *auth.Source
	closer   io.Closer
}

// New wires a Watcher from cfg: auth source, registry, journal sinks from
// the configured DSNs, broker and control client.
func New(c *Config) (*Watcher, error) {
	if c == nil {
		def := cfg.Default()
		c = &def
	}
	log, logCloser, err := logger.New(c.Log.ToLogger())
	if err != nil {
		return nil, err
	}

	src := auth.NewSource(c.Engine.BaseURL, c.Engine.Token)
	reg := registry.New(c.Stream.LogLimit, log)

	var sinks []journal.Sink
	for _, dsn := range c.Journal.DSNs {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			if logCloser != nil {
				_ = logCloser.Close()
			}
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	brk := broker.New(src, reg, sinks, broker.Options{
		BaseDelay:  c.Stream.BaseDelay,
		MaxDelay:   c.Stream.MaxDelay,
		WindowSize: c.Stream.DedupWindow,
		Buffer:     c.Stream.Buffer,
		Logger:     log,
	})

	var tlsCfg *client.TLSClientConfig
	if c.Engine.CACert != "" || c.Engine.ClientCert != "" {
		tlsCfg = &client.TLSClientConfig{
			Enabled:    true,
			CACert:     c.Engine.CACert,
			ClientCert: c.Engine.ClientCert,
			ClientKey:  c.Engine.ClientKey,
		}
	}
	api := client.New(client.Config{
		Source:   src,
		Timeout:  c.Engine.Timeout,
		Logger:   log,
		TLS:      tlsCfg,
		Insecure: c.Engine.Insecure,
	})

	return &Watcher{
		brk:      brk,
		reg:      reg,
		api:      api,
		resyncer: resync.New(api, reg, c.Resync.Schedule, c.Resync.Limit, log),
		src:      src,
		closer:   logCloser,
	}, nil
}

// Subscribe attaches to the global event feed.
func (w *Watcher) Subscribe() *Subscription { return w.brk.Subscribe() }

// SubscribeJob attaches to a single job's feed.
func (w *Watcher) SubscribeJob(jobID string) *Subscription { return w.brk.SubscribeJob(jobID) }

// SetAuth swaps endpoint and credential; live sessions reconnect with the
// new values.
func (w *Watcher) SetAuth(baseURL, token string) { w.brk.SetAuth(baseURL, token) }

// Registry exposes the synchronized job view.
func (w *Watcher) Registry() *registry.Registry { return w.reg }

// Client exposes the control-surface API client.
func (w *Watcher) Client() *client.Client { return w.api }

// Broker exposes the underlying broker for advanced wiring.
func (w *Watcher) Broker() *broker.Broker { return w.brk }

// Engine reports the folded engine heartbeat state.
func (w *Watcher) Engine() EngineState { return w.brk.Engine() }

// StartResync begins the scheduled snapshot refresh.
func (w *Watcher) StartResync() error { return w.resyncer.Start() }

// StopResync halts the scheduled snapshot refresh.
func (w *Watcher) StopResync() { w.resyncer.Stop() }

// Close tears down all sessions, subscriptions and journal sinks.
func (w *Watcher) Close() {
	w.resyncer.Stop()
	w.brk.Close()
	if w.closer != nil {
		_ = w.closer.Close()
	}
}

func LoadConfig(path string) (*Config, error) {
	return cfg.LoadConfig(path)
}

func DefaultConfig() Config { return cfg.Default() }

// NewHTTPServer starts the local status server exposing the watcher's view.
func NewHTTPServer(addr, basePath string, w *Watcher) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, w.brk)
}

// NewSinkFromDSN builds a journal sink from a DSN (sqlite path,
// postgres://, clickhouse:// or opensearch://).
func NewSinkFromDSN(dsn string) (JournalSink, error) {
	return factory.NewSinkFromDSN(dsn)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It returns any immediate listen error; otherwise it
// runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
