package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	eventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobstream",
			Subsystem: "stream",
			Name:      "events_received_total",
			Help:      "Number of decoded, non-duplicate events accepted from the feed.",
		}, []string{"type"},
	)
	eventsDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobstream",
			Subsystem: "stream",
			Name:      "events_duplicate_total",
			Help:      "Number of events dropped by the dedup window.",
		},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobstream",
			Subsystem: "stream",
			Name:      "frames_dropped_total",
			Help:      "Number of frames dropped before dispatch.",
		}, []string{"reason"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobstream",
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Number of reconnect attempts scheduled after transport failures.",
		}, []string{"feed"},
	)
	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "jobstream",
			Subsystem: "stream",
			Name:      "session_state",
			Help:      "Current session state (1 = active state, 0 = inactive).",
		}, []string{"feed", "state"},
	)

	transitionsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobstream",
			Subsystem: "registry",
			Name:      "transitions_total",
			Help:      "Number of job state transitions applied.",
		}, []string{"from", "to"},
	)
	transitionsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobstream",
			Subsystem: "registry",
			Name:      "transitions_rejected_total",
			Help:      "Number of illegal or stale transitions ignored.",
		},
	)
	staleProgress = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobstream",
			Subsystem: "registry",
			Name:      "progress_stale_total",
			Help:      "Number of progress events dropped by per-job sequence checks.",
		},
	)

	journalErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobstream",
			Subsystem: "journal",
			Name:      "errors_total",
			Help:      "Number of failed journal sink writes.",
		}, []string{"sink"},
	)
	subscriberDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobstream",
			Subsystem: "broker",
			Name:      "subscriber_dropped_total",
			Help:      "Number of events dropped on full subscriber buffers.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		eventsReceived, eventsDuplicate, framesDropped, reconnects, sessionState,
		transitionsApplied, transitionsRejected, staleProgress,
		journalErrors, subscriberDropped,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncEventReceived(eventType string) {
	if regOK.Load() {
		eventsReceived.WithLabelValues(eventType).Inc()
	}
}

func IncEventDuplicate() {
	if regOK.Load() {
		eventsDuplicate.Inc()
	}
}

func IncFrameDropped(reason string) {
	if regOK.Load() {
		framesDropped.WithLabelValues(reason).Inc()
	}
}

func IncReconnect(feed string) {
	if regOK.Load() {
		reconnects.WithLabelValues(feed).Inc()
	}
}

func SetSessionState(feed, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		sessionState.WithLabelValues(feed, state).Set(value)
	}
}

func IncTransition(from, to string) {
	if regOK.Load() {
		transitionsApplied.WithLabelValues(from, to).Inc()
	}
}

func IncTransitionRejected() {
	if regOK.Load() {
		transitionsRejected.Inc()
	}
}

func IncStaleProgress() {
	if regOK.Load() {
		staleProgress.Inc()
	}
}

func IncJournalError(sink string) {
	if regOK.Load() {
		journalErrors.WithLabelValues(sink).Inc()
	}
}

func IncSubscriberDropped() {
	if regOK.Load() {
		subscriberDropped.Inc()
	}
}
