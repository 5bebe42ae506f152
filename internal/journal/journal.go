// Package journal persists every accepted feed event for audit and offline
// inspection. Sinks are append-only; journal failures never interrupt the
// stream.
package journal

import (
	"context"
	"time"
)

// Record is one accepted event as written to a sink.
type Record struct {
	EventType  string    `json:"event_type"`
	Sequence   int64     `json:"sequence_number"`
	JobID      string    `json:"job_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	ReceivedAt time.Time `json:"received_at"`
	Payload    []byte    `json:"payload"`
}

// Sink is a destination for journal records (local files, databases,
// analytics systems). Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, rec Record) error
	Close() error
}
