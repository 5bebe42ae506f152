package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/jobstream/internal/journal"
)

// Sink writes journal records to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite journal sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_events(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			sequence_number INTEGER NOT NULL,
			job_id TEXT NULL,
			occurred_at TIMESTAMP NULL,
			received_at TIMESTAMP NOT NULL,
			payload TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_sequence ON job_events(sequence_number);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, rec journal.Record) error {
	occurred := interface{}(nil)
	if !rec.OccurredAt.IsZero() {
		occurred = rec.OccurredAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_events(event_type, sequence_number, job_id, occurred_at, received_at, payload)
		VALUES(?, ?, ?, ?, ?, ?);`,
		rec.EventType, rec.Sequence, nullEmpty(rec.JobID), occurred, rec.ReceivedAt.UTC(), string(rec.Payload))
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullEmpty(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
