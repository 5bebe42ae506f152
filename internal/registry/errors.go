package registry

import "errors"

var (
	// ErrUnknownJob is returned when the job id has never been observed.
	ErrUnknownJob = errors.New("registry: unknown job")
	// ErrNotTerminal is returned when archival is requested for a job that
	// has not reached a terminal state.
	ErrNotTerminal = errors.New("registry: job not in a terminal state")
)
