package event

// JobState is the engine-side job lifecycle state.
type JobState string

const (
	StateQueued     JobState = "queued"
	StateRunning    JobState = "running"
	StateCancelling JobState = "cancelling"
	StateCancelled  JobState = "cancelled"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
	StateArchived   JobState = "archived"
)

// transitions is the legal state graph. Archival is reachable only from
// terminal states and is triggered by an explicit local call, never by a
// streamed event.
var transitions = map[JobState][]JobState{
	StateQueued:     {StateRunning, StateCancelling, StateFailed},
	StateRunning:    {StateCancelling, StateCompleted, StateFailed},
	StateCancelling: {StateCancelled, StateFailed},
	StateCompleted:  {StateArchived},
	StateCancelled:  {StateArchived},
	StateFailed:     {StateArchived},
	StateArchived:   {},
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether the engine will emit no further transitions for s.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed, StateArchived:
		return true
	}
	return false
}

// Active reports whether the job may still produce progress or logs.
func (s JobState) Active() bool {
	switch s {
	case StateQueued, StateRunning, StateCancelling:
		return true
	}
	return false
}

// CanTransitionTo reports whether the edge s -> next exists in the graph.
func (s JobState) CanTransitionTo(next JobState) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}
