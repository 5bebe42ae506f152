// Package dedup provides a bounded memory of recently seen sequence numbers
// used to discard redelivered events after a reconnect.
package dedup

// DefaultCapacity covers a typical resumption gap. Treat it as a tunable,
// not a proven bound: events redelivered from before the window may pass
// through twice, which downstream sequence checks absorb.
const DefaultCapacity = 5000

// Window is a fixed-capacity set with strict insertion-order eviction.
// It is not safe for concurrent use; each stream session owns one.
type Window struct {
	capacity int
	ring     []int64
	head     int
	size     int
	seen     map[int64]struct{}
}

// New returns a Window holding at most capacity entries. Non-positive
// capacity selects DefaultCapacity.
func New(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{
		capacity: capacity,
		ring:     make([]int64, capacity),
		seen:     make(map[int64]struct{}, capacity),
	}
}

// Has reports whether seq is within the window.
func (w *Window) Has(seq int64) bool {
	_, ok := w.seen[seq]
	return ok
}

// Add records seq, evicting the oldest entry when full. Re-adding a present
// value is a no-op and does not refresh its age.
func (w *Window) Add(seq int64) {
	if _, ok := w.seen[seq]; ok {
		return
	}
	if w.size == w.capacity {
		delete(w.seen, w.ring[w.head])
		w.ring[w.head] = seq
		w.head = (w.head + 1) % w.capacity
	} else {
		w.ring[(w.head+w.size)%w.capacity] = seq
		w.size++
	}
	w.seen[seq] = struct{}{}
}

// Len returns the number of entries currently held.
func (w *Window) Len() int { return w.size }

// Cap returns the configured capacity.
func (w *Window) Cap() int { return w.capacity }

// Clear resets the window to empty. Reserved for deliberate session resets.
func (w *Window) Clear() {
	w.head = 0
	w.size = 0
	w.seen = make(map[int64]struct{}, w.capacity)
}
