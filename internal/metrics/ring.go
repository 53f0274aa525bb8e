package metrics

import (
	"sync"
	"time"
)

// Ring is a fixed-capacity circular buffer of snapshots; the oldest entry is
// evicted first once full.
type Ring struct {
	mu       sync.RWMutex
	buf      []Snapshot
	capacity int
	head     int
	count    int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 120
	}
	return &Ring{
		buf:      make([]Snapshot, capacity),
		capacity: capacity,
	}
}

// Add inserts a snapshot, overwriting the oldest if full.
func (r *Ring) Add(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.head] = s
	r.head = (r.head + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}
}

// Latest returns the most recently added snapshot.
func (r *Ring) Latest() (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return Snapshot{}, false
	}
	idx := (r.head - 1 + r.capacity) % r.capacity
	return r.buf[idx], true
}

// Last returns the last n snapshots in chronological order.
func (r *Ring) Last(n int) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]Snapshot, n)
	start := (r.head - n + r.capacity) % r.capacity
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%r.capacity]
	}
	return out
}

// Since returns all snapshots taken at or after t, in chronological order.
func (r *Ring) Since(t time.Time) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return nil
	}
	var out []Snapshot
	start := (r.head - r.count + r.capacity) % r.capacity
	for i := 0; i < r.count; i++ {
		s := r.buf[(start+i)%r.capacity]
		if !s.At.Before(t) {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the current number of stored snapshots.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
