// Package terminal tracks per-session terminal geometry and environment
// and keeps a bounded in-memory ring of output for recording and replay.
package terminal

import (
	"sync"
	"time"
)

// DefaultRingEntries bounds the ring when no size is configured.
const DefaultRingEntries = 10000

// Entry is one timestamped chunk of terminal output.
type Entry struct {
	Timestamp time.Time
	Bytes     []byte
}

// Ring is a bounded buffer of entries that overwrites the oldest when full.
// Safe for concurrent use.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	max     int
	next    int
	full    bool
}

// NewRing creates a ring holding at most max entries. max <= 0 uses
// DefaultRingEntries.
func NewRing(max int) *Ring {
	if max <= 0 {
		max = DefaultRingEntries
	}
	return &Ring{entries: make([]Entry, max), max: max}
}

// Append stores a copy of b with the given timestamp.
func (r *Ring) Append(ts time.Time, b []byte) {
	buf := make([]byte, len(b))
	copy(buf, b)

	r.mu.Lock()
	r.entries[r.next] = Entry{Timestamp: ts, Bytes: buf}
	r.next++
	if r.next == r.max {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Len returns how many entries are held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return r.max
	}
	return r.next
}

// Snapshot returns the entries oldest-first.
func (r *Ring) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]Entry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]Entry, 0, r.max)
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

// Clear discards all entries.
func (r *Ring) Clear() {
	r.mu.Lock()
	r.entries = make([]Entry, r.max)
	r.next = 0
	r.full = false
	r.mu.Unlock()
}
