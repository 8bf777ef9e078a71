package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/billchurch/webssh2-sub005/internal/logging"
)

// Subscriber receives the post-state of every applied action.
// Subscribers run on the dispatching goroutine and must not block;
// long work belongs on the event bus.
type Subscriber func(State)

// Store owns all sessions. It is a process-wide singleton created in main.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	nowFn    func() time.Time // injectable clock for testing
}

type entry struct {
	mu sync.Mutex

	state   State
	subs    map[int]Subscriber
	nextSub int

	// Dispatch reentrancy guard: a dispatch issued while another dispatch
	// on the same session is running (typically from a subscriber) is
	// queued and applied after the current one returns.
	dispatching bool
	queue       []Action
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*entry),
		nowFn:    time.Now,
	}
}

// CreateSession allocates a session with default geometry. A non-empty id
// makes the call idempotent for that id; an empty id generates a new one.
// Returns the session's current state.
func (st *Store) CreateSession(id string) State {
	if id == "" {
		id = uuid.NewString()
	}

	st.mu.Lock()
	e, ok := st.sessions[id]
	if !ok {
		e = &entry{
			state: newState(id, st.nowFn()),
			subs:  make(map[int]Subscriber),
		}
		st.sessions[id] = e
	}
	st.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// GetState returns a copy of the session's state, or ok=false if it does
// not exist. No side effects.
func (st *Store) GetState(id string) (State, bool) {
	st.mu.RLock()
	e, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return State{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone(), true
}

// Dispatch applies the action through the reducer and notifies subscribers
// with the post-state. Dispatches are serialized per session; a nested
// dispatch from a subscriber is queued and runs after the current one.
// Unknown sessions and illegal transitions are logged at warn, never panic.
func (st *Store) Dispatch(id string, a Action) {
	st.mu.RLock()
	e, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		logging.Warn("session.dispatch_unknown").Subsystem("session").Session(id).Str("action", a.Kind()).Emit()
		return
	}

	e.mu.Lock()
	if e.dispatching {
		e.queue = append(e.queue, a)
		e.mu.Unlock()
		return
	}
	e.dispatching = true
	e.mu.Unlock()

	for a != nil {
		e.mu.Lock()
		next, applied := reduce(e.state, a)
		if applied {
			next.Meta.UpdatedAt = st.later(next.Meta.UpdatedAt)
			e.state = next
		}
		post := e.state.clone()
		subs := make([]Subscriber, 0, len(e.subs))
		for _, fn := range e.subs {
			subs = append(subs, fn)
		}
		e.mu.Unlock()

		if applied {
			for _, fn := range subs {
				fn(post)
			}
		} else {
			logging.Warn("session.illegal_transition").Subsystem("session").Session(id).Str("action", a.Kind()).Emit()
		}

		e.mu.Lock()
		if len(e.queue) > 0 {
			a = e.queue[0]
			e.queue = e.queue[1:]
		} else {
			a = nil
			e.dispatching = false
		}
		e.mu.Unlock()
	}
}

// later advances UpdatedAt strictly past its previous value even when the
// clock has not ticked between two mutations.
func (st *Store) later(prev time.Time) time.Time {
	now := st.nowFn()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}

// Subscribe registers a listener for the session. The returned function
// removes it; calling it more than once is harmless.
func (st *Store) Subscribe(id string, fn Subscriber) (unsubscribe func()) {
	st.mu.RLock()
	e, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return func() {}
	}

	e.mu.Lock()
	n := e.nextSub
	e.nextSub++
	e.subs[n] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, n)
		e.mu.Unlock()
	}
}

// RemoveSession deletes the session and cancels all subscriptions.
func (st *Store) RemoveSession(id string) {
	st.mu.Lock()
	e, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.subs = make(map[int]Subscriber)
	e.mu.Unlock()
}

// Sessions returns the ids of all live sessions.
func (st *Store) Sessions() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	return ids
}

// IdleSince returns ids of sessions whose UpdatedAt is before cutoff.
// Used by the TTL garbage collector.
func (st *Store) IdleSince(cutoff time.Time) []string {
	st.mu.RLock()
	entries := make(map[string]*entry, len(st.sessions))
	for id, e := range st.sessions {
		entries[id] = e
	}
	st.mu.RUnlock()

	var idle []string
	for id, e := range entries {
		e.mu.Lock()
		stale := e.state.Meta.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if stale {
			idle = append(idle, id)
		}
	}
	return idle
}
