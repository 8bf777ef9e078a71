package terminal

import (
	"sync"
	"time"

	"github.com/billchurch/webssh2-sub005/internal/eventbus"
	"github.com/billchurch/webssh2-sub005/internal/logging"
	"github.com/billchurch/webssh2-sub005/internal/session"
)

// Recorder consumes flushed ring entries when a recording starts.
type Recorder interface {
	Record(sessionID string, entries []Entry)
}

// Service owns per-session output rings and mirrors geometry changes into
// the session store. Recording is per-session opt-in; with recording off,
// Write is a no-op and costs one map lookup.
type Service struct {
	store *session.Store
	bus   *eventbus.Bus

	mu        sync.Mutex
	rings     map[string]*Ring
	recording map[string]bool

	ringSize int
	recorder Recorder
}

// NewService creates the service and subscribes it to the bus for
// recording.start and session.destroyed events.
func NewService(store *session.Store, bus *eventbus.Bus, ringSize int, rec Recorder) *Service {
	s := &Service{
		store:     store,
		bus:       bus,
		rings:     make(map[string]*Ring),
		recording: make(map[string]bool),
		ringSize:  ringSize,
		recorder:  rec,
	}

	if bus != nil {
		bus.Subscribe(eventbus.TypeRecordingStart, func(ev eventbus.Event) error {
			if id, ok := ev.Payload.(string); ok {
				s.FlushToRecorder(id)
			}
			return nil
		}, eventbus.SubscribeOptions{})
		bus.Subscribe(eventbus.TypeSessionDestroyed, func(ev eventbus.Event) error {
			if id, ok := ev.Payload.(string); ok {
				s.Drop(id)
			}
			return nil
		}, eventbus.SubscribeOptions{})
	}
	return s
}

// Init records the terminal description for a session.
func (s *Service) Init(sessionID, term string, rows, cols int, env map[string]string) {
	s.store.Dispatch(sessionID, session.TerminalInit{Term: term, Rows: rows, Cols: cols, Environment: env})
}

// Resize updates geometry in the store.
func (s *Service) Resize(sessionID string, rows, cols int) {
	s.store.Dispatch(sessionID, session.TerminalResize{Rows: rows, Cols: cols})
}

// Geometry returns the session's current terminal description.
func (s *Service) Geometry(sessionID string) (session.Term, bool) {
	st, ok := s.store.GetState(sessionID)
	if !ok {
		return session.Term{}, false
	}
	return st.Term, true
}

// EnableRecording starts buffering output for the session.
func (s *Service) EnableRecording(sessionID string) {
	s.mu.Lock()
	s.recording[sessionID] = true
	if _, ok := s.rings[sessionID]; !ok {
		s.rings[sessionID] = NewRing(s.ringSize)
	}
	s.mu.Unlock()
	logging.New("terminal.recording_enabled").Subsystem("terminal").Session(sessionID).Emit()
}

// DisableRecording stops buffering; the ring is kept until Drop.
func (s *Service) DisableRecording(sessionID string) {
	s.mu.Lock()
	s.recording[sessionID] = false
	s.mu.Unlock()
}

// Write buffers outbound bytes for the session if recording is enabled.
func (s *Service) Write(sessionID string, b []byte) {
	s.mu.Lock()
	if !s.recording[sessionID] {
		s.mu.Unlock()
		return
	}
	r := s.rings[sessionID]
	s.mu.Unlock()

	if r != nil {
		r.Append(time.Now(), b)
	}
}

// FlushToRecorder hands the session's buffered entries to the recorder
// oldest-first and clears the ring.
func (s *Service) FlushToRecorder(sessionID string) {
	s.mu.Lock()
	r := s.rings[sessionID]
	rec := s.recorder
	s.mu.Unlock()

	if r == nil || rec == nil {
		return
	}
	entries := r.Snapshot()
	r.Clear()
	if len(entries) > 0 {
		rec.Record(sessionID, entries)
	}
}

// Entries returns the session's buffered entries oldest-first without
// clearing them.
func (s *Service) Entries(sessionID string) []Entry {
	s.mu.Lock()
	r := s.rings[sessionID]
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Snapshot()
}

// Drop discards all buffered state for the session.
func (s *Service) Drop(sessionID string) {
	s.mu.Lock()
	delete(s.rings, sessionID)
	delete(s.recording, sessionID)
	s.mu.Unlock()
}
