package prompt

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/billchurch/webssh2-sub005/internal/errs"
	"github.com/billchurch/webssh2-sub005/internal/logging"
)

// DefaultMaxPending is the per-socket cap on pending prompts.
const DefaultMaxPending = 5

// Tracked is a prompt awaiting its response.
type Tracked struct {
	ID       string
	SocketID string
	Payload  Payload

	CreatedAt time.Time
	TimeoutAt time.Time

	expectedButtons map[string]bool
	expectedInputs  map[string]bool
	requiredInputs  map[string]bool

	// OnTimeout, when set, runs once if the prompt expires before a
	// response arrives.
	OnTimeout func(Tracked)
}

// Tracker owns all pending prompts process-wide.
type Tracker struct {
	mu         sync.Mutex
	byID       map[string]*Tracked
	bySocket   map[string]map[string]bool // socket id -> set of prompt ids
	maxPending int
	nowFn      func() time.Time
}

// NewTracker creates a tracker. maxPending <= 0 uses DefaultMaxPending.
func NewTracker(maxPending int) *Tracker {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Tracker{
		byID:       make(map[string]*Tracked),
		bySocket:   make(map[string]map[string]bool),
		maxPending: maxPending,
		nowFn:      time.Now,
	}
}

// Track validates and registers a prompt for the socket. A missing payload
// id is filled with a fresh UUID. Fails with POLICY_MAX_PROMPTS when the
// socket is at its pending cap.
func (t *Tracker) Track(socketID string, p Payload) (*Tracked, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := ValidatePayload(p); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.bySocket[socketID]) >= t.maxPending {
		return nil, errs.Newf(errs.CodePolicyMaxPrompts, "socket has %d pending prompts", len(t.bySocket[socketID]))
	}
	if _, dup := t.byID[p.ID]; dup {
		return nil, errs.Newf(errs.CodeValidation, "prompt id %s already tracked", p.ID)
	}

	now := t.nowFn()
	tr := &Tracked{
		ID:              p.ID,
		SocketID:        socketID,
		Payload:         p,
		CreatedAt:       now,
		TimeoutAt:       now.Add(time.Duration(p.Timeout) * time.Millisecond),
		expectedButtons: make(map[string]bool, len(p.Buttons)),
		expectedInputs:  make(map[string]bool, len(p.Inputs)),
		requiredInputs:  make(map[string]bool),
	}
	for _, b := range p.Buttons {
		tr.expectedButtons[b.Action] = true
	}
	for _, in := range p.Inputs {
		tr.expectedInputs[in.Key] = true
		if in.Required {
			tr.requiredInputs[in.Key] = true
		}
	}

	t.byID[p.ID] = tr
	set, ok := t.bySocket[socketID]
	if !ok {
		set = make(map[string]bool)
		t.bySocket[socketID] = set
	}
	set[p.ID] = true

	return tr, nil
}

// Validate checks a response against the tracked prompt. On success the
// prompt is removed and returned. Failure codes: UNKNOWN_PROMPT,
// FOREIGN_PROMPT, EXPIRED (prompt also removed), VALIDATION.
func (t *Tracker) Validate(socketID string, resp Response) (*Tracked, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.byID[resp.ID]
	if !ok {
		return nil, errs.Newf(errs.CodeUnknownPrompt, "no pending prompt %s", resp.ID)
	}
	if tr.SocketID != socketID {
		// Ownership violation: the prompt stays pending for its owner.
		logging.Warn("prompt.foreign_response").Subsystem("prompt").
			Str("prompt_id", resp.ID).Str("socket_id", socketID).Emit()
		return nil, errs.New(errs.CodeForeignPrompt, "prompt belongs to another socket")
	}
	if t.nowFn().After(tr.TimeoutAt) {
		t.removeLocked(tr)
		return nil, errs.Newf(errs.CodeExpiredPrompt, "prompt %s expired", resp.ID)
	}

	if !tr.expectedButtons[resp.Action] && resp.Action != ActionDismissed && resp.Action != ActionTimeout {
		return nil, errs.Newf(errs.CodeValidation, "action %q not offered by prompt", resp.Action)
	}
	for key, val := range resp.Inputs {
		if !tr.expectedInputs[key] {
			return nil, errs.Newf(errs.CodeValidation, "unexpected input %q", key)
		}
		if len(val) > MaxValueLen {
			return nil, errs.Newf(errs.CodeValidation, "input %q exceeds %d characters", key, MaxValueLen)
		}
		if containsHTML(val) {
			return nil, errs.Newf(errs.CodeValidation, "input %q must not contain HTML", key)
		}
	}
	for key := range tr.requiredInputs {
		if resp.Inputs[key] == "" {
			return nil, errs.Newf(errs.CodeValidation, "required input %q missing", key)
		}
	}

	t.removeLocked(tr)
	return tr, nil
}

// Get returns the tracked prompt without removing it.
func (t *Tracker) Get(id string) (*Tracked, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.byID[id]
	return tr, ok
}

// PendingForSocket returns how many prompts the socket is waiting on.
func (t *Tracker) PendingForSocket(socketID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bySocket[socketID])
}

// Remove deletes one prompt by id.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.byID[id]; ok {
		t.removeLocked(tr)
	}
}

// RemoveAllForSocket drops every pending prompt of the socket. Idempotent;
// called on socket disconnect.
func (t *Tracker) RemoveAllForSocket(socketID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.bySocket[socketID] {
		if tr, ok := t.byID[id]; ok {
			t.removeLocked(tr)
		}
	}
	delete(t.bySocket, socketID)
}

// Sweep removes expired prompts and fires their timeout callbacks.
// Returns how many were removed.
func (t *Tracker) Sweep() int {
	now := t.nowFn()

	t.mu.Lock()
	var expired []*Tracked
	for _, tr := range t.byID {
		if now.After(tr.TimeoutAt) {
			expired = append(expired, tr)
		}
	}
	for _, tr := range expired {
		t.removeLocked(tr)
	}
	t.mu.Unlock()

	for _, tr := range expired {
		if tr.OnTimeout != nil {
			tr.OnTimeout(*tr)
		}
	}
	return len(expired)
}

func (t *Tracker) removeLocked(tr *Tracked) {
	delete(t.byID, tr.ID)
	if set, ok := t.bySocket[tr.SocketID]; ok {
		delete(set, tr.ID)
		if len(set) == 0 {
			delete(t.bySocket, tr.SocketID)
		}
	}
}
