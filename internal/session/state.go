// Package session is the single source of truth for per-session state.
//
// A Session is a value-type state tree mutated only through typed actions
// applied by a pure reducer. Dispatch is serialized per session id;
// subscribers observe each applied action exactly once, synchronously,
// with the post-state.
package session

import "time"

// AuthStatus is the authentication phase of a session.
type AuthStatus string

const (
	AuthIdle          AuthStatus = "idle"
	AuthPending       AuthStatus = "pending"
	AuthAuthenticated AuthStatus = "authenticated"
	AuthFailed        AuthStatus = "failed"
)

// ConnStatus is the transport phase of a session.
type ConnStatus string

const (
	ConnIdle       ConnStatus = "idle"
	ConnConnecting ConnStatus = "connecting"
	ConnConnected  ConnStatus = "connected"
	ConnError      ConnStatus = "error"
	ConnClosed     ConnStatus = "closed"
)

// Auth is the authentication slice of session state.
type Auth struct {
	Status       AuthStatus
	Username     string
	Method       string
	ErrorMessage string
}

// Conn is the connection slice of session state.
type Conn struct {
	Status       ConnStatus
	ConnectionID string
	Host         string
	Port         int
	ErrorMessage string
}

// Term is the terminal slice of session state.
type Term struct {
	Term        string
	Rows        int
	Cols        int
	Environment map[string]string
	Cwd         string
}

// Meta is session bookkeeping. UpdatedAt advances on every mutation.
type Meta struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	UserID    string
	ClientIP  string
	UserAgent string
}

// State is one session's full state tree. It is copied on read; holders
// never share mutable references with the store.
type State struct {
	ID   string
	Auth Auth
	Conn Conn
	Term Term
	Meta Meta
}

// DefaultRows and DefaultCols are the geometry a new session starts with.
const (
	DefaultRows = 24
	DefaultCols = 80
)

func newState(id string, now time.Time) State {
	return State{
		ID:   id,
		Auth: Auth{Status: AuthIdle},
		Conn: Conn{Status: ConnIdle},
		Term: Term{Rows: DefaultRows, Cols: DefaultCols, Environment: map[string]string{}},
		Meta: Meta{CreatedAt: now, UpdatedAt: now},
	}
}

// clone returns a deep copy; the environment map is the only reference field.
func (s State) clone() State {
	env := make(map[string]string, len(s.Term.Environment))
	for k, v := range s.Term.Environment {
		env[k] = v
	}
	s.Term.Environment = env
	return s
}
