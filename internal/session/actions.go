package session

// Action is a typed, immutable message processed by the reducer.
// The set of actions is closed: every implementation lives in this file.
type Action interface {
	// Kind returns the action's stable name for logging.
	Kind() string
}

// AuthSuccess records a completed authentication.
type AuthSuccess struct {
	Username string
	Method   string
}

// AuthFailure records a failed authentication attempt.
type AuthFailure struct {
	Error  string
	Method string
}

// AuthClear resets authentication state, e.g. between attempts or on reauth.
type AuthClear struct{}

// ConnectionStart marks the beginning of a dial.
type ConnectionStart struct {
	Host string
	Port int
}

// ConnectionEstablished binds the session to a live connection. Illegal
// unless the session is authenticated.
type ConnectionEstablished struct {
	ConnectionID string
}

// ConnectionError records a transport failure.
type ConnectionError struct {
	Error string
}

// ConnectionClosed marks the connection as gone.
type ConnectionClosed struct{}

// TerminalResize updates geometry. Rows and cols below 1 are illegal.
type TerminalResize struct {
	Rows int
	Cols int
}

// TerminalSetEnv replaces the terminal environment.
type TerminalSetEnv struct {
	Environment map[string]string
}

// TerminalInit sets the full terminal description in one step.
type TerminalInit struct {
	Term        string
	Rows        int
	Cols        int
	Environment map[string]string
}

// TerminalDestroy resets the terminal slice to defaults.
type TerminalDestroy struct{}

// MetadataUpdate merges the non-nil fields into session metadata.
// Applying the same payload twice yields the same metadata.
type MetadataUpdate struct {
	UserID    *string
	ClientIP  *string
	UserAgent *string
}

func (AuthSuccess) Kind() string           { return "AUTH_SUCCESS" }
func (AuthFailure) Kind() string           { return "AUTH_FAILURE" }
func (AuthClear) Kind() string             { return "AUTH_CLEAR" }
func (ConnectionStart) Kind() string       { return "CONNECTION_START" }
func (ConnectionEstablished) Kind() string { return "CONNECTION_ESTABLISHED" }
func (ConnectionError) Kind() string       { return "CONNECTION_ERROR" }
func (ConnectionClosed) Kind() string      { return "CONNECTION_CLOSED" }
func (TerminalResize) Kind() string        { return "TERMINAL_RESIZE" }
func (TerminalSetEnv) Kind() string        { return "TERMINAL_SET_ENV" }
func (TerminalInit) Kind() string          { return "TERMINAL_INIT" }
func (TerminalDestroy) Kind() string       { return "TERMINAL_DESTROY" }
func (MetadataUpdate) Kind() string        { return "METADATA_UPDATE" }
