// Package authflow drives credential collection for one socket: from the
// first sight of the client to an authenticated transport or a terminal
// failure, with a bounded number of attempts in between.
package authflow

import (
	"sync"

	"github.com/billchurch/webssh2-sub005/internal/errs"
	"github.com/billchurch/webssh2-sub005/internal/logging"
)

// State is the phase of the flow.
type State string

const (
	StateIdle          State = "idle"
	StateCollecting    State = "collecting"
	StateDialing       State = "dialing"
	StateInteractive   State = "interactive"
	StateAuthenticated State = "authenticated"
	StateFailed        State = "failed"
)

// Reason is a typed cause for entering StateFailed.
type Reason string

const (
	ReasonInvalidCredentials Reason = "invalid_credentials"
	ReasonPolicyBlocked      Reason = "policy_blocked"
	ReasonNoMethod           Reason = "no_method"
	ReasonNetwork            Reason = "network"
	ReasonTimeout            Reason = "timeout"
)

// DefaultMaxAttempts bounds consecutive failures before the socket is
// disconnected.
const DefaultMaxAttempts = 3

// Credentials is everything the flow collects before dialing.
type Credentials struct {
	Username   string
	Password   string
	PrivateKey []byte
	Passphrase string
	Host       string
	Port       int
}

// Complete reports whether the credentials are sufficient to dial without
// asking the client first.
func (c Credentials) Complete() bool {
	return c.Username != "" && (c.Password != "" || len(c.PrivateKey) > 0)
}

// clear wipes secrets between attempts.
func (c *Credentials) clear() {
	c.Password = ""
	c.PrivateKey = nil
	c.Passphrase = ""
}

// Machine is the per-socket auth state machine. All methods are safe for
// concurrent use.
type Machine struct {
	mu          sync.Mutex
	state       State
	reason      Reason
	attempts    int
	maxAttempts int
	creds       Credentials
	socketID    string
}

// New builds a machine in the idle state. maxAttempts of 0 or less selects
// DefaultMaxAttempts.
func New(socketID string, maxAttempts int) *Machine {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Machine{state: StateIdle, maxAttempts: maxAttempts, socketID: socketID}
}

// State returns the current phase.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// FailureReason returns the terminal reason, empty unless failed.
func (m *Machine) FailureReason() Reason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// Attempts returns the number of failed attempts so far.
func (m *Machine) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Credentials returns a copy of the collected credentials.
func (m *Machine) Credentials() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

// Begin starts the flow with whatever the HTTP session already holds.
// It reports whether the client must be asked for credentials.
func (m *Machine) Begin(preset Credentials) (needAuth bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return false, m.illegal("begin")
	}
	m.creds = preset
	if preset.Complete() {
		m.state = StateDialing
		return false, nil
	}
	m.state = StateCollecting
	return true, nil
}

// Provide accepts credentials from the client's authenticate message and
// moves the flow to dialing.
func (m *Machine) Provide(creds Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCollecting {
		return m.illegal("provide credentials")
	}
	if creds.Username == "" {
		return errs.New(errs.CodeValidation, "username is required")
	}
	// host and port may come preset from the URL route
	if creds.Host == "" {
		creds.Host = m.creds.Host
	}
	if creds.Port == 0 {
		creds.Port = m.creds.Port
	}
	m.creds = creds
	m.state = StateDialing
	return nil
}

// EnterInteractive marks a forwarded keyboard-interactive exchange.
func (m *Machine) EnterInteractive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDialing {
		return m.illegal("enter interactive")
	}
	m.state = StateInteractive
	return nil
}

// LeaveInteractive returns to dialing once the exchange is answered.
func (m *Machine) LeaveInteractive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInteractive {
		return m.illegal("leave interactive")
	}
	m.state = StateDialing
	return nil
}

// Succeed marks the flow authenticated and resets the attempt counter.
func (m *Machine) Succeed() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDialing && m.state != StateInteractive {
		return m.illegal("succeed")
	}
	m.state = StateAuthenticated
	m.attempts = 0
	return nil
}

// Fail records one failed attempt. When attempts remain the flow returns to
// collecting with secrets cleared and retry is true; otherwise the flow is
// terminally failed.
func (m *Machine) Fail(reason Reason) (retry bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	m.creds.clear()
	if m.attempts >= m.maxAttempts || reason == ReasonPolicyBlocked {
		m.state = StateFailed
		m.reason = reason
		logging.Warn("auth.exhausted").Subsystem("auth").Str("socket_id", m.socketID).
			Reason(string(reason)).Int("attempts", m.attempts).Emit()
		return false
	}
	m.state = StateCollecting
	logging.New("auth.retry").Subsystem("auth").Str("socket_id", m.socketID).
		Reason(string(reason)).Int("attempts", m.attempts).Emit()
	return true
}

// Reset returns the machine to idle, keeping host and port. Used by reauth.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	host, port := m.creds.Host, m.creds.Port
	m.creds = Credentials{Host: host, Port: port}
	m.state = StateIdle
	m.reason = ""
	m.attempts = 0
}

func (m *Machine) illegal(op string) error {
	return errs.Newf(errs.CodeValidation, "cannot %s in state %s", op, m.state)
}

// Classify maps an adapter error to a typed failure reason.
func Classify(err error) Reason {
	switch errs.CodeOf(err) {
	case errs.CodeAuthInvalidCredentials:
		return ReasonInvalidCredentials
	case errs.CodePolicySubnetBlocked:
		return ReasonPolicyBlocked
	case errs.CodeAuthNoMethod:
		return ReasonNoMethod
	case errs.CodeConnTimeout:
		return ReasonTimeout
	default:
		return ReasonNetwork
	}
}
