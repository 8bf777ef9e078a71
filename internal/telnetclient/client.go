package telnetclient

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/billchurch/webssh2-sub005/internal/errs"
	"github.com/billchurch/webssh2-sub005/internal/eventbus"
	"github.com/billchurch/webssh2-sub005/internal/logging"
	"github.com/billchurch/webssh2-sub005/internal/logutil"
	"github.com/billchurch/webssh2-sub005/internal/policy"
	"github.com/billchurch/webssh2-sub005/internal/pool"
	"github.com/billchurch/webssh2-sub005/internal/session"
)

// Config describes one outbound Telnet connection.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	Term string
	Rows int
	Cols int

	ReadyTimeout time.Duration

	// Login expectation patterns. LoginPrompt and PasswordPrompt drive the
	// scripted login; FailurePattern, when set, rejects the connection if it
	// matches shortly after the password is sent.
	LoginPrompt    *regexp.Regexp
	PasswordPrompt *regexp.Regexp
	FailurePattern *regexp.Regexp
}

// Stream is a logged-in Telnet connection with negotiation handled
// transparently: reads return cleaned payload bytes, writes escape 0xFF.
type Stream struct {
	conn net.Conn
	neg  *Negotiator

	mu      sync.Mutex
	pending []byte
}

func newStream(conn net.Conn, neg *Negotiator) *Stream {
	return &Stream{conn: conn, neg: neg}
}

func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			data, replies := s.neg.Feed(buf[:n])
			if len(replies) > 0 {
				if _, werr := s.conn.Write(replies); werr != nil && err == nil {
					err = werr
				}
			}
			if len(data) > 0 {
				copied := copy(p, data)
				if copied < len(data) {
					s.mu.Lock()
					s.pending = append(s.pending, data[copied:]...)
					s.mu.Unlock()
				}
				return copied, err
			}
		}
		if err != nil {
			return 0, err
		}
	}
}

func (s *Stream) Write(p []byte) (int, error) {
	if _, err := s.conn.Write(EscapeOutput(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Resize reports new geometry to the peer when NAWS is negotiated.
func (s *Stream) Resize(rows, cols int) error {
	report := s.neg.Resize(rows, cols)
	if report == nil {
		return nil
	}
	_, err := s.conn.Write(report)
	return err
}

func (s *Stream) Close() error { return s.conn.Close() }

// Adapter is the Telnet side of the protocol adapter contract.
type Adapter struct {
	pool    *pool.Pool
	store   *session.Store
	bus     *eventbus.Bus
	subnets *policy.SubnetChecker

	mu   sync.Mutex
	live map[string]*Stream
}

// NewAdapter wires the adapter to the connection pool, session store, event
// bus and the optional subnet allow-list.
func NewAdapter(p *pool.Pool, st *session.Store, bus *eventbus.Bus, subnets *policy.SubnetChecker) *Adapter {
	return &Adapter{
		pool:    p,
		store:   st,
		bus:     bus,
		subnets: subnets,
		live:    make(map[string]*Stream),
	}
}

// Connect dials, negotiates options and performs scripted login. On success
// the connection is registered in the pool and the session store updated.
// The same subnet allow-list that gates SSH targets applies here.
func (a *Adapter) Connect(ctx context.Context, sessionID string, cfg Config) (*pool.Connection, error) {
	if a.subnets != nil && a.subnets.Enabled() {
		if err := a.subnets.CheckHost(ctx, cfg.Host); err != nil {
			a.failConnect(sessionID, err)
			return nil, err
		}
	}

	timeout := cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	deadline := time.Now().Add(timeout)

	a.store.Dispatch(sessionID, session.ConnectionStart{Host: cfg.Host, Port: cfg.Port})

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	dialer := net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		werr := errs.Wrap(errs.CodeConnRefused, fmt.Sprintf("telnet connect to %s", addr), err)
		a.failConnect(sessionID, werr)
		return nil, werr
	}
	raw.SetDeadline(deadline)

	neg := NewNegotiator(cfg.Term, cfg.Rows, cfg.Cols)
	stream := newStream(raw, neg)

	if err := a.login(stream, cfg); err != nil {
		raw.Close()
		a.failConnect(sessionID, err)
		return nil, err
	}
	raw.SetDeadline(time.Time{})

	conn := pool.NewConnection(uuid.NewString(), sessionID, pool.ProtocolTelnet, cfg.Host, cfg.Port, cfg.Username, raw)
	if cfg.Username != "" {
		conn.AuthMethod = "password"
	}
	if !a.pool.Add(conn) {
		raw.Close()
		werr := errs.New(errs.CodeInternal, "connection id collision")
		a.failConnect(sessionID, werr)
		return nil, werr
	}
	conn.SetStatus(pool.StatusConnected)

	a.mu.Lock()
	a.live[conn.ID] = stream
	a.mu.Unlock()

	a.store.Dispatch(sessionID, session.ConnectionEstablished{ConnectionID: conn.ID})
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConnEstablished, Payload: conn.ID}, eventbus.PriorityNormal)
	logging.New("telnet.connected").Subsystem("telnet").Session(sessionID).Conn(conn.ID).
		Str("host", logutil.SanitizeForLog(cfg.Host)).Int("port", cfg.Port).Emit()
	return conn, nil
}

func (a *Adapter) failConnect(sessionID string, err error) {
	a.store.Dispatch(sessionID, session.ConnectionError{Error: err.Error()})
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConnError, Payload: err.Error()}, eventbus.PriorityHigh)
}

// login waits for the login prompt, sends the username, waits for the
// password prompt, sends the password and optionally watches for a failure
// pattern before declaring success.
func (a *Adapter) login(stream *Stream, cfg Config) error {
	if cfg.LoginPrompt == nil || cfg.Username == "" {
		return nil
	}

	if err := expect(stream, cfg.LoginPrompt); err != nil {
		return errs.Wrap(errs.CodeProtoUnexpectedPrompt, "waiting for login prompt", err)
	}
	if _, err := stream.Write([]byte(cfg.Username + "\r\n")); err != nil {
		return errs.Wrap(errs.CodeConnClosed, "send username", err)
	}

	if cfg.PasswordPrompt != nil {
		if err := expect(stream, cfg.PasswordPrompt); err != nil {
			return errs.Wrap(errs.CodeProtoUnexpectedPrompt, "waiting for password prompt", err)
		}
		if _, err := stream.Write([]byte(cfg.Password + "\r\n")); err != nil {
			return errs.Wrap(errs.CodeConnClosed, "send password", err)
		}
	}

	if cfg.FailurePattern != nil {
		if matched := watchFor(stream, cfg.FailurePattern, 2*time.Second); matched {
			return errs.New(errs.CodeAuthInvalidCredentials, "login rejected by remote host")
		}
	}
	return nil
}

const expectWindow = 16 * 1024

// expect reads until re matches the accumulated tail of the cleaned stream.
func expect(stream *Stream, re *regexp.Regexp) error {
	var seen []byte
	buf := make([]byte, 1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			seen = append(seen, buf[:n]...)
			if len(seen) > expectWindow {
				seen = seen[len(seen)-expectWindow:]
			}
			if re.Match(seen) {
				return nil
			}
		}
		if err != nil {
			return err
		}
	}
}

// watchFor reads for at most window and reports whether re matched. Read
// errors end the watch; a timeout means the pattern did not appear.
func watchFor(stream *Stream, re *regexp.Regexp, window time.Duration) bool {
	stream.conn.SetReadDeadline(time.Now().Add(window))
	defer stream.conn.SetReadDeadline(time.Time{})

	var seen []byte
	buf := make([]byte, 1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			seen = append(seen, buf[:n]...)
			if re.Match(seen) {
				return true
			}
			// echoed output before the shell prompt stays small; keep the tail
			if len(seen) > expectWindow {
				seen = seen[len(seen)-expectWindow:]
			}
		}
		if err != nil {
			return false
		}
	}
}

// Shell returns the logged-in stream for a connection.
func (a *Adapter) Shell(connID string) (*Stream, error) {
	conn, ok := a.pool.Get(connID)
	if !ok || conn.Status() != pool.StatusConnected {
		return nil, errs.New(errs.CodeNotReady, "connection is not ready")
	}
	a.mu.Lock()
	stream := a.live[connID]
	a.mu.Unlock()
	if stream == nil {
		return nil, errs.New(errs.CodeNotReady, "no active stream")
	}
	conn.Touch()
	return stream, nil
}

// Resize propagates geometry to the remote end via NAWS.
func (a *Adapter) Resize(connID string, rows, cols int) error {
	if rows < 1 || cols < 1 {
		return errs.Newf(errs.CodeValidation, "invalid geometry %dx%d", cols, rows)
	}
	a.mu.Lock()
	stream := a.live[connID]
	a.mu.Unlock()
	if stream == nil {
		return errs.New(errs.CodeNotReady, "connection is not ready")
	}
	return stream.Resize(rows, cols)
}

// Status reports the pool status of a connection.
func (a *Adapter) Status(connID string) pool.Status {
	conn, ok := a.pool.Get(connID)
	if !ok {
		return pool.StatusDisconnected
	}
	return conn.Status()
}

// Disconnect closes one connection and removes it from the pool.
func (a *Adapter) Disconnect(connID string) {
	a.mu.Lock()
	stream := a.live[connID]
	delete(a.live, connID)
	a.mu.Unlock()
	if stream != nil {
		stream.Close()
	}

	conn, ok := a.pool.Get(connID)
	if !ok {
		return
	}
	conn.SetStatus(pool.StatusDisconnected)
	a.pool.Remove(connID)
	a.store.Dispatch(conn.SessionID, session.ConnectionClosed{})
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConnClosed, Payload: connID}, eventbus.PriorityNormal)
	logging.New("telnet.disconnected").Subsystem("telnet").Conn(connID).Session(conn.SessionID).Emit()
}

// DisconnectSession closes every Telnet connection belonging to a session.
func (a *Adapter) DisconnectSession(sessionID string) {
	for _, conn := range a.pool.GetBySession(sessionID) {
		if conn.Protocol == pool.ProtocolTelnet {
			a.Disconnect(conn.ID)
		}
	}
}
