// Package sshclient dials and drives outbound SSH connections. It owns the
// auth method precedence, keyboard-interactive handling, keepalive polling,
// and the shell/exec surface used by the socket bridge.
package sshclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/billchurch/webssh2-sub005/internal/errs"
	"github.com/billchurch/webssh2-sub005/internal/eventbus"
	"github.com/billchurch/webssh2-sub005/internal/logging"
	"github.com/billchurch/webssh2-sub005/internal/logutil"
	"github.com/billchurch/webssh2-sub005/internal/policy"
	"github.com/billchurch/webssh2-sub005/internal/pool"
	"github.com/billchurch/webssh2-sub005/internal/session"
)

// Credentials is what the auth flow hands to Connect.
type Credentials struct {
	Username   string
	Password   string
	PrivateKey []byte
	Passphrase string
}

// KeyboardHandler answers a keyboard-interactive challenge, typically by
// prompting the browser through the prompt tracker.
type KeyboardHandler func(name, instruction string, questions []string, echos []bool) ([]string, error)

// Config describes one outbound SSH connection.
type Config struct {
	Host string
	Port int

	Credentials Credentials

	ReadyTimeout      time.Duration
	KeepaliveInterval time.Duration
	KeepaliveCountMax int

	// Preset names an algorithm preset; Algorithms overrides it when set.
	Preset     string
	Algorithms *Algorithms

	// Methods gates which auth mechanisms may be tried. The zero value
	// means every mechanism is allowed.
	Methods  policy.AuthMethods
	Keyboard KeyboardHandler

	// HostKey verifies the server key. Nil means accept any key.
	HostKey ssh.HostKeyCallback
}

// Stream is an open interactive shell.
type Stream struct {
	stdin  io.WriteCloser
	stdout io.Reader
	sess   *ssh.Session
	done   chan error
}

// Write sends terminal input to the remote shell.
func (s *Stream) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// Read receives terminal output from the remote shell.
func (s *Stream) Read(p []byte) (int, error) { return s.stdout.Read(p) }

// Wait blocks until the remote shell exits.
func (s *Stream) Wait() error { return <-s.done }

// Close terminates the shell session.
func (s *Stream) Close() error { return s.sess.Close() }

// ExecOptions tune one command invocation. The zero value runs the command
// without a PTY and with no extra environment.
type ExecOptions struct {
	Env  map[string]string
	Pty  bool
	Term string
	Rows int
	Cols int
}

// ExecResult carries the outcome of a one-shot command.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

type liveConn struct {
	stream  *Stream
	streamM sync.Mutex
	cancel  context.CancelFunc
}

// Adapter is the SSH side of the protocol adapter contract.
type Adapter struct {
	pool    *pool.Pool
	store   *session.Store
	bus     *eventbus.Bus
	subnets *policy.SubnetChecker

	mu   sync.Mutex
	live map[string]*liveConn
}

// NewAdapter wires the adapter to the connection pool, session store, event
// bus and the optional subnet allow-list.
func NewAdapter(p *pool.Pool, st *session.Store, bus *eventbus.Bus, subnets *policy.SubnetChecker) *Adapter {
	return &Adapter{
		pool:    p,
		store:   st,
		bus:     bus,
		subnets: subnets,
		live:    make(map[string]*liveConn),
	}
}

// Connect dials and authenticates, registers the connection in the pool and
// reports progress through the session store and event bus.
func (a *Adapter) Connect(ctx context.Context, sessionID string, cfg Config) (*pool.Connection, error) {
	if a.subnets != nil && a.subnets.Enabled() {
		if err := a.subnets.CheckHost(ctx, cfg.Host); err != nil {
			a.failConnect(sessionID, err)
			return nil, err
		}
	}

	a.store.Dispatch(sessionID, session.ConnectionStart{Host: cfg.Host, Port: cfg.Port})

	// Records which mechanism the handshake actually exercised; the dial
	// goroutine writes it before the result channel send.
	var method string
	clientCfg, err := a.clientConfig(cfg, &method)
	if err != nil {
		a.failConnect(sessionID, err)
		return nil, err
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	// Dial in a goroutine so the ready timeout covers the full handshake,
	// not just the TCP connect.
	done := make(chan dialResult, 1)
	go func() {
		client, dialErr := ssh.Dial("tcp", addr, clientCfg)
		done <- dialResult{client, dialErr}
	}()

	timeout := cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var client *ssh.Client
	select {
	case <-ctx.Done():
		go drainDial(done)
		err := errs.Wrap(errs.CodeConnClosed, "connect cancelled", ctx.Err())
		a.failConnect(sessionID, err)
		return nil, err
	case <-timer.C:
		go drainDial(done)
		logging.Warn("ssh.connect_timeout").Subsystem("ssh").Session(sessionID).
			Str("host", logutil.SanitizeForLog(cfg.Host)).Emit()
		err := errs.Newf(errs.CodeConnTimeout, "connection to %s timed out after %s", addr, timeout)
		a.failConnect(sessionID, err)
		return nil, err
	case r := <-done:
		if r.err != nil {
			err := classifyDialError(addr, r.err)
			a.failConnect(sessionID, err)
			return nil, err
		}
		client = r.client
	}

	conn := pool.NewConnection(uuid.NewString(), sessionID, pool.ProtocolSSH, cfg.Host, cfg.Port, cfg.Credentials.Username, client)
	conn.AuthMethod = method
	if !a.pool.Add(conn) {
		client.Close()
		err := errs.New(errs.CodeInternal, "connection id collision")
		a.failConnect(sessionID, err)
		return nil, err
	}
	conn.SetStatus(pool.StatusConnected)

	kaCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.live[conn.ID] = &liveConn{cancel: cancel}
	a.mu.Unlock()
	if cfg.KeepaliveInterval > 0 {
		go a.keepaliveLoop(kaCtx, conn, cfg.KeepaliveInterval, cfg.KeepaliveCountMax)
	}

	a.store.Dispatch(sessionID, session.ConnectionEstablished{ConnectionID: conn.ID})
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConnEstablished, Payload: conn.ID}, eventbus.PriorityNormal)
	logging.New("ssh.connected").Subsystem("ssh").Session(sessionID).Conn(conn.ID).
		Str("host", logutil.SanitizeForLog(cfg.Host)).Int("port", cfg.Port).Emit()
	return conn, nil
}

type dialResult struct {
	client *ssh.Client
	err    error
}

// drainDial closes a client that finished dialing after the caller gave up.
func drainDial(done <-chan dialResult) {
	if r := <-done; r.client != nil {
		r.client.Close()
	}
}

func (a *Adapter) failConnect(sessionID string, err error) {
	a.store.Dispatch(sessionID, session.ConnectionError{Error: err.Error()})
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConnError, Payload: err.Error()}, eventbus.PriorityHigh)
}

func (a *Adapter) clientConfig(cfg Config, method *string) (*ssh.ClientConfig, error) {
	algos := Algorithms{}
	if cfg.Algorithms != nil {
		algos = *cfg.Algorithms
	} else if cfg.Preset != "" {
		var err error
		algos, err = ResolvePreset(cfg.Preset)
		if err != nil {
			return nil, err
		}
	}

	auth, err := a.authMethods(cfg, method)
	if err != nil {
		return nil, err
	}
	if len(auth) == 0 {
		logging.Warn("ssh.no_auth_method").Subsystem("ssh").
			Str("host", logutil.SanitizeForLog(cfg.Host)).Emit()
	}

	hostKey := cfg.HostKey
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.Credentials.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         cfg.ReadyTimeout,
	}
	clientCfg.HostKeyAlgorithms = algos.apply(&clientCfg.Config)
	return clientCfg, nil
}

// allowedMethods resolves the configured method policy; an unset policy
// allows everything.
func allowedMethods(cfg Config) policy.AuthMethods {
	m := cfg.Methods
	if !m.Password && !m.PrivateKey && !m.KeyboardInteractive {
		def := policy.DefaultAuthMethods()
		def.ForwardAllPrompts = m.ForwardAllPrompts
		return def
	}
	return m
}

// authMethods builds the method list in strict precedence: password, then
// private key, then keyboard-interactive. Each method notes its name in
// *method when the handshake tries it, so the last write names the mechanism
// the server settled on.
func (a *Adapter) authMethods(cfg Config, method *string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	creds := cfg.Credentials
	allowed := allowedMethods(cfg)
	record := func(name string) {
		if method != nil {
			*method = name
		}
	}

	if allowed.Password && creds.Password != "" {
		methods = append(methods, ssh.PasswordCallback(func() (string, error) {
			record("password")
			return creds.Password, nil
		}))
	}

	if allowed.PrivateKey && len(creds.PrivateKey) > 0 {
		var signer ssh.Signer
		var err error
		if creds.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(creds.PrivateKey, []byte(creds.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(creds.PrivateKey)
		}
		if err != nil {
			return nil, errs.Wrap(errs.CodeAuthInvalidCredentials, "parse private key", err)
		}
		methods = append(methods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			record("publickey")
			return []ssh.Signer{signer}, nil
		}))
	}

	if allowed.KeyboardInteractive {
		challenge := a.keyboardChallenge(cfg)
		methods = append(methods, ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
			record("keyboard-interactive")
			return challenge(name, instruction, questions, echos)
		}))
	}
	if len(methods) == 0 {
		return nil, errs.New(errs.CodeAuthNoMethod, "no authentication method available")
	}
	return methods, nil
}

// keyboardChallenge answers each password-looking question with the stored
// password and forwards only the remaining questions to the configured
// handler. A mixed batch never leaks the password prompt to the client.
func (a *Adapter) keyboardChallenge(cfg Config) ssh.KeyboardInteractiveChallenge {
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		if len(questions) == 0 {
			return nil, nil
		}
		if allowedMethods(cfg).ForwardAllPrompts || cfg.Credentials.Password == "" {
			if cfg.Keyboard != nil {
				return cfg.Keyboard(name, instruction, questions, echos)
			}
			// No handler available; answer empty and let the server decide.
			return make([]string, len(questions)), nil
		}

		answers := make([]string, len(questions))
		var fwdIdx []int
		var fwdQuestions []string
		var fwdEchos []bool
		for i, q := range questions {
			if strings.Contains(strings.ToLower(q), "password") {
				answers[i] = cfg.Credentials.Password
				continue
			}
			fwdIdx = append(fwdIdx, i)
			fwdQuestions = append(fwdQuestions, q)
			fwdEchos = append(fwdEchos, i < len(echos) && echos[i])
		}
		if len(fwdIdx) == 0 || cfg.Keyboard == nil {
			return answers, nil
		}
		got, err := cfg.Keyboard(name, instruction, fwdQuestions, fwdEchos)
		if err != nil {
			return nil, err
		}
		for j, i := range fwdIdx {
			if j < len(got) {
				answers[i] = got[j]
			}
		}
		return answers, nil
	}
}

func classifyDialError(addr string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "permission denied"):
		return errs.Wrap(errs.CodeAuthInvalidCredentials, "authentication rejected", err)
	case strings.Contains(msg, "connection refused"):
		return errs.Wrap(errs.CodeConnRefused, fmt.Sprintf("connection to %s refused", addr), err)
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "network is unreachable"):
		return errs.Wrap(errs.CodeConnUnreachable, fmt.Sprintf("host %s unreachable", addr), err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.Wrap(errs.CodeConnTimeout, fmt.Sprintf("connection to %s timed out", addr), err)
	}
	return errs.Wrap(errs.CodeConnClosed, fmt.Sprintf("connect to %s", addr), err)
}

// keepaliveLoop polls the connection and tears it down after countMax
// consecutive failures.
func (a *Adapter) keepaliveLoop(ctx context.Context, conn *pool.Connection, interval time.Duration, countMax int) {
	if countMax <= 0 {
		countMax = 1
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	client, ok := conn.Client.(*ssh.Client)
	if !ok {
		return
	}

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			if err == nil {
				failures = 0
				conn.Touch()
				continue
			}
			failures++
			if failures < countMax {
				continue
			}
			logging.Warn("ssh.keepalive_failed").Subsystem("ssh").Conn(conn.ID).
				Session(conn.SessionID).Int("failures", failures).Err(err).Emit()
			a.Disconnect(conn.ID)
			return
		}
	}
}

// Shell opens a PTY-backed interactive shell on an established connection.
func (a *Adapter) Shell(connID, term string, rows, cols int, env map[string]string) (*Stream, error) {
	conn, ok := a.pool.Get(connID)
	if !ok || conn.Status() != pool.StatusConnected {
		return nil, errs.New(errs.CodeNotReady, "connection is not ready")
	}
	client, ok := conn.Client.(*ssh.Client)
	if !ok {
		return nil, errs.New(errs.CodeInternal, "connection is not an SSH client")
	}

	sess, err := client.NewSession()
	if err != nil {
		return nil, errs.Wrap(errs.CodeConnClosed, "open session", err)
	}

	for k, v := range env {
		// Servers commonly refuse env vars outside AcceptEnv; not fatal.
		_ = sess.Setenv(k, v)
	}

	if term == "" {
		term = "xterm-color"
	}
	if rows < 1 {
		rows = session.DefaultRows
	}
	if cols < 1 {
		cols = session.DefaultCols
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(term, rows, cols, modes); err != nil {
		sess.Close()
		return nil, errs.Wrap(errs.CodeProtoNegotiation, "request pty", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, errs.Wrap(errs.CodeInternal, "stdin pipe", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, errs.Wrap(errs.CodeInternal, "stdout pipe", err)
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, errs.Wrap(errs.CodeProtoNegotiation, "start shell", err)
	}

	stream := &Stream{stdin: stdin, stdout: stdout, sess: sess, done: make(chan error, 1)}
	go func() {
		stream.done <- sess.Wait()
	}()

	a.mu.Lock()
	if lc := a.live[connID]; lc != nil {
		lc.streamM.Lock()
		lc.stream = stream
		lc.streamM.Unlock()
	}
	a.mu.Unlock()

	conn.Touch()
	return stream, nil
}

// Exec runs one command and collects stdout and stderr separately. Env vars
// and an optional PTY are applied to the command's own session only.
func (a *Adapter) Exec(ctx context.Context, connID, command string, opts ExecOptions) (*ExecResult, error) {
	conn, ok := a.pool.Get(connID)
	if !ok || conn.Status() != pool.StatusConnected {
		return nil, errs.New(errs.CodeNotReady, "connection is not ready")
	}
	client, ok := conn.Client.(*ssh.Client)
	if !ok {
		return nil, errs.New(errs.CodeInternal, "connection is not an SSH client")
	}

	start := time.Now()
	sess, err := client.NewSession()
	if err != nil {
		return nil, errs.Wrap(errs.CodeConnClosed, "open session", err)
	}
	defer sess.Close()

	for k, v := range opts.Env {
		// Servers commonly refuse env vars outside AcceptEnv; not fatal.
		_ = sess.Setenv(k, v)
	}
	if opts.Pty {
		term := opts.Term
		if term == "" {
			term = "xterm-color"
		}
		rows, cols := opts.Rows, opts.Cols
		if rows < 1 {
			rows = session.DefaultRows
		}
		if cols < 1 {
			cols = session.DefaultCols
		}
		modes := ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := sess.RequestPty(term, rows, cols, modes); err != nil {
			return nil, errs.Wrap(errs.CodeProtoNegotiation, "request pty", err)
		}
	}

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run(command) }()

	var runErr error
	select {
	case <-ctx.Done():
		sess.Close()
		<-runDone
		runErr = errs.Wrap(errs.CodeConnTimeout, "exec timed out", ctx.Err())
	case runErr = <-runDone:
	}

	result := &ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	status := logging.StatusSuccess
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			runErr = nil
		} else {
			status = logging.StatusFailure
		}
	}
	logging.New("ssh.exec").Subsystem("ssh").Conn(connID).Session(conn.SessionID).
		Str("command", logutil.SanitizeForLog(logutil.TruncateForLog(command, 120))).
		Status(status).Duration(time.Since(start)).Int("exit_code", result.ExitCode).Emit()

	if runErr != nil {
		return nil, runErr
	}
	conn.Touch()
	return result, nil
}

// Resize changes the PTY geometry of the active shell, if any.
func (a *Adapter) Resize(connID string, rows, cols int) error {
	if rows < 1 || cols < 1 {
		return errs.Newf(errs.CodeValidation, "invalid geometry %dx%d", cols, rows)
	}
	a.mu.Lock()
	lc := a.live[connID]
	a.mu.Unlock()
	if lc == nil {
		return errs.New(errs.CodeNotReady, "connection is not ready")
	}
	lc.streamM.Lock()
	stream := lc.stream
	lc.streamM.Unlock()
	if stream == nil {
		return errs.New(errs.CodeNotReady, "no active shell")
	}
	return stream.sess.WindowChange(rows, cols)
}

// Status reports the pool status of a connection.
func (a *Adapter) Status(connID string) pool.Status {
	conn, ok := a.pool.Get(connID)
	if !ok {
		return pool.StatusDisconnected
	}
	return conn.Status()
}

// SSHClient exposes the raw client for capability layers such as SFTP.
func (a *Adapter) SSHClient(connID string) (*ssh.Client, error) {
	conn, ok := a.pool.Get(connID)
	if !ok || conn.Status() != pool.StatusConnected {
		return nil, errs.New(errs.CodeNotReady, "connection is not ready")
	}
	client, ok := conn.Client.(*ssh.Client)
	if !ok {
		return nil, errs.New(errs.CodeInternal, "connection is not an SSH client")
	}
	return client, nil
}

// Disconnect closes one connection, removes it from the pool and notifies
// the session store.
func (a *Adapter) Disconnect(connID string) {
	a.mu.Lock()
	lc := a.live[connID]
	delete(a.live, connID)
	a.mu.Unlock()
	if lc != nil {
		lc.cancel()
		lc.streamM.Lock()
		if lc.stream != nil {
			lc.stream.Close()
		}
		lc.streamM.Unlock()
	}

	conn, ok := a.pool.Get(connID)
	if !ok {
		return
	}
	conn.SetStatus(pool.StatusDisconnected)
	a.pool.Remove(connID)
	a.store.Dispatch(conn.SessionID, session.ConnectionClosed{})
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConnClosed, Payload: connID}, eventbus.PriorityNormal)
	logging.New("ssh.disconnected").Subsystem("ssh").Conn(connID).Session(conn.SessionID).Emit()
}

// DisconnectSession closes every connection belonging to a session.
func (a *Adapter) DisconnectSession(sessionID string) {
	for _, conn := range a.pool.GetBySession(sessionID) {
		a.Disconnect(conn.ID)
	}
}
