// Package bridge owns one WebSocket for its whole life: credential
// collection, dialing through a protocol adapter, bidirectional terminal
// relay and out-of-band control traffic. Binary frames are terminal bytes;
// text frames are JSON control messages validated before any handler runs.
package bridge

import (
	"context"
	"encoding/json"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/billchurch/webssh2-sub005/internal/authflow"
	"github.com/billchurch/webssh2-sub005/internal/config"
	"github.com/billchurch/webssh2-sub005/internal/errs"
	"github.com/billchurch/webssh2-sub005/internal/eventbus"
	"github.com/billchurch/webssh2-sub005/internal/hostkeys"
	"github.com/billchurch/webssh2-sub005/internal/httpsession"
	"github.com/billchurch/webssh2-sub005/internal/logging"
	"github.com/billchurch/webssh2-sub005/internal/policy"
	"github.com/billchurch/webssh2-sub005/internal/pool"
	"github.com/billchurch/webssh2-sub005/internal/prompt"
	"github.com/billchurch/webssh2-sub005/internal/session"
	"github.com/billchurch/webssh2-sub005/internal/sshclient"
	"github.com/billchurch/webssh2-sub005/internal/telnetclient"
	"github.com/billchurch/webssh2-sub005/internal/terminal"
)

const (
	maxMessageSize = 1024 * 1024
	maxInputSize   = 64 * 1024
	promptTimeout  = 120 * time.Second
)

// shellStream is the common surface of the SSH and Telnet shells.
type shellStream interface {
	io.Reader
	io.Writer
	Close() error
}

// Deps is everything a bridge needs from the rest of the process.
type Deps struct {
	Cfg      *config.Settings
	Sessions *session.Store
	HTTPSess *httpsession.Store
	Cipher   *httpsession.Cipher
	Bus      *eventbus.Bus
	Prompts  *prompt.Tracker
	Terminal *terminal.Service
	SSH      *sshclient.Adapter
	Telnet   *telnetclient.Adapter
	HostKeys *hostkeys.Store
}

// Bridge drives one client socket.
type Bridge struct {
	deps Deps
	ws   *websocket.Conn

	socketID  string
	sessionID string
	record    *httpsession.Record
	protocol  pool.Protocol

	machine *authflow.Machine

	mu        sync.Mutex
	connID    string
	stream    shellStream
	streamGen int
	closed    bool
	waiters   map[string]chan prompt.Response

	// plaintext password retained for replayCredentials; cleared on teardown
	replayPassword string

	writeMu sync.Mutex

	execLimit    *rate.Limiter
	controlLimit *rate.Limiter
	promptLimit  *rate.Limiter
}

// New binds a bridge to an accepted socket and its HTTP session record.
func New(deps Deps, ws *websocket.Conn, rec *httpsession.Record, proto pool.Protocol) *Bridge {
	limit := func(perSecond float64) *rate.Limiter {
		if perSecond <= 0 {
			perSecond = 5
		}
		return rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1)
	}
	return &Bridge{
		deps:         deps,
		ws:           ws,
		socketID:     uuid.NewString(),
		sessionID:    rec.ID,
		record:       rec,
		protocol:     proto,
		machine:      authflow.New(rec.ID, deps.Cfg.MaxAuthAttempts),
		waiters:      make(map[string]chan prompt.Response),
		execLimit:    limit(deps.Cfg.ExecRateLimit),
		controlLimit: limit(deps.Cfg.ControlRateLimit),
		promptLimit:  limit(deps.Cfg.PromptRateLimit),
	}
}

// One bridge per session: a newer socket for the same session replaces the
// older one.
var (
	activeMu sync.Mutex
	active   = make(map[string]*Bridge)
)

func claimSession(b *Bridge) *Bridge {
	activeMu.Lock()
	defer activeMu.Unlock()
	prev := active[b.sessionID]
	active[b.sessionID] = b
	return prev
}

func releaseSession(b *Bridge) {
	activeMu.Lock()
	if active[b.sessionID] == b {
		delete(active, b.sessionID)
	}
	activeMu.Unlock()
}

// Run drives the socket until either side closes. It always cleans up the
// session's prompts and connections before returning.
func (b *Bridge) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer b.teardown()

	if prev := claimSession(b); prev != nil {
		logging.Warn("bridge.replaced").Subsystem("bridge").Session(b.sessionID).
			Str("socket_id", prev.socketID).Emit()
		prev.ws.Close(websocket.StatusPolicyViolation, "session taken over")
	}
	defer releaseSession(b)

	b.ws.SetReadLimit(maxMessageSize)

	b.deps.Sessions.CreateSession(b.sessionID)
	b.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeSessionCreated, Payload: b.sessionID}, eventbus.PriorityNormal)
	logging.New("bridge.open").Subsystem("bridge").Session(b.sessionID).
		Str("socket_id", b.socketID).Str("protocol", string(b.protocol)).Emit()

	// The reader runs for the whole socket life so prompt responses reach a
	// dial that is still blocked on a forwarded challenge.
	frames := make(chan *inbound, 16)
	go b.readFrames(ctx, cancel, frames)

	if err := b.startAuth(ctx); err != nil {
		b.sendSSHError(ctx, errs.UserMessage(err))
		return
	}

	for {
		select {
		case in, ok := <-frames:
			if !ok {
				return
			}
			if done := b.handleMessage(ctx, in); done {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// startAuth seeds the state machine from the HTTP session. When the session
// carries complete credentials the dial happens immediately; otherwise the
// client is asked to authenticate and the handler loop finishes the job.
func (b *Bridge) startAuth(ctx context.Context) error {
	creds := authflow.Credentials{
		Username: b.record.Username,
		Host:     b.record.Host,
		Port:     b.record.Port,
	}
	if b.record.Password != "" {
		pw, err := b.deps.Cipher.Decrypt(b.record.Password)
		if err != nil {
			logging.Warn("bridge.credential_decrypt_failed").Subsystem("bridge").
				Session(b.sessionID).Err(err).Emit()
		} else {
			creds.Password = pw
		}
	}
	if b.record.PrivateKey != "" {
		creds.PrivateKey = []byte(b.record.PrivateKey)
		creds.Passphrase = b.record.Passphrase
	}
	if creds.Port == 0 {
		creds.Port = b.deps.Cfg.SSHPort
	}
	if creds.Host == "" {
		creds.Host = b.deps.Cfg.SSHHost
	}

	needAuth, err := b.machine.Begin(creds)
	if err != nil {
		return err
	}
	if needAuth {
		return b.sendJSON(ctx, AuthenticationMsg{Type: "authentication", Action: "request_auth"})
	}
	return b.dial(ctx)
}

// dial runs one connection attempt with the machine's current credentials.
func (b *Bridge) dial(ctx context.Context) error {
	creds := b.machine.Credentials()

	var method string
	var err error
	switch b.protocol {
	case pool.ProtocolTelnet:
		method, err = b.dialTelnet(ctx, creds)
	default:
		method, err = b.dialSSH(ctx, creds)
	}
	if method == "" {
		method = attemptedMethod(creds)
	}

	if err != nil {
		reason := authflow.Classify(err)
		b.deps.Sessions.Dispatch(b.sessionID, session.AuthFailure{Error: errs.UserMessage(err), Method: method})
		b.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeAuthFailure, Payload: b.sessionID}, eventbus.PriorityHigh)

		retry := b.machine.Fail(reason)
		success := false
		b.sendJSON(ctx, AuthenticationMsg{
			Type: "authentication", Action: "auth_result",
			Success: &success, Message: errs.UserMessage(err),
		})
		if !retry {
			return err
		}
		return b.sendJSON(ctx, AuthenticationMsg{Type: "authentication", Action: "request_auth"})
	}

	if err := b.machine.Succeed(); err != nil {
		return err
	}
	b.deps.Sessions.Dispatch(b.sessionID, session.AuthSuccess{Username: creds.Username, Method: method})
	b.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeAuthSuccess, Payload: b.sessionID}, eventbus.PriorityNormal)
	b.replayPassword = creds.Password

	success := true
	if err := b.sendJSON(ctx, AuthenticationMsg{Type: "authentication", Action: "auth_result", Success: &success}); err != nil {
		return err
	}
	if err := b.sendJSON(ctx, PermissionsMsg{
		Type:              "permissions",
		AllowReplay:       b.allowReplay(),
		AllowReauth:       b.deps.Cfg.AllowReauth,
		AllowReconnect:    b.deps.Cfg.AllowReconnect,
		AllowFileTransfer: b.deps.Cfg.AllowFileTransfer,
	}); err != nil {
		return err
	}
	ui := UpdateUIMsg{Type: "updateUI", Status: "connected"}
	if text := b.headerText(); text != "" {
		ui.Header = &HeaderUI{Text: text, Background: b.headerBackground(), Color: b.record.HeaderColor}
	}
	if err := b.sendJSON(ctx, ui); err != nil {
		return err
	}
	return b.sendJSON(ctx, GetTerminalMsg{Type: "getTerminal"})
}

// attemptedMethod names the mechanism the credentials would lead with, for
// reporting a failed attempt when no connection exists to ask.
func attemptedMethod(creds authflow.Credentials) string {
	switch {
	case len(creds.PrivateKey) > 0:
		return "publickey"
	case creds.Password != "":
		return "password"
	default:
		return "keyboard-interactive"
	}
}

func (b *Bridge) dialSSH(ctx context.Context, creds authflow.Credentials) (string, error) {
	cfg := sshclient.Config{
		Host: creds.Host,
		Port: creds.Port,
		Credentials: sshclient.Credentials{
			Username:   creds.Username,
			Password:   creds.Password,
			PrivateKey: creds.PrivateKey,
			Passphrase: creds.Passphrase,
		},
		ReadyTimeout:      config.Duration(b.deps.Cfg.SSHReadyTimeout),
		KeepaliveInterval: config.Duration(b.deps.Cfg.SSHKeepaliveInterval),
		KeepaliveCountMax: b.deps.Cfg.SSHKeepaliveCountMax,
		Preset:            b.deps.Cfg.SSHAlgorithmPreset,
		Methods: policy.AuthMethods{
			Password:            b.deps.Cfg.AllowPasswordAuth,
			PrivateKey:          b.deps.Cfg.AllowKeyAuth,
			KeyboardInteractive: !b.deps.Cfg.SSHDisableInteractive,
			ForwardAllPrompts:   b.deps.Cfg.ForwardAllPrompts,
		},
	}
	if rt := b.record.ReadyTimeout; rt > 0 {
		cfg.ReadyTimeout = rt
	}
	if !b.deps.Cfg.SSHDisableInteractive {
		cfg.Keyboard = b.keyboardInteractive(ctx)
	}
	if b.deps.Cfg.HostKeyChecking && b.deps.HostKeys != nil {
		var confirm hostkeys.ConfirmFunc
		if b.deps.Cfg.HostKeyPrompting {
			confirm = b.confirmHostKey(ctx)
		}
		cfg.HostKey = hostkeys.NewVerifier(b.deps.HostKeys, confirm).Callback()
	}

	conn, err := b.deps.SSH.Connect(ctx, b.sessionID, cfg)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.connID = conn.ID
	b.mu.Unlock()
	return conn.AuthMethod, nil
}

func (b *Bridge) dialTelnet(ctx context.Context, creds authflow.Credentials) (string, error) {
	cfg := telnetclient.Config{
		Host:         creds.Host,
		Port:         creds.Port,
		Username:     creds.Username,
		Password:     creds.Password,
		Term:         b.deps.Cfg.SSHTerm,
		ReadyTimeout: config.Duration(b.deps.Cfg.SSHReadyTimeout),
	}
	if rt := b.record.ReadyTimeout; rt > 0 {
		cfg.ReadyTimeout = rt
	}
	cfg.LoginPrompt = mustCompile(b.deps.Cfg.TelnetLoginPrompt)
	cfg.PasswordPrompt = mustCompile(b.deps.Cfg.TelnetPasswordPrompt)
	cfg.FailurePattern = mustCompile(b.deps.Cfg.TelnetFailurePattern)

	conn, err := b.deps.Telnet.Connect(ctx, b.sessionID, cfg)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.connID = conn.ID
	b.mu.Unlock()
	return conn.AuthMethod, nil
}

// readFrames parses every inbound frame and routes it. Binary frames go
// straight to the shell and prompt responses straight to their waiter, so
// both keep working while the handler loop is blocked inside a dial. All
// other text frames are handed to the handler loop in order.
func (b *Bridge) readFrames(ctx context.Context, cancel context.CancelFunc, frames chan<- *inbound) {
	defer cancel()
	defer close(frames)
	for {
		msgType, data, err := b.ws.Read(ctx)
		if err != nil {
			return
		}

		if msgType == websocket.MessageBinary {
			if len(data) > maxInputSize {
				logging.Warn("bridge.input_too_large").Subsystem("bridge").
					Session(b.sessionID).Int("size", len(data)).Emit()
				continue
			}
			b.mu.Lock()
			stream := b.stream
			b.mu.Unlock()
			if stream != nil {
				if _, err := stream.Write(data); err != nil {
					b.sendSSHError(ctx, "connection lost")
					return
				}
			}
			continue
		}

		in, err := parseInbound(data)
		if err != nil {
			b.sendError(ctx, err)
			continue
		}
		if in.kind == msgPromptResponse {
			if !b.promptLimit.Allow() {
				b.rateLimited("prompt_response")
				continue
			}
			b.handlePromptResponse(ctx, in.promptR)
			continue
		}
		select {
		case frames <- in:
		case <-ctx.Done():
			return
		}
	}
}

// handleMessage routes one parsed control message; true means the socket
// should close.
func (b *Bridge) handleMessage(ctx context.Context, in *inbound) bool {
	switch in.kind {
	case msgAuthenticate:
		return b.handleAuthenticate(ctx, in.auth)
	case msgTerminal:
		return b.handleTerminal(ctx, in.terminal)
	case msgResize:
		b.handleResize(in.resize)
	case msgControl:
		if !b.controlLimit.Allow() {
			b.rateLimited("control")
			return false
		}
		return b.handleControl(ctx, in.control)
	case msgExec:
		if !b.execLimit.Allow() {
			b.rateLimited("exec")
			return false
		}
		b.handleExec(ctx, in.exec)
	}
	return false
}

func (b *Bridge) handleAuthenticate(ctx context.Context, m *AuthenticateMsg) bool {
	creds := authflow.Credentials{
		Username:   m.Username,
		Password:   m.Password,
		Passphrase: m.Passphrase,
		Host:       m.Host,
		Port:       m.Port,
	}
	if m.PrivateKey != "" {
		creds.PrivateKey = []byte(m.PrivateKey)
	}
	if err := b.machine.Provide(creds); err != nil {
		b.sendError(ctx, err)
		return false
	}
	if err := b.dial(ctx); err != nil {
		if b.machine.State() == authflow.StateFailed {
			b.sendSSHError(ctx, "Authentication failed")
			return true
		}
	}
	return false
}

func (b *Bridge) handleTerminal(ctx context.Context, m *TerminalMsg) bool {
	merged := make(map[string]string, len(b.record.Env)+len(m.Env))
	for k, v := range b.record.Env {
		merged[k] = v
	}
	for k, v := range m.Env {
		merged[k] = v
	}
	env := FilterEnv(merged, b.deps.Cfg.EnvValueMaxLen)
	term := m.Term
	if term == "" {
		term = b.record.Term
	}
	if term == "" {
		term = b.deps.Cfg.SSHTerm
	}
	b.deps.Terminal.Init(b.sessionID, term, m.Rows, m.Cols, env)

	stream, err := b.openShell(term, m.Rows, m.Cols, env)
	if err != nil {
		b.sendSSHError(ctx, errs.UserMessage(err))
		return true
	}
	b.mu.Lock()
	b.stream = stream
	b.streamGen++
	gen := b.streamGen
	b.mu.Unlock()

	if b.deps.Cfg.RecordingEnabled {
		b.deps.Terminal.EnableRecording(b.sessionID)
	}

	go b.pumpOutput(ctx, stream, gen)
	return false
}

func (b *Bridge) openShell(term string, rows, cols int, env map[string]string) (shellStream, error) {
	b.mu.Lock()
	connID := b.connID
	b.mu.Unlock()
	if b.protocol == pool.ProtocolTelnet {
		return b.deps.Telnet.Shell(connID)
	}
	return b.deps.SSH.Shell(connID, term, rows, cols, env)
}

// pumpOutput relays remote bytes to the socket. The blocking socket write is
// the backpressure mechanism: a slow client pauses the reads.
func (b *Bridge) pumpOutput(ctx context.Context, stream shellStream, gen int) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			b.deps.Terminal.Write(b.sessionID, buf[:n])
			if werr := b.writeBinary(ctx, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			// A deliberate shell teardown (reauth, replacement) bumps the
			// generation; only a genuinely dropped shell closes the socket.
			b.mu.Lock()
			stale := b.closed || b.streamGen != gen
			b.mu.Unlock()
			if stale {
				return
			}
			b.sendSSHError(ctx, "connection closed")
			b.ws.Close(websocket.StatusNormalClosure, "shell closed")
			return
		}
	}
}

func (b *Bridge) handleResize(m *ResizeMsg) {
	b.deps.Terminal.Resize(b.sessionID, m.Rows, m.Cols)
	b.mu.Lock()
	connID := b.connID
	b.mu.Unlock()
	if connID == "" {
		return
	}
	if b.protocol == pool.ProtocolTelnet {
		b.deps.Telnet.Resize(connID, m.Rows, m.Cols)
	} else {
		b.deps.SSH.Resize(connID, m.Rows, m.Cols)
	}
}

func (b *Bridge) handleControl(ctx context.Context, m *ControlMsg) bool {
	switch m.Action {
	case ctlReplayCredentials:
		if !b.allowReplay() {
			b.sendError(ctx, errs.New(errs.CodeAuthPolicyBlocked, "credential replay is disabled"))
			return false
		}
		b.mu.Lock()
		stream := b.stream
		b.mu.Unlock()
		if stream == nil || b.replayPassword == "" {
			return false
		}
		line := b.replayPassword + "\n"
		if b.deps.Cfg.ReplayCRLF {
			line = b.replayPassword + "\r\n"
		}
		stream.Write([]byte(line))
		logging.New("bridge.replay").Subsystem("bridge").Session(b.sessionID).Emit()

	case ctlReauth:
		if !b.deps.Cfg.AllowReauth {
			b.sendError(ctx, errs.New(errs.CodeAuthPolicyBlocked, "reauthentication is disabled"))
			return false
		}
		b.closeShell()
		b.disconnectOwned()
		b.deps.Sessions.Dispatch(b.sessionID, session.AuthClear{})
		// Stored secrets go too, so the restarted flow asks the client
		// instead of silently re-dialing with the old password.
		if b.deps.HTTPSess != nil {
			b.deps.HTTPSess.ClearCredentials(b.sessionID)
		}
		b.record.Password = ""
		b.record.PrivateKey = ""
		b.record.Passphrase = ""
		b.machine.Reset()
		if err := b.startAuth(ctx); err != nil {
			b.sendSSHError(ctx, errs.UserMessage(err))
			return true
		}

	case ctlDisconnect:
		return true
	}
	return false
}

func (b *Bridge) handleExec(ctx context.Context, m *ExecMsg) {
	if !b.deps.Cfg.AllowExec {
		b.sendError(ctx, errs.New(errs.CodeAuthPolicyBlocked, "exec is disabled"))
		return
	}
	if b.protocol == pool.ProtocolTelnet {
		b.sendError(ctx, errs.New(errs.CodeValidation, "exec requires an SSH connection"))
		return
	}
	if err := CheckCommand(m.Command); err != nil {
		b.sendError(ctx, err)
		return
	}

	b.mu.Lock()
	connID := b.connID
	b.mu.Unlock()

	timeout := 60 * time.Second
	if m.TimeoutMs > 0 {
		timeout = time.Duration(m.TimeoutMs) * time.Millisecond
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The same allow-list filter as shells applies to exec environments.
	opts := sshclient.ExecOptions{
		Env:  FilterEnv(m.Env, b.deps.Cfg.EnvValueMaxLen),
		Pty:  m.Pty,
		Term: m.Term,
		Rows: m.Rows,
		Cols: m.Cols,
	}
	result, err := b.deps.SSH.Exec(execCtx, connID, m.Command, opts)
	if err != nil {
		b.sendError(ctx, err)
		return
	}
	if len(result.Stdout) > 0 {
		b.sendJSON(ctx, ExecDataMsg{Type: "exec-data", Stream: "stdout", Data: string(result.Stdout)})
	}
	if len(result.Stderr) > 0 {
		b.sendJSON(ctx, ExecDataMsg{Type: "exec-data", Stream: "stderr", Data: string(result.Stderr)})
	}
	b.sendJSON(ctx, ExecExitMsg{Type: "exec-exit", Code: result.ExitCode})
}

func (b *Bridge) handlePromptResponse(ctx context.Context, resp *prompt.Response) {
	tracked, err := b.deps.Prompts.Validate(b.socketID, *resp)
	if err != nil {
		b.sendError(ctx, err)
		return
	}
	b.mu.Lock()
	ch := b.waiters[tracked.ID]
	delete(b.waiters, tracked.ID)
	b.mu.Unlock()
	if ch != nil {
		ch <- *resp
	}
}

// askPrompt tracks a prompt, sends it and waits for the validated response.
func (b *Bridge) askPrompt(ctx context.Context, p prompt.Payload) (prompt.Response, error) {
	tracked, err := b.deps.Prompts.Track(b.socketID, p)
	if err != nil {
		return prompt.Response{}, err
	}

	ch := make(chan prompt.Response, 1)
	b.mu.Lock()
	b.waiters[tracked.ID] = ch
	b.mu.Unlock()

	if err := b.sendJSON(ctx, PromptMsg{Type: "prompt", Payload: tracked.Payload}); err != nil {
		b.dropWaiter(tracked.ID)
		return prompt.Response{}, err
	}

	wait := time.Until(tracked.TimeoutAt)
	if wait <= 0 || wait > promptTimeout {
		wait = promptTimeout
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(wait):
		b.dropWaiter(tracked.ID)
		b.deps.Prompts.Remove(tracked.ID)
		return prompt.Response{}, errs.New(errs.CodeExpiredPrompt, "prompt timed out")
	case <-ctx.Done():
		b.dropWaiter(tracked.ID)
		return prompt.Response{}, errs.Wrap(errs.CodeConnClosed, "socket closed", ctx.Err())
	}
}

func (b *Bridge) dropWaiter(id string) {
	b.mu.Lock()
	delete(b.waiters, id)
	b.mu.Unlock()
}

// keyboardInteractive forwards an SSH challenge to the browser as a tracked
// prompt with one input per question.
func (b *Bridge) keyboardInteractive(ctx context.Context) sshclient.KeyboardHandler {
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		b.machine.EnterInteractive()
		defer b.machine.LeaveInteractive()

		p := prompt.Payload{
			Title:   "Authentication required",
			Message: instruction,
			Icon:    "key",
			Buttons: []prompt.Button{{Action: "submit", Label: "Submit"}},
			Timeout: int64(promptTimeout / time.Millisecond),
		}
		for i, q := range questions {
			p.Inputs = append(p.Inputs, prompt.Input{
				Key:      promptInputKey(i),
				Label:    q,
				Required: true,
				Secret:   i < len(echos) && !echos[i],
			})
		}

		resp, err := b.askPrompt(ctx, p)
		if err != nil {
			return nil, errs.Wrap(errs.CodeAuthInterrupted, "interactive auth", err)
		}
		if resp.Action != "submit" {
			return nil, errs.New(errs.CodeAuthInterrupted, "interactive auth dismissed")
		}
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = resp.Inputs[promptInputKey(i)]
		}
		return answers, nil
	}
}

func promptInputKey(i int) string {
	return "answer_" + string(rune('0'+i))
}

// confirmHostKey asks the browser about an unknown host key.
func (b *Bridge) confirmHostKey(ctx context.Context) hostkeys.ConfirmFunc {
	return func(host string, port int, keyType, fingerprint string) (hostkeys.Decision, error) {
		p := prompt.Payload{
			Title:   "Unknown host key",
			Message: "Fingerprint " + fingerprint + " (" + keyType + ")",
			Icon:    "host",
			Buttons: []prompt.Button{
				{Action: "accept", Label: "Accept once"},
				{Action: "remember", Label: "Accept and remember"},
				{Action: "reject", Label: "Reject"},
			},
			Timeout: int64(promptTimeout / time.Millisecond),
		}
		resp, err := b.askPrompt(ctx, p)
		if err != nil {
			return hostkeys.Reject, err
		}
		switch resp.Action {
		case "accept":
			return hostkeys.Accept, nil
		case "remember":
			return hostkeys.AcceptAndRemember, nil
		default:
			return hostkeys.Reject, nil
		}
	}
}

// disconnectOwned tears down this socket's connection, if any. Only the
// owned connection id is touched: a replacing bridge may already hold a
// newer one under the same session.
func (b *Bridge) disconnectOwned() {
	b.mu.Lock()
	connID := b.connID
	b.connID = ""
	b.mu.Unlock()
	if connID == "" {
		return
	}
	if b.protocol == pool.ProtocolTelnet {
		b.deps.Telnet.Disconnect(connID)
	} else {
		b.deps.SSH.Disconnect(connID)
	}
}

// teardown releases everything this socket owned.
func (b *Bridge) teardown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.closeShell()
	b.deps.Prompts.RemoveAllForSocket(b.socketID)
	b.disconnectOwned()
	b.replayPassword = ""
	// the session record stays in the store; the TTL sweeper removes it
	logging.New("bridge.close").Subsystem("bridge").Session(b.sessionID).
		Str("socket_id", b.socketID).Emit()
}

func (b *Bridge) closeShell() {
	b.mu.Lock()
	stream := b.stream
	b.stream = nil
	b.streamGen++
	b.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

func (b *Bridge) allowReplay() bool {
	if b.record.AllowReplay != nil {
		return *b.record.AllowReplay
	}
	return b.deps.Cfg.AllowReplay
}

func (b *Bridge) headerText() string {
	if b.record.HeaderText != "" {
		return b.record.HeaderText
	}
	return b.deps.Cfg.HeaderText
}

func (b *Bridge) headerBackground() string {
	if b.record.HeaderBackground != "" {
		return b.record.HeaderBackground
	}
	return b.deps.Cfg.HeaderBackground
}

func (b *Bridge) sendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "encode message", err)
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.ws.Write(ctx, websocket.MessageText, data)
}

func (b *Bridge) writeBinary(ctx context.Context, data []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.ws.Write(ctx, websocket.MessageBinary, data)
}

func (b *Bridge) sendError(ctx context.Context, err error) {
	b.sendJSON(ctx, ErrorMsg{Type: "error", Code: string(errs.CodeOf(err)), Message: errs.UserMessage(err)})
}

func (b *Bridge) sendSSHError(ctx context.Context, message string) {
	b.sendJSON(ctx, SSHErrorMsg{Type: "ssherror", Message: message})
}

// mustCompile tolerates bad user patterns; config validation catches them
// at boot, so a nil here only disables the expect step.
func mustCompile(pattern string) *regexp.Regexp {
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		logging.Warn("bridge.bad_pattern").Subsystem("bridge").Str("pattern", pattern).Err(err).Emit()
		return nil
	}
	return re
}

func (b *Bridge) rateLimited(kind string) {
	logging.Warn("bridge.rate_limited").Subsystem("bridge").
		Session(b.sessionID).Str("message_type", kind).Emit()
}
