package bridge

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/billchurch/webssh2-sub005/internal/config"
	"github.com/billchurch/webssh2-sub005/internal/eventbus"
	"github.com/billchurch/webssh2-sub005/internal/httpsession"
	"github.com/billchurch/webssh2-sub005/internal/pool"
	"github.com/billchurch/webssh2-sub005/internal/prompt"
	"github.com/billchurch/webssh2-sub005/internal/session"
	"github.com/billchurch/webssh2-sub005/internal/sshclient"
	"github.com/billchurch/webssh2-sub005/internal/telnetclient"
	"github.com/billchurch/webssh2-sub005/internal/terminal"
)

// sshServer is a loopback SSH server with an echo shell. It records the
// pty-req and env requests of exec sessions so tests can assert what the
// gateway forwarded.
type sshServer struct {
	host string
	port int

	mu       sync.Mutex
	execCmd  string
	execTerm string
	execEnv  map[string]string
}

type sshServerOptions struct {
	rejectPasswords bool
	interactive     func(questions []string) []string
}

func startSSHServer(t *testing.T, opts sshServerOptions) *sshServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}

	srv := &sshServer{execEnv: make(map[string]string)}

	cfg := &ssh.ServerConfig{}
	cfg.AddHostKey(signer)
	if opts.interactive != nil {
		cfg.KeyboardInteractiveCallback = func(conn ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := client("", "", []string{"Token: "}, []bool{true})
			if err != nil {
				return nil, err
			}
			want := opts.interactive([]string{"Token: "})
			if len(answers) != 1 || answers[0] != want[0] {
				return nil, io.EOF
			}
			return nil, nil
		}
	} else {
		cfg.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if opts.rejectPasswords || conn.User() != "alice" || string(password) != "secret" {
				return nil, io.EOF
			}
			return nil, nil
		}
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			tcpConn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(tcpConn, cfg)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	srv.host = addr.IP.String()
	srv.port = addr.Port
	return srv
}

func (s *sshServer) serve(tcpConn net.Conn, cfg *ssh.ServerConfig) {
	defer tcpConn.Close()
	conn, chans, reqs, err := ssh.NewServerConn(tcpConn, cfg)
	if err != nil {
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, chReqs)
	}
}

func (s *sshServer) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	var ptyTerm string
	env := make(map[string]string)

	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var p struct {
				Term          string
				Cols, Rows    uint32
				Width, Height uint32
				Modes         string
			}
			ssh.Unmarshal(req.Payload, &p)
			ptyTerm = p.Term
			req.Reply(true, nil)
		case "env":
			var kv struct{ Name, Value string }
			ssh.Unmarshal(req.Payload, &kv)
			env[kv.Name] = kv.Value
			req.Reply(true, nil)
		case "shell":
			req.Reply(true, nil)
			go func() {
				ch.Write([]byte("ready\r\n"))
				io.Copy(ch, ch)
				ch.Close()
			}()
		case "exec":
			var p struct{ Command string }
			ssh.Unmarshal(req.Payload, &p)
			s.mu.Lock()
			s.execCmd = p.Command
			s.execTerm = ptyTerm
			for k, v := range env {
				s.execEnv[k] = v
			}
			s.mu.Unlock()
			req.Reply(true, nil)
			ch.Write([]byte("out:" + p.Command))
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
			return
		default:
			req.Reply(false, nil)
		}
	}
}

// fixture wires a bridge behind an httptest websocket endpoint.
type fixture struct {
	cfg      *config.Settings
	cipher   *httpsession.Cipher
	sessions *session.Store
	conns    *pool.Pool
	rec      *httpsession.Record
	srv      *httptest.Server
}

func newFixture(t *testing.T, rec *httpsession.Record, mutate func(*config.Settings)) *fixture {
	t.Helper()

	cfg := &config.Settings{
		SSHPort:           22,
		SSHTerm:           "xterm-color",
		SSHReadyTimeout:   "5s",
		MaxAuthAttempts:   2,
		AllowPasswordAuth: true,
		AllowKeyAuth:      true,
		AllowReplay:       true,
		AllowReauth:       true,
		EnvValueMaxLen:    512,
	}
	if mutate != nil {
		mutate(cfg)
	}

	cipher, err := httpsession.NewCipher("")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	sessions := session.NewStore()
	conns := pool.New()

	deps := Deps{
		Cfg:      cfg,
		Sessions: sessions,
		HTTPSess: httpsession.NewStore("sid", http.SameSiteLaxMode, time.Hour),
		Cipher:   cipher,
		Bus:      bus,
		Prompts:  prompt.NewTracker(10),
		Terminal: terminal.NewService(sessions, bus, 100, nil),
		SSH:      sshclient.NewAdapter(conns, sessions, bus, nil),
		Telnet:   telnetclient.NewAdapter(conns, sessions, bus, nil),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer ws.CloseNow()
		New(deps, ws, rec, pool.ProtocolSSH).Run(r.Context())
		ws.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)

	return &fixture{cfg: cfg, cipher: cipher, sessions: sessions, conns: conns, rec: rec, srv: srv}
}

func (f *fixture) dialWS(t *testing.T, ctx context.Context) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	c.SetReadLimit(1024 * 1024)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func (f *fixture) encrypt(t *testing.T, plaintext string) string {
	t.Helper()
	token, err := f.cipher.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return token
}

func sendJSON(t *testing.T, ctx context.Context, c *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// nextText returns the next text frame as a decoded map, skipping binary
// terminal traffic.
func nextText(t *testing.T, ctx context.Context, c *websocket.Conn) map[string]any {
	t.Helper()
	for {
		msgType, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		return m
	}
}

// awaitMessage skips frames until one with the wanted type arrives. Frames
// whose type is listed in fatalTypes fail the test immediately.
func awaitMessage(t *testing.T, ctx context.Context, c *websocket.Conn, want string, fatalTypes ...string) map[string]any {
	t.Helper()
	for {
		m := nextText(t, ctx, c)
		typ, _ := m["type"].(string)
		if typ == want {
			return m
		}
		for _, bad := range fatalTypes {
			if typ == bad {
				t.Fatalf("got %v while waiting for %q", m, want)
			}
		}
	}
}

// awaitBinary reads until a binary frame containing want arrives.
func awaitBinary(t *testing.T, ctx context.Context, c *websocket.Conn, want string) {
	t.Helper()
	var seen []byte
	for {
		msgType, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read waiting for %q (saw %q): %v", want, seen, err)
		}
		if msgType != websocket.MessageBinary {
			continue
		}
		seen = append(seen, data...)
		if strings.Contains(string(seen), want) {
			return
		}
	}
}

func authResult(t *testing.T, ctx context.Context, c *websocket.Conn) (ok bool, message string) {
	t.Helper()
	for {
		m := awaitMessage(t, ctx, c, "authentication", "ssherror")
		if m["action"] != "auth_result" {
			continue
		}
		ok, _ := m["success"].(bool)
		msg, _ := m["message"].(string)
		return ok, msg
	}
}

func testRecord(srv *sshServer, username, password string) *httpsession.Record {
	return &httpsession.Record{
		ID:       uuid.NewString(),
		Username: username,
		Password: password,
		Host:     srv.host,
		Port:     srv.port,
	}
}

func TestBridgeAuthShellAndRelay(t *testing.T) {
	srv := startSSHServer(t, sshServerOptions{})
	rec := testRecord(srv, "alice", "")
	f := newFixture(t, rec, nil)
	rec.Password = f.encrypt(t, "secret")

	ctx, cancel := context.WithTimeout(t.Context(), 15*time.Second)
	defer cancel()
	c := f.dialWS(t, ctx)

	if ok, msg := authResult(t, ctx, c); !ok {
		t.Fatalf("auth failed: %s", msg)
	}
	awaitMessage(t, ctx, c, "getTerminal", "ssherror")

	sendJSON(t, ctx, c, map[string]any{"type": "terminal", "term": "xterm", "rows": 24, "cols": 80})
	awaitBinary(t, ctx, c, "ready")

	if err := c.Write(ctx, websocket.MessageBinary, []byte("ping\n")); err != nil {
		t.Fatalf("write input: %v", err)
	}
	awaitBinary(t, ctx, c, "ping")

	state, ok := f.sessions.GetState(rec.ID)
	if !ok {
		t.Fatal("session state missing")
	}
	if state.Auth.Method != "password" {
		t.Errorf("got auth method %q, want password", state.Auth.Method)
	}
	if got := len(f.conns.GetBySession(rec.ID)); got != 1 {
		t.Errorf("got %d pooled connections, want 1", got)
	}
}

func TestBridgeWrongPasswordRetryExhaustion(t *testing.T) {
	srv := startSSHServer(t, sshServerOptions{rejectPasswords: true})
	rec := testRecord(srv, "", "")
	f := newFixture(t, rec, nil)

	ctx, cancel := context.WithTimeout(t.Context(), 15*time.Second)
	defer cancel()
	c := f.dialWS(t, ctx)

	m := awaitMessage(t, ctx, c, "authentication", "ssherror")
	if m["action"] != "request_auth" {
		t.Fatalf("got %v, want request_auth", m)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		sendJSON(t, ctx, c, map[string]any{"type": "authenticate", "username": "alice", "password": "wrong"})
		if attempt < 2 {
			if ok, _ := authResult(t, ctx, c); ok {
				t.Fatal("wrong password accepted")
			}
			m := awaitMessage(t, ctx, c, "authentication", "ssherror")
			if m["action"] != "request_auth" {
				t.Fatalf("got %v, want request_auth after failed attempt", m)
			}
		}
	}

	// Attempts exhausted: terminal error, then the socket closes.
	awaitMessage(t, ctx, c, "ssherror")
	if _, _, err := c.Read(ctx); err == nil {
		t.Error("socket still open after exhausted auth attempts")
	}
}

func TestBridgeInteractivePromptAnsweredDuringDial(t *testing.T) {
	srv := startSSHServer(t, sshServerOptions{
		interactive: func(questions []string) []string { return []string{"42"} },
	})
	rec := testRecord(srv, "", "")
	f := newFixture(t, rec, nil)

	ctx, cancel := context.WithTimeout(t.Context(), 15*time.Second)
	defer cancel()
	c := f.dialWS(t, ctx)

	m := awaitMessage(t, ctx, c, "authentication", "ssherror")
	if m["action"] != "request_auth" {
		t.Fatalf("got %v, want request_auth", m)
	}

	// No password: the dial blocks on the forwarded challenge until the
	// response frame is routed back to it.
	sendJSON(t, ctx, c, map[string]any{"type": "authenticate", "username": "alice"})

	p := awaitMessage(t, ctx, c, "prompt", "ssherror", "authentication")
	payload, _ := p["payload"].(map[string]any)
	id, _ := payload["id"].(string)
	if id == "" {
		t.Fatalf("prompt without id: %v", p)
	}
	sendJSON(t, ctx, c, map[string]any{
		"type":   "prompt_response",
		"id":     id,
		"action": "submit",
		"inputs": map[string]string{"answer_0": "42"},
	})

	if ok, msg := authResult(t, ctx, c); !ok {
		t.Fatalf("interactive auth failed: %s", msg)
	}
	state, _ := f.sessions.GetState(rec.ID)
	if state.Auth.Method != "keyboard-interactive" {
		t.Errorf("got auth method %q, want keyboard-interactive", state.Auth.Method)
	}
}

func TestBridgeReauthRestartsAuthOnSameSocket(t *testing.T) {
	srv := startSSHServer(t, sshServerOptions{})
	rec := testRecord(srv, "alice", "")
	f := newFixture(t, rec, nil)
	rec.Password = f.encrypt(t, "secret")

	ctx, cancel := context.WithTimeout(t.Context(), 15*time.Second)
	defer cancel()
	c := f.dialWS(t, ctx)

	if ok, msg := authResult(t, ctx, c); !ok {
		t.Fatalf("auth failed: %s", msg)
	}
	awaitMessage(t, ctx, c, "getTerminal", "ssherror")
	sendJSON(t, ctx, c, map[string]any{"type": "terminal", "term": "xterm", "rows": 24, "cols": 80})
	awaitBinary(t, ctx, c, "ready")

	sendJSON(t, ctx, c, map[string]any{"type": "control", "action": "reauth"})

	// The socket must survive the deliberate shell teardown and go straight
	// back to credential collection.
	m := awaitMessage(t, ctx, c, "authentication", "ssherror")
	if m["action"] != "request_auth" {
		t.Fatalf("got %v, want request_auth after reauth", m)
	}
	if got := len(f.conns.GetBySession(rec.ID)); got != 0 {
		t.Errorf("got %d pooled connections after reauth, want 0", got)
	}

	sendJSON(t, ctx, c, map[string]any{"type": "authenticate", "username": "alice", "password": "secret"})
	if ok, msg := authResult(t, ctx, c); !ok {
		t.Fatalf("reauth failed: %s", msg)
	}
	if got := len(f.conns.GetBySession(rec.ID)); got != 1 {
		t.Errorf("got %d pooled connections after reauth, want 1", got)
	}
}

func TestBridgeExecForwardsEnvAndPty(t *testing.T) {
	srv := startSSHServer(t, sshServerOptions{})
	rec := testRecord(srv, "alice", "")
	f := newFixture(t, rec, func(cfg *config.Settings) { cfg.AllowExec = true })
	rec.Password = f.encrypt(t, "secret")

	ctx, cancel := context.WithTimeout(t.Context(), 15*time.Second)
	defer cancel()
	c := f.dialWS(t, ctx)

	if ok, msg := authResult(t, ctx, c); !ok {
		t.Fatalf("auth failed: %s", msg)
	}
	awaitMessage(t, ctx, c, "getTerminal", "ssherror")

	sendJSON(t, ctx, c, map[string]any{
		"type": "exec", "command": "uptime",
		"pty": true, "term": "vt100", "rows": 10, "cols": 40,
		"env": map[string]string{"FOO": "bar", "LD_PRELOAD": "/evil.so"},
	})

	data := awaitMessage(t, ctx, c, "exec-data", "ssherror", "error")
	if got, _ := data["data"].(string); got != "out:uptime" {
		t.Errorf("got exec output %q, want out:uptime", got)
	}
	exit := awaitMessage(t, ctx, c, "exec-exit", "ssherror", "error")
	if code, _ := exit["code"].(float64); code != 0 {
		t.Errorf("got exit code %v, want 0", code)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.execCmd != "uptime" {
		t.Errorf("server saw command %q", srv.execCmd)
	}
	if srv.execTerm != "vt100" {
		t.Errorf("server saw pty term %q, want vt100", srv.execTerm)
	}
	if srv.execEnv["FOO"] != "bar" {
		t.Errorf("env FOO = %q, want bar", srv.execEnv["FOO"])
	}
	if _, ok := srv.execEnv["LD_PRELOAD"]; ok {
		t.Error("denied env var crossed to the remote host")
	}
}

func TestBridgeControlRateLimit(t *testing.T) {
	cfg := &config.Settings{SSHPort: 22, MaxAuthAttempts: 2, ControlRateLimit: 1}
	deps := Deps{Cfg: cfg}
	rec := &httpsession.Record{ID: uuid.NewString()}
	b := New(deps, nil, rec, pool.ProtocolSSH)

	in := &inbound{kind: msgControl, control: &ControlMsg{Action: ctlDisconnect}}
	allowed := 0
	for i := 0; i < 5; i++ {
		if b.handleMessage(context.Background(), in) {
			allowed++
		}
	}
	// Limiter burst is rate+1, so exactly two get through immediately.
	if allowed != 2 {
		t.Errorf("got %d control messages through, want burst of 2", allowed)
	}
}
