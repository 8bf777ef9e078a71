package handlers

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/billchurch/webssh2-sub005/internal/bridge"
	"github.com/billchurch/webssh2-sub005/internal/config"
	"github.com/billchurch/webssh2-sub005/internal/httpsession"
	"github.com/billchurch/webssh2-sub005/internal/pool"
	"github.com/billchurch/webssh2-sub005/internal/session"
	"github.com/billchurch/webssh2-sub005/internal/sshfiles"
	"github.com/billchurch/webssh2-sub005/internal/terminal"
)

func newTestHandlers(t *testing.T) (*Handlers, *httpsession.Store) {
	t.Helper()
	cipher, err := httpsession.NewCipher("")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	store := httpsession.NewStore("webssh2.sid", http.SameSiteLaxMode, time.Hour)
	sessions := session.NewStore()
	cfg := &config.Settings{SSHPort: 22, SSHTerm: "xterm-color"}
	h := &Handlers{
		Cfg:   cfg,
		Pool:  pool.New(),
		Files: sshfiles.NewService(time.Second),
		Bridge: bridge.Deps{
			Cfg:      cfg,
			Sessions: sessions,
			HTTPSess: store,
			Cipher:   cipher,
			Terminal: terminal.NewService(sessions, nil, 100, nil),
		},
	}
	return h, store
}

func newTestRouter(h *Handlers) *chi.Mux {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func sessionCookie(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == "webssh2.sid" {
			return c
		}
	}
	t.Fatal("no session cookie issued")
	return nil
}

func TestClientServesPageAndSetsCookie(t *testing.T) {
	h, _ := newTestHandlers(t)
	r := newTestRouter(h)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "terminal") {
		t.Error("response does not look like the client page")
	}
	sessionCookie(t, rr)
}

func TestClientCapturesBasicAuthAndHost(t *testing.T) {
	h, store := newTestHandlers(t)
	r := newTestRouter(h)

	req := httptest.NewRequest("GET", "/host/example.com?port=2022", nil)
	req.SetBasicAuth("alice", "hunter2")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	c := sessionCookie(t, rr)
	rec, ok := store.Get(c.Value)
	if !ok {
		t.Fatal("session record not stored")
	}
	if rec.Username != "alice" {
		t.Errorf("username = %q, want alice", rec.Username)
	}
	if !rec.UsedBasicAuth {
		t.Error("UsedBasicAuth not set")
	}
	if rec.Host != "example.com" {
		t.Errorf("host = %q, want example.com", rec.Host)
	}
	if rec.Port != 2022 {
		t.Errorf("port = %d, want 2022", rec.Port)
	}
	if rec.Password == "hunter2" {
		t.Error("password stored in the clear")
	}
	got, err := h.Bridge.Cipher.Decrypt(rec.Password)
	if err != nil || got != "hunter2" {
		t.Errorf("decrypted password = %q, %v; want hunter2", got, err)
	}
}

func TestClientCapturesAPMHeaders(t *testing.T) {
	h, store := newTestHandlers(t)
	r := newTestRouter(h)

	req := httptest.NewRequest("GET", "/host/example.com", nil)
	req.Header.Set("x-apm-username", "bob")
	req.Header.Set("x-apm-password", "swordfish")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	c := sessionCookie(t, rr)
	rec, _ := store.Get(c.Value)
	if rec.Username != "bob" {
		t.Errorf("username = %q, want bob", rec.Username)
	}
	if rec.UsedBasicAuth {
		t.Error("APM headers must not count as Basic auth")
	}
}

func TestPostHostStoresForm(t *testing.T) {
	h, store := newTestHandlers(t)
	r := newTestRouter(h)

	form := url.Values{
		"username":          {"carol"},
		"password":          {"s3cret"},
		"port":              {"2222"},
		"sshterm":           {"xterm-256color"},
		"allowreplay":       {"true"},
		"header.name":       {"prod bastion"},
		"header.background": {"red"},
	}
	req := httptest.NewRequest("POST", "/host/db01", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	c := sessionCookie(t, rr)
	rec, _ := store.Get(c.Value)
	if rec.Host != "db01" {
		t.Errorf("host = %q, want db01", rec.Host)
	}
	if rec.Port != 2222 {
		t.Errorf("port = %d, want 2222", rec.Port)
	}
	if rec.Term != "xterm-256color" {
		t.Errorf("term = %q", rec.Term)
	}
	if rec.AllowReplay == nil || !*rec.AllowReplay {
		t.Error("allowreplay not captured")
	}
	if rec.HeaderText != "prod bastion" || rec.HeaderBackground != "red" {
		t.Errorf("header = %q/%q", rec.HeaderText, rec.HeaderBackground)
	}
}

func TestPostHostRejectsBadPort(t *testing.T) {
	h, _ := newTestHandlers(t)
	r := newTestRouter(h)

	form := url.Values{"username": {"x"}, "port": {"70000"}}
	req := httptest.NewRequest("POST", "/host/a", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestClearCredentials(t *testing.T) {
	h, store := newTestHandlers(t)
	r := newTestRouter(h)

	req := httptest.NewRequest("GET", "/host/a", nil)
	req.SetBasicAuth("dave", "pw")
	first := httptest.NewRecorder()
	r.ServeHTTP(first, req)
	c := sessionCookie(t, first)

	req = httptest.NewRequest("GET", "/clear-credentials", nil)
	req.AddCookie(c)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := rr.Body.String(); got != "Credentials cleared" {
		t.Errorf("body = %q", got)
	}
	rec, _ := store.Get(c.Value)
	if rec.Username != "" || rec.Password != "" {
		t.Error("credentials not cleared")
	}
}

func TestFileRoutesGated(t *testing.T) {
	h, _ := newTestHandlers(t)
	r := newTestRouter(h)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/ssh/files/list?path=/tmp", nil))
	if rr.Code != http.StatusForbidden {
		t.Errorf("transfer disabled: status = %d, want 403", rr.Code)
	}

	h.Cfg.AllowFileTransfer = true
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/ssh/files/list?path=/tmp", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no session: status = %d, want 401", rr.Code)
	}
}

func TestFileRoutesRequireConnection(t *testing.T) {
	h, _ := newTestHandlers(t)
	h.Cfg.AllowFileTransfer = true
	r := newTestRouter(h)

	req := httptest.NewRequest("GET", "/host/a", nil)
	first := httptest.NewRecorder()
	r.ServeHTTP(first, req)
	c := sessionCookie(t, first)

	req = httptest.NewRequest("GET", "/ssh/files/list", nil)
	req.AddCookie(c)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Errorf("no connection: status = %d, want 409", rr.Code)
	}
}

func TestRecordingExport(t *testing.T) {
	h, store := newTestHandlers(t)
	h.Cfg.RecordingEnabled = true
	r := newTestRouter(h)

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest("GET", "/", nil))
	c := sessionCookie(t, first)

	rec, _ := store.Get(c.Value)
	h.Bridge.Terminal.EnableRecording(rec.ID)
	h.Bridge.Terminal.Write(rec.ID, []byte("$ uptime\r\n"))

	req := httptest.NewRequest("GET", "/ssh/recording", nil)
	req.AddCookie(c)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"version":2`) {
		t.Error("response is not an asciicast v2 stream")
	}
	if !strings.Contains(rr.Body.String(), "uptime") {
		t.Error("recorded bytes missing from export")
	}
}

func TestRecordingDisabled(t *testing.T) {
	h, _ := newTestHandlers(t)
	r := newTestRouter(h)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/ssh/recording", nil))
	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rr.Code)
	}
}

func TestForceReconnect(t *testing.T) {
	h, _ := newTestHandlers(t)
	r := newTestRouter(h)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/force-reconnect", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if got := rr.Body.String(); got != "Authentication required" {
		t.Errorf("body = %q", got)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate challenge")
	}
}
