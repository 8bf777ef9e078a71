// Package handlers is the HTTP and WebSocket surface of the gateway. It
// captures credentials from Basic auth, form posts and APM headers into the
// HTTP session, then hands upgraded sockets to the bridge.
package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/billchurch/webssh2-sub005/internal/bridge"
	"github.com/billchurch/webssh2-sub005/internal/config"
	"github.com/billchurch/webssh2-sub005/internal/httpsession"
	"github.com/billchurch/webssh2-sub005/internal/logging"
	"github.com/billchurch/webssh2-sub005/internal/logutil"
	"github.com/billchurch/webssh2-sub005/internal/pool"
	"github.com/billchurch/webssh2-sub005/internal/sshfiles"
	"github.com/billchurch/webssh2-sub005/internal/terminal"
)

// Handlers carries the per-process dependencies for the HTTP surface.
type Handlers struct {
	Cfg    *config.Settings
	Bridge bridge.Deps
	Pool   *pool.Pool
	Files  *sshfiles.Service
}

// Routes mounts the gateway's HTTP surface on a chi router.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/", h.Client)
	r.Get("/host", h.Client)
	r.Get("/host/{host}", h.Client)
	r.Post("/host", h.PostHost)
	r.Post("/host/{host}", h.PostHost)
	r.Get("/clear-credentials", h.ClearCredentials)
	r.Get("/force-reconnect", h.ForceReconnect)
	r.Get("/ssh/socket.io", h.Socket)
	r.Get("/ssh/recording", h.Recording)
	h.FileRoutes(r)
}

const clientPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>WebSSH2</title></head>
<body>
<div id="terminal"></div>
<script src="/client.js"></script>
</body>
</html>
`

// Client serves the terminal page and captures any credentials carried on
// the request into the HTTP session.
func (h *Handlers) Client(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Bridge.HTTPSess.Ensure(w, r)
	if err != nil {
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}
	h.captureCredentials(r, rec)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(clientPage))
}

// PostHost accepts credentials and connection options as form fields.
func (h *Handlers) PostHost(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Bridge.HTTPSess.Ensure(w, r)
	if err != nil {
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}

	host := chi.URLParam(r, "host")
	if host == "" {
		host = r.PostFormValue("host")
	}
	port := h.Cfg.SSHPort
	if v := r.PostFormValue("port"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			http.Error(w, "invalid port", http.StatusBadRequest)
			return
		}
		port = p
	}

	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	encrypted := ""
	if password != "" {
		encrypted, err = h.Bridge.Cipher.Encrypt(password)
		if err != nil {
			http.Error(w, "credential storage failed", http.StatusInternalServerError)
			return
		}
	}

	h.Bridge.HTTPSess.Update(rec.ID, func(rec *httpsession.Record) {
		rec.UsedBasicAuth = username != ""
		rec.Username = username
		rec.Password = encrypted
		if host != "" {
			rec.Host = host
		}
		rec.Port = port
		if term := r.PostFormValue("sshterm"); term != "" {
			rec.Term = term
		}
		if v := r.PostFormValue("allowreplay"); v != "" {
			allow := v == "true" || v == "1" || v == "yes"
			rec.AllowReplay = &allow
		}
		if v := r.PostFormValue("env"); v != "" {
			rec.Env = parseEnvParam(v)
		}
		if v := r.PostFormValue("readyTimeout"); v != "" {
			if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
				rec.ReadyTimeout = time.Duration(ms) * time.Millisecond
			}
		}
		if v := r.PostFormValue("header.name"); v != "" {
			rec.HeaderText = v
		}
		if v := r.PostFormValue("header.background"); v != "" {
			rec.HeaderBackground = v
		}
		if v := r.PostFormValue("header.color"); v != "" {
			rec.HeaderColor = v
		}
	})

	logging.New("http.credentials_posted").Subsystem("http").Session(rec.ID).
		Str("host", logutil.SanitizeForLog(host)).Emit()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(clientPage))
}

// parseEnvParam splits the env form value, pairs in NAME:value form joined
// by commas. The bridge filters names and values before use.
func parseEnvParam(v string) map[string]string {
	env := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		name, value, ok := strings.Cut(pair, ":")
		if !ok || name == "" {
			continue
		}
		env[name] = value
	}
	if len(env) == 0 {
		return nil
	}
	return env
}

// captureCredentials pulls Basic auth, APM headers and the routed host into
// the session record.
func (h *Handlers) captureCredentials(r *http.Request, rec *httpsession.Record) {
	username, password, hasBasic := r.BasicAuth()
	if !hasBasic {
		username = r.Header.Get("x-apm-username")
		password = r.Header.Get("x-apm-password")
	}

	host := chi.URLParam(r, "host")
	port := h.Cfg.SSHPort
	if v := r.URL.Query().Get("port"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p >= 1 && p <= 65535 {
			port = p
		}
	}

	h.Bridge.HTTPSess.Update(rec.ID, func(rec *httpsession.Record) {
		if host != "" {
			rec.Host = host
		}
		if rec.Port == 0 {
			rec.Port = port
		}
		if username != "" {
			encrypted, err := h.Bridge.Cipher.Encrypt(password)
			if err != nil {
				return
			}
			rec.UsedBasicAuth = hasBasic
			rec.Username = username
			rec.Password = encrypted
		}
	})
}

// ClearCredentials wipes stored credentials but keeps the session.
func (h *Handlers) ClearCredentials(w http.ResponseWriter, r *http.Request) {
	if rec, ok := h.Bridge.HTTPSess.FromRequest(r); ok {
		h.Bridge.HTTPSess.ClearCredentials(rec.ID)
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Credentials cleared"))
}

// ForceReconnect clears credentials and asks the browser to re-authenticate.
func (h *Handlers) ForceReconnect(w http.ResponseWriter, r *http.Request) {
	if rec, ok := h.Bridge.HTTPSess.FromRequest(r); ok {
		h.Bridge.HTTPSess.ClearCredentials(rec.ID)
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="WebSSH2"`)
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte("Authentication required"))
}

// Recording exports the session's buffered terminal output as an asciicast
// v2 file.
func (h *Handlers) Recording(w http.ResponseWriter, r *http.Request) {
	if !h.Cfg.RecordingEnabled {
		http.Error(w, "recording is disabled", http.StatusForbidden)
		return
	}
	rec, ok := h.Bridge.HTTPSess.FromRequest(r)
	if !ok {
		http.Error(w, "no session", http.StatusUnauthorized)
		return
	}
	entries := h.Bridge.Terminal.Entries(rec.ID)
	if len(entries) == 0 {
		http.Error(w, "no recording", http.StatusNotFound)
		return
	}
	rows, cols := 24, 80
	if g, ok := h.Bridge.Terminal.Geometry(rec.ID); ok && g.Rows > 0 && g.Cols > 0 {
		rows, cols = g.Rows, g.Cols
	}
	cast, err := terminal.ExportCast(entries, cols, rows)
	if err != nil {
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-asciicast")
	w.Header().Set("Content-Disposition", `attachment; filename="session.cast"`)
	w.Write(cast)
}

// Socket upgrades the request and runs a bridge until either side closes.
func (h *Handlers) Socket(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.Bridge.HTTPSess.FromRequest(r)
	if !ok {
		var err error
		rec, err = h.Bridge.HTTPSess.Ensure(w, r)
		if err != nil {
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}
	}

	opts := &websocket.AcceptOptions{}
	if len(h.Cfg.AllowedOrigins) > 0 {
		opts.OriginPatterns = h.Cfg.AllowedOrigins
	} else {
		opts.InsecureSkipVerify = true
	}

	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		logging.Warn("ws.accept_failed").Subsystem("http").Err(err).Emit()
		return
	}
	defer ws.CloseNow()

	proto := pool.ProtocolSSH
	if h.Cfg.TelnetEnabled && r.URL.Query().Get("protocol") == "telnet" {
		proto = pool.ProtocolTelnet
	}

	b := bridge.New(h.Bridge, ws, rec, proto)
	b.Run(r.Context())
	ws.Close(websocket.StatusNormalClosure, "")
}
