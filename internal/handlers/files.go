package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/ssh"

	"github.com/billchurch/webssh2-sub005/internal/errs"
	"github.com/billchurch/webssh2-sub005/internal/pool"
)

// maxUploadSize caps a single file write request body.
const maxUploadSize = 32 << 20

// FileRoutes mounts the file transfer endpoints. Every route requires an
// established SSH connection bound to the caller's session.
func (h *Handlers) FileRoutes(r chi.Router) {
	r.Route("/ssh/files", func(r chi.Router) {
		r.Get("/list", h.ListFiles)
		r.Get("/read", h.ReadFile)
		r.Post("/write", h.WriteFile)
		r.Post("/mkdir", h.MakeDirectory)
		r.Delete("/remove", h.RemoveFile)
	})
}

// sessionSSHClient resolves the caller's live SSH client, enforcing the
// file transfer gate.
func (h *Handlers) sessionSSHClient(w http.ResponseWriter, r *http.Request) (*ssh.Client, bool) {
	if !h.Cfg.AllowFileTransfer {
		writeJSONError(w, http.StatusForbidden, errs.New(errs.CodeAuthPolicyBlocked, "file transfer is disabled"))
		return nil, false
	}
	rec, ok := h.Bridge.HTTPSess.FromRequest(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, errs.New(errs.CodeNotReady, "no session"))
		return nil, false
	}
	var connID string
	for _, c := range h.Pool.GetBySession(rec.ID) {
		if c.Protocol == pool.ProtocolSSH {
			connID = c.ID
			break
		}
	}
	if connID == "" {
		writeJSONError(w, http.StatusConflict, errs.New(errs.CodeNotReady, "no established SSH connection"))
		return nil, false
	}
	client, err := h.Bridge.SSH.SSHClient(connID)
	if err != nil {
		writeJSONError(w, http.StatusConflict, err)
		return nil, false
	}
	return client, true
}

// ListFiles returns the directory listing for ?path=.
func (h *Handlers) ListFiles(w http.ResponseWriter, r *http.Request) {
	client, ok := h.sessionSSHClient(w, r)
	if !ok {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}
	entries, err := h.Files.List(r.Context(), client, path)
	if err != nil {
		writeFileError(w, err)
		return
	}
	writeJSON(w, map[string]any{"path": path, "entries": entries})
}

// ReadFile streams the file at ?path= back to the browser.
func (h *Handlers) ReadFile(w http.ResponseWriter, r *http.Request) {
	client, ok := h.sessionSSHClient(w, r)
	if !ok {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSONError(w, http.StatusBadRequest, errs.New(errs.CodeValidation, "path is required"))
		return
	}
	data, err := h.Files.Read(r.Context(), client, path)
	if err != nil {
		writeFileError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

// WriteFile stores the request body at ?path=.
func (h *Handlers) WriteFile(w http.ResponseWriter, r *http.Request) {
	client, ok := h.sessionSSHClient(w, r)
	if !ok {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSONError(w, http.StatusBadRequest, errs.New(errs.CodeValidation, "path is required"))
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadSize+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, errs.Wrap(errs.CodeValidation, "read body", err))
		return
	}
	if len(data) > maxUploadSize {
		writeJSONError(w, http.StatusRequestEntityTooLarge, errs.New(errs.CodeValidation, "file too large"))
		return
	}
	if err := h.Files.Write(r.Context(), client, path, data); err != nil {
		writeFileError(w, err)
		return
	}
	writeJSON(w, map[string]any{"path": path, "written": len(data)})
}

// MakeDirectory creates the directory at ?path=.
func (h *Handlers) MakeDirectory(w http.ResponseWriter, r *http.Request) {
	client, ok := h.sessionSSHClient(w, r)
	if !ok {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSONError(w, http.StatusBadRequest, errs.New(errs.CodeValidation, "path is required"))
		return
	}
	if err := h.Files.Mkdir(r.Context(), client, path); err != nil {
		writeFileError(w, err)
		return
	}
	writeJSON(w, map[string]any{"path": path})
}

// RemoveFile deletes the file or directory at ?path=.
func (h *Handlers) RemoveFile(w http.ResponseWriter, r *http.Request) {
	client, ok := h.sessionSSHClient(w, r)
	if !ok {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSONError(w, http.StatusBadRequest, errs.New(errs.CodeValidation, "path is required"))
		return
	}
	if err := h.Files.Remove(r.Context(), client, path); err != nil {
		writeFileError(w, err)
		return
	}
	writeJSON(w, map[string]any{"path": path})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"code":    string(errs.CodeOf(err)),
		"message": errs.UserMessage(err),
	})
}

func writeFileError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.CodeOf(err) {
	case errs.CodeSftpNotFound:
		status = http.StatusNotFound
	case errs.CodeSftpPermission:
		status = http.StatusForbidden
	case errs.CodeSftpTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSONError(w, status, err)
}
