package bridge

import (
	"encoding/json"

	"github.com/billchurch/webssh2-sub005/internal/errs"
	"github.com/billchurch/webssh2-sub005/internal/prompt"
)

// Inbound message types. Text frames carry JSON envelopes; binary frames are
// raw terminal input and bypass parsing entirely.
const (
	msgAuthenticate   = "authenticate"
	msgTerminal       = "terminal"
	msgResize         = "resize"
	msgControl        = "control"
	msgExec           = "exec"
	msgPromptResponse = "prompt_response"
)

// Control actions accepted inside a control message.
const (
	ctlReplayCredentials = "replayCredentials"
	ctlReauth            = "reauth"
	ctlDisconnect        = "disconnect"
)

type envelope struct {
	Type string `json:"type"`
}

// AuthenticateMsg carries client-supplied credentials.
type AuthenticateMsg struct {
	Username   string `json:"username"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Term       string `json:"term,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
}

// TerminalMsg answers the server's getTerminal request.
type TerminalMsg struct {
	Term string            `json:"term"`
	Cols int               `json:"cols"`
	Rows int               `json:"rows"`
	Env  map[string]string `json:"env,omitempty"`
}

// ResizeMsg reports new client geometry.
type ResizeMsg struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// ControlMsg selects an out-of-band action.
type ControlMsg struct {
	Action string `json:"action"`
}

// ExecMsg requests a one-shot command.
type ExecMsg struct {
	Command   string            `json:"command"`
	Pty       bool              `json:"pty,omitempty"`
	Term      string            `json:"term,omitempty"`
	Cols      int               `json:"cols,omitempty"`
	Rows      int               `json:"rows,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
}

// inbound is one parsed text frame.
type inbound struct {
	kind     string
	auth     *AuthenticateMsg
	terminal *TerminalMsg
	resize   *ResizeMsg
	control  *ControlMsg
	exec     *ExecMsg
	promptR  *prompt.Response
}

const maxCommandLen = 8192

// parseInbound validates a text frame against its declared schema. Binary
// frames never reach this function.
func parseInbound(raw []byte) (*inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.Wrap(errs.CodeValidation, "malformed message", err)
	}

	switch env.Type {
	case msgAuthenticate:
		var m AuthenticateMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errs.Wrap(errs.CodeValidation, "malformed authenticate message", err)
		}
		if m.Username == "" {
			return nil, errs.New(errs.CodeValidation, "authenticate: username is required")
		}
		if m.Port < 0 || m.Port > 65535 {
			return nil, errs.Newf(errs.CodeValidation, "authenticate: invalid port %d", m.Port)
		}
		return &inbound{kind: msgAuthenticate, auth: &m}, nil

	case msgTerminal:
		var m TerminalMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errs.Wrap(errs.CodeValidation, "malformed terminal message", err)
		}
		if m.Rows < 1 || m.Cols < 1 {
			return nil, errs.Newf(errs.CodeValidation, "terminal: invalid geometry %dx%d", m.Cols, m.Rows)
		}
		return &inbound{kind: msgTerminal, terminal: &m}, nil

	case msgResize:
		var m ResizeMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errs.Wrap(errs.CodeValidation, "malformed resize message", err)
		}
		if m.Rows < 1 || m.Cols < 1 {
			return nil, errs.Newf(errs.CodeValidation, "resize: invalid geometry %dx%d", m.Cols, m.Rows)
		}
		return &inbound{kind: msgResize, resize: &m}, nil

	case msgControl:
		var m ControlMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errs.Wrap(errs.CodeValidation, "malformed control message", err)
		}
		switch m.Action {
		case ctlReplayCredentials, ctlReauth, ctlDisconnect:
			return &inbound{kind: msgControl, control: &m}, nil
		default:
			return nil, errs.Newf(errs.CodeValidation, "control: unknown action %q", m.Action)
		}

	case msgExec:
		var m ExecMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errs.Wrap(errs.CodeValidation, "malformed exec message", err)
		}
		if m.Command == "" {
			return nil, errs.New(errs.CodeValidation, "exec: command is required")
		}
		if len(m.Command) > maxCommandLen {
			return nil, errs.New(errs.CodeValidation, "exec: command too long")
		}
		return &inbound{kind: msgExec, exec: &m}, nil

	case msgPromptResponse:
		var m prompt.Response
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errs.Wrap(errs.CodeValidation, "malformed prompt response", err)
		}
		if m.ID == "" {
			return nil, errs.New(errs.CodeValidation, "prompt response: id is required")
		}
		return &inbound{kind: msgPromptResponse, promptR: &m}, nil
	}

	return nil, errs.Newf(errs.CodeValidation, "unknown message type %q", env.Type)
}

// Outbound messages.

// AuthenticationMsg reports auth progress to the client.
type AuthenticationMsg struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	Success *bool  `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// PermissionsMsg tells the client which gated features are enabled.
type PermissionsMsg struct {
	Type              string `json:"type"`
	AllowReplay       bool   `json:"allowReplay"`
	AllowReauth       bool   `json:"allowReauth"`
	AllowReconnect    bool   `json:"allowReconnect"`
	AllowFileTransfer bool   `json:"allowFileTransfer"`
}

// HeaderUI is the optional header bar description.
type HeaderUI struct {
	Text       string `json:"text,omitempty"`
	Background string `json:"background,omitempty"`
	Color      string `json:"color,omitempty"`
}

// UpdateUIMsg pushes presentation state.
type UpdateUIMsg struct {
	Type     string    `json:"type"`
	Header   *HeaderUI `json:"header,omitempty"`
	Status   string    `json:"status,omitempty"`
	Terminal string    `json:"terminal,omitempty"`
}

// GetTerminalMsg asks the client for its geometry.
type GetTerminalMsg struct {
	Type string `json:"type"`
}

// ExecDataMsg streams one chunk of exec output.
type ExecDataMsg struct {
	Type   string `json:"type"`
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

// ExecExitMsg ends an exec exchange.
type ExecExitMsg struct {
	Type string `json:"type"`
	Code int    `json:"code"`
}

// PromptMsg wraps a tracked prompt payload.
type PromptMsg struct {
	Type    string         `json:"type"`
	Payload prompt.Payload `json:"payload"`
}

// SSHErrorMsg reports a fatal transport error before closing.
type SSHErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorMsg is the typed rejection for an invalid inbound message.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
