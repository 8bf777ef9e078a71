// Package prompt correlates server-originated interactive prompts with
// client responses. It enforces prompt ownership (only the socket a prompt
// was issued to may answer it), response shape, deadlines, and a per-socket
// cap on pending prompts.
package prompt

import (
	"regexp"
	"strings"
	"time"

	"github.com/billchurch/webssh2-sub005/internal/errs"
)

// Wire limits for the prompt payload.
const (
	MaxTitleLen   = 120
	MaxMessageLen = 1000
	MaxValueLen   = 1000

	MinTimeout = time.Second
	MaxTimeout = 10 * time.Minute
)

// Reserved response actions always accepted in addition to the payload's
// buttons.
const (
	ActionDismissed = "dismissed"
	ActionTimeout   = "timeout"
)

var (
	actionRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
	keyRe    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)
)

// allowedIcons is the closed set of icons a prompt may reference.
var allowedIcons = map[string]bool{
	"":         true,
	"info":     true,
	"warning":  true,
	"error":    true,
	"question": true,
	"key":      true,
	"host":     true,
}

// Button is one choice offered by a prompt.
type Button struct {
	Action string `json:"action"`
	Label  string `json:"label"`
}

// Input is one field requested by a prompt.
type Input struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Required bool   `json:"required,omitempty"`
	Secret   bool   `json:"secret,omitempty"`
}

// Payload is the wire-stable prompt shape sent to the client.
type Payload struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Message string   `json:"message,omitempty"`
	Icon    string   `json:"icon,omitempty"`
	Buttons []Button `json:"buttons"`
	Inputs  []Input  `json:"inputs,omitempty"`
	// Timeout is milliseconds on the wire.
	Timeout int64 `json:"timeout"`
}

// Response is the client's answer to a prompt.
type Response struct {
	ID     string            `json:"id"`
	Action string            `json:"action"`
	Inputs map[string]string `json:"inputs,omitempty"`
}

// containsHTML reports whether s has an HTML-like <...> sequence.
func containsHTML(s string) bool {
	open := strings.IndexByte(s, '<')
	if open < 0 {
		return false
	}
	return strings.IndexByte(s[open:], '>') > 0
}

// ValidatePayload checks a prompt payload before it is tracked or sent.
func ValidatePayload(p Payload) error {
	if p.Title == "" || len(p.Title) > MaxTitleLen {
		return errs.Newf(errs.CodeValidation, "title must be 1-%d characters", MaxTitleLen)
	}
	if containsHTML(p.Title) {
		return errs.New(errs.CodeValidation, "title must not contain HTML")
	}
	if len(p.Message) > MaxMessageLen {
		return errs.Newf(errs.CodeValidation, "message exceeds %d characters", MaxMessageLen)
	}
	if containsHTML(p.Message) {
		return errs.New(errs.CodeValidation, "message must not contain HTML")
	}
	if !allowedIcons[p.Icon] {
		return errs.Newf(errs.CodeValidation, "icon %q is not allowed", p.Icon)
	}
	if len(p.Buttons) == 0 {
		return errs.New(errs.CodeValidation, "prompt needs at least one button")
	}
	for _, b := range p.Buttons {
		if !actionRe.MatchString(b.Action) {
			return errs.Newf(errs.CodeValidation, "invalid button action %q", b.Action)
		}
		if b.Label == "" || containsHTML(b.Label) {
			return errs.Newf(errs.CodeValidation, "invalid button label for action %q", b.Action)
		}
	}
	for _, in := range p.Inputs {
		if !keyRe.MatchString(in.Key) {
			return errs.Newf(errs.CodeValidation, "invalid input key %q", in.Key)
		}
		if in.Label == "" || containsHTML(in.Label) {
			return errs.Newf(errs.CodeValidation, "invalid input label for key %q", in.Key)
		}
	}
	d := time.Duration(p.Timeout) * time.Millisecond
	if d < MinTimeout || d > MaxTimeout {
		return errs.Newf(errs.CodeValidation, "timeout must be between %s and %s", MinTimeout, MaxTimeout)
	}
	return nil
}
