// Package errs defines the coded error type shared by the gateway core.
//
// Every adapter and service operation that can fail returns an error that
// either is or wraps an *E. The code is machine-readable and stable; the
// socket bridge uses it to decide which user-visible message to emit and
// whether the socket survives the failure.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies an error class. Codes are part of the wire contract:
// they appear in typed error responses sent to the client.
type Code string

const (
	// Boot-time configuration problems. Fatal.
	CodeConfig Code = "CONFIG"

	// A message failed schema validation at the socket boundary.
	CodeValidation Code = "VALIDATION"

	// Authentication failures.
	CodeAuthInvalidCredentials Code = "AUTH_INVALID_CREDENTIALS"
	CodeAuthPolicyBlocked      Code = "AUTH_POLICY_BLOCKED"
	CodeAuthNoMethod           Code = "AUTH_NO_METHOD"
	CodeAuthInterrupted        Code = "AUTH_INTERRUPTED"

	// Transport-level connection failures.
	CodeConnTimeout     Code = "CONN_TIMEOUT"
	CodeConnRefused     Code = "CONN_REFUSED"
	CodeConnUnreachable Code = "CONN_UNREACHABLE"
	CodeConnClosed      Code = "CONN_CLOSED"
	CodeNotReady        Code = "NOT_READY"

	// Host key verification.
	CodeHostKeyMismatch Code = "HOST_KEY_MISMATCH"
	CodeHostKeyUnknown  Code = "HOST_KEY_UNKNOWN"

	// Protocol-level failures (telnet negotiation, unexpected prompts).
	CodeProtoNegotiation      Code = "PROTO_NEGOTIATION"
	CodeProtoUnexpectedPrompt Code = "PROTO_UNEXPECTED_PROMPT"

	// Policy denials.
	CodePolicySubnetBlocked Code = "POLICY_SUBNET_BLOCKED"
	CodePolicyRateLimited   Code = "POLICY_RATE_LIMITED"
	CodePolicyMaxPrompts    Code = "POLICY_MAX_PROMPTS"

	// Prompt correlation failures.
	CodeUnknownPrompt Code = "UNKNOWN_PROMPT"
	CodeForeignPrompt Code = "FOREIGN_PROMPT"
	CodeExpiredPrompt Code = "EXPIRED"

	// SFTP and file-operation failures.
	CodeSftpNotFound   Code = "SFTP_NOT_FOUND"
	CodeSftpPermission Code = "SFTP_PERMISSION_DENIED"
	CodeSftpTimeout    Code = "SFTP_TIMEOUT"
	CodeSftpFailed     Code = "SFTP_OPERATION_FAILED"

	// Reserved. Never surfaced to clients with its raw message.
	CodeInternal Code = "INTERNAL"
)

// E is a coded error with an optional wrapped cause.
type E struct {
	Code    Code
	Message string
	Cause   error
}

func (e *E) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *E) Unwrap() error { return e.Cause }

// New creates a coded error with a plain message.
func New(code Code, message string) *E {
	return &E{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *E {
	return &E{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error around a cause. Returns nil if cause is nil.
func Wrap(code Code, message string, cause error) *E {
	if cause == nil {
		return nil
	}
	return &E{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the code from err, walking the wrap chain.
// Unrecognized errors map to CodeInternal; nil maps to the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// UserMessage returns a message safe to show to the client. Internal errors
// are masked; everything else exposes its human message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) && e.Code != CodeInternal {
		return e.Message
	}
	return "internal error"
}
