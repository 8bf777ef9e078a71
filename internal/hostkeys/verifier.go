package hostkeys

import (
	"bytes"
	"net"
	"strconv"

	"golang.org/x/crypto/ssh"

	"github.com/billchurch/webssh2-sub005/internal/errs"
	"github.com/billchurch/webssh2-sub005/internal/logging"
)

// Decision is the user's answer to an unknown host key.
type Decision int

const (
	Reject Decision = iota
	Accept
	AcceptAndRemember
)

// ConfirmFunc asks the user about an unknown key and returns the decision.
// The socket bridge backs this with a tracked prompt.
type ConfirmFunc func(host string, port int, keyType, fingerprint string) (Decision, error)

// Verifier produces ssh.HostKeyCallback values bound to the store.
type Verifier struct {
	store   *Store
	confirm ConfirmFunc
}

// NewVerifier builds a verifier. confirm may be nil, in which case unknown
// keys are rejected outright.
func NewVerifier(store *Store, confirm ConfirmFunc) *Verifier {
	return &Verifier{store: store, confirm: confirm}
}

// Callback returns the host key callback for one dial.
func (v *Verifier) Callback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		host, port := splitHostPort(hostname, remote)
		keyType := key.Type()
		fingerprint := ssh.FingerprintSHA256(key)

		known, err := v.store.Lookup(host, port, keyType)
		if err != nil {
			return errs.Wrap(errs.CodeInternal, "host key lookup", err)
		}

		if known != nil {
			if bytes.Equal(known.PublicKey, key.Marshal()) {
				return nil
			}
			// A changed key is a hard failure; prompting is not offered.
			logging.Error("hostkey.changed").Subsystem("hostkeys").
				Str("host", host).Int("port", port).
				Str("fingerprint", fingerprint).Emit()
			return errs.Newf(errs.CodeHostKeyMismatch,
				"host key for %s:%d changed (was %s, now %s)", host, port, known.Fingerprint, fingerprint)
		}

		if v.confirm == nil {
			return errs.Newf(errs.CodeHostKeyUnknown, "unknown host key for %s:%d (%s)", host, port, fingerprint)
		}

		decision, err := v.confirm(host, port, keyType, fingerprint)
		if err != nil {
			return errs.Wrap(errs.CodeHostKeyUnknown, "host key confirmation", err)
		}
		switch decision {
		case Accept:
			return nil
		case AcceptAndRemember:
			if err := v.store.Remember(host, port, keyType, fingerprint, key.Marshal()); err != nil {
				logging.Warn("hostkey.remember_failed").Subsystem("hostkeys").Str("host", host).Err(err).Emit()
			}
			return nil
		default:
			return errs.Newf(errs.CodeHostKeyUnknown, "host key for %s:%d rejected by user", host, port)
		}
	}
}

func splitHostPort(hostname string, remote net.Addr) (string, int) {
	h, p, err := net.SplitHostPort(hostname)
	if err != nil {
		if remote != nil {
			if h2, p2, err2 := net.SplitHostPort(remote.String()); err2 == nil {
				port, _ := strconv.Atoi(p2)
				return h2, port
			}
		}
		return hostname, 0
	}
	port, _ := strconv.Atoi(p)
	return h, port
}
