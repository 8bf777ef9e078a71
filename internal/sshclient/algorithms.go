package sshclient

import (
	"golang.org/x/crypto/ssh"

	"github.com/billchurch/webssh2-sub005/internal/errs"
)

// Algorithms is an explicit algorithm selection for the SSH transport.
// Empty slices fall back to the library defaults.
type Algorithms struct {
	KeyExchanges []string
	Ciphers      []string
	MACs         []string
	HostKeys     []string
}

var presets = map[string]Algorithms{
	"modern": {
		KeyExchanges: []string{
			"curve25519-sha256", "curve25519-sha256@libssh.org",
			"ecdh-sha2-nistp256", "ecdh-sha2-nistp384", "ecdh-sha2-nistp521",
			"diffie-hellman-group14-sha256",
		},
		Ciphers: []string{
			"chacha20-poly1305@openssh.com",
			"aes128-gcm@openssh.com", "aes256-gcm@openssh.com",
			"aes128-ctr", "aes192-ctr", "aes256-ctr",
		},
		MACs: []string{
			"hmac-sha2-256-etm@openssh.com", "hmac-sha2-512-etm@openssh.com",
			"hmac-sha2-256", "hmac-sha2-512",
		},
		HostKeys: []string{
			"ssh-ed25519",
			"ecdsa-sha2-nistp256", "ecdsa-sha2-nistp384", "ecdsa-sha2-nistp521",
			"rsa-sha2-512", "rsa-sha2-256",
		},
	},
	"legacy": {
		KeyExchanges: []string{
			"curve25519-sha256", "curve25519-sha256@libssh.org",
			"ecdh-sha2-nistp256", "ecdh-sha2-nistp384", "ecdh-sha2-nistp521",
			"diffie-hellman-group14-sha256", "diffie-hellman-group14-sha1",
			"diffie-hellman-group1-sha1",
		},
		Ciphers: []string{
			"chacha20-poly1305@openssh.com",
			"aes128-gcm@openssh.com", "aes256-gcm@openssh.com",
			"aes128-ctr", "aes192-ctr", "aes256-ctr",
			"aes128-cbc", "3des-cbc",
		},
		MACs: []string{
			"hmac-sha2-256-etm@openssh.com", "hmac-sha2-512-etm@openssh.com",
			"hmac-sha2-256", "hmac-sha2-512", "hmac-sha1",
		},
		HostKeys: []string{
			"ssh-ed25519",
			"ecdsa-sha2-nistp256", "ecdsa-sha2-nistp384", "ecdsa-sha2-nistp521",
			"rsa-sha2-512", "rsa-sha2-256", "ssh-rsa",
		},
	},
	"strict": {
		KeyExchanges: []string{"curve25519-sha256", "curve25519-sha256@libssh.org"},
		Ciphers:      []string{"chacha20-poly1305@openssh.com", "aes256-gcm@openssh.com"},
		MACs:         []string{"hmac-sha2-256-etm@openssh.com", "hmac-sha2-512-etm@openssh.com"},
		HostKeys:     []string{"ssh-ed25519", "ecdsa-sha2-nistp256", "rsa-sha2-512"},
	},
}

// ResolvePreset returns the algorithm lists for a named preset.
func ResolvePreset(name string) (Algorithms, error) {
	a, ok := presets[name]
	if !ok {
		return Algorithms{}, errs.Newf(errs.CodeConfig, "unknown algorithm preset %q", name)
	}
	return a, nil
}

// apply copies the selection into an ssh.Config and returns the host key
// algorithm list for the client config.
func (a Algorithms) apply(c *ssh.Config) []string {
	if len(a.KeyExchanges) > 0 {
		c.KeyExchanges = a.KeyExchanges
	}
	if len(a.Ciphers) > 0 {
		c.Ciphers = a.Ciphers
	}
	if len(a.MACs) > 0 {
		c.MACs = a.MACs
	}
	return a.HostKeys
}
