package bridge

import (
	"regexp"

	"github.com/billchurch/webssh2-sub005/internal/errs"
)

// envNameRe is the shape a forwarded environment variable name must have.
var envNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,31}$`)

// envDenied never crosses to the remote host, whatever the client asks.
var envDenied = map[string]bool{
	"SSH_AUTH_SOCK":         true,
	"SSH_AGENT_PID":         true,
	"AWS_SECRET_ACCESS_KEY": true,
	"AWS_ACCESS_KEY_ID":     true,
	"AWS_SESSION_TOKEN":     true,
	"GITHUB_TOKEN":          true,
	"GH_TOKEN":              true,
	"NPM_TOKEN":             true,
	"LD_PRELOAD":            true,
	"LD_LIBRARY_PATH":       true,
	"PATH":                  true,
	"IFS":                   true,
}

// DefaultEnvValueMax caps a forwarded environment value length.
const DefaultEnvValueMax = 512

// FilterEnv drops invalid names, denied names and truncates long values.
func FilterEnv(env map[string]string, valueMax int) map[string]string {
	if len(env) == 0 {
		return nil
	}
	if valueMax <= 0 {
		valueMax = DefaultEnvValueMax
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if !envNameRe.MatchString(k) || envDenied[k] {
			continue
		}
		if len(v) > valueMax {
			v = v[:valueMax]
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// commandDenyList rejects obviously destructive exec requests. The remote
// host stays the ultimate authority; this only stops the clumsy cases.
var commandDenyList = []*regexp.Regexp{
	regexp.MustCompile(`(^|;|\||&)\s*rm\s+-[a-zA-Z]*r[a-zA-Z]*f?\s+/(\s|$)`),
	regexp.MustCompile(`;\s*rm\s+-rf\s+/`),
	regexp.MustCompile(`dd\s+.*of=/dev/`),
	regexp.MustCompile(`>\s*/dev/s[a-z]+`),
	regexp.MustCompile(`mkfs(\.[a-z0-9]+)?\s+/dev/`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;`),
}

// CheckCommand rejects commands matching the deny-list.
func CheckCommand(command string) error {
	for _, re := range commandDenyList {
		if re.MatchString(command) {
			return errs.New(errs.CodeValidation, "command rejected by safety policy")
		}
	}
	return nil
}
