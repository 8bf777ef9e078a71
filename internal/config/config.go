// Package config loads gateway configuration from an optional YAML file
// overlaid with WEBSSH2_-prefixed environment variables. Invalid
// configuration is fatal at boot (exit code 1); nothing else in the process
// re-validates settings.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/billchurch/webssh2-sub005/internal/policy"
)

// Settings is the full gateway configuration. Environment variables use the
// WEBSSH2_ prefix: WEBSSH2_LISTEN_PORT, WEBSSH2_SSH_ALLOWED_SUBNETS, and so
// on. Array values accept comma-separated form.
type Settings struct {
	ListenHost string `envconfig:"LISTEN_HOST" yaml:"listenHost" default:"0.0.0.0"`
	ListenPort int    `envconfig:"LISTEN_PORT" yaml:"listenPort" default:"2222"`

	// HTTP session cookie.
	SessionCookieName string `envconfig:"SESSION_COOKIE_NAME" yaml:"sessionCookieName" default:"webssh2.sid"`
	SessionSecret     string `envconfig:"SESSION_SECRET" yaml:"sessionSecret" default:""`
	SessionSameSite   string `envconfig:"SESSION_SAMESITE" yaml:"sessionSameSite" default:"lax"`
	SessionTTL        string `envconfig:"SESSION_TTL" yaml:"sessionTTL" default:"1h"`

	// WebSocket origin allow-list. Empty means same-origin only is not
	// enforced (accept any origin).
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" yaml:"allowedOrigins"`

	// SSH defaults.
	SSHHost               string   `envconfig:"SSH_HOST" yaml:"sshHost" default:""`
	SSHPort               int      `envconfig:"SSH_PORT" yaml:"sshPort" default:"22"`
	SSHTerm               string   `envconfig:"SSH_TERM" yaml:"sshTerm" default:"xterm-color"`
	SSHReadyTimeout       string   `envconfig:"SSH_READY_TIMEOUT" yaml:"sshReadyTimeout" default:"20s"`
	SSHKeepaliveInterval  string   `envconfig:"SSH_KEEPALIVE_INTERVAL" yaml:"sshKeepaliveInterval" default:"120s"`
	SSHKeepaliveCountMax  int      `envconfig:"SSH_KEEPALIVE_COUNT_MAX" yaml:"sshKeepaliveCountMax" default:"10"`
	SSHAlgorithmPreset    string   `envconfig:"SSH_ALGORITHM_PRESET" yaml:"sshAlgorithmPreset" default:"modern"`
	SSHAllowedSubnets     []string `envconfig:"SSH_ALLOWED_SUBNETS" yaml:"sshAllowedSubnets"`
	SSHDisableInteractive bool     `envconfig:"SSH_DISABLE_INTERACTIVE" yaml:"sshDisableInteractive" default:"false"`

	// Auth policy.
	MaxAuthAttempts   int  `envconfig:"MAX_AUTH_ATTEMPTS" yaml:"maxAuthAttempts" default:"3"`
	AllowPasswordAuth bool `envconfig:"ALLOW_PASSWORD_AUTH" yaml:"allowPasswordAuth" default:"true"`
	AllowKeyAuth      bool `envconfig:"ALLOW_KEY_AUTH" yaml:"allowKeyAuth" default:"true"`
	ForwardAllPrompts bool `envconfig:"FORWARD_ALL_PROMPTS" yaml:"forwardAllPrompts" default:"false"`

	// Feature gates surfaced to the client as the permissions message.
	AllowReplay       bool `envconfig:"ALLOW_REPLAY" yaml:"allowReplay" default:"true"`
	AllowReauth       bool `envconfig:"ALLOW_REAUTH" yaml:"allowReauth" default:"true"`
	AllowReconnect    bool `envconfig:"ALLOW_RECONNECT" yaml:"allowReconnect" default:"true"`
	AllowFileTransfer bool `envconfig:"ALLOW_FILE_TRANSFER" yaml:"allowFileTransfer" default:"false"`
	AllowExec         bool `envconfig:"ALLOW_EXEC" yaml:"allowExec" default:"false"`
	ReplayCRLF        bool `envconfig:"REPLAY_CRLF" yaml:"replayCRLF" default:"false"`

	// Header shown by the client above the terminal.
	HeaderText       string `envconfig:"HEADER_TEXT" yaml:"headerText" default:""`
	HeaderBackground string `envconfig:"HEADER_BACKGROUND" yaml:"headerBackground" default:"green"`

	// Host key verification.
	HostKeyChecking  bool   `envconfig:"HOST_KEY_CHECKING" yaml:"hostKeyChecking" default:"false"`
	HostKeyPrompting bool   `envconfig:"HOST_KEY_PROMPTING" yaml:"hostKeyPrompting" default:"true"`
	HostKeyStorePath string `envconfig:"HOST_KEY_STORE_PATH" yaml:"hostKeyStorePath" default:"webssh2_hostkeys.db"`

	// Telnet.
	TelnetEnabled        bool   `envconfig:"TELNET_ENABLED" yaml:"telnetEnabled" default:"false"`
	TelnetLoginPrompt    string `envconfig:"TELNET_LOGIN_PROMPT" yaml:"telnetLoginPrompt" default:"(?i)(login|username)\\s*:"`
	TelnetPasswordPrompt string `envconfig:"TELNET_PASSWORD_PROMPT" yaml:"telnetPasswordPrompt" default:"(?i)password\\s*:"`
	TelnetFailurePattern string `envconfig:"TELNET_FAILURE_PATTERN" yaml:"telnetFailurePattern" default:"(?i)(incorrect|failed|denied)"`

	// Terminal recording.
	RecordingEnabled bool `envconfig:"RECORDING_ENABLED" yaml:"recordingEnabled" default:"false"`
	RecordingEntries int  `envconfig:"RECORDING_ENTRIES" yaml:"recordingEntries" default:"10000"`

	// Socket bridge limits.
	ExecRateLimit     float64 `envconfig:"EXEC_RATE_LIMIT" yaml:"execRateLimit" default:"2"`
	ControlRateLimit  float64 `envconfig:"CONTROL_RATE_LIMIT" yaml:"controlRateLimit" default:"5"`
	PromptRateLimit   float64 `envconfig:"PROMPT_RATE_LIMIT" yaml:"promptRateLimit" default:"5"`
	EnvValueMaxLen    int     `envconfig:"ENV_VALUE_MAX_LEN" yaml:"envValueMaxLen" default:"512"`
	MaxPendingPrompts int     `envconfig:"MAX_PENDING_PROMPTS" yaml:"maxPendingPrompts" default:"5"`

	// Event bus.
	BusQueueCap      int    `envconfig:"BUS_QUEUE_CAP" yaml:"busQueueCap" default:"10000"`
	BusRetryMax      int    `envconfig:"BUS_RETRY_MAX" yaml:"busRetryMax" default:"3"`
	BusBreakerOpenAt int    `envconfig:"BUS_BREAKER_OPEN_AT" yaml:"busBreakerOpenAt" default:"5"`
	BusBreakerReset  string `envconfig:"BUS_BREAKER_RESET" yaml:"busBreakerReset" default:"60s"`

	// Structured logging.
	LogLevel            string `envconfig:"LOG_LEVEL" yaml:"logLevel" default:"info"`
	LogSampleRate       int    `envconfig:"LOG_SAMPLE_RATE" yaml:"logSampleRate" default:"0"`
	SyslogAddr          string `envconfig:"SYSLOG_ADDR" yaml:"syslogAddr" default:""`
	SyslogTLS           bool   `envconfig:"SYSLOG_TLS" yaml:"syslogTLS" default:"true"`
	SyslogFlushInterval string `envconfig:"SYSLOG_FLUSH_INTERVAL" yaml:"syslogFlushInterval" default:"5s"`
}

// Cfg is the loaded process-wide configuration.
var Cfg Settings

// Load reads the optional YAML file named by WEBSSH2_CONFIG_FILE, overlays
// WEBSSH2_-prefixed environment variables, applies the legacy PORT variable,
// and validates the result. Exits the process on failure.
func Load() {
	s, err := load(os.Getenv("WEBSSH2_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	Cfg = s
}

func load(yamlPath string) (Settings, error) {
	var s Settings

	// envconfig applies struct defaults even with no variables set, so the
	// YAML file is parsed into a second struct and merged field-by-field
	// before environment overrides.
	if err := envconfig.Process("WEBSSH2", &s); err != nil {
		return s, fmt.Errorf("process environment: %w", err)
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return s, fmt.Errorf("read config file %s: %w", yamlPath, err)
		}
		var fileCfg Settings
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return s, fmt.Errorf("parse config file %s: %w", yamlPath, err)
		}
		// Environment wins over file: re-run envconfig on top of the file
		// values so only explicitly set variables override.
		s = fileCfg
		if err := envconfig.Process("WEBSSH2", &s); err != nil {
			return s, fmt.Errorf("process environment: %w", err)
		}
	}

	// Legacy PORT variable from the original deployment surface.
	if p := os.Getenv("PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return s, fmt.Errorf("invalid PORT %q: %w", p, err)
		}
		s.ListenPort = port
	}

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Validate checks cross-field constraints that envconfig cannot express.
func (s *Settings) Validate() error {
	if s.ListenPort <= 0 || s.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", s.ListenPort)
	}
	if s.SSHPort <= 0 || s.SSHPort > 65535 {
		return fmt.Errorf("invalid ssh port %d", s.SSHPort)
	}
	// The checker accepts bare IPs as well as CIDR ranges; validate with the
	// same parser so boot and enforcement agree.
	if _, err := policy.ParseSubnets(s.SSHAllowedSubnets); err != nil {
		return fmt.Errorf("invalid allowed subnets: %w", err)
	}
	switch s.SSHAlgorithmPreset {
	case "modern", "legacy", "strict":
	default:
		return fmt.Errorf("unknown algorithm preset %q", s.SSHAlgorithmPreset)
	}
	switch strings.ToLower(s.SessionSameSite) {
	case "lax", "strict", "none":
	default:
		return fmt.Errorf("invalid SameSite policy %q", s.SessionSameSite)
	}
	for _, d := range []struct {
		name, val string
	}{
		{"sessionTTL", s.SessionTTL},
		{"sshReadyTimeout", s.SSHReadyTimeout},
		{"sshKeepaliveInterval", s.SSHKeepaliveInterval},
		{"busBreakerReset", s.BusBreakerReset},
		{"syslogFlushInterval", s.SyslogFlushInterval},
	} {
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", d.name, d.val)
		}
	}
	if s.MaxAuthAttempts < 1 {
		return fmt.Errorf("maxAuthAttempts must be at least 1, got %d", s.MaxAuthAttempts)
	}
	return nil
}

// Duration parses a duration field that Validate has already checked.
func Duration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}

// ListenAddr returns the host:port the HTTP server binds.
func (s *Settings) ListenAddr() string {
	return net.JoinHostPort(s.ListenHost, strconv.Itoa(s.ListenPort))
}
