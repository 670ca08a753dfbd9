package live

import (
	"net/url"
	"strings"
	"time"
)

// IdentityPlaceholder is replaced by the escaped identity in URLTemplate.
const IdentityPlaceholder = "{identity}"

// Default configuration values.
const (
	DefaultURLTemplate    = "ws://localhost:8000/ws/" + IdentityPlaceholder
	DefaultHandshakeGrace = time.Second
	DefaultSendQueueSize  = 64
	DefaultDialTimeout    = 15 * time.Second
)

// Config holds the tunables of a Client.
type Config struct {
	// URLTemplate addresses the live endpoint. The identity replaces
	// {identity}; without the placeholder it is sent as the "identity"
	// query parameter.
	URLTemplate string

	// ReconnectPolicy schedules retries after failures.
	ReconnectPolicy ReconnectPolicy

	// KeepalivePeriod is the probe interval; zero disables probing.
	KeepalivePeriod time.Duration

	// KeepaliveTolerance is how many periods of silence are tolerated.
	KeepaliveTolerance int

	// HandshakeGrace is how long a fresh connection must survive, absent any
	// inbound traffic, before its handshake counts as accepted.
	HandshakeGrace time.Duration

	// SendQueueSize bounds the per-connection outbound queue.
	SendQueueSize int

	// DialTimeout bounds credential lookup plus transport establishment.
	DialTimeout time.Duration
}

// DefaultConfig returns the dashboard defaults.
func DefaultConfig() Config {
	return Config{
		URLTemplate:        DefaultURLTemplate,
		ReconnectPolicy:    NewExponentialBackoff(DefaultReconnectBaseDelay, DefaultReconnectMaxAttempts),
		KeepalivePeriod:    DefaultKeepalivePeriod,
		KeepaliveTolerance: DefaultKeepaliveTolerance,
		HandshakeGrace:     DefaultHandshakeGrace,
		SendQueueSize:      DefaultSendQueueSize,
		DialTimeout:        DefaultDialTimeout,
	}
}

// Validate checks the configuration for values the client cannot run with.
func (config Config) Validate() error {
	if _, err := config.URLFor("validate"); err != nil {
		return err
	}
	if config.ReconnectPolicy == nil {
		return NewError(CommandError, "reconnect policy is required")
	}
	if config.KeepalivePeriod < 0 {
		return NewError(CommandError, "keepalive period must not be negative")
	}
	if config.KeepalivePeriod > 0 && config.KeepaliveTolerance < 1 {
		return NewError(CommandError, "keepalive tolerance must be at least 1")
	}
	if config.HandshakeGrace < 0 {
		return NewError(CommandError, "handshake grace must not be negative")
	}
	if config.SendQueueSize < 1 {
		return NewError(CommandError, "send queue size must be at least 1")
	}
	if config.DialTimeout <= 0 {
		return NewError(CommandError, "dial timeout must be positive")
	}
	return nil
}

// URLFor renders the endpoint URL for identity.
func (config Config) URLFor(identity string) (string, error) {
	template := strings.TrimSpace(config.URLTemplate)
	if template == "" {
		return "", NewError(InvalidURIError, "empty URL template")
	}

	rendered := template
	hasPlaceholder := strings.Contains(template, IdentityPlaceholder)
	if hasPlaceholder {
		rendered = strings.ReplaceAll(template, IdentityPlaceholder, url.PathEscape(identity))
	}

	parsed, err := url.Parse(rendered)
	if err != nil {
		return "", NewError(InvalidURIError, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", NewError(InvalidURIError, "scheme must be ws or wss, got "+parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", NewError(InvalidURIError, "missing host")
	}

	if !hasPlaceholder {
		query := parsed.Query()
		query.Set("identity", identity)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}
