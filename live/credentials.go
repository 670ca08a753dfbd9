package live

import (
	"context"
	"strings"
)

// CredentialProvider yields the bearer token presented in the handshake.
// It is consulted once per connection attempt.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func(ctx context.Context) (string, error)

// Token calls f.
func (f CredentialFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken always returns the same token.
type StaticToken string

// Token returns the token, or a HandshakeError when it is blank.
func (token StaticToken) Token(context.Context) (string, error) {
	value := strings.TrimSpace(string(token))
	if value == "" {
		return "", NewError(HandshakeError, "empty bearer token")
	}
	return value, nil
}
