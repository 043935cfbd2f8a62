// Package auth defines the identity provider consumed by the gateway.
//
// The collaboration core does not issue tokens; it consumes a Provider as a
// pure function from token to identity. StaticProvider is an in-memory
// implementation for tests and single-process deployments; production
// deployments adapt their token service behind the same interface.
package auth

import (
	"context"
	"errors"
	"sync"
)

// Sentinel authentication errors.
var (
	// ErrMissingToken is returned for an empty credential.
	ErrMissingToken = errors.New("auth: missing token")

	// ErrInvalidToken is returned for an unknown or malformed credential.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrExpiredToken is returned for a credential past its lifetime.
	ErrExpiredToken = errors.New("auth: expired token")
)

// Identity is the authenticated principal. Intentionally minimal; the
// gateway never needs more than display fields and a stable user id.
type Identity struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Provider resolves a bearer token to an identity.
type Provider interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, token string) (Identity, error)

// Authenticate calls f.
func (f ProviderFunc) Authenticate(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// StaticProvider maps fixed tokens to identities.
type StaticProvider struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

// NewStaticProvider creates an empty static provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{tokens: make(map[string]Identity)}
}

// Add registers a token for an identity, replacing any previous mapping.
func (p *StaticProvider) Add(token string, id Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens[token] = id
}

// Revoke removes a token.
func (p *StaticProvider) Revoke(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tokens, token)
}

// Authenticate resolves the token or returns ErrMissingToken/ErrInvalidToken.
func (p *StaticProvider) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.tokens[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}
