// ABOUTME: Pluggable bearer-token source consumed by the remote SSE transport's oauth auth policy
// ABOUTME: The router core never implements an OAuth flow itself — it only consumes a current token

package auth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TokenSource yields a current bearer token for a remote backend
// configured with auth.type "oauth". The router core treats OAuth token
// acquisition as an external concern (spec §4.2.2) and only consumes this
// narrow interface.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource is a TokenSource that always returns the same token,
// useful for tests and for providers whose token does not expire.
type StaticTokenSource string

// Token implements TokenSource.
func (s StaticTokenSource) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

// SelfSignedTokenSource mints its own short-lived bearer tokens via a
// JWTSigner and refreshes them before they expire. This is the default
// TokenSource used when a remote backend's oauth provider is, as in the
// teacher's own deployments, another internal service that accepts this
// router's self-signed HS256 tokens rather than a third-party IdP.
type SelfSignedTokenSource struct {
	signer      *JWTSigner
	principalID string
	ttl         time.Duration

	mu      sync.Mutex
	current string
	expires time.Time
}

// NewSelfSignedTokenSource constructs a TokenSource that signs tokens for
// principalID with secret, refreshing them with ttl remaining validity.
func NewSelfSignedTokenSource(secret []byte, principalID string, ttl time.Duration) *SelfSignedTokenSource {
	return &SelfSignedTokenSource{
		signer:      NewJWTSigner(secret),
		principalID: principalID,
		ttl:         ttl,
	}
}

// Token implements TokenSource, refreshing the signed token once it is
// within 10% of its ttl from expiring.
func (s *SelfSignedTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != "" && time.Until(s.expires) > s.ttl/10 {
		return s.current, nil
	}

	token, err := s.signer.Generate(s.principalID, s.ttl)
	if err != nil {
		return "", fmt.Errorf("self-signed token source: %w", err)
	}
	s.current = token
	s.expires = time.Now().Add(s.ttl)
	return s.current, nil
}
