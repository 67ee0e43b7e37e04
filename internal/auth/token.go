// ABOUTME: JWT generation backing the oauth TokenSource for remote backends
// ABOUTME: Uses HS256 signing with configurable secret

package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTSigner mints HS256-signed JWTs for SelfSignedTokenSource. The router
// only ever presents these tokens outward, to a remote backend configured
// with auth.type "oauth" — it never receives and verifies one, since it has
// no multi-tenant principal of its own to check a token against.
type JWTSigner struct {
	secret []byte
}

// NewJWTSigner creates a new JWT signer with the given secret.
func NewJWTSigner(secret []byte) *JWTSigner {
	return &JWTSigner{secret: secret}
}

// Generate creates a new JWT token for the given principal ID with expiration.
func (s *JWTSigner) Generate(principalID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": principalID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
