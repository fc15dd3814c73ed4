// Package auth implements JWT verification for the WebSocket Hub and HTTP
// API: HS256 tokens signed with JWT_SECRET, carrying the subject user id
// and the set of project ids the holder may access (spec.md §4.7, §6).
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingSecret is returned by NewVerifier when secret is empty; the
// process must exit at startup rather than run with an unauthenticated
// WebSocket Hub (spec.md §6 Environment).
var ErrMissingSecret = errors.New("auth: JWT_SECRET must not be empty")

// ErrInvalidToken wraps any token parse/validation failure.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims is the registered claim set plus the project ids the token holder
// may subscribe to or operate on.
type Claims struct {
	jwt.RegisteredClaims
	ProjectIDs []string `json:"projectIds"`
}

// Verifier validates bearer tokens against a single HS256 secret.
type Verifier struct {
	secret []byte
}

// NewVerifier constructs a Verifier. secret must be non-empty.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify parses and validates tokenString, returning its claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Issue mints a token for subject over the given project ids, valid for
// ttl. Used by tests and local tooling; the production token issuer lives
// outside this module (spec.md §1 Non-goals: account management).
func (v *Verifier) Issue(subject string, projectIDs []string, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		ProjectIDs: projectIDs,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// ProjectAccess reports whether a Claims set grants access to projectID
// (spec.md §8 invariant P5: the WebSocket Hub must not fan out a
// subscription to a connection lacking project membership).
func (c *Claims) ProjectAccess(projectID string) bool {
	for _, id := range c.ProjectIDs {
		if id == projectID {
			return true
		}
	}
	return false
}
