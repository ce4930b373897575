// Package auth verifies bearer tokens for the telemetry API. Tokens are
// HMAC-signed by the identity plane; this package only verifies, it never
// mints. An empty shared secret disables verification entirely so local and
// test deployments run open.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrMissingScope = errors.New("token is missing required scope")
)

// Claims carries the tenant identity and granted scopes of a caller.
type Claims struct {
	TenantID string   `json:"tenant_id"`
	Scopes   []string `json:"scopes"`
	jwt.RegisteredClaims
}

// HasScope reports whether the claims grant the scope. Scopes use the
// "resource:action" form; either part may be a "*" wildcard.
func (c *Claims) HasScope(scope string) bool {
	want := strings.Split(scope, ":")
	if len(want) != 2 {
		return false
	}
	for _, granted := range c.Scopes {
		parts := strings.Split(granted, ":")
		if len(parts) != 2 {
			continue
		}
		if (parts[0] == want[0] || parts[0] == "*") && (parts[1] == want[1] || parts[1] == "*") {
			return true
		}
	}
	return false
}

// TokenVerifier validates HMAC-signed bearer tokens. A nil verifier accepts
// everything; construct one only when a secret is configured.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier returns a verifier for the shared secret, or nil when the
// secret is empty and verification is disabled.
func NewTokenVerifier(secret string) *TokenVerifier {
	if secret == "" {
		return nil
	}
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses and validates a token string and returns its claims.
func (tv *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tv.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
