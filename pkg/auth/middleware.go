package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

type contextKey string

// ClaimsContextKey is where the middleware stores verified claims.
const ClaimsContextKey contextKey = "claims"

// GetClaimsFromContext extracts verified claims from a request context.
// Returns nil when the request was not authenticated (auth disabled).
func GetClaimsFromContext(ctx context.Context) *Claims {
	claims, ok := ctx.Value(ClaimsContextKey).(*Claims)
	if !ok {
		return nil
	}
	return claims
}

// Middleware returns a handler wrapper that requires a bearer token carrying
// the given scope. On a nil verifier the wrapper passes every request through
// unchanged.
func (tv *TokenVerifier) Middleware(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if tv == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "missing authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				unauthorized(w, "invalid authorization header format")
				return
			}

			claims, err := tv.Verify(parts[1])
			if err != nil {
				unauthorized(w, "invalid or expired token: "+err.Error())
				return
			}
			if !claims.HasScope(scope) {
				forbidden(w, "insufficient scope")
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	jsonError(w, http.StatusUnauthorized, "unauthorized", message)
}

func forbidden(w http.ResponseWriter, message string) {
	jsonError(w, http.StatusForbidden, "forbidden", message)
}

func jsonError(w http.ResponseWriter, status int, errorType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     errorType,
		"message":   message,
		"timestamp": time.Now().Unix(),
	})
}
