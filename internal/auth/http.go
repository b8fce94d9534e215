// ABOUTME: HTTP middleware for JWT authentication on API and websocket endpoints
// ABOUTME: Extracts the bearer token and adds the owner ID to the request context

package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey struct{}

// WithOwner returns a context carrying the authenticated owner ID.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, contextKey{}, ownerID)
}

// OwnerFromContext returns the authenticated owner ID, if any.
func OwnerFromContext(ctx context.Context) (string, bool) {
	ownerID, ok := ctx.Value(contextKey{}).(string)
	return ownerID, ok && ownerID != ""
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware creates an HTTP middleware that extracts and validates JWT
// bearer tokens and puts the owner ID on the request context.
func Middleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			ownerID, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), ownerID)))
		})
	}
}
