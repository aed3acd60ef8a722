// ABOUTME: HTTP middleware for JWT authentication on API and WebSocket endpoints
// ABOUTME: Extracts the token, resolves the user, and adds identity to context

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/cyberiad/cyberiad/internal/store"
)

// UserStore is what the middleware needs to resolve an authenticated user.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*store.User, error)
}

// extractToken pulls the bearer token from the Authorization header, falling
// back to the "token" query parameter. Browsers cannot set headers on
// WebSocket upgrade requests, so the query form carries the token there.
// Returns the token and an error message (empty if successful).
func extractToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return "", "invalid authorization header format"
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" {
			return "", "empty token"
		}
		return token, ""
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}
	return "", "missing authorization"
}

// HTTPAuthMiddleware creates an HTTP middleware that validates JWT tokens,
// resolves the user, and attaches an AuthContext via WithAuth.
func HTTPAuthMiddleware(users UserStore, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractToken(r)
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			// The store record is authoritative for existence and lifecycle;
			// the role travels in the token as a capability granted at mint.
			user, err := users.GetUser(r.Context(), claims.UserID)
			if err != nil {
				http.Error(w, `{"error":"user not found"}`, http.StatusUnauthorized)
				return
			}

			if !user.IsActive {
				http.Error(w, `{"error":"user is deactivated"}`, http.StatusForbidden)
				return
			}

			role := claims.Role
			if role == "" {
				role = user.Role
			}
			authCtx := &AuthContext{
				UserID:   user.ID,
				Username: user.Username,
				Role:     role,
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireAdminHTTP creates an HTTP middleware that requires the admin role.
// Must be used after HTTPAuthMiddleware.
func RequireAdminHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}

			if !authCtx.IsAdmin() {
				http.Error(w, `{"error":"admin role required"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
