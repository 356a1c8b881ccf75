package handler

import (
	"context"
	"net/http"
	"strings"

	"mediconnect-auth/internal/models"
	"mediconnect-auth/internal/session"
)

type contextKey string

const (
	claimsKey  contextKey = "session_claims"
	accountKey contextKey = "session_account"
)

// RequireSession authenticates the bearer token and checks its session
// row is still live on the account. A structurally valid token whose
// session was revoked does not pass.
func (h *AuthHandler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			h.respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}

		claims, acc, err := h.authService.ValidateSession(r.Context(), token)
		if err != nil {
			h.respondJSON(w, http.StatusUnauthorized, map[string]string{"error": sessionError(err)})
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		ctx = context.WithValue(ctx, accountKey, acc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin gates administrative routes on the session's role claim.
func (h *AuthHandler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := sessionClaims(r.Context())
		if claims == nil || claims.Role != string(models.RoleAdmin) {
			h.respondJSON(w, http.StatusForbidden, map[string]string{"error": "admin access required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func sessionClaims(ctx context.Context) *session.Claims {
	claims, _ := ctx.Value(claimsKey).(*session.Claims)
	return claims
}

func sessionError(err error) string {
	switch err {
	case session.ErrTokenExpired:
		return "session expired"
	case session.ErrSessionRevoked:
		return "session revoked"
	default:
		return "invalid session"
	}
}
