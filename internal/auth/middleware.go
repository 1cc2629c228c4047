package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/dkrizan/accountd/internal/httputil"
	"github.com/dkrizan/accountd/internal/token"
)

// ContextKey is a type for context keys to avoid collisions.
type ContextKey string

const accountIDContextKey ContextKey = "account_id"

// Middleware guards routes that require an authenticated session.
type Middleware struct {
	issuer *token.Issuer
}

func NewMiddleware(issuer *token.Issuer) *Middleware {
	return &Middleware{issuer: issuer}
}

// RequireAuth validates the bearer session token and stores the subject
// account id in the request context. A token minted for any other purpose
// is rejected even when its signature and expiry are fine.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httputil.RespondErrorWithCode(w, "authentication required", httputil.CodeMissingAuth, http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			httputil.RespondErrorWithCode(w, "invalid authorization header format", httputil.CodeInvalidAuthHeader, http.StatusUnauthorized)
			return
		}

		claims, err := m.issuer.Verify(parts[1], token.PurposeSession)
		if err != nil {
			if errors.Is(err, token.ErrTokenExpired) {
				httputil.RespondErrorWithCode(w, "session has expired", httputil.CodeTokenExpired, http.StatusUnauthorized)
				return
			}
			httputil.RespondErrorWithCode(w, "invalid session token", httputil.CodeInvalidToken, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), accountIDContextKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAccountIDFromContext extracts the authenticated account id from the
// request context.
func GetAccountIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(accountIDContextKey).(uuid.UUID)
	return id, ok
}
