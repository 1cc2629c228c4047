package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkrizan/accountd/internal/token"
)

func TestRequireAuth(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	issuer, err := token.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), clock)
	require.NoError(t, err)

	otherIssuer, err := token.NewIssuer([]byte("ffffffffffffffffffffffffffffffff"), clock)
	require.NoError(t, err)

	accountID := uuid.New()

	sessionToken, err := issuer.Issue(accountID, token.PurposeSession, time.Hour)
	require.NoError(t, err)
	verifyToken, err := issuer.Issue(accountID, token.PurposeVerifyEmail, time.Hour)
	require.NoError(t, err)
	foreignToken, err := otherIssuer.Issue(accountID, token.PurposeSession, time.Hour)
	require.NoError(t, err)

	expiredToken, err := issuer.Issue(accountID, token.PurposeSession, time.Minute)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	mw := NewMiddleware(issuer)

	var gotID uuid.UUID
	var gotOK bool
	protected := mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, gotOK = GetAccountIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc123", http.StatusUnauthorized},
		{"bearer without token", "Bearer", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-token", http.StatusUnauthorized},
		{"wrong signing key", "Bearer " + foreignToken, http.StatusUnauthorized},
		{"wrong purpose", "Bearer " + verifyToken, http.StatusUnauthorized},
		{"expired session", "Bearer " + expiredToken, http.StatusUnauthorized},
		{"valid session", "Bearer " + sessionToken, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotID, gotOK = uuid.Nil, false

			req := httptest.NewRequest(http.MethodGet, "/users/me", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()

			protected.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.True(t, gotOK)
				assert.Equal(t, accountID, gotID)
			} else {
				assert.False(t, gotOK)
			}
		})
	}
}

func TestGetAccountIDFromContext_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	_, ok := GetAccountIDFromContext(req.Context())
	assert.False(t, ok)
}
