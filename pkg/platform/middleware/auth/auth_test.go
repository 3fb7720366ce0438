package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audittrail/pkg/platform/middleware/metadata"
	"audittrail/pkg/requestcontext"
	"audittrail/pkg/testutil"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestHMACTokens_RoundTrip(t *testing.T) {
	tokens := NewHMACTokens("secret", "auditd")
	signed, err := tokens.Issue("alice", []string{"auditor"}, time.Minute)
	require.NoError(t, err)

	claims, err := tokens.ValidateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, []string{"auditor"}, claims.Roles)
}

func TestHMACTokens_Rejects(t *testing.T) {
	tokens := NewHMACTokens("secret", "auditd")

	expired, err := tokens.Issue("alice", nil, -time.Minute)
	require.NoError(t, err)
	_, err = tokens.ValidateToken(expired)
	assert.ErrorIs(t, err, ErrTokenExpired)

	foreign, err := NewHMACTokens("other", "auditd").Issue("alice", nil, time.Minute)
	require.NoError(t, err)
	_, err = tokens.ValidateToken(foreign)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	wrongIssuer, err := NewHMACTokens("secret", "elsewhere").Issue("alice", nil, time.Minute)
	require.NoError(t, err)
	_, err = tokens.ValidateToken(wrongIssuer)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestAuthenticate(t *testing.T) {
	tokens := NewHMACTokens("secret", "auditd")
	good, err := tokens.Issue("alice", []string{"admin"}, time.Minute)
	require.NoError(t, err)

	var seen *requestcontext.Principal
	capture := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = requestcontext.PrincipalFrom(r.Context())
	})

	tests := []struct {
		name       string
		required   bool
		header     string
		wantStatus int
		wantSubj   string
	}{
		{name: "valid token", header: "Bearer " + good, wantStatus: http.StatusOK, wantSubj: "alice"},
		{name: "anonymous allowed", wantStatus: http.StatusOK},
		{name: "anonymous refused", required: true, wantStatus: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			h := metadata.ClientMetadata(Authenticate(tokens, tt.required, quietLogger())(capture))
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = "192.0.2.10:4000"
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, r)

			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantStatus != http.StatusOK {
				assert.Nil(t, seen)
				return
			}
			require.NotNil(t, seen)
			assert.Equal(t, tt.wantSubj, seen.Subject)
			assert.Equal(t, "192.0.2.10", seen.Origin)
		})
	}
}

func TestRequireRole(t *testing.T) {
	h := RequireRole("admin", quietLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	r = testutil.AsPrincipal(r, "root", "admin")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}
