package delivery

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAuthenticator_Basic(t *testing.T) {
	a := NewAuthenticator(NewMemoryTokenCacheStore(), NewMemoryAuditSink(), discardLogger(), nil)
	req, _ := http.NewRequest(http.MethodPost, "https://example.test", nil)

	err := a.Apply(context.Background(), req, "sub_1", &AuthConfig{Kind: AuthBasic, BasicUser: "u", BasicPass: "p"})
	require.NoError(t, err)

	u, p, ok := req.BasicAuth()
	assert.True(t, ok)
	assert.Equal(t, "u", u)
	assert.Equal(t, "p", p)
}

func TestAuthenticator_Bearer_DefaultsHeaderAndPrefix(t *testing.T) {
	a := NewAuthenticator(NewMemoryTokenCacheStore(), NewMemoryAuditSink(), discardLogger(), nil)
	req, _ := http.NewRequest(http.MethodPost, "https://example.test", nil)

	err := a.Apply(context.Background(), req, "sub_1", &AuthConfig{Kind: AuthBearer, BearerToken: "tok123"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok123", req.Header.Get("Authorization"))
}

func TestAuthenticator_Bearer_CustomHeaderAndPrefix(t *testing.T) {
	a := NewAuthenticator(NewMemoryTokenCacheStore(), NewMemoryAuditSink(), discardLogger(), nil)
	req, _ := http.NewRequest(http.MethodPost, "https://example.test", nil)

	err := a.Apply(context.Background(), req, "sub_1", &AuthConfig{
		Kind:             AuthBearer,
		BearerToken:      "tok123",
		BearerHeaderName: "X-Api-Key",
		BearerPrefix:     "Key",
	})
	require.NoError(t, err)

	assert.Equal(t, "Key tok123", req.Header.Get("X-Api-Key"))
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestAuthenticator_None(t *testing.T) {
	a := NewAuthenticator(NewMemoryTokenCacheStore(), NewMemoryAuditSink(), discardLogger(), nil)
	req, _ := http.NewRequest(http.MethodPost, "https://example.test", nil)

	err := a.Apply(context.Background(), req, "sub_1", nil)
	require.NoError(t, err)
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestAuthenticator_UnknownProviderRejected(t *testing.T) {
	a := NewAuthenticator(NewMemoryTokenCacheStore(), NewMemoryAuditSink(), discardLogger(), nil)
	req, _ := http.NewRequest(http.MethodPost, "https://example.test", nil)

	err := a.Apply(context.Background(), req, "sub_1", &AuthConfig{Kind: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownAuthProvider)
}

func TestAuthenticator_AuditRecordsOutcome(t *testing.T) {
	audit := NewMemoryAuditSink()
	a := NewAuthenticator(NewMemoryTokenCacheStore(), audit, discardLogger(), nil)
	req, _ := http.NewRequest(http.MethodPost, "https://example.test", nil)

	require.NoError(t, a.Apply(context.Background(), req, "sub_1", &AuthConfig{Kind: AuthBasic, BasicUser: "u", BasicPass: "p"}))

	require.Len(t, audit.Records, 1)
	assert.Equal(t, AuthBasic, audit.Records[0].Kind)
	assert.Equal(t, "applied", audit.Records[0].Outcome)
}

func TestOAuth2Token_AcquiresAndCaches(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-a","expires_in":3600}`))
	}))
	defer srv.Close()

	store := NewMemoryTokenCacheStore()
	a := NewAuthenticator(store, NewMemoryAuditSink(), discardLogger(), nil)
	cfg := &AuthConfig{Kind: AuthOAuth2, OAuth2TokenURL: srv.URL, OAuth2ClientID: "id", OAuth2ClientSecret: "secret"}

	req, _ := http.NewRequest(http.MethodPost, "https://example.test", nil)
	require.NoError(t, a.Apply(context.Background(), req, "sub_1", cfg))
	assert.Equal(t, "Bearer tok-a", req.Header.Get("Authorization"))
	assert.Equal(t, 1, calls)

	// A second Apply within the freshness window reuses the cache, no
	// additional token-endpoint call.
	req2, _ := http.NewRequest(http.MethodPost, "https://example.test", nil)
	require.NoError(t, a.Apply(context.Background(), req2, "sub_1", cfg))
	assert.Equal(t, 1, calls)
}

func TestOAuth2Token_RefreshFallsBackToAcquireOnAnyNonSuccess(t *testing.T) {
	refreshCalls := 0
	acquireCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.FormValue("grant_type") == "refresh_token" {
			refreshCalls++
			// A 500, not a 4xx: any non-success status must fall back to a
			// full client-credentials acquisition rather than propagating.
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		acquireCalls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh-token","refresh_token":"rt-1","expires_in":3600}`))
	}))
	defer srv.Close()

	store := NewMemoryTokenCacheStore()
	_ = store.Put(context.Background(), "sub_1", &CachedToken{
		AccessToken:  "stale",
		RefreshToken: "rt-0",
		ExpiresAt:    time.Now().Add(-time.Hour),
	})

	a := NewAuthenticator(store, NewMemoryAuditSink(), discardLogger(), nil)
	cfg := &AuthConfig{Kind: AuthOAuth2, OAuth2TokenURL: srv.URL, OAuth2ClientID: "id", OAuth2ClientSecret: "secret"}

	req, _ := http.NewRequest(http.MethodPost, "https://example.test", nil)
	require.NoError(t, a.Apply(context.Background(), req, "sub_1", cfg))

	assert.Equal(t, "Bearer fresh-token", req.Header.Get("Authorization"))
	assert.Equal(t, 1, refreshCalls)
	assert.Equal(t, 1, acquireCalls)
}
