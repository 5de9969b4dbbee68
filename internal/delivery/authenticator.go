package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/hookrelay/internal/syncutil"
)

// CachedToken is the OAuth token cache row.
type CachedToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// TokenCacheStore persists the OAuth token cache across process restarts
// and across authenticator instances sharing a database.
type TokenCacheStore interface {
	Get(ctx context.Context, configKey string) (*CachedToken, error)
	Put(ctx context.Context, configKey string, tok *CachedToken) error
}

// AuditSink records authenticator credential-resolution outcomes.
type AuditSink interface {
	RecordAuth(ctx context.Context, subscriptionID string, kind AuthProviderKind, outcome string)
}

// Authenticator resolves and attaches credentials to outbound delivery
// requests. It guards OAuth2 token refreshes with a context-aware sharded
// mutex keyed by subscription id so at most one refresh is in flight per
// config at a time.
type Authenticator struct {
	store  TokenCacheStore
	audit  AuditSink
	logger *slog.Logger

	httpClient *http.Client

	// refreshLocks guards the token cache so at most one refresh per
	// subscription config is in flight at a time. Keyed by subscription id.
	refreshLocks *syncutil.ContextShardedMutex
}

// NewAuthenticator builds an Authenticator. httpClient is used for OAuth2
// token-endpoint requests; pass nil to use a new http.Client with a 30s
// timeout, matching the worker unit's outbound transport timeout.
func NewAuthenticator(store TokenCacheStore, audit AuditSink, logger *slog.Logger, httpClient *http.Client) *Authenticator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Authenticator{
		store:        store,
		audit:        audit,
		logger:       logger,
		httpClient:   httpClient,
		refreshLocks: syncutil.NewContextShardedMutex(),
	}
}

// Apply mutates req's headers (or, for Certificate, the caller's transport)
// so the configured credential is presented. subscriptionID keys the
// OAuth2 token cache and its refresh lock.
func (a *Authenticator) Apply(ctx context.Context, req *http.Request, subscriptionID string, cfg *AuthConfig) error {
	if cfg == nil || cfg.Kind == AuthNone {
		return nil
	}

	switch cfg.Kind {
	case AuthBasic:
		req.SetBasicAuth(cfg.BasicUser, cfg.BasicPass)
		a.recordAuth(ctx, subscriptionID, cfg.Kind, "applied")
		return nil

	case AuthBearer:
		header := cfg.BearerHeaderName
		if header == "" {
			header = "Authorization"
		}
		prefix := cfg.BearerPrefix
		if prefix == "" {
			prefix = "Bearer"
		}
		req.Header.Set(header, fmt.Sprintf("%s %s", prefix, cfg.BearerToken))
		a.recordAuth(ctx, subscriptionID, cfg.Kind, "applied")
		return nil

	case AuthOAuth2:
		tok, err := a.oauth2Token(ctx, subscriptionID, cfg)
		if err != nil {
			a.recordAuth(ctx, subscriptionID, cfg.Kind, "error:"+err.Error())
			return fmt.Errorf("%w: %v", errAuthConfig, err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		a.recordAuth(ctx, subscriptionID, cfg.Kind, "applied")
		return nil

	case AuthCertificate:
		// Certificate auth configures the transport, not the request
		// headers; callers building the HTTP client for this subscription
		// should call ClientTLSConfig instead. Apply is a no-op here.
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownAuthProvider, cfg.Kind)
	}
}

// ClientTLSConfig returns a *tls.Config carrying the subscription's client
// certificate, for the Certificate auth provider variant.
func ClientTLSConfig(cfg *AuthConfig) (*tls.Config, error) {
	cert, err := tls.X509KeyPair([]byte(cfg.CertPEM), []byte(cfg.KeyPEM))
	if err != nil {
		return nil, fmt.Errorf("delivery: invalid client certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func (a *Authenticator) recordAuth(ctx context.Context, subscriptionID string, kind AuthProviderKind, outcome string) {
	if a.audit != nil {
		a.audit.RecordAuth(ctx, subscriptionID, kind, outcome)
	}
}

var errAuthConfig = fmt.Errorf("%s", string(ErrorKindAuthConfig))
