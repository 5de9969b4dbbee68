package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// oauth2TokenResponse is the token endpoint's JSON response shape for the
// client-credentials and refresh_token grants.
type oauth2TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// oauth2Token returns a valid access token for cfg, using the cached token
// if it is fresh, refreshing it if a refresh token is available and the
// cache is stale, or performing a full client-credentials acquisition
// otherwise. A refresh-grant response that is not a success falls back to a
// full acquisition, regardless of status class.
func (a *Authenticator) oauth2Token(ctx context.Context, subscriptionID string, cfg *AuthConfig) (string, error) {
	unlock, err := a.refreshLocks.LockContext(ctx, subscriptionID)
	if err != nil {
		return "", err
	}
	defer unlock()

	threshold := cfg.OAuth2RefreshThreshold
	if threshold <= 0 {
		threshold = 60 * time.Second
	}

	cached, err := a.store.Get(ctx, subscriptionID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialStoreDown, err)
	}

	if cached != nil && time.Until(cached.ExpiresAt) > threshold {
		return cached.AccessToken, nil
	}

	var tok *CachedToken
	if cached != nil && cached.RefreshToken != "" {
		tok, err = a.refreshToken(ctx, cfg, cached.RefreshToken)
		if err != nil {
			// Any non-success refresh falls back to a full acquisition.
			tok, err = a.acquireToken(ctx, cfg)
		}
	} else {
		tok, err = a.acquireToken(ctx, cfg)
	}
	if err != nil {
		return "", err
	}

	if err := a.store.Put(ctx, subscriptionID, tok); err != nil {
		a.logger.Warn("failed to persist oauth2 token cache", "subscription", subscriptionID, "error", err)
	}
	return tok.AccessToken, nil
}

func (a *Authenticator) acquireToken(ctx context.Context, cfg *AuthConfig) (*CachedToken, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", cfg.OAuth2ClientID)
	form.Set("client_secret", cfg.OAuth2ClientSecret)
	if len(cfg.OAuth2Scopes) > 0 {
		form.Set("scope", strings.Join(cfg.OAuth2Scopes, " "))
	}
	return a.postTokenForm(ctx, cfg.OAuth2TokenURL, form)
}

func (a *Authenticator) refreshToken(ctx context.Context, cfg *AuthConfig, refreshToken string) (*CachedToken, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", cfg.OAuth2ClientID)
	form.Set("client_secret", cfg.OAuth2ClientSecret)
	return a.postTokenForm(ctx, cfg.OAuth2TokenURL, form)
}

func (a *Authenticator) postTokenForm(ctx context.Context, tokenURL string, form url.Values) (*CachedToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth2 token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("oauth2 token endpoint returned %s: %s", strconv.Itoa(resp.StatusCode), truncate(body, 512))
	}

	var parsed oauth2TokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("oauth2 token response is not valid JSON: %w", err)
	}
	if parsed.AccessToken == "" {
		return nil, fmt.Errorf("oauth2 token response missing access_token")
	}

	expiresIn := parsed.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	var scopes []string
	if parsed.Scope != "" {
		scopes = strings.Fields(parsed.Scope)
	}

	return &CachedToken{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
		Scopes:       scopes,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
