// Package credentials refreshes per-connection OAuth tokens ahead of use.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// expirySkew is the safety buffer applied when deciding whether a token is
// still usable; a token that dies mid-call is as bad as an expired one.
const expirySkew = 5 * time.Minute

// Token is a freshly issued access token with its computed expiry.
type Token struct {
	AccessToken string
	Expiry      time.Time
}

// RefreshError marks a failed token exchange. The orchestrator must treat it
// as connection-fatal for the pass: no fetches with a stale token.
type RefreshError struct {
	StatusCode int
	Err        error
}

func (e *RefreshError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token refresh failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Manager performs the provider's refresh-token exchange.
type Manager struct {
	tokenURL     string
	clientID     string
	clientSecret string
	client       *http.Client
	now          func() time.Time
}

func NewManager(tokenURL, clientID, clientSecret string) *Manager {
	return &Manager{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: 15 * time.Second},
		now:          time.Now,
	}
}

// IsExpired reports whether a token with the given expiry should be refreshed
// before use. Anything inside the skew window counts as expired.
func (m *Manager) IsExpired(expiry time.Time) bool {
	return !m.now().Add(expirySkew).Before(expiry)
}

// Refresh exchanges a refresh token for a new access token. A non-2xx response
// or transport failure is returned as *RefreshError.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{
		"client_id":     {m.clientID},
		"client_secret": {m.clientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &RefreshError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, &RefreshError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &RefreshError{StatusCode: resp.StatusCode}
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, &RefreshError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if tokenResp.AccessToken == "" {
		return nil, &RefreshError{Err: fmt.Errorf("response carried no access token")}
	}

	return &Token{
		AccessToken: tokenResp.AccessToken,
		Expiry:      m.now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}, nil
}
