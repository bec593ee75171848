package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// TokenSource hands out a valid access token, refreshing it against
// the provider's OAuth endpoint when it expires. Refreshes are
// single-flight: concurrent callers wait on the same refresh.
type TokenSource struct {
	store        *CredentialStore
	http         *ResilientClient
	authURL      string
	clientID     string
	clientSecret string

	mu     sync.Mutex
	cached Credential
	loaded bool

	clock func() time.Time
}

// NewTokenSource wires a token source against the provider OAuth
// endpoint, persisting rotated tokens through store.
func NewTokenSource(store *CredentialStore, client *ResilientClient, authURL, clientID, clientSecret string) *TokenSource {
	return &TokenSource{
		store:        store,
		http:         client,
		authURL:      authURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		clock:        time.Now,
	}
}

// AccessToken returns a currently valid access token.
func (ts *TokenSource) AccessToken(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.clock()
	if !ts.loaded {
		cred, err := ts.store.Load()
		if err != nil && !errors.Is(err, ErrNoCredential) {
			return "", err
		}
		if err == nil {
			ts.cached = cred
		}
		ts.loaded = true
	}
	if ts.cached.AccessToken != "" && !ts.cached.Expired(now) {
		return ts.cached.AccessToken, nil
	}
	if ts.cached.RefreshToken == "" {
		return "", ErrNoCredential
	}

	refreshed, err := ts.refresh(ctx, ts.cached.RefreshToken)
	if err != nil {
		return "", err
	}
	ts.cached = refreshed
	if err := ts.store.Save(refreshed); err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
}

func (ts *TokenSource) refresh(ctx context.Context, refreshToken string) (Credential, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {ts.clientID},
		"client_secret": {ts.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.http.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("token refresh: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Credential{}, fmt.Errorf("token refresh: provider returned %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Credential{}, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return Credential{}, fmt.Errorf("token refresh: empty access token")
	}

	expiresAt := time.Unix(tr.ExpiresAt, 0)
	if tr.ExpiresAt == 0 {
		expiresAt = ts.clock().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	// Providers may rotate the refresh token; keep the old one if not.
	if tr.RefreshToken == "" {
		tr.RefreshToken = refreshToken
	}
	return Credential{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}
