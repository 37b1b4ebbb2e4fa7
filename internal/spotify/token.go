package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"
)

const defaultTokenURL = "https://accounts.spotify.com/api/token"

// HTTPClient is the subset of http.Client the package uses, injectable
// for tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
	PostForm(urlStr string, data url.Values) (*http.Response, error)
}

// Credentials is one user's Spotify credential record. The refresh token
// is long-lived and never leaves the server; the access token is
// short-lived and handed to clients that need it. AccessToken and its
// expiration are always persisted together.
type Credentials struct {
	UserID                    string
	RefreshToken              string
	AccessToken               string
	AccessTokenExpirationTime time.Time
}

// HasExpired reports whether the access token needs a refresh before use.
func (c *Credentials) HasExpired() bool {
	return time.Now().After(c.AccessTokenExpirationTime)
}

// CredentialStore persists Credentials, one record per user.
type CredentialStore interface {
	GetCredentials(ctx context.Context, userID string) (*Credentials, error)
	SaveCredentials(ctx context.Context, creds *Credentials) error
}

// TokenManager loads credentials and exchanges refresh tokens for fresh
// access tokens. It does not retry: retry policy lives in the playback
// client and the session actor.
type TokenManager struct {
	store        CredentialStore
	http         HTTPClient
	tokenURL     string
	clientID     string
	clientSecret string
}

func NewTokenManager(store CredentialStore, httpClient HTTPClient, clientID, clientSecret string) *TokenManager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenManager{
		store:        store,
		http:         httpClient,
		tokenURL:     defaultTokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// SetTokenURL overrides the token endpoint. Used by tests.
func (m *TokenManager) SetTokenURL(u string) {
	m.tokenURL = u
}

// Load fetches the user's credentials.
func (m *TokenManager) Load(ctx context.Context, userID string) (*Credentials, error) {
	creds, err := m.store.GetCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, ErrNotAuthorized
	}
	return creds, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Refresh exchanges the refresh token for a new access token and persists
// the new token and expiry atomically, updating creds in place. Any
// non-2xx response surfaces as a generic upstream failure.
func (m *TokenManager) Refresh(ctx context.Context, creds *Credentials) error {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", creds.RefreshToken)
	form.Set("client_id", m.clientID)
	form.Set("client_secret", m.clientSecret)

	resp, err := m.http.PostForm(m.tokenURL, form)
	if err != nil {
		return fmt.Errorf("spotify token refresh: %w", ErrServerError)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Printf("station-service: spotify token refresh status %d for user %s", resp.StatusCode, creds.UserID)
		return fmt.Errorf("spotify token refresh: %w", ErrServerError)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("spotify token refresh decode: %w", ErrServerError)
	}

	creds.AccessToken = body.AccessToken
	creds.AccessTokenExpirationTime = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	if err := m.store.SaveCredentials(ctx, creds); err != nil {
		return err
	}
	return nil
}

// RefreshAccessToken refreshes the user's access token unconditionally
// and returns the new token value. Backs the refresh_access_token command.
func (m *TokenManager) RefreshAccessToken(ctx context.Context, userID string) (string, error) {
	creds, err := m.Load(ctx, userID)
	if err != nil {
		return "", err
	}
	if err := m.Refresh(ctx, creds); err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}

// FreshToken returns a usable access token, refreshing first if the
// stored one has expired.
func (m *TokenManager) FreshToken(ctx context.Context, userID string) (string, error) {
	creds, err := m.Load(ctx, userID)
	if err != nil {
		return "", err
	}
	if creds.HasExpired() {
		if err := m.Refresh(ctx, creds); err != nil {
			return "", err
		}
	}
	return creds.AccessToken, nil
}
