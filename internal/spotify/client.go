package spotify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultPlayURL = "https://api.spotify.com/v1/me/player/play"

	// A 202 means the target device is temporarily unavailable. Retry a
	// few times before giving up; playback control is best-effort.
	deviceBusyRetries = 5
	deviceBusyWait    = 5 * time.Second

	// Window opened when the upstream itself is failing.
	serverErrorThrottle = 5 * time.Minute
)

// Client drives the Spotify Web API player endpoints.
// https://developer.spotify.com/documentation/web-api/reference/start-a-users-playback
type Client struct {
	http     HTTPClient
	tokens   *TokenManager
	throttle *Throttle
	playURL  string

	retryWait time.Duration
}

func NewClient(tokens *TokenManager, throttle *Throttle, httpClient HTTPClient) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		http:      httpClient,
		tokens:    tokens,
		throttle:  throttle,
		playURL:   defaultPlayURL,
		retryWait: deviceBusyWait,
	}
}

// SetPlayURL overrides the player endpoint. Used by tests.
func (c *Client) SetPlayURL(u string) {
	c.playURL = u
}

// SetRetryWait overrides the device-busy backoff interval. Used by tests.
func (c *Client) SetRetryWait(d time.Duration) {
	c.retryWait = d
}

// StartResumePlayback starts or resumes playback of the given context and
// track on the user's device. While the process-wide throttle window is
// open the call returns immediately without touching the network.
func (c *Client) StartResumePlayback(ctx context.Context, userID, deviceID, contextURI, trackURI string) error {
	if c.throttle.Active() {
		return nil
	}

	// Refresh proactively when the stored token is already known to be
	// expired; a 401 on a fresh token still surfaces to the caller.
	token, err := c.tokens.FreshToken(ctx, userID)
	if err != nil {
		return err
	}

	body := map[string]any{
		"context_uri": contextURI,
		"offset":      map[string]string{"uri": trackURI},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	query := url.Values{}
	query.Set("device_id", deviceID)
	reqURL := c.playURL + "?" + query.Encode()

	resp, err := c.doPlay(ctx, reqURL, token, payload)
	if err != nil {
		return err
	}

	for attempt := 0; resp.StatusCode == http.StatusAccepted && attempt < deviceBusyRetries; attempt++ {
		select {
		case <-time.After(c.retryWait):
		case <-ctx.Done():
			return ctx.Err()
		}
		resp, err = c.doPlay(ctx, reqURL, token, payload)
		if err != nil {
			return err
		}
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		// Device stayed busy through every retry. Give up silently.
		return nil
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrAccessTokenExpired
	case resp.StatusCode == http.StatusForbidden:
		return ErrAccountNotPremium
	case resp.StatusCode == http.StatusNotFound:
		return ErrDeviceNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		c.throttle.Start(retryAfter(resp))
		log.Printf("station-service: spotify rate limit hit, throttling all web api calls")
		return nil
	case resp.StatusCode >= 500:
		c.throttle.Start(serverErrorThrottle)
		log.Printf("station-service: spotify server error %d, throttling all web api calls", resp.StatusCode)
		return ErrServerError
	default:
		log.Printf("station-service: unexpected spotify response %d for user %s", resp.StatusCode, userID)
		return fmt.Errorf("unexpected status %d: %w", resp.StatusCode, ErrServerError)
	}
}

func (c *Client) doPlay(ctx context.Context, reqURL, accessToken string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	// Player endpoints respond with empty bodies; drain and close so the
	// connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 30 * time.Second
}
