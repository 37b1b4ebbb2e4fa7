package spotify

import "errors"

// Upstream failure classes. The session layer decides which are retried
// and how they are reported to users; none of them carry upstream detail.
var (
	// ErrAccessTokenExpired means the access token was rejected. The caller
	// should refresh the token and retry exactly once.
	ErrAccessTokenExpired = errors.New("spotify access token expired")

	// ErrAccountNotPremium means the account is not entitled to remote
	// playback control. Not retried.
	ErrAccountNotPremium = errors.New("spotify account is not premium")

	// ErrDeviceNotFound means the target playback device is gone. Not
	// retried.
	ErrDeviceNotFound = errors.New("spotify playback device not found")

	// ErrServerError covers upstream 5xx and unexpected responses. It also
	// starts the global throttle window.
	ErrServerError = errors.New("spotify web api server error")

	// ErrNotAuthorized means the user has never authorized Spotify and no
	// credentials exist.
	ErrNotAuthorized = errors.New("user has no spotify credentials")
)
