package radio

import "errors"

// Error codes returned to the client. These map onto the command reply
// envelope {"error": <code>, "message": <text>} and never terminate the
// connection.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeForbidden          = "forbidden"
	ErrCodeInvalidStation     = "invalid_station"
	ErrCodePreconditionFailed = "precondition_failed"
	ErrCodeSpotifyError       = "spotify_error"
	ErrCodeInternalError      = "internal_error"
)

// ClientError is caught at the command dispatch boundary and reported to
// the caller only.
type ClientError struct {
	Code    string
	Message string
}

func (e *ClientError) Error() string {
	return e.Code + ": " + e.Message
}

// Store sentinels. The session layer translates these into ClientErrors
// where a command is the cause.
var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicateListener = errors.New("listener already exists for user and station")
	ErrStaleState        = errors.New("playback state was modified by someone else")
)
