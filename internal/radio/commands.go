package radio

import "encoding/json"

// Commands are decoded once at the connection boundary into a closed set
// of types. Past this point nothing dispatches on strings.

type Command interface {
	isCommand()
}

type JoinCommand struct {
	StationID int64  `json:"station"`
	DeviceID  string `json:"device_id"`
}

type LeaveCommand struct {
	StationID int64 `json:"station"`
}

// PingCommand echoes start_time back untouched so the client can estimate
// clock skew. The value is opaque to the server.
type PingCommand struct {
	StartTime json.RawMessage `json:"start_time"`
}

type PlayerStateChangeCommand struct {
	RequestID int64                 `json:"request_id"`
	State     *PlaybackStateMessage `json:"state"`
	Etag      string                `json:"etag"`
}

type GetPlaybackStateCommand struct {
	RequestID int64                 `json:"request_id"`
	State     *PlaybackStateMessage `json:"state"`
	Etag      string                `json:"etag"`
}

type RefreshAccessTokenCommand struct{}

type GetListenersCommand struct {
	RequestID int64 `json:"request_id"`
}

type SendListenerInviteCommand struct {
	RequestID     int64  `json:"request_id"`
	ListenerEmail string `json:"listener_email"`
}

func (*JoinCommand) isCommand()               {}
func (*LeaveCommand) isCommand()              {}
func (*PingCommand) isCommand()               {}
func (*PlayerStateChangeCommand) isCommand()  {}
func (*GetPlaybackStateCommand) isCommand()   {}
func (*RefreshAccessTokenCommand) isCommand() {}
func (*GetListenersCommand) isCommand()       {}
func (*SendListenerInviteCommand) isCommand() {}

// DecodeCommand parses a client frame. Unknown or malformed commands are
// reported as bad_request; they never close the connection.
func DecodeCommand(data []byte) (Command, error) {
	var envelope struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &ClientError{Code: ErrCodeBadRequest, Message: "malformed command frame"}
	}

	var cmd Command
	switch envelope.Command {
	case "join":
		cmd = &JoinCommand{}
	case "leave":
		cmd = &LeaveCommand{}
	case "ping":
		cmd = &PingCommand{}
	case "player_state_change":
		cmd = &PlayerStateChangeCommand{}
	case "get_playback_state":
		cmd = &GetPlaybackStateCommand{}
	case "refresh_access_token":
		cmd = &RefreshAccessTokenCommand{}
	case "get_listeners":
		cmd = &GetListenersCommand{}
	case "send_listener_invite":
		cmd = &SendListenerInviteCommand{}
	default:
		return nil, &ClientError{Code: ErrCodeBadRequest, Message: "unknown command"}
	}

	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, &ClientError{Code: ErrCodeBadRequest, Message: "malformed command frame"}
	}
	return cmd, nil
}
