package radio

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rgardner/dancingtogether/internal/spotify"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
)

// sessionState is the connection lifecycle. Transitions only happen on
// the actor goroutine.
type sessionState int

const (
	stateNotConnected sessionState = iota
	stateConnecting
	stateConnected
	stateDisconnecting
)

// PlaybackDriver issues playback-control calls to the external service.
type PlaybackDriver interface {
	StartResumePlayback(ctx context.Context, userID, deviceID, contextURI, trackURI string) error
}

// AccessTokenManager refreshes a user's external access token.
type AccessTokenManager interface {
	RefreshAccessToken(ctx context.Context, userID string) (string, error)
}

// Session is the per-connection actor. It owns the connection lifecycle,
// command dispatch and membership bookkeeping for one client. All mutable
// fields are touched only from the actor goroutine in Run; other
// goroutines interact with the session through its channels.
type Session struct {
	connID string
	user   *User

	state    sessionState
	station  *Station
	deviceID string
	isAdmin  bool
	isDJ     bool

	repo   Repository
	bus    Bus
	driver PlaybackDriver
	tokens AccessTokenManager

	conn   *websocket.Conn
	send   chan []byte
	frames chan []byte
	events chan Event
	closed chan struct{}
	subs   []*Subscription
}

func NewSession(conn *websocket.Conn, user *User, repo Repository, bus Bus, driver PlaybackDriver, tokens AccessTokenManager) *Session {
	return &Session{
		connID: randomToken(8),
		user:   user,
		state:  stateNotConnected,
		repo:   repo,
		bus:    bus,
		driver: driver,
		tokens: tokens,
		conn:   conn,
		send:   make(chan []byte, 256),
		frames: make(chan []byte, 16),
		events: make(chan Event, 16),
		closed: make(chan struct{}),
	}
}

// Run drives the session until the connection closes. Client commands are
// processed strictly in arrival order; bus events are interleaved between
// commands, never inside one.
func (s *Session) Run(ctx context.Context) {
	go s.writePump()
	go s.readPump()

	for {
		select {
		case raw, ok := <-s.frames:
			if !ok {
				s.teardown(ctx)
				return
			}
			s.handleFrame(ctx, raw)
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		}
	}
}

// teardown runs the Disconnecting transition exactly once: the frames
// channel closes once, and only the actor goroutine calls this.
func (s *Session) teardown(ctx context.Context) {
	close(s.closed)
	if s.state == stateConnected {
		if err := s.leaveStation(ctx); err != nil {
			log.Printf("station-service: session %s teardown: %v", s.connID, err)
		}
	}
	close(s.send)
}

func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	cmd, err := DecodeCommand(raw)
	if err == nil {
		err = s.dispatch(ctx, cmd)
	}
	if err != nil {
		s.replyError(err)
	}
}

func (s *Session) dispatch(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case *JoinCommand:
		return s.handleJoin(ctx, c)
	case *LeaveCommand:
		return s.handleLeave(ctx, c)
	case *PingCommand:
		return s.handlePing(c)
	case *PlayerStateChangeCommand:
		if err := s.requireConnected(); err != nil {
			return err
		}
		return s.handlePlayerStateChange(ctx, c)
	case *GetPlaybackStateCommand:
		if err := s.requireConnected(); err != nil {
			return err
		}
		return s.handleGetPlaybackState(ctx, c)
	case *RefreshAccessTokenCommand:
		if err := s.requireConnected(); err != nil {
			return err
		}
		return s.handleRefreshAccessToken(ctx)
	case *GetListenersCommand:
		if err := s.requireAdmin(); err != nil {
			return err
		}
		return s.handleGetListeners(ctx, c)
	case *SendListenerInviteCommand:
		if err := s.requireAdmin(); err != nil {
			return err
		}
		return s.handleSendListenerInvite(ctx, c)
	default:
		return &ClientError{Code: ErrCodeBadRequest, Message: "unknown command"}
	}
}

// Guards. Checked in order: connection state first, then role; the first
// failure wins.

func (s *Session) requireConnected() error {
	if s.state != stateConnected {
		return &ClientError{Code: ErrCodeBadRequest, Message: "user has not connected to station"}
	}
	return nil
}

func (s *Session) requireAdmin() error {
	if err := s.requireConnected(); err != nil {
		return err
	}
	if !s.isAdmin {
		return &ClientError{Code: ErrCodeForbidden, Message: "user does not have permission"}
	}
	return nil
}

// Command handlers.

func (s *Session) handleJoin(ctx context.Context, cmd *JoinCommand) error {
	if s.state != stateNotConnected {
		return &ClientError{Code: ErrCodeBadRequest, Message: "user has already connected to a station"}
	}
	s.state = stateConnecting

	listener, err := s.repo.GetListener(ctx, s.user.ID, cmd.StationID)
	if errors.Is(err, ErrNotFound) {
		s.state = stateNotConnected
		return &ClientError{Code: ErrCodeForbidden, Message: "This station is not available"}
	}
	if err != nil {
		s.state = stateNotConnected
		return err
	}

	station, err := s.repo.GetStation(ctx, cmd.StationID)
	if errors.Is(err, ErrNotFound) {
		s.state = stateNotConnected
		return &ClientError{Code: ErrCodeInvalidStation, Message: "invalid station"}
	}
	if err != nil {
		s.state = stateNotConnected
		return err
	}

	if err := s.subscribeTopic(ctx, station.GroupName()); err != nil {
		s.state = stateNotConnected
		return err
	}
	if listener.IsAdmin {
		if err := s.subscribeTopic(ctx, station.AdminGroupName()); err != nil {
			s.unsubscribeAll()
			s.state = stateNotConnected
			return err
		}
	}

	s.station = station
	s.deviceID = cmd.DeviceID
	s.isAdmin = listener.IsAdmin
	s.isDJ = listener.IsDJ

	// Tell station admins someone arrived.
	s.publishListenerChange(ctx, "join")

	// Join-time catch-up: converge the joiner to the authoritative
	// snapshot before acknowledging the join. The DJ is the source of
	// truth and gets nothing pushed.
	if !s.isDJ {
		st, err := s.repo.GetPlaybackState(ctx, station.ID)
		if err == nil {
			if serr := s.syncPlayback(ctx, st, nil); serr != nil {
				log.Printf("station-service: session %s join catch-up: %v", s.connID, serr)
			}
		} else if !errors.Is(err, ErrNotFound) {
			log.Printf("station-service: session %s load playback state: %v", s.connID, err)
		}
	}

	s.state = stateConnected
	s.sendJSON(map[string]any{"join": station.Title})
	return nil
}

func (s *Session) handleLeave(ctx context.Context, cmd *LeaveCommand) error {
	if s.state != stateConnected {
		return nil
	}
	stationID := s.station.ID
	if err := s.leaveStation(ctx); err != nil {
		return err
	}
	s.sendJSON(map[string]any{"leave": stationID})
	return nil
}

// leaveStation is shared by the leave command and abnormal disconnects.
// If the departing listener was the DJ, the shared state is forced to
// paused so the remaining listeners are not left playing with no one
// driving.
func (s *Session) leaveStation(ctx context.Context) error {
	s.state = stateDisconnecting

	s.publishListenerChange(ctx, "leave")
	s.unsubscribeAll()

	var err error
	if s.isDJ {
		st, changed, perr := s.repo.PausePlaybackState(ctx, s.station.ID)
		if perr != nil {
			err = perr
		} else if changed {
			s.publishEvent(ctx, s.station.GroupName(), Event{
				Type:         EventEnsurePlaybackState,
				SenderConnID: s.connID,
				State:        st.Message(),
			})
		}
	}

	s.station = nil
	s.deviceID = ""
	s.isAdmin = false
	s.isDJ = false
	s.state = stateNotConnected
	return err
}

func (s *Session) handlePing(cmd *PingCommand) error {
	s.sendJSON(map[string]any{
		"type":        "pong",
		"start_time":  cmd.StartTime,
		"server_time": time.Now().UTC().Format(time.RFC3339Nano),
	})
	return nil
}

// handlePlayerStateChange is role-dependent. The DJ's snapshot is
// authoritative and written through an etag compare-and-swap; a
// listener's snapshot is only compared against the stored truth.
func (s *Session) handlePlayerStateChange(ctx context.Context, cmd *PlayerStateChangeCommand) error {
	if cmd.State == nil {
		return &ClientError{Code: ErrCodeBadRequest, Message: "missing playback state"}
	}
	if !s.isDJ {
		return s.listenerSync(ctx, cmd.State)
	}

	etag, err := ParseEtag(cmd.Etag)
	if err != nil {
		return err
	}

	st := cmd.State.State(s.station.ID)
	prev, err := s.repo.SavePlaybackState(ctx, st, etag)
	if errors.Is(err, ErrStaleState) {
		// The DJ's client was stale. At most one mutation may be based
		// on any given etag; the client must re-fetch before retrying.
		return &ClientError{Code: ErrCodePreconditionFailed, Message: "playback state is out of date"}
	}
	if err != nil {
		return err
	}

	if prev == nil || !prev.SameTrack(st) {
		s.publishEvent(ctx, s.station.GroupName(), Event{
			Type:         EventStartPlayback,
			SenderConnID: s.connID,
			SenderUserID: s.user.ID,
			State:        st.Message(),
		})
	}
	s.publishEvent(ctx, s.station.GroupName(), Event{
		Type:         EventEnsurePlaybackState,
		SenderConnID: s.connID,
		RequestID:    cmd.RequestID,
		State:        st.Message(),
	})
	return nil
}

func (s *Session) handleGetPlaybackState(ctx context.Context, cmd *GetPlaybackStateCommand) error {
	return s.listenerSync(ctx, cmd.State)
}

// listenerSync is the catch-up pull: never mutates the store, brings the
// client's player in line with the stored truth.
func (s *Session) listenerSync(ctx context.Context, clientState *PlaybackStateMessage) error {
	st, err := s.repo.GetPlaybackState(ctx, s.station.ID)
	if errors.Is(err, ErrNotFound) {
		// Nothing has ever played on this station.
		return nil
	}
	if err != nil {
		return err
	}
	return s.syncPlayback(ctx, st, clientState)
}

// syncPlayback instructs the client's device to play the authoritative
// context/track when it differs from what the client reports, then pushes
// the authoritative snapshot. The snapshot goes out even when the device
// call fails, so the client still learns the truth; the driver error is
// returned for the command path to report. Catch-up pushes are not
// request/response: no correlation id is echoed.
func (s *Session) syncPlayback(ctx context.Context, st *PlaybackState, clientState *PlaybackStateMessage) error {
	var driverErr error
	if clientState == nil ||
		clientState.ContextURI != st.ContextURI ||
		clientState.CurrentTrackURI != st.CurrentTrackURI {
		driverErr = s.startPlaybackOnDevice(ctx, st.ContextURI, st.CurrentTrackURI)
	}
	s.sendJSON(map[string]any{
		"type":  "ensure_playback_state",
		"state": st.Message(),
	})
	return driverErr
}

// startPlaybackOnDevice calls the external driver, refreshing the access
// token and retrying exactly once if it had expired.
func (s *Session) startPlaybackOnDevice(ctx context.Context, contextURI, trackURI string) error {
	err := s.driver.StartResumePlayback(ctx, s.user.ID, s.deviceID, contextURI, trackURI)
	if errors.Is(err, spotify.ErrAccessTokenExpired) {
		if _, rerr := s.tokens.RefreshAccessToken(ctx, s.user.ID); rerr != nil {
			return rerr
		}
		err = s.driver.StartResumePlayback(ctx, s.user.ID, s.deviceID, contextURI, trackURI)
	}
	return err
}

func (s *Session) handleRefreshAccessToken(ctx context.Context) error {
	token, err := s.tokens.RefreshAccessToken(ctx, s.user.ID)
	if err != nil {
		return err
	}
	s.sendJSON(map[string]any{
		"type":         "access_token_change",
		"access_token": token,
	})
	return nil
}

func (s *Session) handleGetListeners(ctx context.Context, cmd *GetListenersCommand) error {
	listeners, err := s.repo.ListListeners(ctx, s.station.ID)
	if err != nil {
		return err
	}
	pending, err := s.repo.ListPendingListeners(ctx, s.station.ID)
	if err != nil {
		return err
	}
	s.sendJSON(map[string]any{
		"type":              "get_listeners_result",
		"request_id":        cmd.RequestID,
		"listeners":         listeners,
		"pending_listeners": pending,
	})
	return nil
}

func (s *Session) handleSendListenerInvite(ctx context.Context, cmd *SendListenerInviteCommand) error {
	if cmd.ListenerEmail == "" {
		return &ClientError{Code: ErrCodeBadRequest, Message: "missing listener email"}
	}
	if err := s.repo.CreatePendingListener(ctx, s.station.ID, cmd.ListenerEmail); err != nil {
		return err
	}
	// Delivery of the invitation itself is another service's job.
	s.sendJSON(map[string]any{
		"type":           "send_listener_invite_result",
		"request_id":     cmd.RequestID,
		"listener_email": cmd.ListenerEmail,
	})
	return nil
}

// Bus event relay. Every event carries its origin; each session decides
// what applies to it. The DJ gets a correlated reply to its own write,
// everyone else an uncorrelated catch-up push.
func (s *Session) handleEvent(ctx context.Context, ev Event) {
	switch ev.Type {
	case EventEnsurePlaybackState:
		msg := map[string]any{
			"type":  "ensure_playback_state",
			"state": ev.State,
		}
		if ev.SenderConnID == s.connID {
			if ev.RequestID != 0 {
				msg["request_id"] = ev.RequestID
			}
		}
		s.sendJSON(msg)

	case EventStartPlayback:
		if ev.SenderConnID == s.connID || ev.State == nil {
			// The originator already applied the change locally.
			return
		}
		if err := s.startPlaybackOnDevice(ctx, ev.State.ContextURI, ev.State.CurrentTrackURI); err != nil {
			log.Printf("station-service: session %s start playback relay: %v", s.connID, err)
		}

	case EventListenerChange:
		if ev.SenderUserID == s.user.ID {
			return
		}
		s.sendJSON(map[string]any{
			"type":                 "listener_change",
			"listener_change_type": ev.ChangeType,
			"listener":             ev.Listener,
		})
	}
}

// Topic plumbing.

func (s *Session) subscribeTopic(ctx context.Context, topic string) error {
	sub, err := s.bus.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)
	go func() {
		for ev := range sub.C {
			select {
			case s.events <- ev:
			case <-s.closed:
				return
			}
		}
	}()
	return nil
}

// unsubscribeAll is symmetric with subscribeTopic: every topic joined on
// join is left on leave, every time.
func (s *Session) unsubscribeAll() {
	for _, sub := range s.subs {
		sub.Close()
	}
	s.subs = nil
}

func (s *Session) publishListenerChange(ctx context.Context, changeType string) {
	s.publishEvent(ctx, s.station.AdminGroupName(), Event{
		Type:         EventListenerChange,
		SenderConnID: s.connID,
		SenderUserID: s.user.ID,
		ChangeType:   changeType,
		Listener: &ListenerInfo{
			ID:       s.user.ID,
			Username: s.user.Username,
			Email:    s.user.Email,
		},
	})
}

func (s *Session) publishEvent(ctx context.Context, topic string, ev Event) {
	if err := s.bus.Publish(ctx, topic, ev); err != nil {
		log.Printf("station-service: session %s publish %s: %v", s.connID, ev.Type, err)
	}
}

// Error translation at the dispatch boundary. Errors are reported to the
// caller and never terminate the connection. External-service failures
// map to fixed user-facing messages.
func (s *Session) replyError(err error) {
	var ce *ClientError
	switch {
	case errors.As(err, &ce):
		s.sendJSON(map[string]any{"error": ce.Code, "message": ce.Message})
	case errors.Is(err, spotify.ErrAccountNotPremium):
		s.sendJSON(map[string]any{"error": ErrCodeSpotifyError, "message": "a Spotify Premium subscription is required to play music"})
	case errors.Is(err, spotify.ErrDeviceNotFound):
		s.sendJSON(map[string]any{"error": ErrCodeSpotifyError, "message": "the playback device is no longer available"})
	case errors.Is(err, spotify.ErrServerError), errors.Is(err, spotify.ErrNotAuthorized), errors.Is(err, spotify.ErrAccessTokenExpired):
		s.sendJSON(map[string]any{"error": ErrCodeSpotifyError, "message": "the music service is temporarily unavailable"})
	default:
		log.Printf("station-service: session %s command failed: %v", s.connID, err)
		s.sendJSON(map[string]any{"error": ErrCodeInternalError, "message": "internal server error"})
	}
}

func (s *Session) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("station-service: session %s marshal reply: %v", s.connID, err)
		return
	}
	select {
	case s.send <- data:
	case <-s.closed:
	}
}

// Connection pumps, one reader and one writer per connection.

func (s *Session) readPump() {
	defer close(s.frames)
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("station-service: session %s read: %v", s.connID, err)
			}
			return
		}
		s.frames <- message
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
