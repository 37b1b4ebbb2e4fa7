package radio

import (
	"fmt"
	"time"
)

// EtagTolerance is the window within which two playback state etags are
// considered the same. Etags are last-modified timestamps and survive a
// round trip through JSON serialization on the client, so sub-second
// jitter must not invalidate an otherwise current write.
const EtagTolerance = time.Second

// User is the minimal projection of an account the station core needs.
// Account management itself lives elsewhere.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Station is a shared listening session. Stations are created by admin
// tooling; the station core only ever reads them.
type Station struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

// GroupName is the broadcast topic every listener of the station joins.
func (s *Station) GroupName() string {
	return fmt.Sprintf("station-%d", s.ID)
}

// AdminGroupName is the broadcast topic for station admins only.
func (s *Station) AdminGroupName() string {
	return fmt.Sprintf("station-admin-%d", s.ID)
}

// Listener binds a user to a station. At most one row per (user, station).
// IsDJ marks the authoritative source of playback truth; IsAdmin grants
// roster and invite access. Neither implies the other.
type Listener struct {
	UserID    string `json:"userId"`
	StationID int64  `json:"stationId"`
	IsAdmin   bool   `json:"isAdmin"`
	IsDJ      bool   `json:"isDj"`
}

// ListenerInfo is the roster entry returned by get_listeners.
type ListenerInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// PendingListener is an invited email that has not joined yet.
type PendingListener struct {
	StationID int64     `json:"-"`
	Email     string    `json:"email"`
	InvitedAt time.Time `json:"invitedAt"`
}

// PlaybackState is the last known authoritative transport snapshot for a
// station. RawPositionMs is only valid at SampleTime; the current position
// is always reconstructed, never polled, because there is no continuous
// channel to the external player.
type PlaybackState struct {
	StationID       int64
	ContextURI      string
	CurrentTrackURI string
	Paused          bool
	RawPositionMs   int64
	SampleTime      time.Time
	// Etag is the last-modified instant, refreshed on every write. It is
	// the optimistic concurrency token for DJ writes.
	Etag time.Time
}

// Position reconstructs the playback offset at the given instant.
func (s *PlaybackState) Position(now time.Time) int64 {
	if s.Paused {
		return s.RawPositionMs
	}
	return s.RawPositionMs + now.Sub(s.SampleTime).Milliseconds()
}

// SameTrack reports whether the snapshot plays the same context and track
// as other.
func (s *PlaybackState) SameTrack(other *PlaybackState) bool {
	return s.ContextURI == other.ContextURI &&
		s.CurrentTrackURI == other.CurrentTrackURI
}

// EtagEqual compares two etags with tolerance. Instants within
// EtagTolerance of each other count as the same version.
func EtagEqual(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d < EtagTolerance
}

// PlaybackStateMessage is the wire form of PlaybackState. The etag travels
// as an RFC 3339 string so clients can echo it back opaquely.
type PlaybackStateMessage struct {
	ContextURI      string    `json:"context_uri"`
	CurrentTrackURI string    `json:"current_track_uri"`
	Paused          bool      `json:"paused"`
	RawPositionMs   int64     `json:"raw_position_ms"`
	SampleTime      time.Time `json:"sample_time"`
	Etag            string    `json:"etag"`
}

// Message converts the snapshot to its wire form.
func (s *PlaybackState) Message() *PlaybackStateMessage {
	m := &PlaybackStateMessage{
		ContextURI:      s.ContextURI,
		CurrentTrackURI: s.CurrentTrackURI,
		Paused:          s.Paused,
		RawPositionMs:   s.RawPositionMs,
		SampleTime:      s.SampleTime,
	}
	if !s.Etag.IsZero() {
		m.Etag = s.Etag.Format(time.RFC3339Nano)
	}
	return m
}

// State converts a client-submitted snapshot into the model. The etag is
// parsed separately because clients send it outside the state object.
func (m *PlaybackStateMessage) State(stationID int64) *PlaybackState {
	return &PlaybackState{
		StationID:       stationID,
		ContextURI:      m.ContextURI,
		CurrentTrackURI: m.CurrentTrackURI,
		Paused:          m.Paused,
		RawPositionMs:   m.RawPositionMs,
		SampleTime:      m.SampleTime,
	}
}

// ParseEtag parses a client-echoed etag. An empty string means the client
// has never seen a server state and is returned as the zero time.
func ParseEtag(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, &ClientError{Code: ErrCodeBadRequest, Message: "malformed etag"}
	}
	return t, nil
}
