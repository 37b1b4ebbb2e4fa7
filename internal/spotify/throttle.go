package spotify

import (
	"sync/atomic"
	"time"
)

// Throttle is the process-wide backpressure window on the Spotify Web API.
// Rate limiting applies to the whole application, not to one user, so a
// single Throttle is shared by every client and checked before any request
// leaves the process. The window is a lock-free timestamp; staleness of a
// few milliseconds is harmless.
type Throttle struct {
	untilUnixNano atomic.Int64
}

func NewThrottle() *Throttle {
	return &Throttle{}
}

// Start opens (or extends) the throttle window for the given duration.
func (t *Throttle) Start(d time.Duration) {
	until := time.Now().Add(d).UnixNano()
	for {
		cur := t.untilUnixNano.Load()
		if cur >= until {
			return
		}
		if t.untilUnixNano.CompareAndSwap(cur, until) {
			return
		}
	}
}

// Active reports whether requests should currently be short-circuited.
func (t *Throttle) Active() bool {
	return time.Now().UnixNano() < t.untilUnixNano.Load()
}
