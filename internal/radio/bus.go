package radio

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Event types published over station topics.
const (
	EventStartPlayback       = "start_playback"
	EventEnsurePlaybackState = "ensure_playback_state"
	EventListenerChange      = "listener_change"
)

// Event is the envelope fanned out to every member of a topic. Delivery is
// at-least-once and a publisher receives its own events; SenderConnID lets
// each session filter what applies to it.
type Event struct {
	Type         string                `json:"type"`
	SenderConnID string                `json:"sender_conn_id"`
	SenderUserID string                `json:"sender_user_id,omitempty"`
	RequestID    int64                 `json:"request_id,omitempty"`
	State        *PlaybackStateMessage `json:"state,omitempty"`
	ChangeType   string                `json:"change_type,omitempty"`
	Listener     *ListenerInfo         `json:"listener,omitempty"`
}

// Subscription is a live topic membership. Events arrive on C until Close
// is called, after which C is closed. Close is idempotent.
type Subscription struct {
	C     <-chan Event
	close func()
}

func (s *Subscription) Close() {
	s.close()
}

// Bus is the group messaging primitive the session actor uses. Every
// member of a topic eventually receives every event published to it,
// including the publisher's own.
type Bus interface {
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
	Publish(ctx context.Context, topic string, ev Event) error
}

// RedisBus implements Bus over redis pub/sub channels, one channel per
// topic. Redis preserves per-publisher ordering within a channel, which is
// all the session protocol requires.
type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	sub := b.rdb.Subscribe(ctx, topic)
	// Wait for the subscription to be confirmed so a publish immediately
	// after Subscribe returns is not lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Event, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("station-service: bus decode event on %s: %v", topic, err)
				continue
			}
			// done unblocks the send when the subscriber went away
			// without draining.
			select {
			case out <- ev:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return &Subscription{
		C: out,
		close: func() {
			once.Do(func() { close(done) })
			_ = sub.Close()
		},
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, topic string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, topic, string(data)).Err()
}
