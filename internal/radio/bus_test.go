package radio

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBus(t *testing.T) *RedisBus {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisBus(rdb)
}

func TestRedisBusRoundTrip(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "station-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	want := Event{
		Type:         EventEnsurePlaybackState,
		SenderConnID: "conn-a",
		RequestID:    7,
		State: &PlaybackStateMessage{
			ContextURI:      "spotify:playlist:x",
			CurrentTrackURI: "spotify:track:t1",
		},
	}
	if err := bus.Publish(ctx, "station-1", want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-sub.C:
		if got.Type != want.Type || got.SenderConnID != want.SenderConnID || got.RequestID != want.RequestID {
			t.Errorf("Expected %+v, got %+v", want, got)
		}
		if got.State == nil || got.State.CurrentTrackURI != "spotify:track:t1" {
			t.Errorf("Expected state to survive the round trip, got %+v", got.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestRedisBusTopicsAreIsolated(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "station-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, "station-2", Event{Type: EventStartPlayback}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-sub.C:
		t.Fatalf("Expected no event on station-1, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisBusCloseEndsDelivery(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "station-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub.Close()

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("Expected the event channel to be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for channel close")
	}
}

func TestRedisBusCloseReleasesForwarder(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	before := runtime.NumGoroutine()

	sub, err := bus.Subscribe(ctx, "station-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Overfill the subscription buffer without draining it, so the
	// forwarder is blocked mid-send when the subscriber goes away.
	for i := 0; i < 32; i++ {
		if err := bus.Publish(ctx, "station-1", Event{Type: EventStartPlayback}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	sub.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("Expected goroutines to return to %d after Close, got %d", before, runtime.NumGoroutine())
}

func TestRedisBusPublisherReceivesOwnEvents(t *testing.T) {
	// Origin filtering is the session's job, not the bus's: a publisher
	// subscribed to a topic must see its own events.
	bus := newTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "station-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, "station-1", Event{Type: EventStartPlayback, SenderConnID: "me"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-sub.C:
		if ev.SenderConnID != "me" {
			t.Errorf("Expected own event back, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for own event")
	}
}
