package progress

import (
	"context"
	"errors"
	"testing"
	"time"
)

func mustNext(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return ev
}

func TestPublish_DeliversToRoomSubscriberOnly(t *testing.T) {
	hub := New(nil)
	inRoom, err := hub.Subscribe(context.Background(), "/agents", "session:1", "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	otherRoom, err := hub.Subscribe(context.Background(), "/agents", "session:2", "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	hub.Publish(context.Background(), "/agents", "session:1", EventSessionProgress, map[string]any{"sitesScanned": 3})

	ev := mustNext(t, inRoom)
	if ev.Name != EventSessionProgress || ev.Room != "session:1" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	select {
	case <-otherRoom.events:
		t.Fatal("subscriber in a different room should not receive the event")
	default:
	}
}

func TestPublish_NamespaceWideFansOutToEveryRoom(t *testing.T) {
	hub := New(nil)
	a, _ := hub.Subscribe(context.Background(), "/agents", "session:1", "")
	b, _ := hub.Subscribe(context.Background(), "/agents", "session:2", "")

	hub.Publish(context.Background(), "/agents", "", EventQueueStats, nil)

	if ev := mustNext(t, a); ev.Name != EventQueueStats {
		t.Fatalf("subscriber a: unexpected event %+v", ev)
	}
	if ev := mustNext(t, b); ev.Name != EventQueueStats {
		t.Fatalf("subscriber b: unexpected event %+v", ev)
	}
}

func TestPublish_InOrderPerSubscriber(t *testing.T) {
	hub := New(nil)
	sub, _ := hub.Subscribe(context.Background(), "/agents", "session:1", "")

	for i := 0; i < 5; i++ {
		hub.Publish(context.Background(), "/agents", "session:1", EventSessionProgress, map[string]any{"sitesScanned": i})
	}

	for i := 0; i < 5; i++ {
		ev := mustNext(t, sub)
		if ev.Payload["sitesScanned"] != i {
			t.Fatalf("event %d out of order: got payload %+v", i, ev.Payload)
		}
	}
}

func TestPublish_OverflowDropsOldestAndSignalsOnce(t *testing.T) {
	hub := New(nil, WithBufferSize(3))
	sub, _ := hub.Subscribe(context.Background(), "/agents", "session:1", "")

	for i := 0; i < 10; i++ {
		hub.Publish(context.Background(), "/agents", "session:1", EventSessionProgress, map[string]any{"sitesScanned": i})
	}

	// The 3 most recent events survive the drop-oldest policy.
	for _, want := range []int{7, 8, 9} {
		ev := mustNext(t, sub)
		if ev.Payload["sitesScanned"] != want {
			t.Fatalf("want sitesScanned=%d, got %+v", want, ev)
		}
	}

	ev := mustNext(t, sub)
	if ev.Name != EventOverflow {
		t.Fatalf("want a single overflow event after the 3 most recent, got %+v", ev)
	}

	// Session counters are a concern of the publisher, not the broker;
	// Publish itself never reports an error or blocks on the stalled reader.
}

func TestSubscribe_RequiresValidatorWhenGuarded(t *testing.T) {
	wantErr := errors.New("invalid token")
	hub := New(func(ctx context.Context, namespace, token string) error {
		if token != "good" {
			return wantErr
		}
		return nil
	})
	hub.RequireAuth("/monitoring")

	if _, err := hub.Subscribe(context.Background(), "/monitoring", "ops", "bad"); err == nil {
		t.Fatal("expected subscribe to be rejected for a bad token")
	}
	if _, err := hub.Subscribe(context.Background(), "/monitoring", "ops", "good"); err != nil {
		t.Fatalf("expected subscribe to succeed for a good token: %v", err)
	}
	if _, err := hub.Subscribe(context.Background(), "/agents", "session:1", ""); err != nil {
		t.Fatalf("unguarded namespace should not require a token: %v", err)
	}
}

func TestUnsubscribe_UnblocksNext(t *testing.T) {
	hub := New(nil)
	sub, _ := hub.Subscribe(context.Background(), "/agents", "session:1", "")

	done := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		done <- err
	}()

	hub.Unsubscribe(sub)

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Fatalf("want ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after Unsubscribe")
	}
}
