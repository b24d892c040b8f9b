package server

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{
		UserID:     "user-1",
		Collection: "cards",
		IDs:        []string{"card-a", "card-b"},
	})

	select {
	case received := <-stream:
		if received.Collection != "cards" {
			t.Fatalf("expected cards collection, got %s", received.Collection)
		}
		if len(received.IDs) != 2 {
			t.Fatalf("expected 2 ids, got %d", len(received.IDs))
		}
		if received.Timestamp.IsZero() {
			t.Fatalf("expected the timestamp to be stamped")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "user-2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "user-3")
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{UserID: "user-3", Collection: "decks", IDs: []string{"deck-c"}})

	select {
	case <-userStream:
		t.Fatal("did not expect realtime message for unrelated user")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.UserID != "user-3" {
			t.Fatalf("expected user-3, received %s", msg.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed user")
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	_, cleanup := dispatcher.Subscribe(ctx, "user-4")
	if dispatcher.subscriberCount("user-4") != 1 {
		t.Fatalf("expected one subscriber")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.subscriberCount("user-4") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber was not removed after cancellation")
		}
		time.Sleep(time.Millisecond)
	}
	cleanup()
}
