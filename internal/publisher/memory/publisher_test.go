package memory

import (
	"context"
	"errors"
	"testing"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "run.completed", map[string]string{"k": "v"})
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), "run.failed", "payload")
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	msgs := pub.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].EventType != "run.completed" || msgs[1].EventType != "run.failed" {
		t.Fatalf("event types not recorded correctly: %+v", msgs)
	}

	msgs[0].EventType = "modified"
	if pub.Messages()[0].EventType == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("broker down")
	pub.FailWith(boom)
	if _, err := pub.Publish(context.Background(), "run.completed", nil); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if len(pub.Messages()) != 0 {
		t.Fatal("failed publishes must not be recorded")
	}
	pub.FailWith(nil)
	if _, err := pub.Publish(context.Background(), "run.completed", nil); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}
