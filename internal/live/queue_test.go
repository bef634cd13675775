package live_test

import (
	"context"
	"testing"
	"time"

	"streamglass/internal/live"
)

func statusUpdate(status live.Status) live.Update {
	return live.Update{Op: live.OpStatus, Connection: status, SentAt: time.Now().UTC()}
}

func TestMemoryQueueFanOut(t *testing.T) {
	queue := live.NewMemoryQueue(4)
	first := queue.Subscribe()
	defer first.Close()
	second := queue.Subscribe()
	defer second.Close()

	if err := queue.Publish(context.Background(), statusUpdate(live.StatusActive)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, sub := range []live.Subscription{first, second} {
		select {
		case update := <-sub.Updates():
			if update.Connection != live.StatusActive {
				t.Fatalf("unexpected update: %+v", update)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}

func TestMemoryQueueDropsWhenSubscriberLags(t *testing.T) {
	queue := live.NewMemoryQueue(1)
	sub := queue.Subscribe()
	defer sub.Close()

	// Nothing drains the subscriber, so the second publish overflows.
	if err := queue.Publish(context.Background(), statusUpdate(live.StatusActive)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := queue.Publish(context.Background(), statusUpdate(live.StatusClosed)); err != nil {
		t.Fatalf("publish with full buffer: %v", err)
	}

	select {
	case update := <-sub.Updates():
		if update.Connection != live.StatusActive {
			t.Fatalf("expected the first update to survive, got %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out draining subscriber")
	}
	select {
	case update := <-sub.Updates():
		t.Fatalf("expected overflow drop, got %+v", update)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryQueueClosedSubscriberStopsReceiving(t *testing.T) {
	queue := live.NewMemoryQueue(4)
	sub := queue.Subscribe()
	sub.Close()

	if err := queue.Publish(context.Background(), statusUpdate(live.StatusActive)); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
	if _, ok := <-sub.Updates(); ok {
		t.Fatal("expected closed updates channel")
	}
}
