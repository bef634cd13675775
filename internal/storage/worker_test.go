package storage

import (
	"context"
	"testing"
	"time"

	"streamglass/internal/live"
)

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func TestEventWorkerPersistsQueueEvents(t *testing.T) {
	repo := newTestRepository(t)
	queue := live.NewMemoryQueue(8)
	worker := NewEventWorker(repo, queue, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	event := cheerEvent("msg-1", 75)
	if err := queue.Publish(ctx, live.Update{Op: live.OpEvent, Event: &event, SentAt: time.Now()}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// Status updates must not reach the repository.
	if err := queue.Publish(ctx, live.Update{Op: live.OpStatus, Connection: live.StatusActive, SentAt: time.Now()}); err != nil {
		t.Fatalf("publish status: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		events, _, err := repo.RecentEvents(context.Background())
		return err == nil && len(events) == 1
	})
	events, bits, err := repo.RecentEvents(context.Background())
	if err != nil {
		t.Fatalf("RecentEvents returned error: %v", err)
	}
	if events[0].MessageID != "msg-1" || bits != 75 {
		t.Fatalf("unexpected persisted state: %+v bits=%d", events, bits)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}
