package storage

import (
	"context"
	"log/slog"

	"streamglass/internal/live"
)

// EventWorker tails the update queue and records delivered events so the
// history survives restarts. It runs alongside the in-process WebSocket
// push and shares the same best-effort queue.
type EventWorker struct {
	queue  live.Queue
	repo   Repository
	logger *slog.Logger
}

// NewEventWorker prepares a worker that persists events arriving on queue.
func NewEventWorker(repo Repository, queue live.Queue, logger *slog.Logger) *EventWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventWorker{queue: queue, repo: repo, logger: logger}
}

// Run blocks until ctx is cancelled, recording events as they arrive.
// Status updates pass through untouched.
func (w *EventWorker) Run(ctx context.Context) {
	if w.queue == nil || w.repo == nil {
		return
	}
	sub := w.queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-sub.Updates():
			if !ok {
				return
			}
			if update.Op != live.OpEvent || update.Event == nil {
				continue
			}
			if err := w.repo.RecordEvent(ctx, *update.Event); err != nil {
				w.logger.Error("failed to record event", "error", err, "message_id", update.Event.MessageID)
			}
		}
	}
}
