package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type subscriptionCleaner interface {
	CleanupSubscriptions(ctx context.Context, activeSessionID string) (int, error)
}

type cleanupTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) cleanupTicker

func startSubscriptionCleanupWorker(ctx context.Context, logger *slog.Logger, cleaner subscriptionCleaner, sessionID func() string, interval time.Duration) func() {
	return startSubscriptionCleanupWorkerWithTicker(ctx, logger, cleaner, sessionID, interval, func(d time.Duration) cleanupTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startSubscriptionCleanupWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	cleaner subscriptionCleaner,
	sessionID func() string,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if cleaner == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				current := ""
				if sessionID != nil {
					current = sessionID()
				}
				removed, err := cleaner.CleanupSubscriptions(workerCtx, current)
				if err != nil {
					if logger != nil {
						logger.Warn("failed to clean up stale subscriptions", "error", err)
					}
					continue
				}
				if removed > 0 && logger != nil {
					logger.Info("removed stale subscriptions", "count", removed)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
