package eventsub

import (
	"math/rand"
	"time"
)

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 60 * time.Second

	// stableSessionAge is how long a session must stay active before a
	// subsequent failure restarts the backoff ladder from the bottom.
	stableSessionAge = 5 * time.Minute
)

// backoff produces exponentially growing reconnect delays with jitter. Next
// doubles the delay up to the cap; Reset returns to the minimum.
type backoff struct {
	min     time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(min, max time.Duration) *backoff {
	if min <= 0 {
		min = defaultMinBackoff
	}
	if max < min {
		max = defaultMaxBackoff
	}
	return &backoff{min: min, max: max}
}

// Next returns the delay to wait before the next attempt and advances the
// ladder.
func (b *backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.min
	} else {
		b.current *= 2
		if b.current > b.max {
			b.current = b.max
		}
	}
	// Up to 25% jitter keeps a fleet of clients from reconnecting in step.
	jitter := time.Duration(rand.Int63n(int64(b.current)/4 + 1))
	return b.current + jitter
}

// Reset drops the ladder back to the minimum delay.
func (b *backoff) Reset() {
	b.current = 0
}
