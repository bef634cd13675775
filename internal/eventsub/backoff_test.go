package eventsub

import (
	"testing"
	"time"
)

func TestBackoffDoublesUpToCap(t *testing.T) {
	b := newBackoff(time.Second, 8*time.Second)
	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, base := range expected {
		got := b.Next()
		if got < base || got > base+base/4 {
			t.Fatalf("attempt %d: delay %s outside [%s, %s]", i, got, base, base+base/4)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := newBackoff(time.Second, time.Minute)
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Next(); got < time.Second || got > time.Second+250*time.Millisecond {
		t.Fatalf("delay after reset = %s, want about the minimum", got)
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := newBackoff(0, 0)
	if b.min != defaultMinBackoff {
		t.Fatalf("min = %s, want %s", b.min, defaultMinBackoff)
	}
	if b.max != defaultMaxBackoff {
		t.Fatalf("max = %s, want %s", b.max, defaultMaxBackoff)
	}
}
