package eventsub

import (
	"fmt"
	"testing"
)

func TestReplayWindowDetectsDuplicates(t *testing.T) {
	window := newReplayWindow(8)
	if window.Observe("a") {
		t.Fatal("first observation reported as duplicate")
	}
	if !window.Observe("a") {
		t.Fatal("second observation not reported as duplicate")
	}
	if window.Observe("") {
		t.Fatal("empty ids must never be deduplicated")
	}
	if window.Observe("") {
		t.Fatal("empty ids must never be deduplicated")
	}
}

func TestReplayWindowEvictsOldestFirst(t *testing.T) {
	window := newReplayWindow(4)
	for i := 0; i < 4; i++ {
		window.Observe(fmt.Sprintf("id-%d", i))
	}
	// id-0 is evicted by the fifth insert.
	window.Observe("id-4")
	if window.Observe("id-0") {
		t.Fatal("evicted id still reported as duplicate")
	}
	if !window.Observe("id-4") {
		t.Fatal("retained id not reported as duplicate")
	}
	if len(window.seen) > 4 {
		t.Fatalf("window grew past capacity: %d", len(window.seen))
	}
}
