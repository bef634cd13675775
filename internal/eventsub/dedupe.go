package eventsub

// replayWindowSize bounds the number of delivery ids remembered for duplicate
// suppression. Redeliveries cluster around reconnects, so a window this size
// comfortably covers the overlap between an old and a new session.
const replayWindowSize = 512

// replayWindow is a fixed-capacity set of recently seen message ids with FIFO
// eviction. It is not safe for concurrent use; the session loop is the only
// caller.
type replayWindow struct {
	seen  map[string]struct{}
	order []string
	next  int
}

func newReplayWindow(capacity int) *replayWindow {
	if capacity <= 0 {
		capacity = replayWindowSize
	}
	return &replayWindow{
		seen:  make(map[string]struct{}, capacity),
		order: make([]string, capacity),
	}
}

// Observe records the id and reports whether it was already present. Empty
// ids are never deduplicated.
func (w *replayWindow) Observe(id string) (duplicate bool) {
	if id == "" {
		return false
	}
	if _, ok := w.seen[id]; ok {
		return true
	}
	if evicted := w.order[w.next]; evicted != "" {
		delete(w.seen, evicted)
	}
	w.order[w.next] = id
	w.next = (w.next + 1) % len(w.order)
	w.seen[id] = struct{}{}
	return false
}
