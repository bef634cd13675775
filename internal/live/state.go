package live

import (
	"sync"
	"time"
)

// Status enumerates the ingest connection states surfaced to consumers.
type Status string

const (
	// StatusConnecting is set while the initial handshake is in flight.
	StatusConnecting Status = "connecting"
	// StatusActive is set once a session welcome has been received and
	// subscriptions have been reconciled.
	StatusActive Status = "active"
	// StatusReconnecting is set while the pipeline is backing off after a
	// transport failure or keepalive expiry.
	StatusReconnecting Status = "reconnecting"
	// StatusAuthRequired is set when credentials were rejected and retries
	// are paused until re-authentication.
	StatusAuthRequired Status = "auth_required"
	// StatusClosed is set after an orderly shutdown.
	StatusClosed Status = "closed"
)

// SubscriptionStatus tracks the platform-side registration for one event kind.
type SubscriptionStatus string

const (
	SubscriptionPending SubscriptionStatus = "pending"
	SubscriptionEnabled SubscriptionStatus = "enabled"
	SubscriptionFailed  SubscriptionStatus = "failed"
	SubscriptionRevoked SubscriptionStatus = "revoked"
)

// DefaultRecentCapacity bounds the recent-events ring kept in memory.
const DefaultRecentCapacity = 25

// State is the snapshot handed to HTTP consumers. Recent is ordered
// most-recent-first and never exceeds the store capacity. TotalBits counts
// every cheer ever applied, not only the retained ones.
type State struct {
	Connection     Status                           `json:"connection"`
	SessionID      string                           `json:"sessionId,omitempty"`
	Since          time.Time                        `json:"since,omitempty"`
	LastError      string                           `json:"lastError,omitempty"`
	BackoffSeconds int                              `json:"backoffSeconds,omitempty"`
	Subscriptions  map[EventKind]SubscriptionStatus `json:"subscriptions"`
	Recent         []Event                          `json:"recent"`
	TotalBits      int64                            `json:"totalBits"`
}

// Store holds the single LiveState instance for the process. Mutation happens
// through Apply under a write lock so concurrent writers never interleave
// field updates; Snapshot returns a deep copy so readers never hold the lock
// while rendering.
type Store struct {
	mu       sync.RWMutex
	state    State
	capacity int
}

// NewStore initialises a store with the given recent-events capacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultRecentCapacity
	}
	return &Store{
		state: State{
			Connection:    StatusConnecting,
			Subscriptions: make(map[EventKind]SubscriptionStatus),
		},
		capacity: capacity,
	}
}

// Capacity reports the configured recent-events bound.
func (s *Store) Capacity() int {
	return s.capacity
}

// Snapshot returns an immutable copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneState(s.state)
}

// Apply runs the mutator under the single write lock.
func (s *Store) Apply(mutate func(*State)) {
	if mutate == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.state)
}

// AppendEvent prepends the event to the recent ring, evicting the oldest
// entry beyond capacity, and accumulates bits for cheers.
func (s *Store) AppendEvent(evt Event) {
	s.Apply(func(state *State) {
		state.Recent = append([]Event{evt}, state.Recent...)
		if len(state.Recent) > s.capacity {
			state.Recent = state.Recent[:s.capacity]
		}
		if evt.Kind == KindCheer && evt.Cheer != nil {
			state.TotalBits += int64(evt.Cheer.Bits)
		}
	})
}

// SetConnection records a connection status transition. The session id is
// cleared on anything but Active unless provided.
func (s *Store) SetConnection(status Status, sessionID, lastError string) {
	s.Apply(func(state *State) {
		state.Connection = status
		state.LastError = lastError
		if sessionID != "" {
			state.SessionID = sessionID
		}
		switch status {
		case StatusActive:
			state.Since = time.Now().UTC()
			state.BackoffSeconds = 0
		case StatusClosed:
			state.SessionID = ""
			state.Since = time.Time{}
		}
	})
}

// SetBackoff exposes the current retry delay so dashboards can render it.
func (s *Store) SetBackoff(delay time.Duration) {
	s.Apply(func(state *State) {
		state.BackoffSeconds = int(delay / time.Second)
	})
}

// SetSubscription records the platform-side status for one event kind.
func (s *Store) SetSubscription(kind EventKind, status SubscriptionStatus) {
	s.Apply(func(state *State) {
		if state.Subscriptions == nil {
			state.Subscriptions = make(map[EventKind]SubscriptionStatus)
		}
		state.Subscriptions[kind] = status
	})
}

// ResetSubscriptions marks every configured kind Pending, used when a fresh
// session starts reconciling.
func (s *Store) ResetSubscriptions(kinds []EventKind) {
	s.Apply(func(state *State) {
		state.Subscriptions = make(map[EventKind]SubscriptionStatus, len(kinds))
		for _, kind := range kinds {
			state.Subscriptions[kind] = SubscriptionPending
		}
	})
}

// Prime seeds the store from persisted history on boot.
func (s *Store) Prime(recent []Event, totalBits int64) {
	s.Apply(func(state *State) {
		if len(recent) > s.capacity {
			recent = recent[:s.capacity]
		}
		state.Recent = append([]Event(nil), recent...)
		state.TotalBits = totalBits
	})
}

func cloneState(state State) State {
	out := state
	out.Recent = append([]Event(nil), state.Recent...)
	out.Subscriptions = make(map[EventKind]SubscriptionStatus, len(state.Subscriptions))
	for kind, status := range state.Subscriptions {
		out.Subscriptions[kind] = status
	}
	return out
}
