// Package storage persists durable state for the event pipeline: OAuth
// tokens, the resolved channel identity, overlay settings, and a bounded
// history of delivered events with running counters.
package storage

import (
	"context"
	"errors"

	"streamglass/internal/auth/oauth"
	"streamglass/internal/live"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// DefaultRecentLimit bounds how many delivered events each driver retains.
const DefaultRecentLimit = 100

// Settings carries the operator-tunable overlay configuration.
type Settings struct {
	Theme         string `json:"theme"`
	ShowFollows   bool   `json:"showFollows"`
	ShowSubs      bool   `json:"showSubs"`
	ShowCheers    bool   `json:"showCheers"`
	MinCheerBits  int64  `json:"minCheerBits"`
	AlertDuration int    `json:"alertDurationSeconds"`
}

// DefaultSettings returns the configuration applied before an operator has
// saved anything.
func DefaultSettings() Settings {
	return Settings{
		Theme:         "dark",
		ShowFollows:   true,
		ShowSubs:      true,
		ShowCheers:    true,
		AlertDuration: 8,
	}
}

// Identity is the persisted broadcaster/moderator pair resolved from the
// Helix users endpoint.
type Identity struct {
	BroadcasterID string `json:"broadcasterId"`
	ModeratorID   string `json:"moderatorId"`
}

// Repository is the storage contract shared by the JSON and Postgres
// drivers.
type Repository interface {
	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Settings returns the stored overlay settings, or the defaults when
	// nothing has been saved yet.
	Settings(ctx context.Context) (Settings, error)
	UpdateSettings(ctx context.Context, settings Settings) error

	// SaveTokens persists the OAuth token pair. Tokens returns ErrNotFound
	// until a pair has been saved.
	SaveTokens(ctx context.Context, tokens oauth.Tokens) error
	Tokens(ctx context.Context) (oauth.Tokens, error)

	// SaveIdentity records the resolved broadcaster and moderator ids so a
	// restart can skip the users lookup.
	SaveIdentity(ctx context.Context, identity Identity) error
	Identity(ctx context.Context) (Identity, error)

	// RecordEvent appends a delivered event to the bounded history and
	// folds cheer amounts into the bits counter.
	RecordEvent(ctx context.Context, event live.Event) error

	// RecentEvents returns the retained history, newest first, along with
	// the lifetime bits total.
	RecentEvents(ctx context.Context) ([]live.Event, int64, error)

	Close() error
}
