package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"streamglass/internal/auth/oauth"
	"streamglass/internal/live"
)

// dataset is the on-disk shape of the JSON driver.
type dataset struct {
	Settings    *Settings     `json:"settings,omitempty"`
	Tokens      *oauth.Tokens `json:"tokens,omitempty"`
	Identity    *Identity     `json:"identity,omitempty"`
	Recent      []live.Event  `json:"recent"`
	TotalBits   int64         `json:"totalBits"`
}

// JSONRepository stores state in a single JSON file, rewritten atomically
// on every mutation. It is the default driver for single-channel
// deployments.
type JSONRepository struct {
	mu          sync.Mutex
	path        string
	data        dataset
	recentLimit int
	logger      *slog.Logger

	// persistOverride replaces the atomic file write in tests.
	persistOverride func(dataset) error
}

// NewJSONRepository opens or creates the JSON data file at path.
func NewJSONRepository(path string, opts ...Option) (*JSONRepository, error) {
	if path == "" {
		return nil, errors.New("storage: data file path must not be empty")
	}
	repo := &JSONRepository{
		path:        path,
		recentLimit: DefaultRecentLimit,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt.applyJSON(repo)
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *JSONRepository) load() error {
	raw, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read data file: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &r.data); err != nil {
		return fmt.Errorf("decode data file: %w", err)
	}
	if len(r.data.Recent) > r.recentLimit {
		r.data.Recent = r.data.Recent[:r.recentLimit]
	}
	return nil
}

// persist writes the dataset to a temp file in the target directory and
// renames it over the data file so readers never observe a partial write.
// Callers must hold r.mu.
func (r *JSONRepository) persist() error {
	if r.persistOverride != nil {
		return r.persistOverride(r.data)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".streamglass-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(r.data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("encode data file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync data file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace data file: %w", err)
	}
	return nil
}

// Ping reports whether the data directory is writable.
func (r *JSONRepository) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(r.path)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat data directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage: %s is not a directory", dir)
	}
	return nil
}

func (r *JSONRepository) Settings(ctx context.Context) (Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data.Settings == nil {
		return DefaultSettings(), nil
	}
	return *r.data.Settings, nil
}

func (r *JSONRepository) UpdateSettings(ctx context.Context, settings Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.Settings = &settings
	return r.persist()
}

func (r *JSONRepository) SaveTokens(ctx context.Context, tokens oauth.Tokens) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.Tokens = &tokens
	return r.persist()
}

func (r *JSONRepository) Tokens(ctx context.Context) (oauth.Tokens, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data.Tokens == nil {
		return oauth.Tokens{}, ErrNotFound
	}
	return *r.data.Tokens, nil
}

func (r *JSONRepository) SaveIdentity(ctx context.Context, identity Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.Identity = &identity
	return r.persist()
}

func (r *JSONRepository) Identity(ctx context.Context) (Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data.Identity == nil {
		return Identity{}, ErrNotFound
	}
	return *r.data.Identity, nil
}

func (r *JSONRepository) RecordEvent(ctx context.Context, event live.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.Recent = append([]live.Event{event}, r.data.Recent...)
	if len(r.data.Recent) > r.recentLimit {
		r.data.Recent = r.data.Recent[:r.recentLimit]
	}
	if event.Cheer != nil {
		r.data.TotalBits += int64(event.Cheer.Bits)
	}
	return r.persist()
}

func (r *JSONRepository) RecentEvents(ctx context.Context) ([]live.Event, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := make([]live.Event, len(r.data.Recent))
	copy(events, r.data.Recent)
	return events, r.data.TotalBits, nil
}

func (r *JSONRepository) Close() error {
	return nil
}

var _ Repository = (*JSONRepository)(nil)
