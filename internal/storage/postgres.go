package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"streamglass/internal/auth/oauth"
	"streamglass/internal/live"
)

// PostgresConfig tunes the connection pool for the Postgres driver.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
}

// PostgresRepository persists state in Postgres. Settings, tokens, and the
// channel identity live in a single jsonb document row each; events are
// append-only with counters folded on write.
type PostgresRepository struct {
	pool        *pgxpool.Pool
	recentLimit int
	logger      *slog.Logger
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sg_documents (
    name TEXT PRIMARY KEY,
    body JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS sg_events (
    message_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL,
    body JSONB NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS sg_events_recorded_at_idx ON sg_events (recorded_at DESC);
CREATE TABLE IF NOT EXISTS sg_counters (
    name TEXT PRIMARY KEY,
    value BIGINT NOT NULL DEFAULT 0
);
`

const (
	documentSettings = "settings"
	documentTokens   = "tokens"
	documentIdentity = "identity"
	counterBits      = "total_bits"
)

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// schema exists.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig, opts ...Option) (*PostgresRepository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("storage: postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &PostgresRepository{
		pool:        pool,
		recentLimit: DefaultRecentLimit,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt.applyPostgres(repo)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return repo, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) document(ctx context.Context, name string, out any) error {
	var body []byte
	row := r.pool.QueryRow(ctx, `SELECT body FROM sg_documents WHERE name = $1`, name)
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load %s: %w", name, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func (r *PostgresRepository) saveDocument(ctx context.Context, name string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO sg_documents (name, body, updated_at) VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`,
		name, body)
	if err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

func (r *PostgresRepository) Settings(ctx context.Context) (Settings, error) {
	var settings Settings
	err := r.document(ctx, documentSettings, &settings)
	if errors.Is(err, ErrNotFound) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func (r *PostgresRepository) UpdateSettings(ctx context.Context, settings Settings) error {
	return r.saveDocument(ctx, documentSettings, settings)
}

func (r *PostgresRepository) SaveTokens(ctx context.Context, tokens oauth.Tokens) error {
	return r.saveDocument(ctx, documentTokens, tokens)
}

func (r *PostgresRepository) Tokens(ctx context.Context) (oauth.Tokens, error) {
	var tokens oauth.Tokens
	if err := r.document(ctx, documentTokens, &tokens); err != nil {
		return oauth.Tokens{}, err
	}
	return tokens, nil
}

func (r *PostgresRepository) SaveIdentity(ctx context.Context, identity Identity) error {
	return r.saveDocument(ctx, documentIdentity, identity)
}

func (r *PostgresRepository) Identity(ctx context.Context) (Identity, error) {
	var identity Identity
	if err := r.document(ctx, documentIdentity, &identity); err != nil {
		return Identity{}, err
	}
	return identity, nil
}

// RecordEvent inserts the event and folds cheer bits into the counter in one
// transaction. A duplicate message id is treated as already recorded.
func (r *PostgresRepository) RecordEvent(ctx context.Context, event live.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
INSERT INTO sg_events (message_id, kind, occurred_at, body) VALUES ($1, $2, $3, $4)
ON CONFLICT (message_id) DO NOTHING`,
		event.MessageID, string(event.Kind), event.OccurredAt, body)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if event.Cheer != nil && event.Cheer.Bits > 0 {
		_, err = tx.Exec(ctx, `
INSERT INTO sg_counters (name, value) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET value = sg_counters.value + EXCLUDED.value`,
			counterBits, int64(event.Cheer.Bits))
		if err != nil {
			return fmt.Errorf("update bits counter: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RecentEvents(ctx context.Context) ([]live.Event, int64, error) {
	rows, err := r.pool.Query(ctx, `
SELECT body FROM sg_events ORDER BY recorded_at DESC LIMIT $1`, r.recentLimit)
	if err != nil {
		return nil, 0, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := make([]live.Event, 0, r.recentLimit)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, 0, fmt.Errorf("scan event: %w", err)
		}
		var event live.Event
		if err := json.Unmarshal(body, &event); err != nil {
			return nil, 0, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate events: %w", err)
	}

	var bits int64
	row := r.pool.QueryRow(ctx, `SELECT value FROM sg_counters WHERE name = $1`, counterBits)
	if err := row.Scan(&bits); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, fmt.Errorf("load bits counter: %w", err)
	}
	return events, bits, nil
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

var _ Repository = (*PostgresRepository)(nil)
