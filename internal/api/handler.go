package api

import (
	"log/slog"
	"net/http"
	"time"

	"streamglass/internal/auth/oauth"
	"streamglass/internal/live"
	"streamglass/internal/observability/metrics"
	"streamglass/internal/storage"
)

// Restarter triggers a fresh ingest session, typically after the operator
// has re-authorized the application.
type Restarter interface {
	Restart()
}

// Config wires a Handler's dependencies.
type Config struct {
	State   *live.Store
	Queue   live.Queue
	Store   storage.Repository
	OAuth   *oauth.Manager
	Ingest  Restarter
	Logger  *slog.Logger
	Metrics *metrics.Recorder

	// AdminKeyHash is the PBKDF2 hash the restart endpoint checks
	// presented keys against. Empty disables the endpoint.
	AdminKeyHash string

	// HeartbeatInterval controls how often the overlay stream pings its
	// clients. Zero selects a default.
	HeartbeatInterval time.Duration
}

// Handler serves the overlay and dashboard HTTP surface.
type Handler struct {
	state        *live.Store
	queue        live.Queue
	store        storage.Repository
	oauth        *oauth.Manager
	ingest       Restarter
	logger       *slog.Logger
	metrics      *metrics.Recorder
	adminKeyHash string
	heartbeat    time.Duration
	upgrader     wsUpgrader
}

// NewHandler builds a Handler from cfg. State is required; the remaining
// dependencies may be nil, which disables the endpoints that need them.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Handler{
		state:        cfg.State,
		queue:        cfg.Queue,
		store:        cfg.Store,
		oauth:        cfg.OAuth,
		ingest:       cfg.Ingest,
		logger:       logger,
		metrics:      recorder,
		adminKeyHash: cfg.AdminKeyHash,
		heartbeat:    heartbeat,
		upgrader:     newUpgrader(),
	}
}

// Register mounts the handler's routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/state", h.handleState)
	mux.HandleFunc("/api/status", h.handleStatus)
	mux.HandleFunc("/api/settings", h.handleSettings)
	mux.HandleFunc("/api/live/ws", h.handleLiveStream)
	mux.HandleFunc("/api/ingest/restart", h.handleRestart)
	mux.HandleFunc("/oauth/start", h.handleOAuthStart)
	mux.HandleFunc("/oauth/callback", h.handleOAuthCallback)
	mux.HandleFunc("/healthz", h.handleHealth)
}
