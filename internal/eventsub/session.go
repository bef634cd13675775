package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"streamglass/internal/helix"
	"streamglass/internal/live"
	"streamglass/internal/observability/logging"
	"streamglass/internal/observability/metrics"
)

const (
	// DefaultURL is the production EventSub WebSocket endpoint.
	DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

	defaultHandshakeTimeout = 10 * time.Second
	defaultKeepaliveSeconds = 10
	maxFrameSize            = 1 << 20
)

var errRestart = errors.New("eventsub: restart requested")

// Reconciler registers the supported subscriptions on a fresh session and
// reports the per-kind outcome. An error aborts the session; a returned
// AuthError-style failure pauses reconnects entirely.
type Reconciler interface {
	Reconcile(ctx context.Context, sessionID string) (map[live.EventKind]live.SubscriptionStatus, error)
}

// ManagerConfig bundles the dependencies of the session Manager. Store and
// Reconciler are required.
type ManagerConfig struct {
	URL        string
	Store      *live.Store
	Queue      live.Queue
	Reconciler Reconciler
	Logger     *slog.Logger
	Metrics    *metrics.Recorder

	// HandshakeTimeout bounds the dial plus the wait for session_welcome.
	HandshakeTimeout time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration

	// Dialer overrides the WebSocket dialer, mainly for tests.
	Dialer *websocket.Dialer
}

// Manager owns the EventSub WebSocket session: it dials, performs the welcome
// handshake, reconciles subscriptions, serves frames under the keepalive
// watchdog, and reconnects with exponential backoff when anything breaks.
type Manager struct {
	url              string
	store            *live.Store
	reconciler       Reconciler
	logger           *slog.Logger
	metrics          *metrics.Recorder
	dialer           *websocket.Dialer
	dispatch         *dispatcher
	backoff          *backoff
	handshakeTimeout time.Duration

	restartCh chan struct{}

	mu               sync.Mutex
	conn             *websocket.Conn
	restartRequested bool
}

// NewManager constructs a Manager from the provided configuration.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("eventsub: store is required")
	}
	if cfg.Reconciler == nil {
		return nil, errors.New("eventsub: reconciler is required")
	}
	url := cfg.URL
	if url == "" {
		url = DefaultURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "eventsub")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}
	return &Manager{
		url:              url,
		store:            cfg.Store,
		reconciler:       cfg.Reconciler,
		logger:           logger,
		metrics:          recorder,
		dialer:           dialer,
		dispatch:         newDispatcher(cfg.Store, cfg.Queue, logger, recorder),
		backoff:          newBackoff(cfg.MinBackoff, cfg.MaxBackoff),
		handshakeTimeout: handshakeTimeout,
		restartCh:        make(chan struct{}, 1),
	}, nil
}

// Run drives the connect-serve-reconnect loop until ctx is canceled. It
// always returns ctx.Err() after publishing the closed state.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			m.transition(ctx, live.StatusClosed, "", "")
			return ctx.Err()
		}

		m.transition(ctx, live.StatusConnecting, "", "")
		activeAt, err := m.runSession(ctx)
		if ctx.Err() != nil {
			m.transition(ctx, live.StatusClosed, "", "")
			return ctx.Err()
		}

		switch {
		case errors.Is(err, errRestart):
			m.metrics.ObserveSessionEvent("restart")
			m.backoff.Reset()
			m.logger.Info("session restart requested")
			select {
			case <-m.restartCh:
			default:
			}

		case authRequired(err):
			m.metrics.ObserveSessionEvent("auth_required")
			m.transition(ctx, live.StatusAuthRequired, "", err.Error())
			m.logger.Error("authorization rejected, pausing reconnects", "error", err)
			select {
			case <-ctx.Done():
				m.transition(ctx, live.StatusClosed, "", "")
				return ctx.Err()
			case <-m.restartCh:
				m.clearRestart()
				m.backoff.Reset()
			}

		default:
			if !activeAt.IsZero() && time.Since(activeAt) >= stableSessionAge {
				m.backoff.Reset()
			}
			delay := m.backoff.Next()
			m.store.SetBackoff(delay)
			message := ""
			if err != nil {
				message = err.Error()
			}
			m.transition(ctx, live.StatusReconnecting, "", message)
			m.logger.Warn("session ended, backing off", "error", err, "delay", delay)
			select {
			case <-ctx.Done():
				m.transition(ctx, live.StatusClosed, "", "")
				return ctx.Err()
			case <-m.restartCh:
				m.clearRestart()
				m.backoff.Reset()
			case <-time.After(delay):
			}
		}
	}
}

// Restart forces a fresh session. It kicks the manager out of the
// auth-required pause or a backoff wait, and tears down a live connection so
// the read loop returns immediately. Safe to call concurrently; redundant
// calls coalesce.
func (m *Manager) Restart() {
	m.mu.Lock()
	m.restartRequested = true
	conn := m.conn
	m.mu.Unlock()

	select {
	case m.restartCh <- struct{}{}:
	default:
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (m *Manager) runSession(ctx context.Context) (activeAt time.Time, err error) {
	conn, welcome, err := m.dial(ctx, m.url)
	if err != nil {
		return time.Time{}, err
	}
	defer func() {
		m.setConn(nil)
		_ = conn.Close()
	}()
	m.setConn(conn)
	// A Restart issued before setConn had no connection to close; honor the
	// pending flag now instead of waiting for a read error.
	if m.takeRestart() {
		return time.Time{}, errRestart
	}
	m.metrics.ObserveSessionEvent("welcome")

	sessionID := welcome.Session.ID
	keepalive := keepaliveInterval(welcome)
	sessionLogger := m.logger.With("session_id", sessionID)
	sessionLogger.Info("session established", "keepalive", keepalive)

	m.store.ResetSubscriptions(live.Kinds())
	if err := m.reconcile(ctx, sessionID); err != nil {
		return time.Time{}, err
	}

	m.transition(ctx, live.StatusActive, sessionID, "")
	activeAt = time.Now()

	// serve swaps the connection during a reconnect migration; close
	// whichever one is live on the way out.
	finalConn, err := m.serve(ctx, conn, sessionID, keepalive, sessionLogger)
	if finalConn != conn {
		defer finalConn.Close()
	}
	return activeAt, err
}

// dial connects and waits for the session_welcome frame. The welcome must
// arrive within the handshake timeout or the attempt counts as failed.
func (m *Manager) dial(ctx context.Context, url string) (*websocket.Conn, SessionPayload, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()
	conn, resp, err := m.dialer.DialContext(dialCtx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, SessionPayload{}, fmt.Errorf("eventsub dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxFrameSize)

	if err := conn.SetReadDeadline(time.Now().Add(m.handshakeTimeout)); err != nil {
		conn.Close()
		return nil, SessionPayload{}, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, SessionPayload{}, fmt.Errorf("eventsub handshake: %w", err)
	}

	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		conn.Close()
		return nil, SessionPayload{}, fmt.Errorf("eventsub handshake: malformed frame: %w", err)
	}
	if envelope.Metadata.MessageType != messageWelcome {
		conn.Close()
		return nil, SessionPayload{}, fmt.Errorf("eventsub handshake: expected %s, got %s", messageWelcome, envelope.Metadata.MessageType)
	}
	var welcome SessionPayload
	if err := json.Unmarshal(envelope.Payload, &welcome); err != nil {
		conn.Close()
		return nil, SessionPayload{}, fmt.Errorf("eventsub handshake: malformed welcome: %w", err)
	}
	if welcome.Session.ID == "" {
		conn.Close()
		return nil, SessionPayload{}, errors.New("eventsub handshake: welcome carried no session id")
	}
	return conn, welcome, nil
}

func (m *Manager) serve(ctx context.Context, conn *websocket.Conn, sessionID string, keepalive time.Duration, logger *slog.Logger) (*websocket.Conn, error) {
	// Twice the advertised keepalive interval: one missed keepalive is
	// tolerated, two means the connection is dead.
	watchdog := 2 * keepalive

	for {
		if err := conn.SetReadDeadline(time.Now().Add(watchdog)); err != nil {
			return conn, err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if m.takeRestart() {
				return conn, errRestart
			}
			if isTimeout(err) {
				m.metrics.ObserveSessionEvent("keepalive_timeout")
				return conn, fmt.Errorf("eventsub: keepalive expired after %s", watchdog)
			}
			return conn, fmt.Errorf("eventsub read: %w", err)
		}

		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch envelope.Metadata.MessageType {
		case messageKeepalive:
			// Deadline already refreshed at the top of the loop.

		case messageNotification:
			m.dispatch.HandleNotification(ctx, envelope)

		case messageReconnect:
			next, nextKeepalive, err := m.migrate(ctx, envelope, logger)
			if err != nil {
				return conn, err
			}
			conn.Close()
			conn = next
			keepalive = nextKeepalive
			watchdog = 2 * keepalive
			m.setConn(conn)

		case messageRevocation:
			if err := m.handleRevocation(ctx, envelope, sessionID, logger); err != nil {
				return conn, err
			}

		default:
			logger.Debug("dropping unknown message type", "type", envelope.Metadata.MessageType)
		}
	}
}

// migrate dials the reconnect URL and waits for its welcome before the old
// connection is abandoned, so no notification gap opens up. Subscriptions
// carry over; no re-reconcile happens on the new socket.
func (m *Manager) migrate(ctx context.Context, envelope Envelope, logger *slog.Logger) (*websocket.Conn, time.Duration, error) {
	m.metrics.ObserveSessionEvent("reconnect_requested")

	var payload SessionPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return nil, 0, fmt.Errorf("eventsub reconnect: malformed payload: %w", err)
	}
	if payload.Session.ReconnectURL == "" {
		return nil, 0, errors.New("eventsub reconnect: no reconnect url")
	}

	logger.Info("migrating to replacement connection")
	// The old connection stays open until the new welcome arrives; the
	// caller closes it after the swap.
	next, welcome, err := m.dial(ctx, payload.Session.ReconnectURL)
	if err != nil {
		return nil, 0, fmt.Errorf("eventsub reconnect: %w", err)
	}
	return next, keepaliveInterval(welcome), nil
}

func (m *Manager) handleRevocation(ctx context.Context, envelope Envelope, sessionID string, logger *slog.Logger) error {
	m.metrics.ObserveSessionEvent("revocation")

	var payload RevocationPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		logger.Warn("malformed revocation payload", "error", err)
		return nil
	}
	kind, ok := helix.KindForType(payload.Subscription.Type)
	if !ok {
		return nil
	}
	logger.Warn("subscription revoked", "kind", kind, "status", payload.Subscription.Status)
	m.store.SetSubscription(kind, live.SubscriptionRevoked)

	// One re-registration attempt. Authorization revocations will come back
	// as an AuthError and pause the loop.
	return m.reconcile(ctx, sessionID)
}

func (m *Manager) reconcile(ctx context.Context, sessionID string) error {
	statuses, err := m.reconciler.Reconcile(ctx, sessionID)
	for kind, status := range statuses {
		m.store.SetSubscription(kind, status)
	}
	if err != nil {
		return fmt.Errorf("eventsub reconcile: %w", err)
	}
	return nil
}

func (m *Manager) transition(ctx context.Context, status live.Status, sessionID, lastError string) {
	m.store.SetConnection(status, sessionID, lastError)
	m.metrics.SetConnectionState(string(status))
	m.dispatch.PublishStatus(ctx, status)
}

func (m *Manager) setConn(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
}

func (m *Manager) takeRestart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	requested := m.restartRequested
	m.restartRequested = false
	return requested
}

func (m *Manager) clearRestart() {
	m.mu.Lock()
	m.restartRequested = false
	m.mu.Unlock()
}

func keepaliveInterval(welcome SessionPayload) time.Duration {
	seconds := welcome.Session.KeepaliveTimeoutSeconds
	if seconds <= 0 {
		seconds = defaultKeepaliveSeconds
	}
	return time.Duration(seconds) * time.Second
}

// authRequired reports whether err carries an authorization failure that a
// reconnect cannot fix.
func authRequired(err error) bool {
	var auth interface{ AuthRequired() bool }
	return errors.As(err, &auth) && auth.AuthRequired()
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
