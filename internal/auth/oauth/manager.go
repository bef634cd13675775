package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"streamglass/internal/observability/logging"
)

// ErrStateInvalid is returned when the state parameter is missing or expired.
var ErrStateInvalid = errors.New("oauth state invalid or expired")

// ErrNotAuthorized is returned when no token pair has been stored yet, or the
// stored pair lacks a refresh token. It reports AuthRequired so callers pause
// for re-authentication instead of retrying.
var ErrNotAuthorized error = notAuthorizedError("oauth: not authorized")

type notAuthorizedError string

func (e notAuthorizedError) Error() string { return string(e) }

// AuthRequired marks the condition as unrecoverable without a new grant.
func (notAuthorizedError) AuthRequired() bool { return true }

const (
	defaultAuthorizeURL = "https://id.twitch.tv/oauth2/authorize"
	defaultTokenURL     = "https://id.twitch.tv/oauth2/token"
)

// DefaultScopes covers every subscription the ingest pipeline registers.
var DefaultScopes = []string{
	"moderator:read:followers",
	"channel:read:subscriptions",
	"bits:read",
}

// Tokens is the persisted token pair. ExpiresAt is advisory; the Helix client
// reacts to 401 responses rather than scheduling proactive refreshes.
type Tokens struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// BeginResult is returned when an authorisation request is constructed.
type BeginResult struct {
	URL   string
	State string
}

// Config bundles the settings for the Manager. ClientID and ClientSecret are
// required before any flow can run.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	AuthorizeURL string
	TokenURL     string
}

// Validate reports whether the configuration can drive a flow.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return errors.New("oauth: client id is required")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		return errors.New("oauth: client secret is required")
	}
	if strings.TrimSpace(c.RedirectURL) == "" {
		return errors.New("oauth: redirect url is required")
	}
	return nil
}

// Manager drives the authorization-code flow against the Twitch identity
// service and guards the stored token pair. It satisfies the Helix client's
// TokenSource.
type Manager struct {
	cfg     Config
	state   StateStore
	client  *http.Client
	logger  *slog.Logger
	ttl     time.Duration
	persist func(ctx context.Context, tokens Tokens) error

	mu     sync.RWMutex
	tokens Tokens
}

// Option customises the Manager.
type Option func(*Manager)

// WithStateStore injects a custom state store.
func WithStateStore(store StateStore) Option {
	return func(m *Manager) {
		if store != nil {
			m.state = store
		}
	}
}

// WithHTTPClient overrides the HTTP client used for token exchanges.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.client = client
		}
	}
}

// WithStateTTL adjusts how long state parameters remain valid.
func WithStateTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithLogger sets the logger used for flow diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logging.WithComponent(logger, "oauth")
		}
	}
}

// WithPersist registers a callback invoked whenever the token pair changes,
// so rotated tokens survive restarts.
func WithPersist(persist func(ctx context.Context, tokens Tokens) error) Option {
	return func(m *Manager) {
		m.persist = persist
	}
}

// WithTokens seeds the manager with a previously persisted token pair.
func WithTokens(tokens Tokens) Option {
	return func(m *Manager) {
		m.tokens = tokens
	}
}

// NewManager constructs a Manager for the provided configuration.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.AuthorizeURL == "" {
		cfg.AuthorizeURL = defaultAuthorizeURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	mgr := &Manager{
		cfg:    cfg,
		state:  NewMemoryStateStore(),
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logging.WithComponent(slog.Default(), "oauth"),
		ttl:    10 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr, nil
}

// ClientID exposes the application id attached to API requests.
func (m *Manager) ClientID() string {
	return m.cfg.ClientID
}

// Authorized reports whether a token pair is currently stored.
func (m *Manager) Authorized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens.AccessToken != ""
}

// Begin initialises an authorization flow and returns the redirect URL.
func (m *Manager) Begin(returnTo string) (BeginResult, error) {
	state, err := GenerateState()
	if err != nil {
		return BeginResult{}, err
	}
	if err := m.state.Put(state, StateData{ReturnTo: returnTo}, m.ttl); err != nil {
		return BeginResult{}, err
	}

	parsed, err := url.Parse(m.cfg.AuthorizeURL)
	if err != nil {
		return BeginResult{}, fmt.Errorf("parse authorize url: %w", err)
	}
	query := parsed.Query()
	query.Set("response_type", "code")
	query.Set("client_id", m.cfg.ClientID)
	query.Set("redirect_uri", m.cfg.RedirectURL)
	query.Set("scope", strings.Join(m.cfg.Scopes, " "))
	query.Set("state", state)
	parsed.RawQuery = query.Encode()
	return BeginResult{URL: parsed.String(), State: state}, nil
}

// Complete redeems the state parameter, exchanges the authorisation code, and
// stores the resulting token pair. It returns the saved return URL.
func (m *Manager) Complete(ctx context.Context, state, code string) (string, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return "", ErrStateInvalid
	}
	data, ok := m.state.Take(state)
	if !ok {
		return "", ErrStateInvalid
	}

	payload := url.Values{}
	payload.Set("grant_type", "authorization_code")
	payload.Set("code", strings.TrimSpace(code))
	payload.Set("redirect_uri", m.cfg.RedirectURL)

	tokens, err := m.tokenRequest(ctx, payload)
	if err != nil {
		return data.ReturnTo, err
	}
	if err := m.store(ctx, tokens); err != nil {
		return data.ReturnTo, err
	}
	m.logger.Info("authorization completed", "scopes", tokens.Scopes)
	return data.ReturnTo, nil
}

// AccessToken returns the stored access token.
func (m *Manager) AccessToken(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tokens.AccessToken == "" {
		return "", ErrNotAuthorized
	}
	return m.tokens.AccessToken, nil
}

// Refresh exchanges the refresh token for a new pair and returns the new
// access token. The rotated pair is persisted before the call returns.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.mu.RLock()
	refreshToken := m.tokens.RefreshToken
	m.mu.RUnlock()
	if refreshToken == "" {
		return "", ErrNotAuthorized
	}

	payload := url.Values{}
	payload.Set("grant_type", "refresh_token")
	payload.Set("refresh_token", refreshToken)

	tokens, err := m.tokenRequest(ctx, payload)
	if err != nil {
		return "", err
	}
	// Providers may omit the refresh token on rotation; keep the old one.
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	if err := m.store(ctx, tokens); err != nil {
		return "", err
	}
	return tokens.AccessToken, nil
}

// SetTokens replaces the stored pair, persisting the change.
func (m *Manager) SetTokens(ctx context.Context, tokens Tokens) error {
	return m.store(ctx, tokens)
}

// CurrentTokens returns a copy of the stored pair.
func (m *Manager) CurrentTokens() Tokens {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens
}

func (m *Manager) store(ctx context.Context, tokens Tokens) error {
	m.mu.Lock()
	m.tokens = tokens
	m.mu.Unlock()
	if m.persist == nil {
		return nil
	}
	if err := m.persist(ctx, tokens); err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}
	return nil
}

func (m *Manager) tokenRequest(ctx context.Context, payload url.Values) (Tokens, error) {
	payload.Set("client_id", m.cfg.ClientID)
	payload.Set("client_secret", m.cfg.ClientSecret)

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(payload.Encode()))
	if err != nil {
		return Tokens{}, fmt.Errorf("create token request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")

	response, err := m.client.Do(request)
	if err != nil {
		return Tokens{}, fmt.Errorf("token request: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return Tokens{}, fmt.Errorf("read token response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		snippet := string(bytes.TrimSpace(body))
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return Tokens{}, fmt.Errorf("token request failed: %s", snippet)
	}

	var parsed struct {
		AccessToken  string   `json:"access_token"`
		RefreshToken string   `json:"refresh_token"`
		ExpiresIn    int      `json:"expires_in"`
		Scope        []string `json:"scope"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Tokens{}, fmt.Errorf("decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return Tokens{}, errors.New("token response missing access_token")
	}
	tokens := Tokens{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		Scopes:       parsed.Scope,
	}
	if parsed.ExpiresIn > 0 {
		tokens.ExpiresAt = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	}
	return tokens, nil
}
