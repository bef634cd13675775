package helix

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
	"strconv"
	"strings"
	"sync"
	"time"

	"streamglass/internal/observability/logging"
	"streamglass/internal/observability/metrics"
)

const defaultBaseURL = "https://api.twitch.tv/helix"

// ErrNotConfigured is returned when the client is asked to act before any
// credentials have been stored.
var ErrNotConfigured = errors.New("helix: no credentials configured")

// TokenSource supplies the user access token attached to every request.
// Refresh exchanges the stored refresh token for a new access token and
// returns it; implementations persist the rotated pair before returning.
type TokenSource interface {
	ClientID() string
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Config bundles the dependencies for a Client. Tokens is required; the rest
// default sensibly.
type Config struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Recorder

	// MaxRateLimitRetries bounds back-to-back retries of a single call after
	// 429 responses.
	MaxRateLimitRetries int

	// BroadcasterLogin names the channel to watch. ModeratorLogin defaults
	// to the broadcaster when empty.
	BroadcasterLogin string
	ModeratorLogin   string

	// Identity seeds the resolved numeric ids when they were persisted by a
	// previous run, skipping the lookup call.
	Identity Identity

	// OnIdentityResolved is invoked after a login lookup succeeds so callers
	// can persist the numeric ids.
	OnIdentityResolved func(ctx context.Context, identity Identity) error
}

// Client wraps the Helix REST API with token handling: every call attaches
// the current access token, and a 401 triggers exactly one refresh-and-retry
// before the call fails with an AuthError.
type Client struct {
	baseURL      string
	tokens       TokenSource
	httpClient   *http.Client
	logger       *slog.Logger
	metrics      *metrics.Recorder
	maxRateRetry int

	broadcasterLogin string
	moderatorLogin   string
	onIdentity       func(ctx context.Context, identity Identity) error

	identityMu sync.Mutex
	identity   Identity
}

// NewClient constructs a Client from the provided configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("helix: token source is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	maxRateRetry := cfg.MaxRateLimitRetries
	if maxRateRetry <= 0 {
		maxRateRetry = 3
	}
	moderatorLogin := cfg.ModeratorLogin
	if moderatorLogin == "" {
		moderatorLogin = cfg.BroadcasterLogin
	}
	return &Client{
		baseURL:          baseURL,
		tokens:           cfg.Tokens,
		httpClient:       httpClient,
		logger:           logging.WithComponent(logger, "helix"),
		metrics:          recorder,
		maxRateRetry:     maxRateRetry,
		broadcasterLogin: cfg.BroadcasterLogin,
		moderatorLogin:   moderatorLogin,
		onIdentity:       cfg.OnIdentityResolved,
		identity:         cfg.Identity,
	}, nil
}

type apiRequest struct {
	operation string
	method    string
	path      string
	query     url.Values
	body      any
}

type apiResponse struct {
	status int
	header http.Header
	body   []byte
}

// do executes the request with the token guard. The returned response body is
// already read and the connection released; callers decode from the byte
// slice.
func (c *Client) do(ctx context.Context, req apiRequest) (apiResponse, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return apiResponse{}, fmt.Errorf("helix %s: %w", req.operation, err)
	}

	resp, err := c.doOnce(ctx, req, token)
	if err != nil {
		c.metrics.ObserveHelixCall(req.operation, "error")
		return apiResponse{}, err
	}
	if resp.status != http.StatusUnauthorized {
		return resp, nil
	}

	// One refresh, one retry. A second 401 means the grant itself is dead.
	c.logger.Warn("access token rejected, refreshing", "operation", req.operation)
	refreshed, err := c.tokens.Refresh(ctx)
	if err != nil {
		c.metrics.ObserveTokenRefresh("error")
		c.metrics.ObserveHelixCall(req.operation, "auth_error")
		return apiResponse{}, &AuthError{Operation: req.operation, Reason: err.Error()}
	}
	c.metrics.ObserveTokenRefresh("ok")

	resp, err = c.doOnce(ctx, req, refreshed)
	if err != nil {
		c.metrics.ObserveHelixCall(req.operation, "error")
		return apiResponse{}, err
	}
	if resp.status == http.StatusUnauthorized {
		c.metrics.ObserveHelixCall(req.operation, "auth_error")
		return apiResponse{}, &AuthError{Operation: req.operation, Reason: apiMessage(resp.body)}
	}
	return resp, nil
}

func (c *Client) doOnce(ctx context.Context, req apiRequest, token string) (apiResponse, error) {
	var payload io.Reader
	if req.body != nil {
		encoded, err := json.Marshal(req.body)
		if err != nil {
			return apiResponse{}, fmt.Errorf("helix %s: encode request: %w", req.operation, err)
		}
		payload = bytes.NewReader(encoded)
	}

	endpoint := c.baseURL + req.path
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, payload)
	if err != nil {
		return apiResponse{}, fmt.Errorf("helix %s: %w", req.operation, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Client-Id", c.tokens.ClientID())
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return apiResponse{}, fmt.Errorf("helix %s: %w", req.operation, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apiResponse{}, fmt.Errorf("helix %s: read response: %w", req.operation, err)
	}
	return apiResponse{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

// rateLimited converts a 429 response into a RateLimitError carrying the
// server-provided delay when present.
func rateLimited(operation string, header http.Header) *RateLimitError {
	retryAfter := time.Duration(0)
	if value := header.Get("Retry-After"); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
			retryAfter = time.Duration(seconds) * time.Second
		}
	}
	return &RateLimitError{Operation: operation, RetryAfter: retryAfter}
}

func apiMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Message
}
