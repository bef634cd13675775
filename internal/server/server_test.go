package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"streamglass/internal/api"
	"streamglass/internal/live"
	"streamglass/internal/observability/metrics"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	state := live.NewStore(10)
	handler := api.NewHandler(api.Config{
		State:   state,
		Queue:   live.NewMemoryQueue(8),
		Metrics: cfg.Metrics,
	})
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return srv
}

func TestServerRoutesState(t *testing.T) {
	srv := newTestServer(t, Config{Metrics: metrics.New()})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var state live.State
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
}

func TestServerSetsRequestID(t *testing.T) {
	srv := newTestServer(t, Config{Metrics: metrics.New()})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	if got := rec.Header().Get("X-Request-Id"); got == "" {
		t.Fatal("expected generated request id header")
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set("X-Request-Id", "req-supplied")
	srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "req-supplied" {
		t.Fatalf("expected supplied request id echoed, got %q", got)
	}
}

func TestServerSecurityHeaders(t *testing.T) {
	srv := newTestServer(t, Config{Metrics: metrics.New()})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected nosniff, got %q", got)
	}
	csp := rec.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "connect-src 'self' ws: wss:") {
		t.Fatalf("csp must allow websocket connections, got %q", csp)
	}
	if !strings.Contains(csp, "frame-ancestors 'self'") {
		t.Fatalf("csp must allow same-origin framing for browser sources, got %q", csp)
	}
}

func TestServerServesMetrics(t *testing.T) {
	recorder := metrics.New()
	srv := newTestServer(t, Config{Metrics: recorder})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "streamglass_http_requests_total") {
		t.Fatalf("metrics output missing request counter: %s", rec.Body.String())
	}
}

func TestGlobalRateLimit(t *testing.T) {
	srv := newTestServer(t, Config{
		Metrics:   metrics.New(),
		RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 2},
	})

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
		statuses = append(statuses, rec.Code)
	}
	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK {
		t.Fatalf("first requests should pass, got %v", statuses)
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once burst exhausted, got %v", statuses)
	}
}

func TestAdminRateLimitPerIP(t *testing.T) {
	srv := newTestServer(t, Config{
		Metrics:   metrics.New(),
		RateLimit: RateLimitConfig{AdminLimit: 2, AdminWindow: time.Hour},
	})

	send := func(ip string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/ingest/restart", nil)
		req.Header.Set("X-Forwarded-For", ip)
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := send("10.0.0.1"); code == http.StatusTooManyRequests {
			t.Fatalf("request %d should not be throttled", i)
		}
	}
	if code := send("10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for exhausted ip, got %d", code)
	}
	if code := send("10.0.0.2"); code == http.StatusTooManyRequests {
		t.Fatal("distinct ip must have its own budget")
	}
}

func TestAdminRateLimitSkipsReads(t *testing.T) {
	srv := newTestServer(t, Config{
		Metrics:   metrics.New(),
		RateLimit: RateLimitConfig{AdminLimit: 1, AdminWindow: time.Hour},
	})

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
		if rec.Code == http.StatusTooManyRequests {
			t.Fatalf("read %d unexpectedly throttled", i)
		}
	}
}

func TestServerRunGracefulShutdown(t *testing.T) {
	srv := newTestServer(t, Config{Addr: "127.0.0.1:0", Metrics: metrics.New()})
	ready := make(chan struct{})
	srv.ready = ready

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNewRejectsHalfTLSConfig(t *testing.T) {
	handler := api.NewHandler(api.Config{State: live.NewStore(5)})
	if _, err := New(handler, Config{TLS: TLSConfig{CertFile: "cert.pem"}}); err == nil {
		t.Fatal("expected error for cert without key")
	}
}
