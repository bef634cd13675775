package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"streamglass/internal/auth"
	"streamglass/internal/auth/oauth"
	"streamglass/internal/live"
	"streamglass/internal/observability/metrics"
	"streamglass/internal/storage"
)

type stubRestarter struct {
	calls int
}

func (s *stubRestarter) Restart() { s.calls++ }

type handlerFixture struct {
	handler   *Handler
	state     *live.Store
	queue     live.Queue
	repo      *storage.JSONRepository
	restarter *stubRestarter
	recorder  *metrics.Recorder
}

func newFixture(t *testing.T, mutate func(*Config)) *handlerFixture {
	t.Helper()
	repo, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatalf("NewJSONRepository returned error: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	fixture := &handlerFixture{
		state:     live.NewStore(10),
		queue:     live.NewMemoryQueue(8),
		repo:      repo,
		restarter: &stubRestarter{},
		recorder:  metrics.New(),
	}
	cfg := Config{
		State:   fixture.state,
		Queue:   fixture.queue,
		Store:   repo,
		Ingest:  fixture.restarter,
		Metrics: fixture.recorder,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	fixture.handler = NewHandler(cfg)
	return fixture
}

func (f *handlerFixture) serve(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	f.handler.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleStateReturnsSnapshot(t *testing.T) {
	fixture := newFixture(t, nil)
	fixture.state.SetConnection(live.StatusActive, "sess-1", "")
	fixture.state.AppendEvent(live.Event{
		Kind:       live.KindCheer,
		MessageID:  "msg-1",
		OccurredAt: time.Now().UTC(),
		Cheer:      &live.CheerEvent{UserName: "viewer", Bits: 500},
	})

	rec := fixture.serve(t, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var state live.State
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Connection != live.StatusActive || state.SessionID != "sess-1" {
		t.Fatalf("unexpected connection: %+v", state)
	}
	if len(state.Recent) != 1 || state.TotalBits != 500 {
		t.Fatalf("unexpected events: %+v", state)
	}
}

func TestHandleStatusCondensesSnapshot(t *testing.T) {
	fixture := newFixture(t, nil)
	fixture.state.SetConnection(live.StatusReconnecting, "", "read: connection reset")
	fixture.state.SetBackoff(4 * time.Second)

	rec := fixture.serve(t, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Connection != live.StatusReconnecting {
		t.Fatalf("expected reconnecting, got %s", status.Connection)
	}
	if status.BackoffSeconds != 4 || status.LastError == "" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.Authorized {
		t.Fatal("expected unauthorized without oauth manager")
	}
}

func TestHandleSettingsRoundTrip(t *testing.T) {
	fixture := newFixture(t, nil)

	rec := fixture.serve(t, httptest.NewRequest(http.MethodGet, "/api/settings", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var settings storage.Settings
	if err := json.Unmarshal(rec.Body.Bytes(), &settings); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if settings != storage.DefaultSettings() {
		t.Fatalf("expected defaults, got %+v", settings)
	}

	body := strings.NewReader(`{"theme":"neon","showFollows":true,"showSubs":false,"showCheers":true,"minCheerBits":100,"alertDurationSeconds":5}`)
	rec = fixture.serve(t, httptest.NewRequest(http.MethodPut, "/api/settings", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	saved, err := fixture.repo.Settings(context.Background())
	if err != nil {
		t.Fatalf("Settings returned error: %v", err)
	}
	if saved.Theme != "neon" || saved.MinCheerBits != 100 {
		t.Fatalf("settings not persisted: %+v", saved)
	}
}

func TestHandleSettingsRejectsInvalid(t *testing.T) {
	fixture := newFixture(t, nil)
	cases := []string{
		`{"theme":"rainbow","alertDurationSeconds":5}`,
		`{"theme":"dark","minCheerBits":-1,"alertDurationSeconds":5}`,
		`{"theme":"dark","alertDurationSeconds":0}`,
		`{"theme":"dark","alertDurationSeconds":5,"unknown":true}`,
	}
	for _, payload := range cases {
		rec := fixture.serve(t, httptest.NewRequest(http.MethodPut, "/api/settings", strings.NewReader(payload)))
		if rec.Code != http.StatusUnprocessableEntity && rec.Code != http.StatusBadRequest {
			t.Fatalf("expected rejection for %s, got %d", payload, rec.Code)
		}
	}
}

func TestHandleRestartRequiresKey(t *testing.T) {
	hash, err := auth.HashAdminKey("topsecret")
	if err != nil {
		t.Fatalf("HashAdminKey returned error: %v", err)
	}
	fixture := newFixture(t, func(cfg *Config) { cfg.AdminKeyHash = hash })

	rec := fixture.serve(t, httptest.NewRequest(http.MethodPost, "/api/ingest/restart", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	if fixture.restarter.calls != 0 {
		t.Fatal("restart must not run without a valid key")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/ingest/restart", nil)
	req.Header.Set(adminKeyHeader, "wrong")
	rec = fixture.serve(t, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/ingest/restart", nil)
	req.Header.Set(adminKeyHeader, "topsecret")
	rec = fixture.serve(t, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if fixture.restarter.calls != 1 {
		t.Fatalf("expected 1 restart call, got %d", fixture.restarter.calls)
	}
}

func TestHandleRestartDisabledWithoutHash(t *testing.T) {
	fixture := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/ingest/restart", nil)
	req.Header.Set(adminKeyHeader, "anything")
	rec := fixture.serve(t, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when not configured, got %d", rec.Code)
	}
}

func TestHandleHealthDegradedWhenAuthRequired(t *testing.T) {
	fixture := newFixture(t, nil)
	fixture.state.SetConnection(live.StatusActive, "sess-1", "")

	rec := fixture.serve(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 while healthy, got %d", rec.Code)
	}

	fixture.state.SetConnection(live.StatusAuthRequired, "", "token refresh rejected")
	rec = fixture.serve(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when auth required, got %d", rec.Code)
	}
}

func newOAuthManager(t *testing.T, tokenURL string) *oauth.Manager {
	t.Helper()
	cfg := oauth.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost:8080/oauth/callback",
	}
	if tokenURL != "" {
		cfg.TokenURL = tokenURL
	}
	manager, err := oauth.NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	return manager
}

func TestHandleOAuthStartRedirects(t *testing.T) {
	manager := newOAuthManager(t, "")
	fixture := newFixture(t, func(cfg *Config) { cfg.OAuth = manager })

	rec := fixture.serve(t, httptest.NewRequest(http.MethodGet, "/oauth/start?return_to=/dashboard", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if location.Query().Get("client_id") != "client-id" {
		t.Fatalf("redirect missing client_id: %s", location)
	}
	if location.Query().Get("state") == "" {
		t.Fatalf("redirect missing state: %s", location)
	}
}

func TestHandleOAuthStartRejectsExternalReturn(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`))
	}))
	defer tokenServer.Close()

	manager := newOAuthManager(t, tokenServer.URL)
	fixture := newFixture(t, func(cfg *Config) { cfg.OAuth = manager })

	rec := fixture.serve(t, httptest.NewRequest(http.MethodGet, "/oauth/start?return_to=https://evil.example", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	state := location.Query().Get("state")

	target := "/oauth/callback?state=" + url.QueryEscape(state) + "&code=auth-code"
	rec = fixture.serve(t, httptest.NewRequest(http.MethodGet, target, nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d: %s", rec.Code, rec.Body.String())
	}
	// The externally supplied return target must have been replaced.
	if got := rec.Header().Get("Location"); got != "/" {
		t.Fatalf("expected redirect to /, got %s", got)
	}
}

func TestHandleOAuthCallbackCompletesAndRestarts(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "authorization_code" {
			t.Errorf("unexpected grant_type %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`))
	}))
	defer tokenServer.Close()

	manager := newOAuthManager(t, tokenServer.URL)
	fixture := newFixture(t, func(cfg *Config) { cfg.OAuth = manager })

	begin, err := manager.Begin("/dashboard")
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	target := "/oauth/callback?state=" + url.QueryEscape(begin.State) + "&code=auth-code"
	rec := fixture.serve(t, httptest.NewRequest(http.MethodGet, target, nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Location"); got != "/dashboard" {
		t.Fatalf("expected redirect to /dashboard, got %s", got)
	}
	if !manager.Authorized() {
		t.Fatal("manager must hold tokens after callback")
	}
	if fixture.restarter.calls != 1 {
		t.Fatalf("expected ingest restart after authorization, got %d", fixture.restarter.calls)
	}
}

func TestHandleOAuthCallbackRejectsUnknownState(t *testing.T) {
	manager := newOAuthManager(t, "")
	fixture := newFixture(t, func(cfg *Config) { cfg.OAuth = manager })

	rec := fixture.serve(t, httptest.NewRequest(http.MethodGet, "/oauth/callback?state=bogus&code=auth-code", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown state, got %d", rec.Code)
	}
	if fixture.restarter.calls != 0 {
		t.Fatal("restart must not run on failed callback")
	}
}
