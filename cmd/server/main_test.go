package main

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"streamglass/internal/auth/oauth"
	"streamglass/internal/storage"
)

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "value", "later"); got != "value" {
		t.Fatalf("expected first non-blank value, got %q", got)
	}
	if got := firstNonEmpty("", "  "); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}

func TestResolveListenAddrDefault(t *testing.T) {
	if got := resolveListenAddr("", ""); got != ":8080" {
		t.Fatalf("expected default addr, got %q", got)
	}
	if got := resolveListenAddr(":9999", ""); got != ":9999" {
		t.Fatalf("flag must win, got %q", got)
	}
}

func TestResolveIntPrefersFlag(t *testing.T) {
	t.Setenv("STREAMGLASS_TEST_INT", "7")
	if got := resolveInt(3, "STREAMGLASS_TEST_INT"); got != 3 {
		t.Fatalf("expected flag value, got %d", got)
	}
	if got := resolveInt(0, "STREAMGLASS_TEST_INT"); got != 7 {
		t.Fatalf("expected env fallback, got %d", got)
	}
	if got := resolveInt(0, "STREAMGLASS_TEST_MISSING"); got != 0 {
		t.Fatalf("expected zero for unset, got %d", got)
	}
}

func TestResolveDurationFallback(t *testing.T) {
	t.Setenv("STREAMGLASS_TEST_DUR", "30s")
	if got := resolveDuration(0, "STREAMGLASS_TEST_DUR", time.Minute); got != 30*time.Second {
		t.Fatalf("expected env duration, got %s", got)
	}
	if got := resolveDuration(0, "STREAMGLASS_TEST_DUR_MISSING", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback, got %s", got)
	}
}

func TestOpenRepositoryDefaultsToJSON(t *testing.T) {
	repo, err := openRepository(repositoryOptions{
		dataPath: filepath.Join(t.TempDir(), "data.json"),
		logger:   slog.Default(),
	})
	if err != nil {
		t.Fatalf("openRepository returned error: %v", err)
	}
	defer repo.Close()
	if _, ok := repo.(*storage.JSONRepository); !ok {
		t.Fatalf("expected JSON repository, got %T", repo)
	}
}

func TestOpenRepositoryPostgresRequiresDSN(t *testing.T) {
	if _, err := openRepository(repositoryOptions{driver: "postgres", logger: slog.Default()}); err == nil {
		t.Fatal("expected error for postgres without DSN")
	}
	if _, err := openRepository(repositoryOptions{driver: "bogus", logger: slog.Default()}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestConfigureQueueMemoryDefault(t *testing.T) {
	queue, err := configureQueue(queueOptions{logger: slog.Default()})
	if err != nil {
		t.Fatalf("configureQueue returned error: %v", err)
	}
	if queue == nil {
		t.Fatal("expected a queue")
	}
}

func TestConfigureQueueRedisRequiresAddr(t *testing.T) {
	if _, err := configureQueue(queueOptions{driver: "redis", logger: slog.Default()}); err == nil {
		t.Fatal("expected error for redis queue without address")
	}
	if _, err := configureQueue(queueOptions{driver: "bogus", logger: slog.Default()}); err == nil {
		t.Fatal("expected error for unknown queue driver")
	}
}

func TestConfigureOAuthLoadsStoredTokens(t *testing.T) {
	repo, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatalf("NewJSONRepository returned error: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	tokens := oauth.Tokens{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	if err := repo.SaveTokens(ctx, tokens); err != nil {
		t.Fatalf("SaveTokens returned error: %v", err)
	}

	manager, err := configureOAuth(oauthOptions{
		clientID:     "client-id",
		clientSecret: "client-secret",
		redirectURL:  "http://localhost:8080/oauth/callback",
		repo:         repo,
		logger:       slog.Default(),
	})
	if err != nil {
		t.Fatalf("configureOAuth returned error: %v", err)
	}
	if !manager.Authorized() {
		t.Fatal("expected manager seeded with stored tokens")
	}
}

func TestConfigureOAuthStartsUnauthorized(t *testing.T) {
	repo, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatalf("NewJSONRepository returned error: %v", err)
	}
	defer repo.Close()

	manager, err := configureOAuth(oauthOptions{
		clientID:     "client-id",
		clientSecret: "client-secret",
		redirectURL:  "http://localhost:8080/oauth/callback",
		repo:         repo,
		logger:       slog.Default(),
	})
	if err != nil {
		t.Fatalf("configureOAuth returned error: %v", err)
	}
	if manager.Authorized() {
		t.Fatal("expected unauthorized manager with empty store")
	}
	if _, err := repo.Identity(context.Background()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("identity should remain unset, got %v", err)
	}
}
