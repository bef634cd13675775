package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig tunes the global throttle and the per-IP limit on the
// operator endpoints (restart and OAuth). A RedisAddr makes the per-IP
// counters shared across replicas.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	AdminLimit    int
	AdminWindow   time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type attemptStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
}

type rateLimiter struct {
	global      *tokenBucket
	adminLimit  int
	adminWindow time.Duration
	adminMu     sync.Mutex
	adminSeen   map[string]*ipLimiter
	store       attemptStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		adminLimit:  cfg.AdminLimit,
		adminWindow: cfg.AdminWindow,
		adminSeen:   make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.adminWindow <= 0 {
		rl.adminWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.adminLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisAttemptStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) AllowAdmin(key string) (bool, time.Duration, error) {
	if r == nil || r.adminLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(fmt.Sprintf("streamglass:admin:%s", key), r.adminLimit, r.adminWindow)
	}
	if key == "" {
		key = "unknown"
	}
	r.adminMu.Lock()
	limiter, exists := r.adminSeen[key]
	if !exists {
		rate := float64(r.adminLimit) / r.adminWindow.Seconds()
		limiter = &ipLimiter{bucket: newTokenBucket(rate, r.adminLimit)}
		r.adminSeen[key] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.adminMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.adminSeen) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.adminWindow)
	for key, limiter := range r.adminSeen {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.adminSeen, key)
		}
	}
}

// adminPath reports whether the request targets an operator endpoint that
// carries the stricter per-IP limit.
func adminPath(r *http.Request) bool {
	if r.Method == http.MethodPost && r.URL.Path == "/api/ingest/restart" {
		return true
	}
	return strings.HasPrefix(r.URL.Path, "/oauth/")
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if adminPath(r) {
			allowed, retryAfter, err := rl.AllowAdmin(clientIP(r))
			if err != nil {
				if logger != nil {
					logger.Error("rate limiter failure", "error", err)
				}
				http.Error(w, "rate limiter unavailable", http.StatusServiceUnavailable)
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				}
				http.Error(w, "too many attempts", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}
