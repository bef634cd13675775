package server

import "net/http"

const (
	defaultFrameAncestors     = "'self'"
	defaultReferrerPolicy     = "no-referrer"
	defaultPermissionsPolicy  = "camera=(), microphone=(), geolocation=()"
	defaultContentTypeOptions = "nosniff"
)

// SecurityConfig controls the hardening headers on every response. The
// defaults allow same-origin framing because OBS browser sources embed the
// overlay page, and permit WebSocket connections back to the serving host.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameAncestors        string
	ReferrerPolicy        string
	PermissionsPolicy     string
	ContentTypeOptions    string
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if cfg.FrameAncestors == "" {
		cfg.FrameAncestors = defaultFrameAncestors
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaultReferrerPolicy
	}
	if cfg.PermissionsPolicy == "" {
		cfg.PermissionsPolicy = defaultPermissionsPolicy
	}
	if cfg.ContentTypeOptions == "" {
		cfg.ContentTypeOptions = defaultContentTypeOptions
	}
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultContentSecurityPolicy(cfg.FrameAncestors)
	}
	return cfg
}

func defaultContentSecurityPolicy(frameAncestors string) string {
	return "default-src 'self'; " +
		"connect-src 'self' ws: wss:; " +
		"img-src 'self' data: https:; " +
		"script-src 'self'; " +
		"style-src 'self' 'unsafe-inline'; " +
		"font-src 'self'; " +
		"object-src 'none'; " +
		"base-uri 'self'; " +
		"frame-ancestors " + frameAncestors + "; " +
		"form-action 'self'"
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	effective := cfg.withDefaults()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", effective.ContentSecurityPolicy)
		w.Header().Set("X-Content-Type-Options", effective.ContentTypeOptions)
		w.Header().Set("Referrer-Policy", effective.ReferrerPolicy)
		w.Header().Set("Permissions-Policy", effective.PermissionsPolicy)
		next.ServeHTTP(w, r)
	})
}
