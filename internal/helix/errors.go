package helix

import (
	"fmt"
	"time"
)

// AuthError indicates both the stored access token and a refresh attempt were
// rejected. Callers should stop retrying and surface the need for operator
// re-authorization.
type AuthError struct {
	Operation string
	Reason    string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("helix %s: authorization rejected", e.Operation)
	}
	return fmt.Sprintf("helix %s: authorization rejected: %s", e.Operation, e.Reason)
}

// AuthRequired marks the error as non-retryable without new credentials.
func (e *AuthError) AuthRequired() bool { return true }

// ScopeError indicates the token is valid but lacks a scope required by a
// subscription. Retrying without re-authorization cannot succeed.
type ScopeError struct {
	SubscriptionType string
	Detail           string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("helix subscription %s rejected for missing scope: %s", e.SubscriptionType, e.Detail)
}

// RateLimitError indicates the API asked us to slow down. RetryAfter is zero
// when the response carried no Retry-After header.
type RateLimitError struct {
	Operation  string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("helix %s: rate limited, retry after %s", e.Operation, e.RetryAfter)
	}
	return fmt.Sprintf("helix %s: rate limited", e.Operation)
}

// APIError carries a non-2xx response that does not map to a more specific
// error type.
type APIError struct {
	Operation string
	Status    int
	Message   string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("helix %s: unexpected status %d", e.Operation, e.Status)
	}
	return fmt.Sprintf("helix %s: status %d: %s", e.Operation, e.Status, e.Message)
}
