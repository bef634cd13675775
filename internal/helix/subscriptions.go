package helix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"streamglass/internal/live"
)

// Subscription type identifiers and versions as registered with EventSub.
const (
	TypeFollow    = "channel.follow"
	TypeSubscribe = "channel.subscribe"
	TypeCheer     = "channel.cheer"

	versionFollow    = "2"
	versionSubscribe = "1"
	versionCheer     = "1"
)

// KindForType maps an EventSub subscription type to the internal event kind.
func KindForType(subscriptionType string) (live.EventKind, bool) {
	switch subscriptionType {
	case TypeFollow:
		return live.KindFollow, true
	case TypeSubscribe:
		return live.KindSubscribe, true
	case TypeCheer:
		return live.KindCheer, true
	default:
		return "", false
	}
}

// TypeForKind maps an internal event kind to its EventSub subscription type
// and version.
func TypeForKind(kind live.EventKind) (subscriptionType, version string, ok bool) {
	switch kind {
	case live.KindFollow:
		return TypeFollow, versionFollow, true
	case live.KindSubscribe:
		return TypeSubscribe, versionSubscribe, true
	case live.KindCheer:
		return TypeCheer, versionCheer, true
	default:
		return "", "", false
	}
}

// SubscriptionRecord describes an EventSub subscription as reported by the
// list endpoint.
type SubscriptionRecord struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Transport struct {
		Method    string `json:"method"`
		SessionID string `json:"session_id"`
	} `json:"transport"`
}

type createSubscriptionRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport struct {
		Method    string `json:"method"`
		SessionID string `json:"session_id"`
	} `json:"transport"`
}

// CreateSubscription registers one WebSocket-transport subscription on the
// provided session. A 409 conflict is treated as success: the subscription
// already exists for this session.
func (c *Client) CreateSubscription(ctx context.Context, kind live.EventKind, sessionID string) error {
	subscriptionType, version, ok := TypeForKind(kind)
	if !ok {
		return fmt.Errorf("helix: unsupported event kind %q", kind)
	}
	identity, err := c.Identity(ctx)
	if err != nil {
		return err
	}

	condition := map[string]string{"broadcaster_user_id": identity.BroadcasterID}
	if subscriptionType == TypeFollow {
		condition["moderator_user_id"] = identity.ModeratorID
	}

	body := createSubscriptionRequest{
		Type:      subscriptionType,
		Version:   version,
		Condition: condition,
	}
	body.Transport.Method = "websocket"
	body.Transport.SessionID = sessionID

	resp, err := c.do(ctx, apiRequest{
		operation: "create_subscription",
		method:    http.MethodPost,
		path:      "/eventsub/subscriptions",
		body:      body,
	})
	if err != nil {
		return err
	}

	switch resp.status {
	case http.StatusAccepted, http.StatusOK, http.StatusConflict:
		c.metrics.ObserveHelixCall("create_subscription", "ok")
		return nil
	case http.StatusForbidden:
		c.metrics.ObserveHelixCall("create_subscription", "scope_error")
		return &ScopeError{SubscriptionType: subscriptionType, Detail: apiMessage(resp.body)}
	case http.StatusTooManyRequests:
		c.metrics.ObserveHelixCall("create_subscription", "rate_limited")
		return rateLimited("create_subscription", resp.header)
	default:
		c.metrics.ObserveHelixCall("create_subscription", "error")
		return &APIError{Operation: "create_subscription", Status: resp.status, Message: apiMessage(resp.body)}
	}
}

// Reconcile brings the platform-side subscription set in line with the
// supported event kinds for the given session. Missing-scope and exhausted
// rate-limit failures are recorded per kind and do not abort the remaining
// kinds; authorization failures abort immediately.
func (c *Client) Reconcile(ctx context.Context, sessionID string) (map[live.EventKind]live.SubscriptionStatus, error) {
	result := make(map[live.EventKind]live.SubscriptionStatus, len(live.Kinds()))
	for _, kind := range live.Kinds() {
		status, err := c.reconcileKind(ctx, kind, sessionID)
		if err != nil {
			return result, err
		}
		result[kind] = status
	}
	return result, nil
}

func (c *Client) reconcileKind(ctx context.Context, kind live.EventKind, sessionID string) (live.SubscriptionStatus, error) {
	for attempt := 0; ; attempt++ {
		err := c.CreateSubscription(ctx, kind, sessionID)
		if err == nil {
			return live.SubscriptionEnabled, nil
		}

		var scopeErr *ScopeError
		if errors.As(err, &scopeErr) {
			c.logger.Warn("subscription rejected for missing scope", "kind", kind, "detail", scopeErr.Detail)
			return live.SubscriptionFailed, nil
		}

		var rateErr *RateLimitError
		if errors.As(err, &rateErr) {
			if attempt >= c.maxRateRetry {
				c.logger.Warn("subscription rate limited, giving up", "kind", kind, "attempts", attempt+1)
				return live.SubscriptionFailed, nil
			}
			delay := rateErr.RetryAfter
			if delay <= 0 {
				delay = time.Second
			}
			select {
			case <-ctx.Done():
				return live.SubscriptionPending, ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		return live.SubscriptionPending, err
	}
}

// ListSubscriptions pages through every subscription owned by the client's
// credentials.
func (c *Client) ListSubscriptions(ctx context.Context) ([]SubscriptionRecord, error) {
	var records []SubscriptionRecord
	cursor := ""
	for {
		query := url.Values{}
		if cursor != "" {
			query.Set("after", cursor)
		}
		resp, err := c.do(ctx, apiRequest{
			operation: "list_subscriptions",
			method:    http.MethodGet,
			path:      "/eventsub/subscriptions",
			query:     query,
		})
		if err != nil {
			return nil, err
		}
		if resp.status != http.StatusOK {
			c.metrics.ObserveHelixCall("list_subscriptions", "error")
			return nil, &APIError{Operation: "list_subscriptions", Status: resp.status, Message: apiMessage(resp.body)}
		}
		c.metrics.ObserveHelixCall("list_subscriptions", "ok")

		var payload struct {
			Data       []SubscriptionRecord `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if err := decode(resp.body, &payload); err != nil {
			return nil, fmt.Errorf("helix list_subscriptions: %w", err)
		}
		records = append(records, payload.Data...)
		if payload.Pagination.Cursor == "" {
			return records, nil
		}
		cursor = payload.Pagination.Cursor
	}
}

// DeleteSubscription removes one subscription by id. Missing subscriptions
// are not an error.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	query := url.Values{}
	query.Set("id", id)
	resp, err := c.do(ctx, apiRequest{
		operation: "delete_subscription",
		method:    http.MethodDelete,
		path:      "/eventsub/subscriptions",
		query:     query,
	})
	if err != nil {
		return err
	}
	switch resp.status {
	case http.StatusNoContent, http.StatusNotFound:
		c.metrics.ObserveHelixCall("delete_subscription", "ok")
		return nil
	default:
		c.metrics.ObserveHelixCall("delete_subscription", "error")
		return &APIError{Operation: "delete_subscription", Status: resp.status, Message: apiMessage(resp.body)}
	}
}

// CleanupSubscriptions deletes subscriptions left behind by dead WebSocket
// sessions so the per-client subscription quota is not slowly exhausted.
func (c *Client) CleanupSubscriptions(ctx context.Context, activeSessionID string) (int, error) {
	records, err := c.ListSubscriptions(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, record := range records {
		if record.Transport.Method != "websocket" {
			continue
		}
		if record.Transport.SessionID == activeSessionID && record.Status == "enabled" {
			continue
		}
		if err := c.DeleteSubscription(ctx, record.ID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		c.logger.Info("removed stale subscriptions", "count", removed)
	}
	return removed, nil
}
