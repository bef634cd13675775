package helix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Identity holds the resolved numeric user ids backing subscription
// conditions. ModeratorID equals BroadcasterID when no separate moderator
// account is configured.
type Identity struct {
	BroadcasterID    string `json:"broadcasterId"`
	BroadcasterLogin string `json:"broadcasterLogin"`
	ModeratorID      string `json:"moderatorId"`
	ModeratorLogin   string `json:"moderatorLogin"`
}

func (i Identity) resolved() bool {
	return i.BroadcasterID != "" && i.ModeratorID != ""
}

// Identity returns the resolved identity, performing the login lookup on
// first use.
func (c *Client) Identity(ctx context.Context) (Identity, error) {
	c.identityMu.Lock()
	defer c.identityMu.Unlock()
	if c.identity.resolved() {
		return c.identity, nil
	}
	if c.broadcasterLogin == "" {
		return Identity{}, fmt.Errorf("helix: %w: broadcaster login is empty", ErrNotConfigured)
	}

	identity, err := c.resolveIdentity(ctx)
	if err != nil {
		return Identity{}, err
	}
	c.identity = identity
	if c.onIdentity != nil {
		if err := c.onIdentity(ctx, identity); err != nil {
			c.logger.Warn("failed to persist resolved identity", "error", err)
		}
	}
	return c.identity, nil
}

func (c *Client) resolveIdentity(ctx context.Context) (Identity, error) {
	logins := []string{c.broadcasterLogin}
	if !strings.EqualFold(c.moderatorLogin, c.broadcasterLogin) {
		logins = append(logins, c.moderatorLogin)
	}

	query := url.Values{}
	for _, login := range logins {
		query.Add("login", login)
	}
	resp, err := c.do(ctx, apiRequest{
		operation: "get_users",
		method:    http.MethodGet,
		path:      "/users",
		query:     query,
	})
	if err != nil {
		return Identity{}, err
	}
	if resp.status != http.StatusOK {
		c.metrics.ObserveHelixCall("get_users", "error")
		return Identity{}, &APIError{Operation: "get_users", Status: resp.status, Message: apiMessage(resp.body)}
	}
	c.metrics.ObserveHelixCall("get_users", "ok")

	var payload struct {
		Data []struct {
			ID    string `json:"id"`
			Login string `json:"login"`
		} `json:"data"`
	}
	if err := decode(resp.body, &payload); err != nil {
		return Identity{}, fmt.Errorf("helix get_users: %w", err)
	}

	byLogin := make(map[string]string, len(payload.Data))
	for _, user := range payload.Data {
		byLogin[strings.ToLower(user.Login)] = user.ID
	}

	identity := Identity{
		BroadcasterLogin: c.broadcasterLogin,
		ModeratorLogin:   c.moderatorLogin,
	}
	identity.BroadcasterID = byLogin[strings.ToLower(c.broadcasterLogin)]
	identity.ModeratorID = byLogin[strings.ToLower(c.moderatorLogin)]
	if identity.BroadcasterID == "" {
		return Identity{}, fmt.Errorf("helix get_users: login %q not found", c.broadcasterLogin)
	}
	if identity.ModeratorID == "" {
		return Identity{}, fmt.Errorf("helix get_users: login %q not found", c.moderatorLogin)
	}
	return identity, nil
}

func decode(body []byte, v any) error {
	return json.Unmarshal(body, v)
}
