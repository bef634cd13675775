package eventsub

import (
	"encoding/json"
	"fmt"
	"time"

	"streamglass/internal/helix"
	"streamglass/internal/live"
)

// converters maps EventSub subscription types to functions that decode the
// raw event body into the internal representation. Types without an entry are
// logged and dropped rather than failing the session.
var converters = map[string]func(meta Metadata, raw json.RawMessage) (live.Event, error){
	helix.TypeFollow:    convertFollow,
	helix.TypeSubscribe: convertSubscribe,
	helix.TypeCheer:     convertCheer,
}

func convertFollow(meta Metadata, raw json.RawMessage) (live.Event, error) {
	var body struct {
		UserID     string    `json:"user_id"`
		UserLogin  string    `json:"user_login"`
		UserName   string    `json:"user_name"`
		FollowedAt time.Time `json:"followed_at"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return live.Event{}, fmt.Errorf("decode %s event: %w", helix.TypeFollow, err)
	}
	followedAt := body.FollowedAt
	if followedAt.IsZero() {
		followedAt = meta.MessageTimestamp
	}
	return live.Event{
		Kind:       live.KindFollow,
		MessageID:  meta.MessageID,
		OccurredAt: eventTime(meta),
		Follow: &live.FollowEvent{
			UserID:     body.UserID,
			UserName:   displayName(body.UserName, body.UserLogin),
			FollowedAt: followedAt,
		},
	}, nil
}

func convertSubscribe(meta Metadata, raw json.RawMessage) (live.Event, error) {
	var body struct {
		UserID    string `json:"user_id"`
		UserLogin string `json:"user_login"`
		UserName  string `json:"user_name"`
		Tier      string `json:"tier"`
		IsGift    bool   `json:"is_gift"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return live.Event{}, fmt.Errorf("decode %s event: %w", helix.TypeSubscribe, err)
	}
	return live.Event{
		Kind:       live.KindSubscribe,
		MessageID:  meta.MessageID,
		OccurredAt: eventTime(meta),
		Subscribe: &live.SubscribeEvent{
			UserID:   body.UserID,
			UserName: displayName(body.UserName, body.UserLogin),
			Tier:     body.Tier,
			IsGift:   body.IsGift,
		},
	}, nil
}

func convertCheer(meta Metadata, raw json.RawMessage) (live.Event, error) {
	var body struct {
		UserID      string `json:"user_id"`
		UserLogin   string `json:"user_login"`
		UserName    string `json:"user_name"`
		IsAnonymous bool   `json:"is_anonymous"`
		Bits        int    `json:"bits"`
		Message     string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return live.Event{}, fmt.Errorf("decode %s event: %w", helix.TypeCheer, err)
	}
	name := displayName(body.UserName, body.UserLogin)
	if body.IsAnonymous || name == "" {
		name = "Anonymous"
	}
	return live.Event{
		Kind:       live.KindCheer,
		MessageID:  meta.MessageID,
		OccurredAt: eventTime(meta),
		Cheer: &live.CheerEvent{
			UserID:   body.UserID,
			UserName: name,
			Bits:     body.Bits,
			Message:  body.Message,
		},
	}, nil
}

func eventTime(meta Metadata) time.Time {
	if meta.MessageTimestamp.IsZero() {
		return time.Now().UTC()
	}
	return meta.MessageTimestamp
}

func displayName(name, login string) string {
	if name != "" {
		return name
	}
	return login
}
