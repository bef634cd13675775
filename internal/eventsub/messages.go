package eventsub

import (
	"encoding/json"
	"time"
)

// Message types carried in envelope metadata.
const (
	messageWelcome      = "session_welcome"
	messageKeepalive    = "session_keepalive"
	messageNotification = "notification"
	messageReconnect    = "session_reconnect"
	messageRevocation   = "revocation"
)

// Envelope is the outer frame of every EventSub WebSocket message. Payload is
// decoded lazily once the message type is known.
type Envelope struct {
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// Metadata identifies a message and, for notifications, the subscription that
// produced it.
type Metadata struct {
	MessageID           string    `json:"message_id"`
	MessageType         string    `json:"message_type"`
	MessageTimestamp    time.Time `json:"message_timestamp"`
	SubscriptionType    string    `json:"subscription_type,omitempty"`
	SubscriptionVersion string    `json:"subscription_version,omitempty"`
}

// SessionPayload is carried by session_welcome and session_reconnect
// messages.
type SessionPayload struct {
	Session struct {
		ID                      string    `json:"id"`
		Status                  string    `json:"status"`
		KeepaliveTimeoutSeconds int       `json:"keepalive_timeout_seconds"`
		ReconnectURL            string    `json:"reconnect_url"`
		ConnectedAt             time.Time `json:"connected_at"`
	} `json:"session"`
}

// NotificationPayload wraps a subscription event. Event stays raw until the
// subscription type selects a converter.
type NotificationPayload struct {
	Subscription SubscriptionInfo `json:"subscription"`
	Event        json.RawMessage  `json:"event"`
}

// RevocationPayload is carried by revocation messages.
type RevocationPayload struct {
	Subscription SubscriptionInfo `json:"subscription"`
}

// SubscriptionInfo describes the subscription referenced by a notification or
// revocation.
type SubscriptionInfo struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Version string `json:"version"`
	Status  string `json:"status"`
}
