package live

import "time"

// EventKind enumerates the broadcaster activity kinds flowing through the
// ingest pipeline and out to overlay/dashboard consumers.
type EventKind string

const (
	// KindFollow represents a new follower.
	KindFollow EventKind = "follow"
	// KindSubscribe represents a new or gifted channel subscription.
	KindSubscribe EventKind = "subscribe"
	// KindCheer represents a bit donation.
	KindCheer EventKind = "cheer"
)

// Kinds lists every supported event kind in a stable order.
func Kinds() []EventKind {
	return []EventKind{KindFollow, KindSubscribe, KindCheer}
}

// Event is the tagged union applied to the live state and forwarded on the
// update queue. Exactly one of Follow, Subscribe, or Cheer is set, matching
// Kind. MessageID is the platform-assigned delivery id used for
// de-duplication across reconnect boundaries.
type Event struct {
	Kind       EventKind       `json:"kind"`
	MessageID  string          `json:"messageId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Follow     *FollowEvent    `json:"follow,omitempty"`
	Subscribe  *SubscribeEvent `json:"subscribe,omitempty"`
	Cheer      *CheerEvent     `json:"cheer,omitempty"`
}

// FollowEvent transports the follower identity.
type FollowEvent struct {
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName"`
	FollowedAt time.Time `json:"followedAt"`
}

// SubscribeEvent transports a subscription with its tier and gift flag.
type SubscribeEvent struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Tier     string `json:"tier"`
	IsGift   bool   `json:"isGift"`
}

// CheerEvent transports a bit donation. UserName is "Anonymous" when the
// platform withholds the identity.
type CheerEvent struct {
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName"`
	Bits     int    `json:"bits"`
	Message  string `json:"message,omitempty"`
}

// UpdateOp labels the payload carried by an Update on the queue.
type UpdateOp string

const (
	// OpEvent signals that a new activity event was applied.
	OpEvent UpdateOp = "event"
	// OpStatus signals that the connection or subscription status changed.
	OpStatus UpdateOp = "status"
)

// Update is the notification pushed to overlay/dashboard consumers after each
// applied mutation. Delivery is best-effort; consumers that fall behind must
// re-fetch a full snapshot.
type Update struct {
	Op         UpdateOp  `json:"op"`
	Event      *Event    `json:"event,omitempty"`
	Connection Status    `json:"connection,omitempty"`
	SentAt     time.Time `json:"sentAt"`
}
