package presence

import "context"

// Skip reasons reported when an event cannot reach a live connection.
const (
	ReasonOffline     = "offline"
	ReasonUnknownPeer = "unknown peer"
	ReasonWriteFailed = "write failed"
)

// Delivery reports whether an outbound event reached a live connection.
// Undeliverable events are dropped by design; the result type exists so the
// drop is observable instead of implicit.
type Delivery struct {
	Delivered bool
	Reason    string
}

// Delivered marks a successful push to a live connection.
func Delivered() Delivery {
	return Delivery{Delivered: true}
}

// Skipped marks a dropped event with the reason it could not be pushed.
func Skipped(reason string) Delivery {
	return Delivery{Reason: reason}
}

// Event is one outbound live-channel event.
type Event struct {
	Type    string
	Payload any
}

// Sender pushes events to a user's live connection when one is attached.
type Sender interface {
	Send(ctx context.Context, userID string, event Event) Delivery
}
