package bus

import "time"

// Event kinds published by the messaging core. Subscribers filter by prefix,
// e.g. "timeline." or "conn.".
const (
	KindConnState       = "conn.state_changed"
	KindConnAuthFailed  = "conn.auth_failed"
	KindTimelineUpdated = "timeline.updated"
	KindTimelineSeeded  = "timeline.seeded"
	KindDirectoryUpdate = "directory.updated"
	KindMessageConfirm  = "message.confirmed"
	KindMessageFailed   = "message.send_failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// ConversationRef is the payload of timeline and message events.
type ConversationRef struct {
	ConversationID string
	LocalKey       string
	MessageID      string
}
