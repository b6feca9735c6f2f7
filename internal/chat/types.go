package chat

import "time"

// DeliveryState is the client-side lifecycle of a timeline entry.
type DeliveryState string

const (
	Pending   DeliveryState = "pending"
	Confirmed DeliveryState = "confirmed"
	Failed    DeliveryState = "failed"
)

// Terminal reports whether no further transition is expected.
func (s DeliveryState) Terminal() bool {
	return s == Confirmed || s == Failed
}

// Message is one timeline entry. MessageID is empty until the server
// acknowledges the message; LocalKey is set only for messages sent from this
// client.
type Message struct {
	MessageID      string        `json:"messageId,omitempty"`
	LocalKey       string        `json:"localKey,omitempty"`
	ConversationID string        `json:"conversationId"`
	AuthorID       string        `json:"authorId"`
	Body           string        `json:"body"`
	AttachmentRef  string        `json:"attachmentRef,omitempty"`
	MessageType    string        `json:"messageType,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	State          DeliveryState `json:"deliveryState"`
}

// Acknowledged reports whether the server has assigned an id.
func (m Message) Acknowledged() bool {
	return m.MessageID != ""
}

// Conversation is the directory row for one conversation.
type Conversation struct {
	ID                 string    `json:"conversationId"`
	PeerID             string    `json:"peerId,omitempty"`
	PeerDisplayName    string    `json:"peerDisplayName"`
	PeerAvatarRef      string    `json:"peerAvatarRef,omitempty"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	UnreadCount        int       `json:"unreadCount"`
}

// DisplayName falls back to the peer id and then the conversation id.
func (c Conversation) DisplayName() string {
	switch {
	case c.PeerDisplayName != "":
		return c.PeerDisplayName
	case c.PeerID != "":
		return c.PeerID
	default:
		return c.ID
	}
}
