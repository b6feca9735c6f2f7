// Package wire holds the JSON shapes exchanged with the messaging backend and
// normalizes their inconsistencies once, at decode time.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatline/internal/chat"
)

// ID accepts both JSON numbers and strings and always holds the string form.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Time accepts RFC 3339 with or without a zone (zoneless values are UTC) and
// unix milliseconds.
type Time struct {
	time.Time
}

var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`""`)) {
		t.Time = time.Time{}
		return nil
	}
	if len(b) > 0 && b[0] != '"' {
		ms, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// MarshalJSON writes RFC 3339 with nanoseconds.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// ParseTime parses the timestamp formats the backend is known to emit.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if v, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return v, nil
	}
	for _, layout := range zonelessLayouts {
		if v, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return v, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Message is a message as served by GET /messages and pushed by ReceiveMessage.
type Message struct {
	MessageID      ID     `json:"messageId"`
	LegacyID       ID     `json:"id,omitempty"`
	ConversationID ID     `json:"conversationId"`
	SenderID       ID     `json:"senderId"`
	Content        string `json:"content"`
	FileURL        string `json:"fileUrl,omitempty"`
	MessageType    string `json:"messageType,omitempty"`
	CreatedAt      Time   `json:"createdAt"`
}

// ToChat converts to the domain type. Server messages are always confirmed.
func (m Message) ToChat() chat.Message {
	id := m.MessageID
	if id == "" {
		id = m.LegacyID
	}
	return chat.Message{
		MessageID:      string(id),
		ConversationID: string(m.ConversationID),
		AuthorID:       string(m.SenderID),
		Body:           m.Content,
		AttachmentRef:  m.FileURL,
		MessageType:    m.MessageType,
		CreatedAt:      m.CreatedAt.Time,
		State:          chat.Confirmed,
	}
}

// FromChat is the inverse of ToChat, used by the development backend.
func FromChat(m chat.Message) Message {
	return Message{
		MessageID:      ID(m.MessageID),
		ConversationID: ID(m.ConversationID),
		SenderID:       ID(m.AuthorID),
		Content:        m.Body,
		FileURL:        m.AttachmentRef,
		MessageType:    m.MessageType,
		CreatedAt:      Time{m.CreatedAt},
	}
}

// Conversation is one row of GET /conversations/{role}/{userId}.
type Conversation struct {
	ConversationID   ID     `json:"conversationId"`
	PartnerID        ID     `json:"partnerId,omitempty"`
	PartnerName      string `json:"partnerName,omitempty"`
	PartnerAvatarURL string `json:"partnerAvatarUrl,omitempty"`
	LastMessage      string `json:"lastMessage,omitempty"`
	LastMessageAt    Time   `json:"lastMessageAt"`
	UnreadCount      int    `json:"unreadCount,omitempty"`
}

// ToChat converts to the domain type.
func (c Conversation) ToChat() chat.Conversation {
	unread := c.UnreadCount
	if unread < 0 {
		unread = 0
	}
	return chat.Conversation{
		ID:                 string(c.ConversationID),
		PeerID:             string(c.PartnerID),
		PeerDisplayName:    c.PartnerName,
		PeerAvatarRef:      c.PartnerAvatarURL,
		LastMessagePreview: c.LastMessage,
		LastMessageAt:      c.LastMessageAt.Time,
		UnreadCount:        unread,
	}
}

// SendRequest is the body of POST /messages/{conversationId}.
type SendRequest struct {
	SenderID    string `json:"senderId"`
	Content     string `json:"content"`
	FileURL     string `json:"fileUrl,omitempty"`
	MessageType string `json:"messageType"`
}

// CreateConversationRequest is the body of POST /conversations.
type CreateConversationRequest struct {
	Type      string `json:"type"`
	CreatedBy string `json:"createdBy"`
}

// envelopeKeys are the wrapper objects some endpoints put around payloads.
var envelopeKeys = []string{"data", "items", "result", "messages", "conversations", "message"}

// Unwrap strips one level of {"data": ...} style envelope if present.
func Unwrap(body []byte) json.RawMessage {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return body
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return body
	}
	for _, k := range envelopeKeys {
		if v, ok := obj[k]; ok {
			return v
		}
	}
	return body
}

// DecodeList decodes a bare array or an enveloped array into []T.
func DecodeList[T any](body []byte) ([]T, error) {
	raw := Unwrap(body)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return out, nil
}

// DecodeOne decodes a bare or enveloped object into T.
func DecodeOne[T any](body []byte) (T, error) {
	var out T
	if err := json.Unmarshal(Unwrap(body), &out); err != nil {
		return out, fmt.Errorf("decode object: %w", err)
	}
	return out, nil
}

// DecodeCreatedID accepts the shapes POST /conversations is seen to return:
// a bare number or string, or an object with conversationId or id.
func DecodeCreatedID(body []byte) (string, error) {
	raw := Unwrap(body)
	var id ID
	if err := json.Unmarshal(raw, &id); err == nil && id != "" {
		return string(id), nil
	}
	var obj struct {
		ConversationID ID `json:"conversationId"`
		ID             ID `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("decode created id: %w", err)
	}
	switch {
	case obj.ConversationID != "":
		return string(obj.ConversationID), nil
	case obj.ID != "":
		return string(obj.ID), nil
	}
	return "", fmt.Errorf("decode created id: no id in %s", string(raw))
}
