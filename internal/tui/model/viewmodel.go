// Package model adapts the messaging core to what the screens need: snapshots
// to render, change notifications and user-facing error text.
package model

import (
	"context"
	"errors"
	"strings"

	"github.com/matheus3301/chatline/internal/bus"
	"github.com/matheus3301/chatline/internal/chat"
	"github.com/matheus3301/chatline/internal/outbox"
	"github.com/matheus3301/chatline/internal/status"
	"github.com/matheus3301/chatline/internal/timeline"
	"github.com/matheus3301/chatline/internal/transport"
)

// Backend is the slice of the messenger the terminal client drives.
type Backend interface {
	Conversations() []chat.Conversation
	Conversation(conversationID string) (chat.Conversation, bool)
	View(conversationID string) []chat.Message
	Selected() string
	SelfID() string
	ConnectionState() status.State
	Select(ctx context.Context, conversationID string) error
	Send(ctx context.Context, body, attachmentRef string) (string, error)
	Retry(ctx context.Context, localKey string) error
	StartDirect(ctx context.Context, peerID string) (string, error)
	Refresh(ctx context.Context) error
}

// ChangeKind says which part of the screen is stale.
type ChangeKind int

const (
	ChangeList ChangeKind = iota
	ChangeTimeline
	ChangeConn
	ChangeAuth
	ChangeSendFailed
)

// Change is one redraw request.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	Err            error
}

// ViewModel wraps a Backend for the screens.
type ViewModel struct {
	backend Backend
	bus     *bus.Bus
}

// New creates a view model. b may be nil when no notifications are needed.
func New(backend Backend, b *bus.Bus) *ViewModel {
	return &ViewModel{backend: backend, bus: b}
}

// Backend returns the wrapped backend.
func (vm *ViewModel) Backend() Backend { return vm.backend }

// Watch calls fn for every core event until ctx ends. Timeline changes for
// conversations other than the selected one are reported as list changes.
func (vm *ViewModel) Watch(ctx context.Context, fn func(Change)) {
	if vm.bus == nil {
		return
	}
	events, unsub := vm.bus.Subscribe("", 256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				if c, ok := vm.translate(evt); ok {
					fn(c)
				}
			}
		}
	}()
}

func (vm *ViewModel) translate(evt bus.Event) (Change, bool) {
	switch evt.Kind {
	case bus.KindConnState:
		return Change{Kind: ChangeConn}, true
	case bus.KindConnAuthFailed:
		c := Change{Kind: ChangeAuth}
		if af, ok := evt.Payload.(transport.AuthFailure); ok {
			c.ConversationID, c.Err = af.ConversationID, af.Err
		}
		return c, true
	case bus.KindDirectoryUpdate:
		return Change{Kind: ChangeList}, true
	case bus.KindMessageFailed:
		c := Change{Kind: ChangeSendFailed}
		if sf, ok := evt.Payload.(outbox.SendFailure); ok {
			c.ConversationID, c.Err = sf.ConversationID, sf.Err
		}
		return c, true
	}
	if strings.HasPrefix(evt.Kind, "timeline.") || strings.HasPrefix(evt.Kind, "message.") {
		id := conversationOf(evt.Payload)
		if id != "" && id != vm.backend.Selected() {
			return Change{Kind: ChangeList, ConversationID: id}, true
		}
		return Change{Kind: ChangeTimeline, ConversationID: id}, true
	}
	return Change{}, false
}

func conversationOf(payload any) string {
	switch p := payload.(type) {
	case bus.ConversationRef:
		return p.ConversationID
	case timeline.Update:
		return p.ConversationID
	}
	return ""
}

// Conversations returns the directory rows whose name or preview contains
// filter, case-insensitively.
func (vm *ViewModel) Conversations(filter string) []chat.Conversation {
	rows := vm.backend.Conversations()
	filter = strings.ToLower(strings.TrimSpace(filter))
	if filter == "" {
		return rows
	}
	out := rows[:0:0]
	for _, c := range rows {
		if strings.Contains(strings.ToLower(c.DisplayName()), filter) ||
			strings.Contains(strings.ToLower(c.LastMessagePreview), filter) {
			out = append(out, c)
		}
	}
	return out
}

// FindConversation returns the first conversation whose display name or id
// matches query, exact matches first.
func (vm *ViewModel) FindConversation(query string) (chat.Conversation, bool) {
	query = strings.TrimSpace(query)
	if query == "" {
		return chat.Conversation{}, false
	}
	rows := vm.backend.Conversations()
	for _, c := range rows {
		if c.ID == query || strings.EqualFold(c.DisplayName(), query) {
			return c, true
		}
	}
	if matches := vm.Conversations(query); len(matches) > 0 {
		return matches[0], true
	}
	return chat.Conversation{}, false
}

// TotalUnread sums unread counts over the directory.
func (vm *ViewModel) TotalUnread() int {
	n := 0
	for _, c := range vm.backend.Conversations() {
		n += c.UnreadCount
	}
	return n
}

// Timeline returns the selected conversation's messages.
func (vm *ViewModel) Timeline() []chat.Message {
	id := vm.backend.Selected()
	if id == "" {
		return nil
	}
	return vm.backend.View(id)
}

// LastFailed returns the local key of the newest failed message in the
// selected conversation.
func (vm *ViewModel) LastFailed() (string, bool) {
	msgs := vm.Timeline()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].State == chat.Failed && msgs[i].LocalKey != "" {
			return msgs[i].LocalKey, true
		}
	}
	return "", false
}

// Describe turns a core error into the text shown to the user.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var sf *chat.SendFailedError
	switch {
	case errors.As(err, &sf):
		return "Message not sent. Press Ctrl-R to retry."
	case chat.IsAuth(err):
		return "Session expired or token rejected. Update your token and restart."
	case chat.IsNotFound(err):
		return "Not found."
	case chat.IsNotConnected(err):
		return "Realtime channel offline."
	case chat.IsTransient(err):
		return "Network problem, try again."
	default:
		return err.Error()
	}
}
