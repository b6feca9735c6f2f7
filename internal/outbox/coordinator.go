// Package outbox is the single entry point for user-submitted messages: it
// shows them optimistically, delivers over the realtime channel when it is
// connected, falls back to REST and resolves the placeholder against the
// server's copy.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatline/internal/bus"
	"github.com/matheus3301/chatline/internal/chat"
	"github.com/matheus3301/chatline/internal/directory"
	"github.com/matheus3301/chatline/internal/identity"
	"github.com/matheus3301/chatline/internal/logging"
	"github.com/matheus3301/chatline/internal/metrics"
	"github.com/matheus3301/chatline/internal/status"
	"github.com/matheus3301/chatline/internal/timeline"
	"github.com/matheus3301/chatline/internal/transport"
	"go.uber.org/zap"
)

var (
	ErrEmptyMessage    = errors.New("message is empty")
	ErrUnknownLocalKey = errors.New("unknown local key")
	ErrNotFailed       = errors.New("message is not in failed state")
)

// Invoker is a realtime channel able to carry a send.
type Invoker interface {
	State() status.State
	InvokeSend(ctx context.Context, body, attachmentRef string) (chat.Message, error)
}

// RealtimeFunc returns the live channel bound to conversationID, or nil.
type RealtimeFunc func(conversationID string) Invoker

// FromManager adapts a transport manager: only its current handle, and only
// for the conversation it is bound to, is used.
func FromManager(m *transport.Manager) RealtimeFunc {
	return func(conversationID string) Invoker {
		h := m.Current()
		if h == nil || h.ConversationID() != conversationID {
			return nil
		}
		return h
	}
}

// RESTSender is the fallback send path.
type RESTSender interface {
	SendMessage(ctx context.Context, conversationID, senderID, body, fileURL string) (chat.Message, error)
}

// SendFailure is the payload of message.send_failed events.
type SendFailure struct {
	bus.ConversationRef
	Err error
}

// Coordinator orchestrates optimistic display, realtime-first delivery and
// REST fallback. Every send ends promoted or marked failed.
type Coordinator struct {
	realtime RealtimeFunc
	rest     RESTSender
	timeline *timeline.Reconciler
	dir      *directory.Directory
	self     identity.Provider
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewCoordinator creates a coordinator. realtime may be nil for REST-only use.
func NewCoordinator(realtime RealtimeFunc, rest RESTSender, tl *timeline.Reconciler, dir *directory.Directory,
	self identity.Provider, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if realtime == nil {
		realtime = func(string) Invoker { return nil }
	}
	return &Coordinator{
		realtime: realtime,
		rest:     rest,
		timeline: tl,
		dir:      dir,
		self:     self,
		bus:      b,
		metrics:  m,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
}

// Send submits a message and returns its local key. The optimistic entry is
// visible before any network call. A *chat.SendFailedError means the entry is
// now marked failed and can be retried with Retry.
func (c *Coordinator) Send(ctx context.Context, conversationID, body, attachmentRef string) (string, error) {
	if strings.TrimSpace(body) == "" && attachmentRef == "" {
		return "", ErrEmptyMessage
	}
	if conversationID == "" {
		return "", fmt.Errorf("send: conversation id is required")
	}

	msgType := "text"
	if attachmentRef != "" {
		msgType = "file"
	}
	msg := chat.Message{
		LocalKey:       uuid.NewString(),
		ConversationID: conversationID,
		AuthorID:       c.self.CurrentUserID(),
		Body:           body,
		AttachmentRef:  attachmentRef,
		MessageType:    msgType,
		CreatedAt:      c.now(),
		State:          chat.Pending,
	}
	if err := c.timeline.ApplyOptimistic(msg); err != nil {
		return "", err
	}
	c.dir.Touch(msg)

	return msg.LocalKey, c.deliver(ctx, msg)
}

// Retry re-sends a failed message under the same local key.
func (c *Coordinator) Retry(ctx context.Context, localKey string) error {
	msg, ok := c.timeline.Lookup(localKey)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLocalKey, localKey)
	}
	if msg.State != chat.Failed || !c.timeline.MarkPending(localKey) {
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, localKey, msg.State)
	}
	msg, _ = c.timeline.Lookup(localKey)
	c.dir.Touch(msg)
	c.logger.Info("retrying send", zap.String("local_key", localKey), zap.String("conversation_id", msg.ConversationID))
	return c.deliver(ctx, msg)
}

func (c *Coordinator) deliver(ctx context.Context, msg chat.Message) error {
	var rtErr error
	if inv := c.realtime(msg.ConversationID); inv != nil && inv.State() == status.Connected {
		srv, err := inv.InvokeSend(ctx, msg.Body, msg.AttachmentRef)
		c.metrics.ObserveSend(metrics.PathRealtime, err)
		if err == nil {
			c.resolve(msg, srv, metrics.PathRealtime)
			return nil
		}
		rtErr = err
		if cur, ok := c.timeline.Lookup(msg.LocalKey); ok && cur.State == chat.Confirmed {
			// The push echo landed before the result was lost.
			c.logger.Info("realtime result lost after echo, not resending",
				zap.String("local_key", msg.LocalKey), zap.String("message_id", cur.MessageID), zap.Error(err))
			c.resolve(msg, cur, metrics.PathRealtime)
			return nil
		}
		c.logger.Info("realtime send failed, falling back to REST",
			zap.String("local_key", msg.LocalKey), zap.Error(err))
	} else {
		state := status.Idle
		if inv != nil {
			state = inv.State()
		}
		rtErr = &chat.NotConnectedError{ConversationID: msg.ConversationID, State: string(state)}
		c.logger.Debug("realtime not connected, sending over REST", zap.String("local_key", msg.LocalKey))
	}

	srv, err := c.rest.SendMessage(ctx, msg.ConversationID, msg.AuthorID, msg.Body, msg.AttachmentRef)
	c.metrics.ObserveSend(metrics.PathREST, err)
	if err == nil {
		c.resolve(msg, srv, metrics.PathREST)
		return nil
	}

	c.timeline.MarkFailed(msg.LocalKey)
	sendErr := &chat.SendFailedError{LocalKey: msg.LocalKey, Realtime: rtErr, REST: err}
	c.logger.Error("send failed", zap.String("local_key", msg.LocalKey),
		zap.String("conversation_id", msg.ConversationID), zap.Error(sendErr))
	c.bus.Emit(bus.KindMessageFailed, SendFailure{
		ConversationRef: bus.ConversationRef{ConversationID: msg.ConversationID, LocalKey: msg.LocalKey},
		Err:             sendErr,
	})
	return sendErr
}

// resolve routes the server's copy through the reconciler so the placeholder
// is promoted in place.
func (c *Coordinator) resolve(local, srv chat.Message, path string) {
	if srv.ConversationID == "" {
		srv.ConversationID = local.ConversationID
	}
	if srv.AuthorID == "" {
		srv.AuthorID = local.AuthorID
	}
	if srv.Body == "" && srv.AttachmentRef == "" {
		srv.Body = local.Body
		srv.AttachmentRef = local.AttachmentRef
	}
	out := c.timeline.ApplyIncoming(srv, local.LocalKey)
	c.metrics.ObserveIncoming(out.String())
	c.dir.Touch(srv)

	c.logger.Info("message confirmed",
		zap.String("local_key", local.LocalKey),
		zap.String("message_id", srv.MessageID),
		zap.String("path", path),
		zap.Stringer("outcome", out))
	c.bus.Emit(bus.KindMessageConfirm, bus.ConversationRef{
		ConversationID: srv.ConversationID,
		LocalKey:       local.LocalKey,
		MessageID:      srv.MessageID,
	})
}
