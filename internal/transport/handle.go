package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatline/internal/bus"
	"github.com/matheus3301/chatline/internal/chat"
	"github.com/matheus3301/chatline/internal/metrics"
	"github.com/matheus3301/chatline/internal/status"
	"github.com/matheus3301/chatline/internal/wire"
	"go.uber.org/zap"
)

const readLimit = 1 << 20

var errConnectionLost = errors.New("connection lost")

// AuthFailure is the payload of conn.auth_failed events.
type AuthFailure struct {
	ConversationID string
	Err            error
}

type completion struct {
	msg *wire.Message
	err error
}

// Handle is one realtime connection bound to a single conversation for its
// whole life. It reconnects on transient loss and is never rebound.
type Handle struct {
	conversationID string
	token          string
	opts           Options
	dialer         *Dialer
	machine        *status.Machine
	bus            *bus.Bus
	metrics        *metrics.Metrics
	logger         *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	subs    map[int]func(chat.Message)
	nextSub int
	calls   map[string]chan completion

	writeMu sync.Mutex
}

func newHandle(conversationID, token string, opts Options, d *Dialer, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		conversationID: conversationID,
		token:          token,
		opts:           opts,
		dialer:         d,
		machine:        status.NewMachine(conversationID, b),
		bus:            b,
		metrics:        m,
		logger:         logger.With(zap.String("conversation_id", conversationID)),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		subs:           make(map[int]func(chat.Message)),
		calls:          make(map[string]chan completion),
	}
	h.machine.Watch(func(c status.StatusChange) {
		h.logger.Info("realtime state changed", zap.String("from", string(c.From)), zap.String("to", string(c.To)))
		m.SetState(string(c.To), status.All)
	})
	return h
}

// ConversationID returns the conversation the handle is bound to.
func (h *Handle) ConversationID() string { return h.conversationID }

// State returns the current connection state.
func (h *Handle) State() status.State { return h.machine.Current() }

// Watch registers fn to run on every state change.
func (h *Handle) Watch(fn func(status.StatusChange)) { h.machine.Watch(fn) }

// Done is closed once the handle's connection loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// OnMessage registers fn for push events until the returned cancel func is
// called or the handle closes. fn runs on the read loop and must not block.
// Delivery is at-least-once.
func (h *Handle) OnMessage(fn func(chat.Message)) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return func() {}
	}
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// InvokeSend sends a message over the realtime channel and waits for the
// server's completion. It fails with *chat.NotConnectedError unless the
// handle is connected.
func (h *Handle) InvokeSend(ctx context.Context, body, attachmentRef string) (chat.Message, error) {
	if st := h.State(); st != status.Connected {
		return chat.Message{}, &chat.NotConnectedError{ConversationID: h.conversationID, State: string(st)}
	}

	h.mu.Lock()
	conn := h.conn
	if conn == nil || h.closed {
		st := h.machine.Current()
		h.mu.Unlock()
		return chat.Message{}, &chat.NotConnectedError{ConversationID: h.conversationID, State: string(st)}
	}
	id := uuid.NewString()
	ch := make(chan completion, 1)
	h.calls[id] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.calls, id)
		h.mu.Unlock()
	}()

	frame, err := wire.NewInvoke(id, wire.SendArguments{
		ConversationID: h.conversationID,
		Text:           body,
		AttachmentRef:  attachmentRef,
	})
	if err != nil {
		return chat.Message{}, err
	}
	if err := h.writeFrame(conn, frame); err != nil {
		return chat.Message{}, &chat.TransientNetworkError{Op: "invoke " + wire.TargetSendMessage, Err: err}
	}

	if h.opts.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.InvokeTimeout)
		defer cancel()
	}

	select {
	case c := <-ch:
		if c.err != nil {
			return chat.Message{}, c.err
		}
		msg := c.msg.ToChat()
		if msg.ConversationID == "" {
			msg.ConversationID = h.conversationID
		}
		if msg.MessageID == "" {
			return chat.Message{}, fmt.Errorf("invoke %s: completion has no message id", wire.TargetSendMessage)
		}
		return msg, nil
	case <-ctx.Done():
		return chat.Message{}, &chat.TransientNetworkError{Op: "invoke " + wire.TargetSendMessage, Err: ctx.Err()}
	case <-h.ctx.Done():
		return chat.Message{}, &chat.TransientNetworkError{Op: "invoke " + wire.TargetSendMessage, Err: errConnectionLost}
	}
}

// Close stops the handle: pending invokes fail, subscriptions are released,
// reconnect timers stop and the state becomes closed. It is idempotent and
// does not wait for the connection loop; use Done for that.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.subs = make(map[int]func(chat.Message))
	conn := h.conn
	h.mu.Unlock()

	h.cancel()
	if conn != nil {
		deadline := time.Now().Add(h.opts.WriteWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	idle := h.State() == status.Idle
	if h.State() != status.Closed {
		if err := h.machine.Transition(status.Closed); err != nil {
			h.logger.Debug("close transition skipped", zap.Error(err))
		}
	}
	if idle {
		// Never dialed: there is no loop to wait for.
		h.finish()
	}
	return nil
}

func (h *Handle) finish() {
	h.once.Do(func() { close(h.done) })
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// connect performs the first dial. Auth failures close the handle; transient
// failures leave it reconnecting in the background.
func (h *Handle) connect(ctx context.Context) error {
	if err := h.machine.Transition(status.Connecting); err != nil {
		h.finish()
		if h.isClosed() {
			return &chat.NotConnectedError{ConversationID: h.conversationID, State: string(status.Closed)}
		}
		return err
	}
	dialCtx, cancel := context.WithTimeout(h.ctx, h.opts.ConnectTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	conn, err := h.dialer.Dial(dialCtx, h.conversationID, h.token)
	h.metrics.ObserveConnect(err)
	switch {
	case err != nil && ctx.Err() != nil:
		_ = h.Close()
		h.finish()
		return ctx.Err()
	case err != nil && h.isClosed():
		h.finish()
		return &chat.NotConnectedError{ConversationID: h.conversationID, State: string(status.Closed)}
	case chat.IsAuth(err):
		h.logger.Warn("realtime authentication rejected", zap.Error(err))
		h.failAuth(err)
		h.finish()
		return err
	case err != nil:
		h.logger.Warn("realtime connect failed, retrying in background", zap.Error(err))
		if terr := h.machine.Transition(status.Reconnecting); terr != nil {
			h.finish()
			return terr
		}
		go h.run(nil, 1)
		return nil
	}
	if !h.attach(conn) {
		_ = conn.Close()
		h.finish()
		return &chat.NotConnectedError{ConversationID: h.conversationID, State: string(status.Closed)}
	}
	if err := h.machine.Transition(status.Connected); err != nil {
		h.logger.Debug("connected transition skipped", zap.Error(err))
	}
	go h.run(conn, 0)
	return nil
}

func (h *Handle) attach(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conn = conn
	return true
}

func (h *Handle) detach(conn *websocket.Conn) {
	h.mu.Lock()
	if h.conn == conn {
		h.conn = nil
	}
	calls := h.calls
	h.calls = make(map[string]chan completion)
	h.mu.Unlock()

	_ = conn.Close()
	for _, ch := range calls {
		select {
		case ch <- completion{err: &chat.TransientNetworkError{Op: "invoke " + wire.TargetSendMessage, Err: errConnectionLost}}:
		default:
		}
	}
}

func (h *Handle) failAuth(err error) {
	h.bus.Emit(bus.KindConnAuthFailed, AuthFailure{ConversationID: h.conversationID, Err: err})
	h.mu.Lock()
	h.closed = true
	h.subs = make(map[int]func(chat.Message))
	h.mu.Unlock()
	h.cancel()
	if h.State() != status.Closed {
		_ = h.machine.Transition(status.Closed)
	}
}

// run owns the connection until the handle closes. attempt counts failed
// reconnects since the last successful connection.
func (h *Handle) run(conn *websocket.Conn, attempt int) {
	defer h.finish()
	for {
		if conn != nil {
			h.serve(conn)
			h.detach(conn)
			conn = nil
			if h.ctx.Err() != nil {
				return
			}
			h.logger.Warn("realtime connection lost")
			if err := h.machine.Transition(status.Reconnecting); err != nil {
				return
			}
			attempt = 0
		}

		if limit := h.opts.MaxReconnectAttempts; limit > 0 && attempt >= limit {
			h.logger.Error("giving up on realtime connection", zap.Int("attempts", attempt))
			_ = h.Close()
			return
		}

		delay := h.opts.Backoff.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-h.ctx.Done():
			timer.Stop()
			return
		}

		h.logger.Warn("reconnecting", zap.Int("attempt", attempt+1), zap.Duration("delay", delay))
		dialCtx, cancel := context.WithTimeout(h.ctx, h.opts.ConnectTimeout)
		c, err := h.dialer.Dial(dialCtx, h.conversationID, h.token)
		cancel()
		h.metrics.ObserveConnect(err)
		attempt++
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			if chat.IsAuth(err) {
				h.logger.Warn("realtime authentication rejected while reconnecting", zap.Error(err))
				h.failAuth(err)
				return
			}
			h.logger.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if !h.attach(c) {
			_ = c.Close()
			return
		}
		if err := h.machine.Transition(status.Connected); err != nil {
			h.detach(c)
			return
		}
		h.metrics.ObserveReconnect()
		conn = c
	}
}

// serve runs the read loop and keepalive pings until the connection fails.
func (h *Handle) serve(conn *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	go func() {
		ticker := time.NewTicker(h.opts.PingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteWait)); err != nil {
					h.logger.Debug("ping failed", zap.Error(err))
					_ = conn.Close()
					return
				}
			case <-stop:
				return
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if h.ctx.Err() == nil {
				h.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		h.dispatch(f)
	}
}

func (h *Handle) dispatch(f wire.Frame) {
	switch f.Type {
	case wire.FrameCompletion:
		h.mu.Lock()
		ch, ok := h.calls[f.InvocationID]
		h.mu.Unlock()
		if !ok {
			h.logger.Debug("completion for unknown invocation", zap.String("invocation_id", f.InvocationID))
			return
		}
		c := completion{msg: f.Message}
		switch {
		case f.Error != "":
			c.err = fmt.Errorf("invoke %s rejected: %s", wire.TargetSendMessage, f.Error)
		case f.Message == nil:
			c.err = fmt.Errorf("invoke %s: empty completion", wire.TargetSendMessage)
		}
		select {
		case ch <- c:
		default:
		}
	case wire.FrameEvent:
		if f.Target != wire.TargetReceiveMessage || f.Message == nil {
			return
		}
		msg := f.Message.ToChat()
		if msg.ConversationID == "" {
			msg.ConversationID = h.conversationID
		}
		if msg.ConversationID != h.conversationID {
			h.logger.Debug("dropping push for another conversation", zap.String("message_conversation_id", msg.ConversationID))
			return
		}
		h.mu.Lock()
		subs := make([]func(chat.Message), 0, len(h.subs))
		for _, fn := range h.subs {
			subs = append(subs, fn)
		}
		h.mu.Unlock()
		for _, fn := range subs {
			fn(msg)
		}
	}
}

func (h *Handle) writeFrame(conn *websocket.Conn, f wire.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
