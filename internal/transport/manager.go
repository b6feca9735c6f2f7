// Package transport owns the realtime connection: at most one live handle,
// scoped to the selected conversation, with reconnect and request/response
// correlation over a websocket.
package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatline/internal/bus"
	"github.com/matheus3301/chatline/internal/chat"
	"github.com/matheus3301/chatline/internal/logging"
	"github.com/matheus3301/chatline/internal/metrics"
	"github.com/matheus3301/chatline/internal/status"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame to the server.
	defaultWriteWait = 3 * time.Second

	// Send pings with this period. Must be less than pongWait.
	defaultPingPeriod = 20 * time.Second

	// Time allowed to read the next pong from the server.
	defaultPongWait = 25 * time.Second

	defaultConnectTimeout = 10 * time.Second
	defaultInvokeTimeout  = 10 * time.Second
)

// ErrNoConversation is returned by Open for an empty conversation id.
var ErrNoConversation = errors.New("conversation id is required")

// Options configures the manager and every handle it opens.
type Options struct {
	BaseURL              string
	HubPath              string
	ConnectTimeout       time.Duration
	InvokeTimeout        time.Duration
	Backoff              Backoff
	MaxReconnectAttempts int
	PingPeriod           time.Duration
	PongWait             time.Duration
	WriteWait            time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.InvokeTimeout <= 0 {
		o.InvokeTimeout = defaultInvokeTimeout
	}
	if len(o.Backoff) == 0 {
		o.Backoff = DefaultBackoff
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = min(defaultPingPeriod, o.PongWait*4/5)
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	return o
}

// Manager keeps at most one live Handle.
type Manager struct {
	opts    Options
	dialer  *Dialer
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	current *Handle
}

// NewManager creates a manager. Zero option fields take defaults.
func NewManager(opts Options, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts: opts,
		dialer: &Dialer{
			BaseURL:          opts.BaseURL,
			HubPath:          opts.HubPath,
			HandshakeTimeout: opts.ConnectTimeout,
		},
		bus:     b,
		metrics: m,
		logger:  logging.OrNop(logger),
	}
}

// Open returns a handle bound to conversationID. A live handle for the same
// conversation is returned as is; a handle for another conversation is closed
// first. Only a missing or rejected credential (*chat.AuthError) or a missing
// conversation id fail; a transient first dial yields a handle that keeps
// reconnecting in the background.
func (m *Manager) Open(ctx context.Context, conversationID, token string) (*Handle, error) {
	h, prev, fresh, err := m.Bind(conversationID, token)
	if err != nil || !fresh {
		return h, err
	}
	if err := m.Connect(ctx, h, prev); err != nil {
		return nil, err
	}
	return h, nil
}

// Bind makes a handle for conversationID current without dialing. fresh
// reports a new handle that must be passed to Connect together with prev, the
// handle it replaced. Bind never blocks on the network.
func (m *Manager) Bind(conversationID, token string) (h, prev *Handle, fresh bool, err error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil, false, &chat.AuthError{Reason: "missing access token"}
	}
	if conversationID == "" {
		return nil, nil, false, ErrNoConversation
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prev = m.current
	if prev != nil && prev.ConversationID() == conversationID && prev.token == token && prev.State() != status.Closed {
		return prev, nil, false, nil
	}
	h = newHandle(conversationID, token, m.opts, m.dialer, m.bus, m.metrics, m.logger)
	m.current = h
	return h, prev, true, nil
}

// Connect stops prev and performs h's first dial. h stays Current while it
// dials; on failure it is dropped unless another handle replaced it already.
func (m *Manager) Connect(ctx context.Context, h, prev *Handle) error {
	if prev != nil {
		m.stop(prev)
	}
	if err := h.connect(ctx); err != nil {
		m.mu.Lock()
		if m.current == h {
			m.current = nil
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// Current returns the active handle, or nil.
func (m *Manager) Current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// InvokeSend sends over h when it is the connected, active handle.
func (m *Manager) InvokeSend(ctx context.Context, h *Handle, body, attachmentRef string) (chat.Message, error) {
	if h == nil {
		return chat.Message{}, &chat.NotConnectedError{State: string(status.Idle)}
	}
	return h.InvokeSend(ctx, body, attachmentRef)
}

// Close closes the active handle, if any, and waits briefly for it to stop.
func (m *Manager) Close() error {
	m.mu.Lock()
	cur := m.current
	m.current = nil
	m.mu.Unlock()
	if cur != nil {
		m.stop(cur)
	}
	return nil
}

func (m *Manager) stop(h *Handle) {
	_ = h.Close()
	select {
	case <-h.Done():
	case <-time.After(m.opts.WriteWait):
		m.logger.Warn("realtime handle did not stop in time", zap.String("conversation_id", h.ConversationID()))
	}
}
