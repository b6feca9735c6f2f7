// Package messenger is the coordination point of the client: it selects
// conversations, rebinds the realtime channel, seeds the timeline from
// history and routes push events into the timeline and directory.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatline/internal/chat"
	"github.com/matheus3301/chatline/internal/directory"
	"github.com/matheus3301/chatline/internal/identity"
	"github.com/matheus3301/chatline/internal/logging"
	"github.com/matheus3301/chatline/internal/metrics"
	"github.com/matheus3301/chatline/internal/outbox"
	"github.com/matheus3301/chatline/internal/status"
	"github.com/matheus3301/chatline/internal/timeline"
	"github.com/matheus3301/chatline/internal/transport"
	"go.uber.org/zap"
)

// DirectConversationType is the conversation type used by StartDirect.
const DirectConversationType = "private"

// API is the slice of the REST backend the messenger calls directly.
type API interface {
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	CreateConversation(ctx context.Context, kind, createdBy string) (string, error)
	AddMember(ctx context.Context, conversationID, userID string) error
}

// MessageCache keeps confirmed history for offline starts. It may be nil.
type MessageCache interface {
	SaveMessages(msgs []chat.Message) (int, error)
	ListMessages(conversationID string, limit int) ([]chat.Message, error)
}

// Options configures a Messenger.
type Options struct {
	Role             string
	DirectoryRefresh time.Duration
	HistoryLimit     int
}

// Messenger wires the core components together.
type Messenger struct {
	api      API
	realtime *transport.Manager
	timeline *timeline.Reconciler
	dir      *directory.Directory
	outbox   *outbox.Coordinator
	self     identity.Provider
	cache    MessageCache
	metrics  *metrics.Metrics
	logger   *zap.Logger
	opts     Options

	// gen tags every selection; results carrying an older tag are stale.
	gen atomic.Uint64

	mu       sync.Mutex
	selected string
	unsub    func()
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a messenger. cache may be nil.
func New(api API, rt *transport.Manager, tl *timeline.Reconciler, dir *directory.Directory, ob *outbox.Coordinator,
	self identity.Provider, cache MessageCache, m *metrics.Metrics, logger *zap.Logger, opts Options) *Messenger {
	return &Messenger{
		api:      api,
		realtime: rt,
		timeline: tl,
		dir:      dir,
		outbox:   ob,
		self:     self,
		cache:    cache,
		metrics:  m,
		logger:   logging.OrNop(logger),
		opts:     opts,
	}
}

// Start hydrates the directory from the cache, loads it from the server and
// keeps refreshing it in the background until Stop.
func (m *Messenger) Start(ctx context.Context) error {
	if err := m.dir.Hydrate(); err != nil {
		m.logger.Warn("failed to hydrate directory", zap.Error(err))
	}
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	err := m.Refresh(ctx)
	if chat.IsAuth(err) {
		cancel()
		return err
	}
	if err != nil {
		m.logger.Warn("initial directory load failed", zap.Error(err))
	}

	if m.opts.DirectoryRefresh > 0 {
		m.wg.Add(1)
		go m.refreshLoop(ctx)
	}
	return nil
}

// Stop ends background refresh and closes the realtime channel.
func (m *Messenger) Stop() error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
	return m.realtime.Close()
}

func (m *Messenger) refreshLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.DirectoryRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("directory refresh failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Refresh reloads the conversation list.
func (m *Messenger) Refresh(ctx context.Context) error {
	_, err := m.dir.Load(ctx, m.self.CurrentUserID(), m.opts.Role)
	return err
}

// Selected returns the open conversation id.
func (m *Messenger) Selected() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// Select opens a conversation: unread resets, the realtime channel is rebound
// and the timeline is reseeded from history. Results that arrive after
// another Select are discarded. A realtime *chat.AuthError is returned after
// the history fetch so the timeline is still usable over REST.
func (m *Messenger) Select(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("select: conversation id is required")
	}

	m.mu.Lock()
	gen := m.gen.Add(1)
	m.selected = conversationID
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
	m.dir.Select(conversationID)
	m.timeline.Begin(conversationID)
	h, prev, fresh, rtErr := m.realtime.Bind(conversationID, m.self.Token())
	if rtErr == nil {
		m.unsub = h.OnMessage(func(msg chat.Message) { m.onPush(gen, msg) })
	}
	m.mu.Unlock()

	// Dial and fetch outside the lock; readers and newer selections proceed.
	if rtErr == nil && fresh {
		rtErr = m.realtime.Connect(ctx, h, prev)
	}
	if m.gen.Load() != gen {
		m.metrics.ObserveStale()
		return nil
	}
	if rtErr != nil {
		m.logger.Warn("realtime channel unavailable", zap.String("conversation_id", conversationID), zap.Error(rtErr))
	}

	history, fromServer, histErr := m.fetchHistory(ctx, conversationID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen.Load() != gen {
		m.metrics.ObserveStale()
		m.logger.Debug("discarding stale history",
			zap.String("conversation_id", conversationID),
			zap.String("selected", m.selected))
		return nil
	}

	m.timeline.Seed(conversationID, history)
	m.dir.MarkSeen(history)
	if n := len(history); n > 0 {
		m.dir.Touch(history[n-1])
	}
	if fromServer && m.cache != nil {
		if _, err := m.cache.SaveMessages(history); err != nil {
			m.logger.Warn("failed to cache history", zap.Error(err))
		}
	}
	return errors.Join(histErr, rtErr)
}

// fetchHistory returns the server history, or the cached one when the server
// is unreachable. NotFound is an empty history.
func (m *Messenger) fetchHistory(ctx context.Context, conversationID string) ([]chat.Message, bool, error) {
	history, err := m.api.ListMessages(ctx, conversationID)
	switch {
	case err == nil:
		return history, true, nil
	case chat.IsNotFound(err):
		return nil, true, nil
	case chat.IsTransient(err) && m.cache != nil:
		cached, cerr := m.cache.ListMessages(conversationID, m.opts.HistoryLimit)
		if cerr != nil {
			m.logger.Warn("failed to read cached history", zap.Error(cerr))
			return nil, false, err
		}
		m.logger.Info("history unavailable, using cache",
			zap.String("conversation_id", conversationID),
			zap.Int("messages", len(cached)),
			zap.Error(err))
		return cached, false, nil
	default:
		return nil, false, err
	}
}

func (m *Messenger) onPush(gen uint64, msg chat.Message) {
	if m.gen.Load() != gen {
		m.metrics.ObserveStale()
		return
	}
	out := m.timeline.ApplyIncoming(msg, "")
	m.metrics.ObserveIncoming(out.String())
	if out == timeline.Ignored {
		return
	}
	m.dir.Touch(msg)
	if out.Changed() && m.cache != nil {
		if _, err := m.cache.SaveMessages([]chat.Message{msg}); err != nil {
			m.logger.Warn("failed to cache message", zap.Error(err))
		}
	}
}

// Send submits a message to the selected conversation.
func (m *Messenger) Send(ctx context.Context, body, attachmentRef string) (string, error) {
	convID := m.Selected()
	if convID == "" {
		return "", fmt.Errorf("send: no conversation selected")
	}
	return m.SendTo(ctx, convID, body, attachmentRef)
}

// SendTo submits a message to a given conversation.
func (m *Messenger) SendTo(ctx context.Context, conversationID, body, attachmentRef string) (string, error) {
	key, err := m.outbox.Send(ctx, conversationID, body, attachmentRef)
	if err == nil {
		m.cacheConfirmed(key)
	}
	return key, err
}

// Retry re-sends a failed message.
func (m *Messenger) Retry(ctx context.Context, localKey string) error {
	err := m.outbox.Retry(ctx, localKey)
	if err == nil {
		m.cacheConfirmed(localKey)
	}
	return err
}

func (m *Messenger) cacheConfirmed(localKey string) {
	if m.cache == nil {
		return
	}
	if msg, ok := m.timeline.Lookup(localKey); ok && msg.State == chat.Confirmed {
		if _, err := m.cache.SaveMessages([]chat.Message{msg}); err != nil {
			m.logger.Warn("failed to cache sent message", zap.Error(err))
		}
	}
}

// StartDirect returns the one-to-one conversation with peerID, creating it
// when the directory has none. Matching is exact on the peer id.
func (m *Messenger) StartDirect(ctx context.Context, peerID string) (string, error) {
	if peerID == "" {
		return "", fmt.Errorf("start direct: peer id is required")
	}
	if c, ok := m.dir.FindByPeer(peerID); ok {
		return c.ID, nil
	}
	selfID := m.self.CurrentUserID()
	id, err := m.api.CreateConversation(ctx, DirectConversationType, selfID)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	for _, member := range []string{selfID, peerID} {
		if err := m.api.AddMember(ctx, id, member); err != nil {
			return "", fmt.Errorf("add member %s: %w", member, err)
		}
	}
	if err := m.Refresh(ctx); err != nil {
		m.logger.Warn("directory refresh after create failed", zap.Error(err))
	}
	m.logger.Info("conversation created", zap.String("conversation_id", id), zap.String("peer_id", peerID))
	return id, nil
}

// View returns the timeline of a conversation.
func (m *Messenger) View(conversationID string) []chat.Message {
	return m.timeline.CurrentView(conversationID)
}

// Conversations returns the directory list.
func (m *Messenger) Conversations() []chat.Conversation {
	return m.dir.List()
}

// Conversation returns one directory row.
func (m *Messenger) Conversation(conversationID string) (chat.Conversation, bool) {
	return m.dir.Get(conversationID)
}

// SelfID returns the current user's id.
func (m *Messenger) SelfID() string {
	return m.self.CurrentUserID()
}

// Handle returns the active realtime handle, or nil.
func (m *Messenger) Handle() *transport.Handle {
	return m.realtime.Current()
}

// ConnectionState is the state of the active handle, Idle when there is none.
func (m *Messenger) ConnectionState() status.State {
	if h := m.realtime.Current(); h != nil {
		return h.State()
	}
	return status.Idle
}
