// Package directory maintains the conversation list of the current user with
// recency and unread metadata, kept live by message traffic.
package directory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/matheus3301/chatline/internal/bus"
	"github.com/matheus3301/chatline/internal/chat"
	"github.com/matheus3301/chatline/internal/identity"
	"github.com/matheus3301/chatline/internal/logging"
	"go.uber.org/zap"
)

const previewLen = 100

// Lister fetches the server's conversation list.
type Lister interface {
	ListConversations(ctx context.Context, role, userID string) ([]chat.Conversation, error)
}

// Cache persists directory rows between runs. It may be nil.
type Cache interface {
	ListConversations() ([]chat.Conversation, error)
	UpsertConversations(convs []chat.Conversation) error
}

// Directory is a read-through cache of the server's conversation list. Rows
// are never removed locally.
type Directory struct {
	mu       sync.Mutex
	rows     map[string]*chat.Conversation
	seen     map[string]map[string]struct{}
	selected string

	api    Lister
	cache  Cache
	self   identity.Provider
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates an empty directory. cache may be nil.
func New(api Lister, cache Cache, self identity.Provider, b *bus.Bus, logger *zap.Logger) *Directory {
	return &Directory{
		rows:   make(map[string]*chat.Conversation),
		seen:   make(map[string]map[string]struct{}),
		api:    api,
		cache:  cache,
		self:   self,
		bus:    b,
		logger: logging.OrNop(logger),
	}
}

// Hydrate fills the directory from the cache so the list renders before the
// first server round trip.
func (d *Directory) Hydrate() error {
	if d.cache == nil {
		return nil
	}
	rows, err := d.cache.ListConversations()
	if err != nil {
		return err
	}
	d.mu.Lock()
	for _, c := range rows {
		if _, ok := d.rows[c.ID]; !ok {
			d.rows[c.ID] = &c
		}
	}
	d.mu.Unlock()
	d.logger.Debug("directory hydrated", zap.Int("conversations", len(rows)))
	d.bus.Emit(bus.KindDirectoryUpdate, nil)
	return nil
}

// Load fetches the server list and merges it. NotFound is an empty list;
// any other failure is returned and leaves the directory unchanged.
func (d *Directory) Load(ctx context.Context, userID, role string) ([]chat.Conversation, error) {
	rows, err := d.api.ListConversations(ctx, role, userID)
	if chat.IsNotFound(err) {
		rows, err = nil, nil
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	for _, srv := range rows {
		d.mergeLocked(srv)
	}
	list := d.listLocked()
	d.mu.Unlock()

	d.persist(list)
	d.bus.Emit(bus.KindDirectoryUpdate, nil)
	return list, nil
}

func (d *Directory) mergeLocked(srv chat.Conversation) {
	cur, ok := d.rows[srv.ID]
	if !ok {
		srv.UnreadCount = max(srv.UnreadCount, 0)
		if srv.ID == d.selected {
			srv.UnreadCount = 0
		}
		d.rows[srv.ID] = &srv
		return
	}
	// The server count wins unless this row has seen messages the server list
	// does not reflect yet.
	unread := max(srv.UnreadCount, 0)
	if cur.LastMessageAt.After(srv.LastMessageAt) {
		unread = max(unread, cur.UnreadCount)
	}
	if srv.ID == d.selected {
		unread = 0
	}
	cur.UnreadCount = unread
	cur.PeerID = firstNonEmpty(srv.PeerID, cur.PeerID)
	cur.PeerDisplayName = firstNonEmpty(srv.PeerDisplayName, cur.PeerDisplayName)
	cur.PeerAvatarRef = firstNonEmpty(srv.PeerAvatarRef, cur.PeerAvatarRef)
	if !srv.LastMessageAt.Before(cur.LastMessageAt) && (srv.LastMessagePreview != "" || !srv.LastMessageAt.IsZero()) {
		cur.LastMessagePreview = srv.LastMessagePreview
		cur.LastMessageAt = srv.LastMessageAt
	}
}

// Touch records an observed message. It creates the row for an unknown
// conversation, advances the preview when the message is not older than the
// current one and counts it as unread when it is a new message from someone
// else in a conversation that is not open. It reports whether the row changed.
func (d *Directory) Touch(msg chat.Message) bool {
	if msg.ConversationID == "" {
		return false
	}
	selfID := ""
	if d.self != nil {
		selfID = d.self.CurrentUserID()
	}

	d.mu.Lock()
	row, ok := d.rows[msg.ConversationID]
	changed := !ok
	if !ok {
		row = &chat.Conversation{ID: msg.ConversationID}
		d.rows[msg.ConversationID] = row
	}
	if !msg.CreatedAt.Before(row.LastMessageAt) {
		row.LastMessagePreview = Preview(msg)
		row.LastMessageAt = msg.CreatedAt
		changed = true
	}
	if msg.MessageID != "" && !d.markSeenLocked(msg.ConversationID, msg.MessageID) &&
		msg.ConversationID != d.selected && msg.AuthorID != selfID {
		row.UnreadCount++
		changed = true
	}
	snapshot := *row
	d.mu.Unlock()

	if changed {
		d.persist([]chat.Conversation{snapshot})
		d.bus.Emit(bus.KindDirectoryUpdate, snapshot)
	}
	return changed
}

// markSeenLocked records a message id and reports whether it had been seen.
func (d *Directory) markSeenLocked(convID, messageID string) bool {
	ids := d.seen[convID]
	if ids == nil {
		ids = make(map[string]struct{})
		d.seen[convID] = ids
	}
	if _, ok := ids[messageID]; ok {
		return true
	}
	ids[messageID] = struct{}{}
	return false
}

// MarkSeen records message ids without touching counters, e.g. for history
// the user has already been shown.
func (d *Directory) MarkSeen(msgs []chat.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range msgs {
		if m.MessageID != "" && m.ConversationID != "" {
			d.markSeenLocked(m.ConversationID, m.MessageID)
		}
	}
}

// Select marks a conversation as open and resets its unread count to 0.
// Rebinding the transport and reseeding the timeline is the caller's job.
func (d *Directory) Select(id string) {
	d.mu.Lock()
	d.selected = id
	row, ok := d.rows[id]
	if !ok {
		row = &chat.Conversation{ID: id}
		d.rows[id] = row
	}
	row.UnreadCount = 0
	snapshot := *row
	d.mu.Unlock()

	d.persist([]chat.Conversation{snapshot})
	d.bus.Emit(bus.KindDirectoryUpdate, snapshot)
}

// Selected returns the open conversation id, or "".
func (d *Directory) Selected() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selected
}

// Get returns one row.
func (d *Directory) Get(id string) (chat.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.rows[id]
	if !ok {
		return chat.Conversation{}, false
	}
	return *row, true
}

// FindByPeer returns the conversation whose peer id equals peerID exactly.
func (d *Directory) FindByPeer(peerID string) (chat.Conversation, bool) {
	if peerID == "" {
		return chat.Conversation{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.listLocked() {
		if c.PeerID == peerID {
			return c, true
		}
	}
	return chat.Conversation{}, false
}

// List returns the rows ordered by most recent activity, ties by id.
func (d *Directory) List() []chat.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listLocked()
}

func (d *Directory) listLocked() []chat.Conversation {
	out := make([]chat.Conversation, 0, len(d.rows))
	for _, r := range d.rows {
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b chat.Conversation) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (d *Directory) persist(rows []chat.Conversation) {
	if d.cache == nil || len(rows) == 0 {
		return
	}
	if err := d.cache.UpsertConversations(rows); err != nil {
		d.logger.Warn("failed to cache conversations", zap.Error(err))
	}
}

// Preview renders the list preview of a message.
func Preview(m chat.Message) string {
	body := strings.Join(strings.Fields(m.Body), " ")
	if body == "" && m.AttachmentRef != "" {
		return "[attachment]"
	}
	return truncate(body, previewLen)
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
