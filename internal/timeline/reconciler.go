// Package timeline merges messages from history fetches, realtime pushes and
// optimistic local sends into one ordered, de-duplicated view per
// conversation.
package timeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatline/internal/bus"
	"github.com/matheus3301/chatline/internal/chat"
	"github.com/matheus3301/chatline/internal/logging"
	"go.uber.org/zap"
)

// DefaultEchoWindow bounds how far apart an optimistic entry and its echo may
// be stamped and still be matched by content.
const DefaultEchoWindow = 2 * time.Minute

// Outcome reports what an apply call did to the timeline.
type Outcome int

const (
	Ignored Outcome = iota
	Inserted
	Promoted
	Buffered
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Promoted:
		return "promoted"
	case Buffered:
		return "buffered"
	default:
		return "ignored"
	}
}

// Changed reports whether the visible timeline changed.
func (o Outcome) Changed() bool {
	return o == Inserted || o == Promoted
}

var (
	ErrMissingLocalKey   = errors.New("optimistic message has no local key")
	ErrDuplicateLocalKey = errors.New("local key already present")
)

// Update is the payload of timeline bus events.
type Update struct {
	ConversationID string
	Outcome        Outcome
	Message        chat.Message
}

type entry struct {
	msg    chat.Message
	sortAt time.Time
	seq    uint64

	// matched is set while the server id was bound by content rather than by
	// the sender's own result; armed is the state to restore if it is undone.
	matched bool
	armed   chat.DeliveryState
}

func (e *entry) before(o *entry) bool {
	if e.sortAt.Equal(o.sortAt) {
		return e.seq < o.seq
	}
	return e.sortAt.Before(o.sortAt)
}

type incoming struct {
	msg  chat.Message
	hint string
}

type thread struct {
	entries []*entry
	byID    map[string]*entry
	byLocal map[string]*entry
	seeded  bool
	pending []incoming
}

func newThread(seeded bool) *thread {
	return &thread{
		byID:    make(map[string]*entry),
		byLocal: make(map[string]*entry),
		seeded:  seeded,
	}
}

// Reconciler exclusively owns the per-conversation message sequences. All
// methods are safe for concurrent use; mutations are applied in call order.
type Reconciler struct {
	mu         sync.Mutex
	threads    map[string]*thread
	localIndex map[string]string // localKey -> conversationID
	seq        uint64
	echoWindow time.Duration
	now        func() time.Time
	bus        *bus.Bus
	logger     *zap.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithEchoWindow overrides DefaultEchoWindow.
func WithEchoWindow(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.echoWindow = d
		}
	}
}

// WithClock overrides time.Now for optimistic timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates an empty reconciler.
func New(b *bus.Bus, logger *zap.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		threads:    make(map[string]*thread),
		localIndex: make(map[string]string),
		echoWindow: DefaultEchoWindow,
		now:        time.Now,
		bus:        b,
		logger:     logging.OrNop(logger),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Begin starts a new selection of a conversation: until Seed is called, push
// events are buffered. Entries already held for the conversation are kept.
func (r *Reconciler) Begin(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.thread(conversationID)
	t.seeded = false
	t.pending = nil
}

// Seed merges a history fetch into the conversation and replays any events
// buffered since Begin. It returns the number of entries that changed.
func (r *Reconciler) Seed(conversationID string, history []chat.Message) int {
	r.mu.Lock()
	t := r.thread(conversationID)
	changed := 0
	for _, m := range history {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if r.merge(t, m, "").Changed() {
			changed++
		}
	}
	t.seeded = true
	buffered := t.pending
	t.pending = nil
	for _, in := range buffered {
		if r.merge(t, in.msg, in.hint).Changed() {
			changed++
		}
	}
	r.mu.Unlock()

	r.logger.Debug("timeline seeded",
		zap.String("conversation_id", conversationID),
		zap.Int("history", len(history)),
		zap.Int("replayed", len(buffered)),
		zap.Int("changed", changed))
	r.bus.Emit(bus.KindTimelineSeeded, Update{ConversationID: conversationID})
	return changed
}

// ApplyIncoming merges a server-authored message. localKeyHint names the
// optimistic entry this message resolves when the caller knows it (the result
// of its own send); push events pass "".
func (r *Reconciler) ApplyIncoming(msg chat.Message, localKeyHint string) Outcome {
	if msg.ConversationID == "" {
		return Ignored
	}
	msg.State = chat.Confirmed

	r.mu.Lock()
	t := r.thread(msg.ConversationID)
	var out Outcome
	switch {
	case msg.MessageID != "" && t.byID[msg.MessageID] != nil:
		out = r.merge(t, msg, localKeyHint)
	case localKeyHint != "" && resolvable(t.byLocal[localKeyHint]):
		out = r.merge(t, msg, localKeyHint)
	case !t.seeded:
		t.pending = append(t.pending, incoming{msg: msg, hint: localKeyHint})
		out = Buffered
	default:
		out = r.merge(t, msg, localKeyHint)
	}
	var view chat.Message
	if e := t.byID[msg.MessageID]; e != nil && msg.MessageID != "" {
		view = e.msg
	}
	r.mu.Unlock()

	if out.Changed() {
		r.bus.Emit(bus.KindTimelineUpdated, Update{ConversationID: msg.ConversationID, Outcome: out, Message: view})
	}
	return out
}

// ApplyOptimistic appends a pending entry at the tail of its conversation.
func (r *Reconciler) ApplyOptimistic(msg chat.Message) error {
	if msg.LocalKey == "" {
		return ErrMissingLocalKey
	}
	if msg.ConversationID == "" {
		return fmt.Errorf("optimistic message %s has no conversation", msg.LocalKey)
	}
	msg.MessageID = ""
	msg.State = chat.Pending
	now := r.now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}

	r.mu.Lock()
	if _, ok := r.localIndex[msg.LocalKey]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateLocalKey, msg.LocalKey)
	}
	t := r.thread(msg.ConversationID)
	sortAt := msg.CreatedAt
	if n := len(t.entries); n > 0 && t.entries[n-1].sortAt.After(sortAt) {
		sortAt = t.entries[n-1].sortAt
	}
	r.seq++
	e := &entry{msg: msg, sortAt: sortAt, seq: r.seq}
	t.entries = append(t.entries, e)
	t.byLocal[msg.LocalKey] = e
	r.localIndex[msg.LocalKey] = msg.ConversationID
	r.mu.Unlock()

	r.bus.Emit(bus.KindTimelineUpdated, Update{ConversationID: msg.ConversationID, Outcome: Inserted, Message: msg})
	return nil
}

// MarkFailed moves a pending entry to failed. It reports whether an entry
// changed.
func (r *Reconciler) MarkFailed(localKey string) bool {
	return r.setState(localKey, chat.Pending, chat.Failed)
}

// MarkPending re-arms a failed entry for a retry.
func (r *Reconciler) MarkPending(localKey string) bool {
	return r.setState(localKey, chat.Failed, chat.Pending)
}

func (r *Reconciler) setState(localKey string, from, to chat.DeliveryState) bool {
	r.mu.Lock()
	convID, ok := r.localIndex[localKey]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e := r.threads[convID].byLocal[localKey]
	if e == nil || e.msg.State != from {
		r.mu.Unlock()
		return false
	}
	e.msg.State = to
	if to == chat.Pending {
		e.msg.CreatedAt = r.now()
	}
	msg := e.msg
	r.mu.Unlock()

	r.bus.Emit(bus.KindTimelineUpdated, Update{ConversationID: convID, Outcome: Promoted, Message: msg})
	return true
}

// Lookup returns the entry created for a local key.
func (r *Reconciler) Lookup(localKey string) (chat.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	convID, ok := r.localIndex[localKey]
	if !ok {
		return chat.Message{}, false
	}
	e := r.threads[convID].byLocal[localKey]
	if e == nil {
		return chat.Message{}, false
	}
	return e.msg, true
}

// CurrentView returns a snapshot of the ordered timeline.
func (r *Reconciler) CurrentView(conversationID string) []chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.threads[conversationID]
	if t == nil {
		return nil
	}
	out := make([]chat.Message, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.msg
	}
	return out
}

// Confirmed returns only the server-acknowledged entries, in order.
func (r *Reconciler) Confirmed(conversationID string) []chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.threads[conversationID]
	if t == nil {
		return nil
	}
	var out []chat.Message
	for _, e := range t.entries {
		if e.msg.State == chat.Confirmed {
			out = append(out, e.msg)
		}
	}
	return out
}

// Seeded reports whether the conversation has received its history.
func (r *Reconciler) Seeded(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.threads[conversationID]
	return t != nil && t.seeded
}

func (r *Reconciler) thread(conversationID string) *thread {
	t := r.threads[conversationID]
	if t == nil {
		t = newThread(true)
		r.threads[conversationID] = t
	}
	return t
}

func resolvable(e *entry) bool {
	return e != nil && (e.msg.State == chat.Pending || e.msg.State == chat.Failed)
}

// merge applies one confirmed message. Caller holds r.mu.
func (r *Reconciler) merge(t *thread, msg chat.Message, hint string) Outcome {
	msg.State = chat.Confirmed
	if msg.MessageID != "" {
		if cur := t.byID[msg.MessageID]; cur != nil {
			return r.rebind(t, cur, msg, hint)
		}
	}

	if hint != "" {
		if e := t.byLocal[hint]; resolvable(e) {
			r.promote(t, e, msg, false)
			return Promoted
		}
	}
	if e := r.echoCandidate(t, msg); e != nil {
		r.promote(t, e, msg, true)
		return Promoted
	}

	r.seq++
	e := &entry{msg: msg, sortAt: msg.CreatedAt, seq: r.seq}
	if e.sortAt.IsZero() {
		e.sortAt = r.now()
		if n := len(t.entries); n > 0 && t.entries[n-1].sortAt.After(e.sortAt) {
			e.sortAt = t.entries[n-1].sortAt
		}
	}
	i := len(t.entries)
	for i > 0 && e.before(t.entries[i-1]) {
		i--
	}
	t.entries = append(t.entries, nil)
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
	if msg.MessageID != "" {
		t.byID[msg.MessageID] = e
	}
	return Inserted
}

// rebind handles a message whose id is already bound to cur. The sender's own
// result wins over a content match made for another placeholder: the id moves
// to the hinted entry and cur goes back to the state it had before.
func (r *Reconciler) rebind(t *thread, cur *entry, msg chat.Message, hint string) Outcome {
	if hint == "" {
		return Ignored
	}
	if cur.msg.LocalKey == hint {
		cur.matched = false
		return Ignored
	}
	h := t.byLocal[hint]
	if !cur.matched || !resolvable(h) {
		return Ignored
	}

	cur.msg.MessageID = ""
	cur.msg.State = cur.armed
	cur.matched = false
	r.logger.Debug("content match undone by sender result",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("local_key", cur.msg.LocalKey),
		zap.String("message_id", msg.MessageID))
	r.promote(t, h, msg, false)
	return Promoted
}

// echoCandidate finds the oldest pending entry this message can be the echo
// of: same author and content, stamped within the echo window. Failed entries
// are skipped until a retry re-arms them.
func (r *Reconciler) echoCandidate(t *thread, msg chat.Message) *entry {
	for _, e := range t.entries {
		if e.msg.State != chat.Pending {
			continue
		}
		if e.msg.AuthorID != msg.AuthorID || e.msg.Body != msg.Body || e.msg.AttachmentRef != msg.AttachmentRef {
			continue
		}
		if !msg.CreatedAt.IsZero() {
			d := msg.CreatedAt.Sub(e.msg.CreatedAt)
			if d < 0 {
				d = -d
			}
			if d > r.echoWindow {
				continue
			}
		}
		return e
	}
	return nil
}

func (r *Reconciler) promote(t *thread, e *entry, msg chat.Message, byContent bool) {
	e.matched = byContent && msg.MessageID != ""
	e.armed = e.msg.State
	e.msg.MessageID = msg.MessageID
	e.msg.State = chat.Confirmed
	if !msg.CreatedAt.IsZero() {
		e.msg.CreatedAt = msg.CreatedAt
	}
	if msg.AttachmentRef != "" {
		e.msg.AttachmentRef = msg.AttachmentRef
	}
	if msg.MessageType != "" {
		e.msg.MessageType = msg.MessageType
	}
	if msg.MessageID != "" {
		t.byID[msg.MessageID] = e
	}
	r.logger.Debug("optimistic entry promoted",
		zap.String("conversation_id", e.msg.ConversationID),
		zap.String("local_key", e.msg.LocalKey),
		zap.String("message_id", msg.MessageID))
}
