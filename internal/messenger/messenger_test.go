package messenger

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatline/internal/bus"
	"github.com/matheus3301/chatline/internal/chat"
	"github.com/matheus3301/chatline/internal/directory"
	"github.com/matheus3301/chatline/internal/identity"
	"github.com/matheus3301/chatline/internal/metrics"
	"github.com/matheus3301/chatline/internal/outbox"
	"github.com/matheus3301/chatline/internal/store"
	"github.com/matheus3301/chatline/internal/timeline"
	"github.com/matheus3301/chatline/internal/transport"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// fakeAPI serves canned history. A conversation with a gate blocks its
// ListMessages until the gate is closed.
type fakeAPI struct {
	mu       sync.Mutex
	history  map[string][]chat.Message
	gates    map[string]chan struct{}
	entered  chan string
	histErr  error
	created  []string
	members  []string
	rows     []chat.Conversation
	listings int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		history: make(map[string][]chat.Message),
		gates:   make(map[string]chan struct{}),
		entered: make(chan string, 8),
	}
}

func (f *fakeAPI) ListMessages(ctx context.Context, convID string) ([]chat.Message, error) {
	f.mu.Lock()
	gate := f.gates[convID]
	f.mu.Unlock()
	f.entered <- convID
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.histErr != nil {
		return nil, f.histErr
	}
	return f.history[convID], nil
}

func (f *fakeAPI) CreateConversation(_ context.Context, kind, createdBy string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, kind+"/"+createdBy)
	return "77", nil
}

func (f *fakeAPI) AddMember(_ context.Context, convID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members = append(f.members, convID+":"+userID)
	return nil
}

func (f *fakeAPI) ListConversations(_ context.Context, role, userID string) ([]chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listings++
	return f.rows, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, convID, senderID, body, fileURL string) (chat.Message, error) {
	return chat.Message{MessageID: "srv-" + body, ConversationID: convID, AuthorID: senderID, Body: body, AttachmentRef: fileURL, CreatedAt: time.Now()}, nil
}

type harness struct {
	m       *Messenger
	api     *fakeAPI
	tl      *timeline.Reconciler
	dir     *directory.Directory
	metrics *metrics.Metrics
}

// newHarness points the realtime manager at a closed port with a long
// backoff, so every handle stays reconnecting and sends use REST.
func newHarness(t *testing.T, cache MessageCache) *harness {
	t.Helper()
	return newHarnessAt(t, cache, "http://127.0.0.1:1", 500*time.Millisecond)
}

func newHarnessAt(t *testing.T, cache MessageCache, baseURL string, connectTimeout time.Duration) *harness {
	t.Helper()
	self := identity.Static{UserID: "me", AccessToken: "tok"}
	b := bus.New()
	met := metrics.New()
	api := newFakeAPI()
	rt := transport.NewManager(transport.Options{
		BaseURL:        baseURL,
		ConnectTimeout: connectTimeout,
		Backoff:        transport.Backoff{time.Hour},
	}, b, met, nil)
	tl := timeline.New(b, nil)
	dir := directory.New(api, nil, self, b, nil)
	ob := outbox.NewCoordinator(outbox.FromManager(rt), api, tl, dir, self, b, met, nil)
	m := New(api, rt, tl, dir, ob, self, cache, met, nil, Options{Role: "user", HistoryLimit: 100})
	t.Cleanup(func() { _ = m.Stop() })
	return &harness{m: m, api: api, tl: tl, dir: dir, metrics: met}
}

func msg(conv, id, author, body string, at time.Time) chat.Message {
	return chat.Message{ConversationID: conv, MessageID: id, AuthorID: author, Body: body, CreatedAt: at, State: chat.Confirmed}
}

func TestSelectSeedsTimeline(t *testing.T) {
	h := newHarness(t, nil)
	h.api.history["1"] = []chat.Message{
		msg("1", "a", "peer", "first", t0),
		msg("1", "b", "peer", "second", t0.Add(time.Second)),
	}

	if err := h.m.Select(context.Background(), "1"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	view := h.m.View("1")
	if len(view) != 2 || view[1].Body != "second" {
		t.Fatalf("view = %+v", view)
	}
	if h.m.Selected() != "1" {
		t.Fatalf("selected = %q", h.m.Selected())
	}
	c, ok := h.dir.Get("1")
	if !ok || c.UnreadCount != 0 || c.LastMessagePreview != "second" {
		t.Fatalf("directory row = %+v, %v", c, ok)
	}
}

func TestSelectDiscardsStaleHistory(t *testing.T) {
	h := newHarness(t, nil)
	h.api.history["A"] = []chat.Message{msg("A", "a1", "peer", "from A", t0)}
	h.api.history["B"] = []chat.Message{msg("B", "b1", "peer", "from B", t0)}
	gateA := make(chan struct{})
	h.api.gates["A"] = gateA

	done := make(chan error, 1)
	go func() { done <- h.m.Select(context.Background(), "A") }()

	select {
	case id := <-h.api.entered:
		if id != "A" {
			t.Fatalf("first fetch for %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("history fetch for A never started")
	}

	if err := h.m.Select(context.Background(), "B"); err != nil {
		t.Fatalf("Select B: %v", err)
	}
	close(gateA)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stale Select returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Select A did not return")
	}

	if h.m.Selected() != "B" {
		t.Fatalf("selected = %q", h.m.Selected())
	}
	if h.tl.Seeded("A") || len(h.m.View("A")) != 0 {
		t.Fatalf("stale history applied to A: %+v", h.m.View("A"))
	}
	if v := h.m.View("B"); len(v) != 1 || v[0].Body != "from B" {
		t.Fatalf("view B = %+v", v)
	}
	if got := testutil.ToFloat64(h.metrics.StaleDiscarded); got != 1 {
		t.Fatalf("stale counter = %v", got)
	}
}

func TestSelectFallsBackToCache(t *testing.T) {
	db, _, err := store.OpenMigrated(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.SaveMessages([]chat.Message{msg("1", "a", "peer", "cached", t0)}); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, db)
	h.api.histErr = &chat.TransientNetworkError{Op: "GET messages/1", Err: errors.New("connection refused")}

	if err := h.m.Select(context.Background(), "1"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	view := h.m.View("1")
	if len(view) != 1 || view[0].Body != "cached" {
		t.Fatalf("view = %+v", view)
	}
}

func TestSelectSurfacesHistoryError(t *testing.T) {
	h := newHarness(t, nil)
	h.api.histErr = &chat.AuthError{Reason: "expired"}

	err := h.m.Select(context.Background(), "1")
	if !chat.IsAuth(err) {
		t.Fatalf("err = %v, want auth error", err)
	}
}

func TestSelectNotFoundIsEmptyHistory(t *testing.T) {
	h := newHarness(t, nil)
	h.api.histErr = &chat.NotFoundError{Resource: "messages"}

	if err := h.m.Select(context.Background(), "1"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !h.tl.Seeded("1") {
		t.Fatal("timeline not seeded")
	}
}

func TestSendFallsBackToRESTWhileReconnecting(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.m.Select(context.Background(), "1"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	key, err := h.m.Send(context.Background(), "hello", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, ok := h.tl.Lookup(key)
	if !ok || got.State != chat.Confirmed || got.MessageID != "srv-hello" {
		t.Fatalf("entry = %+v, %v", got, ok)
	}
}

func TestSendWithoutSelection(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.m.Send(context.Background(), "hello", ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestStartDirectFindsExisting(t *testing.T) {
	h := newHarness(t, nil)
	h.api.rows = []chat.Conversation{{ID: "5", PeerID: "ana", LastMessageAt: t0}}
	if err := h.m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	id, err := h.m.StartDirect(context.Background(), "ana")
	if err != nil {
		t.Fatalf("StartDirect: %v", err)
	}
	if id != "5" || len(h.api.created) != 0 {
		t.Fatalf("id = %q, created = %v", id, h.api.created)
	}
}

func TestStartDirectCreates(t *testing.T) {
	h := newHarness(t, nil)
	h.api.rows = []chat.Conversation{{ID: "5", PeerID: "ana", LastMessageAt: t0}}
	if err := h.m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	id, err := h.m.StartDirect(context.Background(), "an")
	if err != nil {
		t.Fatalf("StartDirect: %v", err)
	}
	if id != "77" {
		t.Fatalf("id = %q", id)
	}
	if len(h.api.created) != 1 || h.api.created[0] != DirectConversationType+"/me" {
		t.Fatalf("created = %v", h.api.created)
	}
	if len(h.api.members) != 2 || h.api.members[0] != "77:me" || h.api.members[1] != "77:an" {
		t.Fatalf("members = %v", h.api.members)
	}
	if h.api.listings != 2 {
		t.Fatalf("directory refreshed %d times", h.api.listings)
	}
}

func TestStartDirectRequiresPeer(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.m.StartDirect(context.Background(), ""); err == nil {
		t.Fatal("expected error")
	}
}

// stalledEndpoint accepts connections and never completes a handshake.
func stalledEndpoint(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return "http://" + ln.Addr().String()
}

func TestSelectStaysResponsiveWhileDialing(t *testing.T) {
	h := newHarnessAt(t, nil, stalledEndpoint(t), 3*time.Second)

	doneA := make(chan error, 1)
	go func() { doneA <- h.m.Select(context.Background(), "A") }()

	deadline := time.Now().Add(time.Second)
	for h.m.Selected() != "A" {
		if time.Now().After(deadline) {
			t.Fatal("selection of A not visible")
		}
		time.Sleep(5 * time.Millisecond)
	}
	start := time.Now()
	_ = h.m.Selected()
	_ = h.m.ConnectionState()
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("readers blocked for %v during dial", elapsed)
	}

	switchStart := time.Now()
	go func() { _ = h.m.Select(context.Background(), "B") }()
	deadline = time.Now().Add(time.Second)
	for h.m.Selected() != "B" {
		if time.Now().After(deadline) {
			t.Fatal("switch to B blocked behind A's dial")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case err := <-doneA:
		if err != nil {
			t.Errorf("superseded Select A = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Select A kept waiting on its dial after the switch")
	}
	if elapsed := time.Since(switchStart); elapsed > 2*time.Second {
		t.Errorf("switch took %v", elapsed)
	}
	if h.tl.Seeded("A") {
		t.Error("superseded selection must not seed A")
	}
}
