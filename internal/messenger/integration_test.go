package messenger

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matheus3301/chatline/internal/bus"
	"github.com/matheus3301/chatline/internal/chat"
	"github.com/matheus3301/chatline/internal/devserver"
	"github.com/matheus3301/chatline/internal/directory"
	"github.com/matheus3301/chatline/internal/identity"
	"github.com/matheus3301/chatline/internal/outbox"
	"github.com/matheus3301/chatline/internal/restapi"
	"github.com/matheus3301/chatline/internal/status"
	"github.com/matheus3301/chatline/internal/timeline"
	"github.com/matheus3301/chatline/internal/transport"
)

var secret = []byte("integration-secret")

type client struct {
	m   *Messenger
	tl  *timeline.Reconciler
	dir *directory.Directory
	rt  *transport.Manager
}

func newClient(t *testing.T, ts *httptest.Server, userID string, backoff transport.Backoff) *client {
	t.Helper()
	tok, err := devserver.Mint(secret, userID, "user", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	self := identity.Static{UserID: userID, AccessToken: tok}
	b := bus.New()
	api, err := restapi.New(ts.URL, self, restapi.Options{Timeout: 2 * time.Second}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rt := transport.NewManager(transport.Options{
		BaseURL:        ts.URL,
		HubPath:        "/hubs/chat",
		ConnectTimeout: 2 * time.Second,
		InvokeTimeout:  2 * time.Second,
		Backoff:        backoff,
	}, b, nil, nil)
	tl := timeline.New(b, nil)
	dir := directory.New(api, nil, self, b, nil)
	ob := outbox.NewCoordinator(outbox.FromManager(rt), api, tl, dir, self, b, nil, nil)
	m := New(api, rt, tl, dir, ob, self, nil, nil, nil, Options{Role: "user"})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop() })
	return &client{m: m, tl: tl, dir: dir, rt: rt}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connected(c *client) func() bool {
	return func() bool {
		h := c.m.Handle()
		return h != nil && h.State() == status.Connected
	}
}

func TestConversationEndToEnd(t *testing.T) {
	srv := devserver.New(devserver.Options{Secret: secret}, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()
	srv.SetName("bob", "Bob")
	conv := srv.CreateConversation("private", "alice", "alice", "bob")
	srv.Post(conv, "bob", "hey alice", "")

	alice := newClient(t, ts, "alice", transport.Backoff{20 * time.Millisecond})
	bob := newClient(t, ts, "bob", transport.Backoff{20 * time.Millisecond})

	rows := alice.m.Conversations()
	if len(rows) != 1 || rows[0].ID != conv || rows[0].DisplayName() != "Bob" {
		t.Fatalf("alice directory = %+v", rows)
	}

	if err := alice.m.Select(context.Background(), conv); err != nil {
		t.Fatalf("alice Select: %v", err)
	}
	if err := bob.m.Select(context.Background(), conv); err != nil {
		t.Fatalf("bob Select: %v", err)
	}
	waitFor(t, "alice connected", connected(alice))
	waitFor(t, "bob connected", connected(bob))

	key, err := alice.m.Send(context.Background(), "hi bob", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent, ok := alice.tl.Lookup(key)
	if !ok || sent.State != chat.Confirmed || sent.MessageID == "" {
		t.Fatalf("sent = %+v", sent)
	}

	waitFor(t, "bob receives", func() bool { return len(bob.m.View(conv)) == 2 })

	// The hub echoes the send back to alice; it must not add a second bubble.
	time.Sleep(100 * time.Millisecond)
	if v := alice.m.View(conv); len(v) != 2 {
		t.Fatalf("alice view = %+v", v)
	}
	if c, _ := alice.dir.Get(conv); c.UnreadCount != 0 || c.LastMessagePreview != "hi bob" {
		t.Fatalf("alice row = %+v", c)
	}
	if c, _ := bob.dir.Get(conv); c.UnreadCount != 0 {
		t.Fatalf("bob row = %+v", c)
	}
}

func TestSendFallsBackAfterDrop(t *testing.T) {
	srv := devserver.New(devserver.Options{Secret: secret}, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()
	conv := srv.CreateConversation("private", "alice", "alice", "bob")

	alice := newClient(t, ts, "alice", transport.Backoff{time.Hour})
	if err := alice.m.Select(context.Background(), conv); err != nil {
		t.Fatalf("Select: %v", err)
	}
	waitFor(t, "connected", connected(alice))

	srv.DropConnections()
	waitFor(t, "reconnecting", func() bool {
		h := alice.m.Handle()
		return h != nil && h.State() == status.Reconnecting
	})

	key, err := alice.m.Send(context.Background(), "over rest", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, _ := alice.tl.Lookup(key)
	if got.State != chat.Confirmed {
		t.Fatalf("state = %s", got.State)
	}
	if msgs := srv.Messages(conv); len(msgs) != 1 || msgs[0].Body != "over rest" {
		t.Fatalf("server messages = %+v", msgs)
	}
	if v := alice.m.View(conv); len(v) != 1 {
		t.Fatalf("view = %+v", v)
	}
}

func TestUnreadCountsWhileElsewhere(t *testing.T) {
	srv := devserver.New(devserver.Options{Secret: secret}, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()
	c1 := srv.CreateConversation("private", "alice", "alice", "bob")
	c2 := srv.CreateConversation("private", "alice", "alice", "carol")
	srv.Post(c2, "carol", "earlier", "")

	alice := newClient(t, ts, "alice", transport.Backoff{20 * time.Millisecond})
	if err := alice.m.Select(context.Background(), c1); err != nil {
		t.Fatalf("Select: %v", err)
	}
	waitFor(t, "connected", connected(alice))

	// Pushes only flow for the bound conversation; c2 learns of the new
	// message on refresh.
	srv.Post(c2, "carol", "ping", "")
	if err := alice.m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	row, ok := alice.dir.Get(c2)
	if !ok || row.LastMessagePreview != "ping" {
		t.Fatalf("c2 row = %+v", row)
	}

	srv.Post(c1, "bob", "hello", "")
	waitFor(t, "push", func() bool { return len(alice.m.View(c1)) == 1 })
	if r, _ := alice.dir.Get(c1); r.UnreadCount != 0 {
		t.Fatalf("selected conversation unread = %d", r.UnreadCount)
	}
}
