package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatline/internal/bus"
	"github.com/matheus3301/chatline/internal/chat"
	"github.com/matheus3301/chatline/internal/directory"
	"github.com/matheus3301/chatline/internal/identity"
	"github.com/matheus3301/chatline/internal/status"
	"github.com/matheus3301/chatline/internal/timeline"
)

// fakeInvoker echoes sends with a server id, or fails with err.
type fakeInvoker struct {
	state status.State
	err   error
	calls int
}

func (f *fakeInvoker) State() status.State { return f.state }

func (f *fakeInvoker) InvokeSend(_ context.Context, body, att string) (chat.Message, error) {
	f.calls++
	if f.err != nil {
		return chat.Message{}, f.err
	}
	return chat.Message{MessageID: "rt-1", ConversationID: "42", AuthorID: "me", Body: body, AttachmentRef: att, CreatedAt: time.Now()}, nil
}

// echoingInvoker pushes the echo of a send into the timeline before the
// invoke result is returned, or lost when err is set.
type echoingInvoker struct {
	tl   *timeline.Reconciler
	id   string
	echo bool
	err  error
}

func (e *echoingInvoker) State() status.State { return status.Connected }

func (e *echoingInvoker) InvokeSend(_ context.Context, body, att string) (chat.Message, error) {
	msg := chat.Message{MessageID: e.id, ConversationID: "42", AuthorID: "me", Body: body, AttachmentRef: att, CreatedAt: time.Now()}
	if e.echo {
		e.tl.ApplyIncoming(msg, "")
	}
	if e.err != nil {
		return chat.Message{}, e.err
	}
	return msg, nil
}

// fakeREST records calls and fails with err when set.
type fakeREST struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (f *fakeREST) SendMessage(_ context.Context, convID, senderID, body, fileURL string) (chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, body)
	if f.err != nil {
		return chat.Message{}, f.err
	}
	return chat.Message{MessageID: "rest-1", ConversationID: convID, AuthorID: senderID, Body: body, AttachmentRef: fileURL, CreatedAt: time.Now()}, nil
}

type fixture struct {
	coord *Coordinator
	tl    *timeline.Reconciler
	dir   *directory.Directory
	rest  *fakeREST
	bus   *bus.Bus
}

func newFixture(t *testing.T, inv Invoker) *fixture {
	t.Helper()
	self := identity.Static{UserID: "me", AccessToken: "tok"}
	b := bus.New()
	tl := timeline.New(b, nil)
	dir := directory.New(nil, nil, self, b, nil)
	rest := &fakeREST{}
	realtime := func(string) Invoker { return inv }
	if inv == nil {
		realtime = nil
	}
	return &fixture{
		coord: NewCoordinator(realtime, rest, tl, dir, self, b, nil, nil),
		tl:    tl,
		dir:   dir,
		rest:  rest,
		bus:   b,
	}
}

func TestSendOverRealtime(t *testing.T) {
	inv := &fakeInvoker{state: status.Connected}
	f := newFixture(t, inv)
	events, unsub := f.bus.Subscribe(bus.KindMessageConfirm, 4)
	defer unsub()

	key, err := f.coord.Send(context.Background(), "42", "yo", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if inv.calls != 1 || len(f.rest.calls) != 0 {
		t.Errorf("realtime calls = %d, rest calls = %d", inv.calls, len(f.rest.calls))
	}

	view := f.tl.CurrentView("42")
	if len(view) != 1 || view[0].LocalKey != key || view[0].MessageID != "rt-1" || view[0].State != chat.Confirmed {
		t.Fatalf("unexpected view: %+v", view)
	}

	select {
	case evt := <-events:
		ref := evt.Payload.(bus.ConversationRef)
		if ref.LocalKey != key || ref.MessageID != "rt-1" {
			t.Errorf("unexpected ref: %+v", ref)
		}
	case <-time.After(time.Second):
		t.Fatal("no confirm event")
	}
}

func TestSendFallsBackWhenNotConnected(t *testing.T) {
	inv := &fakeInvoker{state: status.Reconnecting}
	f := newFixture(t, inv)

	key, err := f.coord.Send(context.Background(), "42", "yo", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if inv.calls != 0 {
		t.Error("must not invoke while reconnecting")
	}
	view := f.tl.CurrentView("42")
	if len(view) != 1 || view[0].LocalKey != key || view[0].MessageID != "rest-1" || view[0].State != chat.Confirmed {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestSendFallsBackOnNotConnectedError(t *testing.T) {
	inv := &fakeInvoker{state: status.Connected, err: &chat.NotConnectedError{ConversationID: "42", State: "reconnecting"}}
	f := newFixture(t, inv)

	if _, err := f.coord.Send(context.Background(), "42", "yo", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(f.rest.calls) != 1 {
		t.Fatalf("rest calls = %d, want 1", len(f.rest.calls))
	}

	// A late push of the REST-created message must not duplicate the bubble.
	f.tl.ApplyIncoming(chat.Message{MessageID: "rest-1", ConversationID: "42", AuthorID: "me", Body: "yo", CreatedAt: time.Now()}, "")
	view := f.tl.CurrentView("42")
	if len(view) != 1 || view[0].State != chat.Confirmed {
		t.Fatalf("expected exactly one confirmed entry, got %+v", view)
	}
}

func TestSendWithoutRealtimeUsesREST(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.coord.Send(context.Background(), "42", "hi", "https://files/x.png"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	view := f.tl.CurrentView("42")
	if len(view) != 1 || view[0].AttachmentRef != "https://files/x.png" || view[0].MessageType != "file" {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestSendBothPathsFail(t *testing.T) {
	inv := &fakeInvoker{state: status.Connected, err: &chat.TransientNetworkError{Op: "invoke", Err: errors.New("timeout")}}
	f := newFixture(t, inv)
	f.rest.err = &chat.TransientNetworkError{Op: "POST", Err: errors.New("refused")}
	events, unsub := f.bus.Subscribe(bus.KindMessageFailed, 4)
	defer unsub()

	key, err := f.coord.Send(context.Background(), "42", "yo", "")
	var sf *chat.SendFailedError
	if !errors.As(err, &sf) {
		t.Fatalf("err = %v, want SendFailedError", err)
	}
	if sf.LocalKey != key || sf.Realtime == nil || sf.REST == nil {
		t.Errorf("unexpected error: %+v", sf)
	}
	if !chat.IsTransient(err) {
		t.Error("SendFailedError should unwrap to its causes")
	}

	view := f.tl.CurrentView("42")
	if len(view) != 1 || view[0].State != chat.Failed {
		t.Fatalf("failed send must stay visible as failed: %+v", view)
	}
	select {
	case evt := <-events:
		if evt.Payload.(SendFailure).LocalKey != key {
			t.Errorf("unexpected payload: %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}
}

func TestRetryFailedSend(t *testing.T) {
	f := newFixture(t, nil)
	f.rest.err = errors.New("down")

	key, err := f.coord.Send(context.Background(), "42", "yo", "")
	if err == nil {
		t.Fatal("expected first send to fail")
	}

	f.rest.err = nil
	if err := f.coord.Retry(context.Background(), key); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	view := f.tl.CurrentView("42")
	if len(view) != 1 || view[0].State != chat.Confirmed || view[0].LocalKey != key {
		t.Fatalf("retry must promote the same entry: %+v", view)
	}

	if err := f.coord.Retry(context.Background(), key); !errors.Is(err, ErrNotFailed) {
		t.Errorf("retry of confirmed entry = %v, want ErrNotFailed", err)
	}
	if err := f.coord.Retry(context.Background(), "nope"); !errors.Is(err, ErrUnknownLocalKey) {
		t.Errorf("retry of unknown key = %v, want ErrUnknownLocalKey", err)
	}
}

func TestSendRejectsEmptyBody(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.coord.Send(context.Background(), "42", "  \n", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
	if len(f.tl.CurrentView("42")) != 0 || len(f.rest.calls) != 0 {
		t.Error("empty message must not create an entry or hit the network")
	}
}

func TestSendTouchesDirectory(t *testing.T) {
	f := newFixture(t, nil)
	f.dir.Select("other")
	if _, err := f.coord.Send(context.Background(), "42", "preview me", ""); err != nil {
		t.Fatal(err)
	}
	row, ok := f.dir.Get("42")
	if !ok || row.LastMessagePreview != "preview me" {
		t.Fatalf("unexpected row: %+v", row)
	}
	if row.UnreadCount != 0 {
		t.Errorf("own message counted as unread: %d", row.UnreadCount)
	}
}

func TestRealtimeFailureAfterEchoDoesNotResend(t *testing.T) {
	inv := &echoingInvoker{id: "rt-1", echo: true, err: &chat.TransientNetworkError{Op: "invoke", Err: errors.New("connection lost")}}
	f := newFixture(t, inv)
	inv.tl = f.tl
	events, unsub := f.bus.Subscribe(bus.KindMessageConfirm, 4)
	defer unsub()

	key, err := f.coord.Send(context.Background(), "42", "yo", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(f.rest.calls) != 0 {
		t.Fatalf("rest calls = %d, want 0", len(f.rest.calls))
	}
	view := f.tl.CurrentView("42")
	if len(view) != 1 || view[0].LocalKey != key || view[0].MessageID != "rt-1" || view[0].State != chat.Confirmed {
		t.Fatalf("expected one confirmed entry, got %+v", view)
	}
	select {
	case evt := <-events:
		if ref := evt.Payload.(bus.ConversationRef); ref.LocalKey != key || ref.MessageID != "rt-1" {
			t.Errorf("unexpected ref: %+v", ref)
		}
	case <-time.After(time.Second):
		t.Fatal("no confirm event")
	}
}

func TestResendAfterFailureWithEarlyEcho(t *testing.T) {
	inv := &echoingInvoker{id: "rt-9", err: &chat.TransientNetworkError{Op: "invoke", Err: errors.New("timeout")}}
	f := newFixture(t, inv)
	inv.tl = f.tl
	f.rest.err = errors.New("down")

	failedKey, err := f.coord.Send(context.Background(), "42", "ok", "")
	if err == nil {
		t.Fatal("expected first send to fail")
	}

	inv.echo, inv.err = true, nil
	sentKey, err := f.coord.Send(context.Background(), "42", "ok", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	failed, _ := f.tl.Lookup(failedKey)
	if failed.State != chat.Failed || failed.MessageID != "" {
		t.Errorf("failed send = %+v, want failed without id", failed)
	}
	sent, _ := f.tl.Lookup(sentKey)
	if sent.State != chat.Confirmed || sent.MessageID != "rt-9" {
		t.Errorf("second send = %+v, want confirmed as rt-9", sent)
	}
	if n := len(f.tl.CurrentView("42")); n != 2 {
		t.Errorf("view length = %d, want 2", n)
	}
}
