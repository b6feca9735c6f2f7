package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matheus3301/chatline/internal/chat"
	"github.com/matheus3301/chatline/internal/identity"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, identity.Static{UserID: "7", AccessToken: "tok"}, Options{Timeout: 2 * time.Second}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestListConversationsSendsBearerAndDecodes(t *testing.T) {
	var gotAuth, gotPath string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_, _ = io.WriteString(w, `{"data":[
			{"conversationId":1,"partnerId":"9","partnerName":"Ana","lastMessage":"hey","lastMessageAt":"2024-05-01T10:00:00Z","unreadCount":2},
			{"partnerName":"no id"}
		]}`)
	}))

	convs, err := c.ListConversations(context.Background(), "freelancer", "7")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/conversations/freelancer/7" {
		t.Errorf("path = %q", gotPath)
	}
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	if convs[0].ID != "1" || convs[0].PeerDisplayName != "Ana" || convs[0].UnreadCount != 2 {
		t.Errorf("unexpected conversation: %+v", convs[0])
	}
}

func TestListMessagesFillsConversationID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"messageId":5,"senderId":"9","content":"hi","messageType":"text","createdAt":"2024-05-01T10:00:00"}]`)
	}))

	msgs, err := c.ListMessages(context.Background(), "42")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.ConversationID != "42" || m.MessageID != "5" || m.State != chat.Confirmed {
		t.Errorf("unexpected message: %+v", m)
	}
}

func TestSendMessagePostsBody(t *testing.T) {
	var req map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_, _ = io.WriteString(w, `{"messageId":"m-1","conversationId":"42","senderId":"7","content":"yo","createdAt":"2024-05-01T10:00:01Z"}`)
	}))

	m, err := c.SendMessage(context.Background(), "42", "7", "yo", "")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if m.MessageID != "m-1" || m.Body != "yo" {
		t.Errorf("unexpected message: %+v", m)
	}
	if req["content"] != "yo" || req["senderId"] != "7" || req["messageType"] != "text" {
		t.Errorf("unexpected request body: %v", req)
	}
}

func TestSendMessageWithoutIDFails(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"content":"yo"}`)
	}))
	if _, err := c.SendMessage(context.Background(), "42", "7", "yo", ""); err == nil {
		t.Fatal("expected error for response without id")
	}
}

func TestCreateConversationAndAddMember(t *testing.T) {
	var paths []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.URL.Path == "/conversations" {
			_, _ = io.WriteString(w, `{"conversationId":77}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	id, err := c.CreateConversation(context.Background(), "direct", "7")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if id != "77" {
		t.Errorf("id = %q", id)
	}
	if err := c.AddMember(context.Background(), id, "9"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	want := []string{"POST /conversations", "POST /conversations/77/members/9"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestErrorTranslation(t *testing.T) {
	tests := []struct {
		name  string
		code  int
		check func(error) bool
	}{
		{"unauthorized", http.StatusUnauthorized, chat.IsAuth},
		{"forbidden", http.StatusForbidden, chat.IsAuth},
		{"not found", http.StatusNotFound, chat.IsNotFound},
		{"server error", http.StatusBadGateway, chat.IsTransient},
		{"too many requests", http.StatusTooManyRequests, chat.IsTransient},
		{"bad request", http.StatusBadRequest, func(err error) bool { return IsStatus(err, http.StatusBadRequest) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.code)
			}))
			_, err := c.ListMessages(context.Background(), "1")
			if err == nil {
				t.Fatal("expected error")
			}
			if !tt.check(err) {
				t.Errorf("unexpected error kind: %T %v", err, err)
			}
		})
	}
}

func TestNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url, identity.Static{AccessToken: "tok"}, Options{Timeout: time.Second}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.ListMessages(context.Background(), "1")
	var te *chat.TransientNetworkError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientNetworkError, got %T %v", err, err)
	}
}

func TestCancelledContextIsNotAnOutage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ListMessages(ctx, "1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if chat.IsTransient(err) {
		t.Error("caller cancellation must not be reported as a network failure")
	}
}

func TestCancelDuringRequestIsNotAnOutage(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.ListMessages(ctx, "1")
	if !errors.Is(err, context.DeadlineExceeded) || chat.IsTransient(err) {
		t.Fatalf("err = %v, want bare context.DeadlineExceeded", err)
	}
}
