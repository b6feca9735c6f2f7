package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matheus3301/chatline/internal/chat"
	"github.com/matheus3301/chatline/internal/identity"
	"github.com/matheus3301/chatline/internal/logging"
	"github.com/matheus3301/chatline/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 4 << 20

// StatusError is a non-2xx response that does not map onto the chat error
// taxonomy (e.g. 400 or 409).
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Options configures a Client.
type Options struct {
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	HTTPClient    *http.Client
}

// Client is the typed REST client for the messaging backend.
type Client struct {
	base     *url.URL
	http     *http.Client
	identity identity.Provider
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// New creates a client rooted at baseURL.
func New(baseURL string, id identity.Provider, opts Options, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		base:     u,
		http:     hc,
		identity: id,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logging.OrNop(logger),
	}, nil
}

// BaseURL returns the backend root the client talks to.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// ListConversations calls GET /conversations/{role}/{userId}.
func (c *Client) ListConversations(ctx context.Context, role, userID string) ([]chat.Conversation, error) {
	body, err := c.do(ctx, http.MethodGet, "conversations/"+url.PathEscape(role)+"/"+url.PathEscape(userID), nil, "conversations")
	if err != nil {
		return nil, err
	}
	rows, err := wire.DecodeList[wire.Conversation](body)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Conversation, 0, len(rows))
	for _, r := range rows {
		if r.ConversationID == "" {
			c.logger.Warn("skipping conversation row without id")
			continue
		}
		out = append(out, r.ToChat())
	}
	return out, nil
}

// ListMessages calls GET /messages/{conversationId}.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	body, err := c.do(ctx, http.MethodGet, "messages/"+url.PathEscape(conversationID), nil, "messages")
	if err != nil {
		return nil, err
	}
	rows, err := wire.DecodeList[wire.Message](body)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Message, 0, len(rows))
	for _, r := range rows {
		m := r.ToChat()
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		out = append(out, m)
	}
	return out, nil
}

// SendMessage calls POST /messages/{conversationId}, the fallback send path.
func (c *Client) SendMessage(ctx context.Context, conversationID, senderID, body, fileURL string) (chat.Message, error) {
	msgType := "text"
	if fileURL != "" {
		msgType = "file"
	}
	payload := wire.SendRequest{SenderID: senderID, Content: body, FileURL: fileURL, MessageType: msgType}
	resp, err := c.do(ctx, http.MethodPost, "messages/"+url.PathEscape(conversationID), payload, "conversation")
	if err != nil {
		return chat.Message{}, err
	}
	wm, err := wire.DecodeOne[wire.Message](resp)
	if err != nil {
		return chat.Message{}, err
	}
	m := wm.ToChat()
	if m.MessageID == "" {
		return chat.Message{}, fmt.Errorf("send message: response has no message id")
	}
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	return m, nil
}

// CreateConversation calls POST /conversations and returns the new id.
func (c *Client) CreateConversation(ctx context.Context, kind, createdBy string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "conversations", wire.CreateConversationRequest{Type: kind, CreatedBy: createdBy}, "conversation")
	if err != nil {
		return "", err
	}
	return wire.DecodeCreatedID(resp)
}

// AddMember calls POST /conversations/{id}/members/{userId}.
func (c *Client) AddMember(ctx context.Context, conversationID, userID string) error {
	_, err := c.do(ctx, http.MethodPost, "conversations/"+url.PathEscape(conversationID)+"/members/"+url.PathEscape(userID), nil, "conversation")
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload any, resource string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &chat.TransientNetworkError{Op: method + " " + path, Err: err}
	}

	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.identity.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return nil, &chat.TransientNetworkError{Op: method + " " + path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &chat.TransientNetworkError{Op: method + " " + path, Err: err}
	}
	c.logger.Debug("request done",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if err := classify(method, path, resp.StatusCode, body, resource); err != nil {
		return nil, err
	}
	return body, nil
}

// classify translates an HTTP status into the chat error taxonomy.
func classify(method, path string, code int, body []byte, resource string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &chat.AuthError{Reason: fmt.Sprintf("%s %s rejected with HTTP %d", method, path, code)}
	case code == http.StatusNotFound:
		return &chat.NotFoundError{Resource: resource}
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return &chat.TransientNetworkError{
			Op:  method + " " + path,
			Err: &StatusError{Method: method, Path: path, Code: code, Body: snippet(body)},
		}
	default:
		return &StatusError{Method: method, Path: path, Code: code, Body: snippet(body)}
	}
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// IsStatus reports whether err is a *StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
