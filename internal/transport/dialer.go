package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatline/internal/chat"
)

// Dialer opens realtime connections scoped to one conversation.
type Dialer struct {
	BaseURL          string
	HubPath          string
	HandshakeTimeout time.Duration
}

// URL builds the websocket endpoint for a conversation. The token is passed
// as a query parameter as well as a header for servers that only read one.
func (d *Dialer) URL(conversationID, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(d.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u = u.JoinPath(d.HubPath)
	q := u.Query()
	q.Set("conversationId", conversationID)
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial performs the websocket handshake. A 401 or 403 handshake response is
// an *chat.AuthError; anything else is a *chat.TransientNetworkError.
func (d *Dialer) Dial(ctx context.Context, conversationID, token string) (*websocket.Conn, error) {
	target, err := d.URL(conversationID, token)
	if err != nil {
		return nil, err
	}
	ws := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := ws.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &chat.AuthError{Reason: fmt.Sprintf("realtime handshake rejected with HTTP %d", resp.StatusCode)}
		}
		return nil, &chat.TransientNetworkError{Op: "dial realtime", Err: err}
	}
	return conn, nil
}
