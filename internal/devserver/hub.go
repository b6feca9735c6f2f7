package devserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatline/internal/wire"
	"go.uber.org/zap"
)

const (
	writeWait  = 3 * time.Second
	pingPeriod = 20 * time.Second
	pongWait   = 25 * time.Second
	readLimit  = 64 << 10
	sendQueue  = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one realtime connection bound to a conversation.
type client struct {
	hub            *hub
	conn           *websocket.Conn
	userID         string
	conversationID string
	send           chan []byte

	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
		c.hub.unregister(c)
	})
}

// enqueue drops the frame and disconnects a client that cannot keep up.
func (c *client) enqueue(b []byte) {
	select {
	case <-c.done:
	case c.send <- b:
	default:
		c.hub.logger.Warn("send queue full, disconnecting", zap.String("user_id", c.userID))
		c.close()
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// hub tracks connections per conversation.
type hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
}

func newHub(logger *zap.Logger) *hub {
	return &hub{logger: logger, clients: make(map[string]map[*client]struct{})}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.conversationID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.conversationID] = set
	}
	set[c] = struct{}{}
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.conversationID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.conversationID)
	}
}

func (h *hub) snapshot(conversationID string) []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*client, 0, len(h.clients[conversationID]))
	for c := range h.clients[conversationID] {
		out = append(out, c)
	}
	return out
}

func (h *hub) broadcast(conversationID string, f wire.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("marshal frame", zap.Error(err))
		return
	}
	for _, c := range h.snapshot(conversationID) {
		c.enqueue(b)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

func (h *hub) dropAll() {
	h.mu.Lock()
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		c.close()
	}
}

func (s *Server) serveHub(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	convID := r.URL.Query().Get("conversationId")
	if convID == "" || !s.isMember(convID, userID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		hub:            s.hub,
		conn:           conn,
		userID:         userID,
		conversationID: convID,
		send:           make(chan []byte, sendQueue),
		done:           make(chan struct{}),
	}
	s.hub.register(c)
	s.logger.Debug("realtime connected", zap.String("user_id", userID), zap.String("conversation_id", convID))

	go c.writeLoop()
	s.readLoop(c)
}

func (s *Server) readLoop(c *client) {
	defer c.close()
	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Debug("bad frame", zap.Error(err))
			continue
		}
		if f.Type != wire.FrameInvoke {
			continue
		}
		s.invoke(c, f)
	}
}

func (s *Server) invoke(c *client, f wire.Frame) {
	reply := wire.Frame{Type: wire.FrameCompletion, InvocationID: f.InvocationID}
	if f.Target != wire.TargetSendMessage {
		reply.Error = "unknown target " + f.Target
		s.reply(c, reply)
		return
	}
	var args wire.SendArguments
	if err := json.Unmarshal(f.Arguments, &args); err != nil {
		reply.Error = "invalid arguments"
		s.reply(c, reply)
		return
	}
	if args.ConversationID == "" {
		args.ConversationID = c.conversationID
	}
	if args.ConversationID != c.conversationID {
		reply.Error = "conversation mismatch"
		s.reply(c, reply)
		return
	}
	msg, ok := s.appendMessage(args.ConversationID, c.userID, args.Text, args.AttachmentRef)
	if !ok {
		reply.Error = "conversation not found"
		s.reply(c, reply)
		return
	}
	reply.Message = ptr(wire.FromChat(msg))
	s.reply(c, reply)
	s.hub.broadcast(args.ConversationID, wire.Frame{Type: wire.FrameEvent, Target: wire.TargetReceiveMessage, Message: ptr(wire.FromChat(msg))})
}

func (s *Server) reply(c *client, f wire.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		s.logger.Error("marshal completion", zap.Error(err))
		return
	}
	c.enqueue(b)
}
