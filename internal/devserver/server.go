// Package devserver is an in-memory messaging backend speaking the same REST
// API and realtime protocol as the production service. It backs local runs
// of the client and the integration tests.
package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/matheus3301/chatline/internal/chat"
	"github.com/matheus3301/chatline/internal/logging"
	"github.com/matheus3301/chatline/internal/wire"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Options configures a Server.
type Options struct {
	Secret         []byte
	HubPath        string
	AllowedOrigins []string
}

type conversation struct {
	id        string
	kind      string
	createdBy string
	members   []string
	messages  []chat.Message
}

// Server holds all state in memory.
type Server struct {
	opts   Options
	logger *zap.Logger
	hub    *hub

	reject atomic.Bool

	mu            sync.Mutex
	names         map[string]string
	conversations map[string]*conversation
	nextConv      int
	nextMsg       int
	now           func() time.Time

	handler http.Handler
}

// New creates an empty backend.
func New(opts Options, logger *zap.Logger) *Server {
	if opts.HubPath == "" {
		opts.HubPath = "/hubs/chat"
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		opts:          opts,
		logger:        logging.OrNop(logger),
		names:         make(map[string]string),
		conversations: make(map[string]*conversation),
		now:           func() time.Time { return time.Now().UTC() },
	}
	s.hub = newHub(s.logger)
	s.handler = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/conversations/{role}/{userId}", s.authed(s.listConversations)).Methods(http.MethodGet)
	r.HandleFunc("/conversations", s.authed(s.createConversation)).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/members/{userId}", s.authed(s.addMember)).Methods(http.MethodPost)
	r.HandleFunc("/messages/{conversationId}", s.authed(s.listMessages)).Methods(http.MethodGet)
	r.HandleFunc("/messages/{conversationId}", s.authed(s.postMessage)).Methods(http.MethodPost)
	r.HandleFunc(s.opts.HubPath, s.serveHub).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           300,
		AllowCredentials: true,
	})
	return c.Handler(r)
}

type ctxKey struct{}

func (s *Server) authenticate(r *http.Request) (string, bool) {
	if s.reject.Load() {
		return "", false
	}
	raw, err := bearer(r)
	if err != nil {
		return "", false
	}
	sub, err := verify(s.opts.Secret, raw)
	if err != nil {
		s.logger.Debug("token rejected", zap.Error(err))
		return "", false
	}
	return sub, true
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, ok := s.authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, sub)))
	}
}

func caller(r *http.Request) string {
	sub, _ := r.Context().Value(ctxKey{}).(string)
	return sub
}

// RejectTokens makes every request fail authentication until called with false.
func (s *Server) RejectTokens(reject bool) {
	s.reject.Store(reject)
}

// DropConnections closes every realtime connection.
func (s *Server) DropConnections() {
	s.hub.dropAll()
}

// Connections returns the number of live realtime connections.
func (s *Server) Connections() int {
	return s.hub.count()
}

// SetName sets the display name of a user.
func (s *Server) SetName(userID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[userID] = name
}

// CreateConversation adds a conversation with the given members.
func (s *Server) CreateConversation(kind, createdBy string, members ...string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(kind, createdBy, members...)
}

func (s *Server) createLocked(kind, createdBy string, members ...string) string {
	s.nextConv++
	id := strconv.Itoa(s.nextConv)
	c := &conversation{id: id, kind: kind, createdBy: createdBy}
	for _, m := range members {
		if !slices.Contains(c.members, m) {
			c.members = append(c.members, m)
		}
	}
	s.conversations[id] = c
	return id
}

// Post stores a message as if sent by senderID and pushes it to subscribers.
func (s *Server) Post(conversationID, senderID, body, fileURL string) (chat.Message, bool) {
	msg, ok := s.appendMessage(conversationID, senderID, body, fileURL)
	if ok {
		s.hub.broadcast(conversationID, wire.Frame{Type: wire.FrameEvent, Target: wire.TargetReceiveMessage, Message: ptr(wire.FromChat(msg))})
	}
	return msg, ok
}

// Messages returns a conversation's stored messages.
func (s *Server) Messages(conversationID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	return slices.Clone(c.messages)
}

func (s *Server) appendMessage(conversationID, senderID, body, fileURL string) (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return chat.Message{}, false
	}
	s.nextMsg++
	msgType := "text"
	if fileURL != "" {
		msgType = "file"
	}
	msg := chat.Message{
		MessageID:      strconv.Itoa(s.nextMsg),
		ConversationID: conversationID,
		AuthorID:       senderID,
		Body:           body,
		AttachmentRef:  fileURL,
		MessageType:    msgType,
		CreatedAt:      s.now(),
		State:          chat.Confirmed,
	}
	c.messages = append(c.messages, msg)
	return msg, true
}

func (s *Server) isMember(conversationID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	return ok && slices.Contains(c.members, userID)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	if userID != caller(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	s.mu.Lock()
	var rows []wire.Conversation
	for _, c := range s.conversations {
		if !slices.Contains(c.members, userID) {
			continue
		}
		row := wire.Conversation{ConversationID: wire.ID(c.id)}
		for _, m := range c.members {
			if m != userID {
				row.PartnerID = wire.ID(m)
				row.PartnerName = s.names[m]
				break
			}
		}
		if n := len(c.messages); n > 0 {
			last := c.messages[n-1]
			row.LastMessage = last.Body
			row.LastMessageAt = wire.Time{Time: last.CreatedAt}
		}
		rows = append(rows, row)
	}
	s.mu.Unlock()

	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, "no conversations")
		return
	}
	slices.SortFunc(rows, func(a, b wire.Conversation) int { return b.LastMessageAt.Compare(a.LastMessageAt.Time) })
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req wire.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = caller(r)
	}
	id := s.CreateConversation(req.Type, req.CreatedBy)
	s.logger.Info("conversation created", zap.String("conversation_id", id), zap.String("type", req.Type))
	writeJSON(w, http.StatusCreated, map[string]any{"conversationId": json.Number(id)})
}

func (s *Server) addMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.mu.Lock()
	c, ok := s.conversations[vars["id"]]
	if ok && !slices.Contains(c.members, vars["userId"]) {
		c.members = append(c.members, vars["userId"])
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["conversationId"]
	if !s.isMember(convID, caller(r)) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	msgs := s.Messages(convID)
	out := make([]wire.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wire.FromChat(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["conversationId"]
	var req wire.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	sender := caller(r)
	if !s.isMember(convID, sender) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	msg, _ := s.Post(convID, sender, req.Content, req.FileURL)
	writeJSON(w, http.StatusCreated, wire.FromChat(msg))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func ptr[T any](v T) *T { return &v }
