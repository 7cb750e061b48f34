// Package devserver is an in-memory stand-in for the social network's
// realtime and REST endpoints. It backs local development and the end-to-end
// tests; nothing is persisted.
package devserver

import (
	"crypto/rand"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aeolun/socialsync/pkg/protocol"
)

// Server serves /api and /ws.
type Server struct {
	logger   zerolog.Logger
	secret   []byte
	upgrader websocket.Upgrader
	router   chi.Router

	mu    sync.Mutex
	data  *store
	peers map[string]map[*peer]struct{} // by scope

	rejectReason string
	dropAcks     bool
	failActions  bool
	refuse       bool
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithSecret sets the token signing key. A random key is used otherwise.
func WithSecret(secret []byte) Option {
	return func(s *Server) { s.secret = secret }
}

// New creates a server with no users or conversations.
func New(opts ...Option) *Server {
	s := &Server{
		logger: zerolog.Nop(),
		data:   newStore(),
		peers:  make(map[string]map[*peer]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.secret) == 0 {
		s.secret = make([]byte, 32)
		_, _ = rand.Read(s.secret)
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ws", s.handleChannel)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/notifications/{id}/unseen", s.handleUnseen)
		r.Put("/notifications/{id}/seen", s.handleSeen)
		r.Get("/conversations", s.handleConversations)
		r.Get("/conversations/{id}/messages", s.handleMessages)
		r.Post("/conversations/read", s.handleBulk(bulkRead))
		r.Post("/conversations/unread", s.handleBulk(bulkUnread))
		r.Post("/conversations/delete", s.handleBulk(bulkDelete))
	})
	return r
}

// broadcastLocked queues an event to every channel of scope.
func (s *Server) broadcastLocked(scope string, eventType uint8, body any) {
	set := s.peers[scope]
	if len(set) == 0 {
		return
	}
	frame, err := protocol.NewFrame(eventType, body)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to build frame")
		return
	}
	data, err := protocol.EncodeMessage(frame, protocol.ProtocolVersion)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode frame")
		return
	}
	for p := range set {
		p.queue(data)
	}
}

// Test and development hooks.

// AddUser registers display details for a participant.
func (s *Server) AddUser(p protocol.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.users[p.ID] = p
}

// Notify pushes a new notification to scope and counts it unseen.
func (s *Server) Notify(scope string, n protocol.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.unseen[scope]++
	s.broadcastLocked(scope, protocol.TypeNewNotification, n)
}

// SetUnseen replaces scope's unseen count and pushes a count update.
func (s *Server) SetUnseen(scope string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.unseen[scope] = count
	s.broadcastLocked(scope, protocol.TypeNotificationCountUpdate, protocol.CountUpdate{Count: count})
}

// SeenElsewhere zeroes scope's count as if another session viewed them.
func (s *Server) SeenElsewhere(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.unseen[scope] = 0
	s.broadcastLocked(scope, protocol.TypeNotificationsSeen, protocol.CountUpdate{Count: 0})
}

// Unseen returns scope's notification count.
func (s *Server) Unseen(scope string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.unseen[scope]
}

// Deliver sends a message from one user to another without a client on the
// sending side. The receiver's channels get receive_message.
func (s *Server) Deliver(from, to, text string) protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.data.conversationFor(from, to)
	msg := s.data.appendMessage(c, from, to, text, nil)
	s.broadcastLocked(to, protocol.TypeReceiveMessage, msg)
	return msg
}

// Messages returns a copy of a conversation's messages.
func (s *Server) Messages(conversationID string) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data.conversations[conversationID]
	if !ok {
		return nil
	}
	return append([]protocol.Message(nil), c.messages...)
}

// RejectSends makes every send_message fail with reason. An empty reason
// accepts sends again.
func (s *Server) RejectSends(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectReason = reason
}

// DropAcks stops acknowledging send_message.
func (s *Server) DropAcks(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropAcks = drop
}

// FailActions makes the bulk conversation endpoints return 500.
func (s *Server) FailActions(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failActions = fail
}

// RefuseConnections rejects new channel upgrades with 503.
func (s *Server) RefuseConnections(refuse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = refuse
}

// Peers returns the number of open channels for scope.
func (s *Server) Peers(scope string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers[scope])
}

// DisconnectAll drops every open channel.
func (s *Server) DisconnectAll() {
	s.mu.Lock()
	var all []*peer
	for _, set := range s.peers {
		for p := range set {
			all = append(all, p)
		}
	}
	s.mu.Unlock()
	for _, p := range all {
		p.close()
	}
}
