package devserver

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/socialsync/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// peer is one client channel.
type peer struct {
	conn   *websocket.Conn
	scope  string
	send   chan []byte
	done   chan struct{}
	closer sync.Once
}

func (p *peer) queue(data []byte) {
	select {
	case p.send <- data:
	case <-p.done:
	default:
		// slow consumer, drop the channel rather than block the server
		p.close()
	}
}

func (p *peer) close() {
	p.closer.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	refuse := s.refuse
	s.mu.Unlock()
	if refuse {
		writeError(w, http.StatusServiceUnavailable, "channel unavailable")
		return
	}

	claims, err := s.validateToken(bearer(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	scope := r.URL.Query().Get("userId")
	if scope == "" || scope != claims.Scope() {
		writeError(w, http.StatusForbidden, "userId does not match token")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("scope", scope).Msg("Upgrade failed")
		return
	}

	p := &peer{
		conn:  conn,
		scope: scope,
		send:  make(chan []byte, sendBufferSize),
		done:  make(chan struct{}),
	}

	// Registered before the welcome so pushes are queued behind it.
	s.mu.Lock()
	if s.peers[scope] == nil {
		s.peers[scope] = make(map[*peer]struct{})
	}
	s.peers[scope][p] = struct{}{}
	s.mu.Unlock()
	defer s.unregister(p)

	welcome, err := protocol.NewFrame(protocol.TypeWelcome, protocol.Welcome{
		ProtocolVersion: protocol.ProtocolVersion,
		UserID:          scope,
	})
	if err == nil {
		var data []byte
		if data, err = protocol.EncodeMessage(welcome, protocol.ProtocolVersion); err == nil {
			err = conn.WriteMessage(websocket.BinaryMessage, data)
		}
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send welcome")
		return
	}
	s.logger.Info().Str("scope", scope).Msg("Channel opened")

	go s.writePump(p)
	s.readPump(p)
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	delete(s.peers[p.scope], p)
	if len(s.peers[p.scope]) == 0 {
		delete(s.peers, p.scope)
	}
	s.mu.Unlock()
	p.close()
}

func (s *Server) writePump(p *peer) {
	for {
		select {
		case data := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}

func (s *Server) readPump(p *peer) {
	defer s.logger.Info().Str("scope", p.scope).Msg("Channel closed")

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("scope", p.scope).Msg("Unexpected close")
			}
			return
		}
		frame, err := protocol.DecodeMessage(data)
		if err != nil {
			s.logger.Warn().Err(err).Str("scope", p.scope).Msg("Invalid frame")
			continue
		}
		s.handleFrame(p, frame)
	}
}

func (s *Server) handleFrame(p *peer, frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypePing:
		s.mu.Lock()
		s.reply(p, protocol.TypePong, struct{}{})
		s.mu.Unlock()

	case protocol.TypeSendMessage:
		var req protocol.SendMessageRequest
		if err := frame.Decode(&req); err != nil {
			return
		}
		s.handleSend(p, req)

	case protocol.TypeMessagesDelivered:
		s.handleReceipt(p, frame, protocol.StatusDelivered)

	case protocol.TypeMessagesRead:
		s.handleReceipt(p, frame, protocol.StatusRead)

	default:
		s.logger.Debug().Str("event", protocol.EventName(frame.Type)).Msg("Ignoring client event")
	}
}

// reply queues an event to a single peer. Callers hold s.mu.
func (s *Server) reply(p *peer, eventType uint8, body any) {
	frame, err := protocol.NewFrame(eventType, body)
	if err != nil {
		return
	}
	data, err := protocol.EncodeMessage(frame, protocol.ProtocolVersion)
	if err != nil {
		return
	}
	p.queue(data)
}

func (s *Server) handleSend(p *peer, req protocol.SendMessageRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ack := func(resp protocol.AckResponse) {
		if s.dropAcks {
			return
		}
		resp.AckID = req.AckID
		s.reply(p, protocol.TypeAck, resp)
	}

	if s.rejectReason != "" {
		ack(protocol.AckResponse{Error: s.rejectReason})
		return
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Media) == 0 {
		ack(protocol.AckResponse{Error: "message is empty"})
		return
	}

	var c *conversation
	if req.ConversationID != "" {
		c = s.data.conversations[req.ConversationID]
		if c == nil || !c.has(p.scope) {
			ack(protocol.AckResponse{Error: "unknown conversation"})
			return
		}
		if req.ReceiverID == "" {
			req.ReceiverID = c.other(p.scope)
		}
	}
	if req.ReceiverID == "" || req.ReceiverID == p.scope {
		ack(protocol.AckResponse{Error: "invalid receiver"})
		return
	}
	if c == nil {
		c = s.data.conversationFor(p.scope, req.ReceiverID)
	}

	msg := s.data.appendMessage(c, p.scope, req.ReceiverID, req.Text, req.Media)
	ack(protocol.AckResponse{Success: true, Message: &msg})
	s.broadcastLocked(req.ReceiverID, protocol.TypeReceiveMessage, msg)
}

func (s *Server) handleReceipt(p *peer, frame *protocol.Frame, status protocol.MessageStatus) {
	var receipt protocol.Receipt
	if err := frame.Decode(&receipt); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	touched := s.data.advance(p.scope, receipt.ConversationID, status)
	eventType := protocol.TypeMessagesDelivered
	if status == protocol.StatusRead {
		eventType = protocol.TypeMessagesRead
	}
	for sender, ids := range touched {
		for _, id := range ids {
			s.broadcastLocked(sender, eventType, protocol.Receipt{ConversationID: id})
		}
	}
}
