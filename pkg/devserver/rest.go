package devserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/aeolun/socialsync/pkg/protocol"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Msg("request completed")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func intParam(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 1 {
		return def
	}
	return v
}

// ownScope rejects reads of another identity's notifications.
func ownScope(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id != claimsFrom(r.Context()).Scope() {
		writeError(w, http.StatusForbidden, "not your notifications")
		return "", false
	}
	return id, true
}

func (s *Server) handleUnseen(w http.ResponseWriter, r *http.Request) {
	id, ok := ownScope(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	n := s.data.unseen[id]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int{"unseenCount": n})
}

func (s *Server) handleSeen(w http.ResponseWriter, r *http.Request) {
	id, ok := ownScope(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	s.data.unseen[id] = 0
	s.broadcastLocked(id, protocol.TypeNotificationsSeen, protocol.CountUpdate{Count: 0})
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int{"unseenCount": 0})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	scope := claimsFrom(r.Context()).Scope()
	page := intParam(r, "page", 1)
	limit := intParam(r, "limit", 10)

	s.mu.Lock()
	all := s.data.list(scope)
	start, end := pageBounds(len(all), page, limit)
	data := make([]protocol.Conversation, 0, end-start)
	for _, c := range all[start:end] {
		data = append(data, s.data.view(c, scope))
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, protocol.ConversationPage{
		Data:       data,
		Pagination: pagination(len(all), page, limit),
	})
}

// handleMessages pages backwards from the newest message; each page is in
// chronological order.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	scope := claimsFrom(r.Context()).Scope()
	page := intParam(r, "page", 1)
	limit := intParam(r, "limit", 50)

	s.mu.Lock()
	c, ok := s.data.conversations[chi.URLParam(r, "id")]
	if !ok || !c.has(scope) {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	total := len(c.messages)
	start, end := pageBounds(total, page, limit)
	data := make([]protocol.Message, 0, end-start)
	for i := total - end; i < total-start; i++ {
		data = append(data, c.messages[i])
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, protocol.MessagePage{
		Data:       data,
		Pagination: pagination(total, page, limit),
	})
}

type bulkOp int

const (
	bulkRead bulkOp = iota
	bulkUnread
	bulkDelete
)

func (s *Server) handleBulk(op bulkOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := claimsFrom(r.Context()).Scope()
		var req struct {
			IDs []string `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
			writeError(w, http.StatusBadRequest, "ids are required")
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failActions {
			writeError(w, http.StatusInternalServerError, "action failed")
			return
		}
		for _, id := range req.IDs {
			c, ok := s.data.conversations[id]
			if !ok || !c.has(scope) {
				continue
			}
			switch op {
			case bulkRead:
				c.unseen[scope] = 0
				c.unread[scope] = false
			case bulkUnread:
				c.unread[scope] = true
			case bulkDelete:
				c.hidden[scope] = true
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
