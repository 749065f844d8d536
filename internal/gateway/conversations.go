package gateway

import (
	"net/http"
	"strconv"

	"github.com/basket/todo-chat/internal/shared"
)

// queryLimit parses ?limit=, returning 0 (no limit) when absent.
func queryLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r)
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	convs, err := s.cfg.Store.ListConversations(r.Context(), shared.Owner(r.Context()), limit)
	if err != nil {
		s.storeError(w, r, "conversations", err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "conversation_id")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit, ok := queryLimit(r)
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	msgs, err := s.cfg.Store.ListMessages(r.Context(), shared.Owner(r.Context()), id, limit)
	if err != nil {
		s.storeError(w, r, "conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}
