package main

import (
	"net/http"
)

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	me := caller(r)

	conversations, err := s.conversations.Conversations(r.Context(), me.ID)
	if err != nil {
		s.log.Error("Failed to fetch conversations", "user_id", me.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch conversations")
		return
	}
	writeJSON(w, http.StatusOK, conversations)
}
