package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mahaj/callrelay/pkg/store"
)

// conversationHistory returns the latest messages between the caller and
// userId, oldest first.
func (s *Server) conversationHistory(w http.ResponseWriter, r *http.Request) {
	me := caller(r)
	other := chi.URLParam(r, "userId")

	messages, err := s.messages.Conversation(r.Context(), me.ID, other, store.ConversationLimit)
	if err != nil {
		s.log.Error("Failed to fetch history", "user_id", me.ID, "other_user_id", other, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) userMessages(w http.ResponseWriter, r *http.Request) {
	me := caller(r)

	messages, err := s.messages.UserMessages(r.Context(), me.ID, store.UserMessageLimit)
	if err != nil {
		s.log.Error("Failed to fetch messages", "user_id", me.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}
