package main

import (
	"net/http"
)

// onlineUsers serves the presence mirror the gateway keeps in Redis.
func (s *Server) onlineUsers(w http.ResponseWriter, r *http.Request) {
	if s.presence == nil {
		writeError(w, http.StatusServiceUnavailable, "Presence is not available")
		return
	}

	users, err := s.presence.OnlineUsers(r.Context())
	if err != nil {
		s.log.Error("Failed to fetch presence", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch presence")
		return
	}
	writeJSON(w, http.StatusOK, users)
}
