package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/mahaj/callrelay/pkg/auth"
	"github.com/mahaj/callrelay/pkg/model"
	"github.com/mahaj/callrelay/pkg/store"
	"github.com/samber/lo"
)

// OnlineLister reports who is connected to the gateway.
type OnlineLister interface {
	OnlineUsers(ctx context.Context) ([]model.Identity, error)
}

type ClientConfig struct {
	PublicDomain  string
	TURNServerURL string
	TURNUsername  string
	TURNPassword  string
}

type Server struct {
	users         store.UserStore
	messages      store.MessageStore
	conversations store.ConversationIndex
	// nil when no Redis is configured
	presence OnlineLister
	jwt      *auth.JWT
	validate *validator.Validate
	origins  []string
	client   ClientConfig
	log      *slog.Logger
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.register)
		r.Post("/auth/login", s.login)
		r.Get("/config", s.iceConfig)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/users", s.listUsers)
			r.Get("/users/{id}", s.getUser)
			r.Get("/messages", s.userMessages)
			r.Get("/messages/{userId}", s.conversationHistory)
			r.Get("/conversations", s.listConversations)
			r.Get("/presence", s.onlineUsers)
		})
	})
	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (lo.Contains(s.origins, origin) || lo.Contains(s.origins, "*")) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.jwt.Verify(auth.BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or missing token")
			return
		}
		ctx := context.WithValue(r.Context(), auth.UserKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// caller is only valid behind authMiddleware.
func caller(r *http.Request) *model.Identity {
	return r.Context().Value(auth.UserKey).(*model.Identity)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
