package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tandem-chat/tandem/internal/application/conversation"
	"github.com/tandem-chat/tandem/internal/infrastructure/identity"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	convSvc  *conversation.Service
	resolver *identity.Resolver
	logger   zerolog.Logger
}

func NewServer(convSvc *conversation.Service, resolver *identity.Resolver, logger zerolog.Logger) *Server {
	return &Server{
		convSvc:  convSvc,
		resolver: resolver,
		logger:   logger.With().Str("service", "http").Logger(),
	}
}

// Router builds the HTTP router. The request timeout is above the maximum
// long-poll wait so the middleware never cuts a parked read short.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(90 * time.Second))

	r.Route("/sessions", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/", s.createSession)
		r.Route("/{sessionId}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Post("/messages", s.sendMessage)
			r.Get("/messages", s.readMessages)
			r.Post("/messages/abort", s.abortWait)
			r.Post("/end", s.endSession)
			r.Group(func(r chi.Router) {
				r.Use(s.requirePrivileged)
				r.Post("/boundary/clear", s.clearBoundary)
				r.Post("/reflection/complete", s.completeReflection)
				r.Get("/audit", s.listAudit)
			})
		})
	})

	return r
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
