package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coachhub/chat-realtime/internal/middleware"
	"github.com/coachhub/chat-realtime/pkg/logger"
)

// RouterConfig carries the handlers and settings mounted by NewRouter.
// A nil Audit handler leaves the admin routes unmounted.
type RouterConfig struct {
	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	Health        *HealthHandler
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Presence      *PresenceHandler
	Realtime      *RealtimeHandler
	Audit         *AuditHandler
}

// NewRouter builds the HTTP routes of the chat server.
func NewRouter(cfg RouterConfig, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Realtime transports accept the token as a query parameter
	r.Route("/realtime", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret, true))

		r.Get("/ws", cfg.Realtime.WebSocket)
		r.Get("/poll", cfg.Realtime.Poll)
		r.Post("/poll", cfg.Realtime.Push)
		r.Delete("/poll", cfg.Realtime.Close)
	})

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret, false))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/presence", cfg.Presence.Online)

		// Conversations
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", cfg.Conversations.Create)
			r.Get("/", cfg.Conversations.List)
			r.Post("/direct", cfg.Conversations.Direct)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", cfg.Conversations.Get)
				r.Delete("/", cfg.Conversations.Deactivate)
				r.Put("/read", cfg.Conversations.MarkRead)

				// Participants
				r.Get("/participants", cfg.Conversations.Participants)
				r.Post("/participants", cfg.Conversations.AddParticipant)
				r.Delete("/participants/{userId}", cfg.Conversations.RemoveParticipant)

				// Messages
				r.Get("/messages", cfg.Messages.List)
				r.Post("/messages", cfg.Messages.Send)
			})
		})

		r.Route("/messages/{id}", func(r chi.Router) {
			r.Put("/", cfg.Messages.Edit)
			r.Delete("/", cfg.Messages.Delete)
		})

		if cfg.Audit != nil {
			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireScope(middleware.ScopeAdmin))
				r.Get("/conversations/{id}/audit", cfg.Audit.List)
			})
		}
	})

	return r
}
