package handler

import (
	"context"
	"net/http"

	"github.com/coachhub/chat-realtime/internal/presence"
)

// OnlineLister returns the users that currently hold a realtime connection.
type OnlineLister interface {
	OnlineUsers(ctx context.Context) []presence.User
}

// PresenceHandler serves the presence snapshot.
type PresenceHandler struct {
	online OnlineLister
}

// NewPresenceHandler creates a new presence handler.
func NewPresenceHandler(online OnlineLister) *PresenceHandler {
	return &PresenceHandler{online: online}
}

// Online handles GET /api/v1/presence
func (h *PresenceHandler) Online(w http.ResponseWriter, r *http.Request) {
	users := h.online.OnlineUsers(r.Context())
	if users == nil {
		users = []presence.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"total": len(users),
	})
}
