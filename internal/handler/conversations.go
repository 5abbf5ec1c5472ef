// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/coachhub/chat-realtime/internal/middleware"
	"github.com/coachhub/chat-realtime/internal/model"
	"github.com/coachhub/chat-realtime/internal/service"
	"github.com/coachhub/chat-realtime/pkg/logger"
)

// ConversationHandler handles conversation and participant endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// Create handles POST /api/v1/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.CreateConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.service.Create(ctx, middleware.GetIdentity(ctx), &req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to create conversation")
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

// Direct handles POST /api/v1/conversations/direct
func (h *ConversationHandler) Direct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.DirectConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateUserID(req.UserID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, created, err := h.service.Direct(ctx, middleware.GetUserID(ctx), req.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to open direct conversation")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp, err := h.service.List(ctx, middleware.GetUserID(ctx))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to list conversations")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.service.Get(ctx, conversationID, middleware.GetUserID(ctx))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to get conversation")
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Deactivate handles DELETE /api/v1/conversations/{id}
func (h *ConversationHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.Deactivate(ctx, conversationID, middleware.GetUserID(ctx)); err != nil {
		writeServiceError(w, r, h.logger, err, "failed to deactivate conversation")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Participants handles GET /api/v1/conversations/{id}/participants
func (h *ConversationHandler) Participants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	participants, err := h.service.Participants(ctx, conversationID, middleware.GetUserID(ctx))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to list participants")
		return
	}
	if participants == nil {
		participants = []model.Participant{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"participants": participants})
}

// AddParticipant handles POST /api/v1/conversations/{id}/participants
func (h *ConversationHandler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.AddParticipantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateUserID(req.UserID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := h.service.AddParticipant(ctx, conversationID, middleware.GetUserID(ctx), &req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to add participant")
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

// RemoveParticipant handles DELETE /api/v1/conversations/{id}/participants/{userId}
func (h *ConversationHandler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")
	userID := chi.URLParam(r, "userId")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.RemoveParticipant(ctx, conversationID, middleware.GetUserID(ctx), userID); err != nil {
		writeServiceError(w, r, h.logger, err, "failed to remove participant")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// MarkRead handles PUT /api/v1/conversations/{id}/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	lastReadAt, err := h.service.MarkRead(ctx, conversationID, middleware.GetUserID(ctx))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to mark conversation read")
		return
	}

	writeJSON(w, http.StatusOK, model.ReadReceiptEvent{
		ConversationID: conversationID,
		UserID:         middleware.GetUserID(ctx),
		LastReadAt:     lastReadAt,
	})
}
