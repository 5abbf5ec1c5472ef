package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/coachhub/chat-realtime/internal/middleware"
	"github.com/coachhub/chat-realtime/internal/model"
	"github.com/coachhub/chat-realtime/internal/service"
	"github.com/coachhub/chat-realtime/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	messageService *service.MessageService
	logger         *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(msgSvc *service.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		messageService: msgSvc,
		logger:         log,
	}
}

// List handles GET /api/v1/conversations/{id}/messages?limit=&offset=
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	resp, err := h.messageService.List(ctx, conversationID, middleware.GetUserID(ctx), limit, offset)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to get messages")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Send handles POST /api/v1/conversations/{id}/messages. A retry with a
// client key the server already stored answers 200 with the stored message.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, created, err := h.messageService.Send(ctx, middleware.GetIdentity(ctx), conversationID, &req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to send message")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, &model.MessageResponse{Message: msg})
}

// Edit handles PUT /api/v1/messages/{id}
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	messageID := chi.URLParam(r, "id")

	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.EditMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.messageService.Edit(ctx, messageID, middleware.GetUserID(ctx), req.Content)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to edit message")
		return
	}

	writeJSON(w, http.StatusOK, &model.MessageResponse{Message: msg})
}

// Delete handles DELETE /api/v1/messages/{id}
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	messageID := chi.URLParam(r, "id")

	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.messageService.Delete(ctx, messageID, middleware.GetUserID(ctx))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to delete message")
		return
	}

	writeJSON(w, http.StatusOK, &model.MessageResponse{Message: msg})
}
