package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/coachhub/chat-realtime/internal/middleware"
	"github.com/coachhub/chat-realtime/internal/model"
	"github.com/coachhub/chat-realtime/pkg/logger"
)

// AuditReader reads the durable message audit log of a conversation.
type AuditReader interface {
	GetAudit(ctx context.Context, conversationID string, afterSequence uint64, limit int) ([]model.AuditRecord, bool, error)
}

// AuditHandler serves the admin audit endpoint.
type AuditHandler struct {
	reader AuditReader
	logger *logger.Logger
}

// NewAuditHandler creates a new audit handler.
func NewAuditHandler(reader AuditReader, log *logger.Logger) *AuditHandler {
	return &AuditHandler{
		reader: reader,
		logger: log,
	}
}

// List handles GET /api/v1/admin/conversations/{id}/audit?after=&limit=
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var after uint64
	if s := r.URL.Query().Get("after"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after sequence")
			return
		}
		after = n
	}

	limit := queryInt(r, "limit", 100)
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	records, hasMore, err := h.reader.GetAudit(ctx, conversationID, after, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to read audit log")
		return
	}
	if records == nil {
		records = []model.AuditRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"hasMore": hasMore,
	})
}
