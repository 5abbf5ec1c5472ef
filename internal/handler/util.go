package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/coachhub/chat-realtime/internal/middleware"
	"github.com/coachhub/chat-realtime/internal/realtime"
	"github.com/coachhub/chat-realtime/internal/service"
	"github.com/coachhub/chat-realtime/internal/store"
	"github.com/coachhub/chat-realtime/pkg/logger"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeServiceError maps service and store errors to HTTP statuses.
// Unexpected errors are logged and reported with the fallback message.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, store.ErrInvalidReply):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrForbidden):
		writeError(w, http.StatusForbidden, "not allowed")
	case errors.Is(err, store.ErrNotFound), errors.Is(err, realtime.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrInactive):
		writeError(w, http.StatusConflict, "conversation is not active")
	default:
		log.Error(fallback,
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

// decodeJSON decodes a JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

// queryInt parses a non-negative integer query parameter.
func queryInt(r *http.Request, key string, def int) int {
	if s := r.URL.Query().Get(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
