package handler

import (
	"encoding/json"
	"net/http"

	"github.com/coachhub/chat-realtime/internal/middleware"
	"github.com/coachhub/chat-realtime/internal/realtime"
	"github.com/coachhub/chat-realtime/pkg/logger"
)

// maxPollBody bounds the frames a client may push in one request.
const maxPollBody = 1 << 20

// RealtimeHandler exposes the websocket and long-poll transports.
type RealtimeHandler struct {
	gateway *realtime.Gateway
	logger  *logger.Logger
}

// NewRealtimeHandler creates a new realtime handler.
func NewRealtimeHandler(gateway *realtime.Gateway, log *logger.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		gateway: gateway,
		logger:  log,
	}
}

// WebSocket handles GET /realtime/ws
func (h *RealtimeHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	h.gateway.ServeWebSocket(w, r, middleware.GetIdentity(r.Context()))
}

// Poll handles GET /realtime/poll. Without a sid a new session is opened and
// its id is returned with the frames already queued.
func (h *RealtimeHandler) Poll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := middleware.GetIdentity(ctx)

	sid := r.URL.Query().Get("sid")
	if sid == "" {
		c := h.gateway.OpenPoll(ctx, identity)
		sid = c.ID
	}

	events, err := h.gateway.Poll(ctx, sid, identity.UserID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		writeServiceError(w, r, h.logger, err, "failed to poll")
		return
	}

	writeJSON(w, http.StatusOK, realtime.PollBatch{
		SessionID: sid,
		Events:    events,
	})
}

// Push handles POST /realtime/poll?sid=
func (h *RealtimeHandler) Push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := r.URL.Query().Get("sid")
	if sid == "" {
		writeError(w, http.StatusBadRequest, "missing sid")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPollBody)
	var frames []json.RawMessage
	if err := decodeJSON(r, &frames); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.gateway.Push(ctx, sid, middleware.GetUserID(ctx), frames); err != nil {
		writeServiceError(w, r, h.logger, err, "failed to push frames")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Close handles DELETE /realtime/poll?sid=
func (h *RealtimeHandler) Close(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := r.URL.Query().Get("sid")
	if sid == "" {
		writeError(w, http.StatusBadRequest, "missing sid")
		return
	}

	if err := h.gateway.ClosePoll(ctx, sid, middleware.GetUserID(ctx)); err != nil {
		writeServiceError(w, r, h.logger, err, "failed to close poll session")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
