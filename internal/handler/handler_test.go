package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachhub/chat-realtime/internal/middleware"
	"github.com/coachhub/chat-realtime/internal/model"
	"github.com/coachhub/chat-realtime/internal/realtime"
	"github.com/coachhub/chat-realtime/internal/service"
	"github.com/coachhub/chat-realtime/internal/store"
	"github.com/coachhub/chat-realtime/pkg/logger"
)

const testSecret = "handler-test-secret"

type fakeAuditReader struct {
	records []model.AuditRecord
}

func (f *fakeAuditReader) GetAudit(ctx context.Context, conversationID string, afterSequence uint64, limit int) ([]model.AuditRecord, bool, error) {
	var out []model.AuditRecord
	for _, rec := range f.records {
		if rec.Message.ConversationID == conversationID && rec.Sequence > afterSequence {
			out = append(out, rec)
		}
	}
	return out, false, nil
}

type testEnv struct {
	srv    *httptest.Server
	hub    *realtime.Hub
	audit  *fakeAuditReader
	tokens map[string]string
}

func newTestEnv(t *testing.T, checks map[string]Pinger) *testEnv {
	t.Helper()
	log := logger.NewNop()
	st := store.NewMemory()

	var convs *service.ConversationService
	hub := realtime.NewHub(realtime.HubConfig{}, realtime.CheckerFunc(func(ctx context.Context, conversationID, userID string) (bool, error) {
		return convs.IsParticipant(ctx, conversationID, userID)
	}), log)
	require.NoError(t, hub.Start(context.Background()))
	t.Cleanup(func() { hub.Shutdown(context.Background()) })

	disp := realtime.NewDispatcher(hub)
	convs = service.NewConversationService(st, disp, log)
	msgs := service.NewMessageService(st, convs, disp, nil, "", log)
	gateway := realtime.NewGateway(hub, realtime.GatewayConfig{PollTimeout: 100 * time.Millisecond}, log)

	env := &testEnv{
		hub:    hub,
		audit:  &fakeAuditReader{},
		tokens: make(map[string]string),
	}

	router := NewRouter(RouterConfig{
		JWTSecret:         testSecret,
		AllowedOrigins:    []string{"*"},
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
		Health:            NewHealthHandler(checks),
		Conversations:     NewConversationHandler(convs, log),
		Messages:          NewMessageHandler(msgs, log),
		Presence:          NewPresenceHandler(hub),
		Realtime:          NewRealtimeHandler(gateway, log),
		Audit:             NewAuditHandler(env.audit, log),
	}, log)
	env.srv = httptest.NewServer(router)
	t.Cleanup(env.srv.Close)

	for _, u := range []struct {
		id     string
		name   string
		scopes []string
	}{
		{"coach", "Coach Kim", nil},
		{"client", "Client Lee", nil},
		{"outsider", "Out Sider", nil},
		{"ops", "Ops", []string{middleware.ScopeAdmin}},
	} {
		token, err := middleware.IssueToken(testSecret, model.Identity{UserID: u.id, UserName: u.name}, u.scopes, time.Hour)
		require.NoError(t, err)
		env.tokens[u.id] = token
	}
	return env
}

func (e *testEnv) do(t *testing.T, user, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[user])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) createGroup(t *testing.T) *model.Conversation {
	t.Helper()
	resp := e.do(t, "coach", http.MethodPost, "/api/v1/conversations", model.CreateConversationRequest{
		Kind:         model.ConversationGroup,
		Name:         "Morning cohort",
		Participants: []string{"client"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	conv := decode[model.Conversation](t, resp)
	return &conv
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, map[string]Pinger{
		"redis": PingFunc(func(ctx context.Context) error { return errors.New("connection refused") }),
	})

	resp := env.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, "", http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Contains(t, body["reason"], "redis")
}

func TestReadyWithoutOptionalDependencies(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, "", http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConversationAccess(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.createGroup(t)

	resp := env.do(t, "client", http.MethodGet, "/api/v1/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, "outsider", http.MethodGet, "/api/v1/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, "client", http.MethodGet, "/api/v1/conversations/0190b6a2-7c3e-7d4f-8a1b-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, "client", http.MethodGet, "/api/v1/conversations/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, "", http.MethodGet, "/api/v1/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, "client", http.MethodGet, "/api/v1/conversations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[model.ListConversationsResponse](t, resp)
	assert.Equal(t, 1, list.Total)
}

func TestDirectConversationIsReused(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, "coach", http.MethodPost, "/api/v1/conversations/direct", model.DirectConversationRequest{UserID: "client"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decode[model.Conversation](t, resp)

	resp = env.do(t, "client", http.MethodPost, "/api/v1/conversations/direct", model.DirectConversationRequest{UserID: "coach"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode[model.Conversation](t, resp)
	assert.Equal(t, first.ID, second.ID)
}

func TestParticipantRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.createGroup(t)
	base := "/api/v1/conversations/" + conv.ID + "/participants"

	resp := env.do(t, "client", http.MethodPost, base, model.AddParticipantRequest{UserID: "outsider"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, "coach", http.MethodPost, base, model.AddParticipantRequest{UserID: "outsider"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, "outsider", http.MethodDelete, base+"/outsider", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, "coach", http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Participants []model.Participant `json:"participants"`
	}](t, resp)
	assert.Len(t, body.Participants, 2)
}

func TestSendIsIdempotentByClientKey(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.createGroup(t)
	path := "/api/v1/conversations/" + conv.ID + "/messages"
	req := model.SendMessageRequest{Content: "See you at nine", ClientKey: "k-1"}

	resp := env.do(t, "coach", http.MethodPost, path, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decode[model.MessageResponse](t, resp)
	assert.Equal(t, "k-1", first.Message.ClientKey)

	resp = env.do(t, "coach", http.MethodPost, path, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode[model.MessageResponse](t, resp)
	assert.Equal(t, first.Message.ID, second.Message.ID)

	resp = env.do(t, "client", http.MethodGet, path+"?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[model.ListMessagesResponse](t, resp)
	assert.Len(t, list.Messages, 1)
	assert.False(t, list.HasMore)
}

func TestEditAndDeleteRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.createGroup(t)

	resp := env.do(t, "coach", http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", model.SendMessageRequest{Content: "draft"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := decode[model.MessageResponse](t, resp).Message

	resp = env.do(t, "client", http.MethodPut, "/api/v1/messages/"+msg.ID, model.EditMessageRequest{Content: "hijacked"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, "coach", http.MethodPut, "/api/v1/messages/"+msg.ID, model.EditMessageRequest{Content: "final"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	edited := decode[model.MessageResponse](t, resp).Message
	assert.True(t, edited.Edited)
	assert.Equal(t, "final", edited.Content)

	resp = env.do(t, "coach", http.MethodDelete, "/api/v1/messages/"+msg.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	deleted := decode[model.MessageResponse](t, resp).Message
	assert.True(t, deleted.Deleted)
	assert.Equal(t, service.DefaultDeletedPlaceholder, deleted.Content)
}

func TestSendToDeactivatedConversation(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.createGroup(t)

	resp := env.do(t, "coach", http.MethodDelete, "/api/v1/conversations/"+conv.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, "coach", http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", model.SendMessageRequest{Content: "hello?"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestMarkReadRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.createGroup(t)

	resp := env.do(t, "client", http.MethodPut, "/api/v1/conversations/"+conv.ID+"/read", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	receipt := decode[model.ReadReceiptEvent](t, resp)
	assert.Equal(t, "client", receipt.UserID)
	assert.False(t, receipt.LastReadAt.IsZero())
}

func TestPollTransportOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.createGroup(t)
	token := "?token=" + env.tokens["client"]

	resp := env.do(t, "", http.MethodGet, "/realtime/poll"+token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	batch := decode[realtime.PollBatch](t, resp)
	require.NotEmpty(t, batch.SessionID)
	require.NotEmpty(t, batch.Events)

	var env0 model.Envelope
	require.NoError(t, json.Unmarshal(batch.Events[0], &env0))
	assert.Equal(t, model.EventConnected, env0.Event)

	join, err := model.NewEnvelope(model.EventJoinConversation, model.ConversationRef{ConversationID: conv.ID})
	require.NoError(t, err)
	sid := "&sid=" + batch.SessionID
	resp = env.do(t, "", http.MethodPost, "/realtime/poll"+token+sid, []model.Envelope{join})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, "", http.MethodGet, "/realtime/poll"+token+sid, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	batch = decode[realtime.PollBatch](t, resp)
	require.Len(t, batch.Events, 1)
	require.NoError(t, json.Unmarshal(batch.Events[0], &env0))
	assert.Equal(t, model.EventConversationJoined, env0.Event)

	resp = env.do(t, "coach", http.MethodGet, "/api/v1/presence", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	online := decode[struct {
		Total int `json:"total"`
	}](t, resp)
	assert.Equal(t, 1, online.Total)

	resp = env.do(t, "", http.MethodDelete, "/realtime/poll"+token+sid, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, "", http.MethodGet, "/realtime/poll"+token+sid, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, env.hub.ConnectionCount())
}

func TestAuditRequiresAdminScope(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.createGroup(t)
	env.audit.records = []model.AuditRecord{
		{Op: model.AuditCreate, Message: model.Message{ConversationID: conv.ID, Content: "hi"}, Sequence: 1},
		{Op: model.AuditEdit, Message: model.Message{ConversationID: conv.ID, Content: "hello"}, Sequence: 2},
	}
	path := "/api/v1/admin/conversations/" + conv.ID + "/audit"

	resp := env.do(t, "coach", http.MethodGet, path, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, "ops", http.MethodGet, path+"?after=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Records []model.AuditRecord `json:"records"`
	}](t, resp)
	require.Len(t, body.Records, 1)
	assert.Equal(t, model.AuditEdit, body.Records[0].Op)

	resp = env.do(t, "ops", http.MethodGet, path+"?after=x", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
