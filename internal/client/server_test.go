package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachhub/chat-realtime/internal/handler"
	"github.com/coachhub/chat-realtime/internal/middleware"
	"github.com/coachhub/chat-realtime/internal/model"
	"github.com/coachhub/chat-realtime/internal/realtime"
	"github.com/coachhub/chat-realtime/internal/service"
	"github.com/coachhub/chat-realtime/internal/store"
	"github.com/coachhub/chat-realtime/pkg/logger"
)

const testSecret = "client-test-secret"

var testUsers = map[string]model.Identity{
	"coach":  {UserID: "coach", UserName: "Coach Kim"},
	"client": {UserID: "client", UserName: "Client Lee"},
}

// testServer is a full chat server on an httptest listener.
type testServer struct {
	srv   *httptest.Server
	hub   *realtime.Hub
	convs *service.ConversationService
}

func newTestServer(t *testing.T) *testServer {
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
	gateway := realtime.NewGateway(hub, realtime.GatewayConfig{PollTimeout: 200 * time.Millisecond}, log)

	router := handler.NewRouter(handler.RouterConfig{
		JWTSecret:         testSecret,
		AllowedOrigins:    []string{"*"},
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
		Health:            handler.NewHealthHandler(nil),
		Conversations:     handler.NewConversationHandler(convs, log),
		Messages:          handler.NewMessageHandler(msgs, log),
		Presence:          handler.NewPresenceHandler(hub),
		Realtime:          handler.NewRealtimeHandler(gateway, log),
	}, log)

	ts := &testServer{srv: httptest.NewServer(router), hub: hub, convs: convs}
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) credentials(t *testing.T, user string) Credentials {
	t.Helper()
	id := testUsers[user]
	token, err := middleware.IssueToken(testSecret, id, nil, time.Hour)
	require.NoError(t, err)
	return Credentials{Identity: id, Token: token}
}

func (ts *testServer) group(t *testing.T) *model.Conversation {
	t.Helper()
	conv, err := ts.convs.Create(context.Background(), testUsers["coach"], &model.CreateConversationRequest{
		Kind:         model.ConversationGroup,
		Name:         "Morning cohort",
		Participants: []string{"client"},
	})
	require.NoError(t, err)
	return conv
}

func (ts *testServer) manager(t *testing.T, user string, cfg ManagerConfig, opts ...ManagerOption) *Manager {
	t.Helper()
	cfg.BaseURL = ts.srv.URL
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 20 * time.Millisecond
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 2 * time.Second
	}
	m := NewManager(cfg, ts.credentials(t, user), opts...)
	t.Cleanup(func() { m.Close() })
	return m
}

func (ts *testServer) session(t *testing.T, user string, cfg ManagerConfig) *Session {
	t.Helper()
	m := ts.manager(t, user, cfg)
	connect(t, m)
	api := NewAPI(ts.srv.URL, m.Token, nil)
	return NewSession(api, m, nil)
}

func connect(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx))
}

// awaitJoined subscribes before fn runs and waits for conversation_joined.
func awaitJoined(t *testing.T, m *Manager, fn func()) {
	t.Helper()
	joined := make(chan struct{}, 1)
	unsub := m.On(model.EventConversationJoined, func(model.Envelope) {
		select {
		case joined <- struct{}{}:
		default:
		}
	})
	defer unsub()

	fn()
	select {
	case <-joined:
	case <-time.After(5 * time.Second):
		t.Fatal("conversation_joined not received")
	}
}
