package client

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachhub/chat-realtime/internal/model"
)

func TestManagerConnectsOverWebSocket(t *testing.T) {
	ts := newTestServer(t)
	m := ts.manager(t, "coach", ManagerConfig{})

	connected := make(chan struct{}, 1)
	m.On(model.EventConnect, func(model.Envelope) { connected <- struct{}{} })

	connect(t, m)
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, TransportWebSocket, m.Transport())

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connect event not dispatched")
	}
	require.Eventually(t, func() bool { return m.Presence().IsOnline("coach") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, ts.hub.ConnectionCount())
}

func TestManagerConnectsOverPolling(t *testing.T) {
	ts := newTestServer(t)
	m := ts.manager(t, "coach", ManagerConfig{Transports: []string{TransportPolling}})

	connect(t, m)
	assert.Equal(t, TransportPolling, m.Transport())

	conv := ts.group(t)
	awaitJoined(t, m, func() { m.JoinConversation(conv.ID) })
	assert.Equal(t, []string{conv.ID}, m.Rooms())
}

func TestManagerFallsBackWhenTransportDoesNotOpen(t *testing.T) {
	ts := newTestServer(t)

	var stalled atomic.Int32
	hang := func(ctx context.Context, ep Endpoint) (Transport, error) {
		stalled.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m := ts.manager(t, "coach", ManagerConfig{OpenTimeout: 100 * time.Millisecond},
		WithDialer(TransportWebSocket, hang))

	connect(t, m)
	assert.Equal(t, TransportPolling, m.Transport())
	assert.Equal(t, []string{TransportPolling}, m.Preferences())
	assert.Equal(t, int32(1), stalled.Load())
}

func TestManagerReplaysRoomsAfterReconnect(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.group(t)
	m := ts.manager(t, "coach", ManagerConfig{})
	connect(t, m)

	awaitJoined(t, m, func() { m.JoinConversation(conv.ID) })

	disconnected := make(chan struct{}, 1)
	m.On(model.EventDisconnect, func(model.Envelope) {
		select {
		case disconnected <- struct{}{}:
		default:
		}
	})

	// Reauthenticating a live manager drops the transport and reconnects.
	awaitJoined(t, m, func() { require.NoError(t, m.Reauthenticate(ts.credentials(t, "coach"))) })

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect event not dispatched")
	}
	require.Eventually(t, func() bool { return m.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{conv.ID}, m.Rooms())
}

func TestManagerGivesUpAfterMaxRetries(t *testing.T) {
	var dials atomic.Int32
	refuse := func(ctx context.Context, ep Endpoint) (Transport, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}
	m := NewManager(ManagerConfig{
		BaseURL:        "http://127.0.0.1:1",
		Transports:     []string{TransportWebSocket},
		MaxRetries:     2,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	}, Credentials{Identity: testUsers["coach"]}, WithDialer(TransportWebSocket, refuse))
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.Connect(ctx)
	require.Error(t, err)
	assert.Equal(t, StateFailed, m.State())
	assert.Equal(t, int32(3), dials.Load())

	var saw []State
	for len(m.States()) > 0 {
		saw = append(saw, (<-m.States()).State)
	}
	assert.Contains(t, saw, StateError)
	assert.Equal(t, StateFailed, saw[len(saw)-1])
}

func TestManagerStopsOnRejectedToken(t *testing.T) {
	ts := newTestServer(t)
	m := NewManager(ManagerConfig{BaseURL: ts.srv.URL, InitialBackoff: 5 * time.Millisecond},
		Credentials{Identity: testUsers["coach"], Token: "not-a-token"})
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.Connect(ctx)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusUnauthorized), "got %v", err)
	assert.Equal(t, StateFailed, m.State())
}

func TestReauthenticateRestartsFailedManager(t *testing.T) {
	ts := newTestServer(t)
	m := ts.manager(t, "coach", ManagerConfig{})
	require.NoError(t, m.Reauthenticate(Credentials{Identity: testUsers["coach"], Token: "expired"}))
	require.Eventually(t, func() bool { return m.State() == StateFailed }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Reauthenticate(ts.credentials(t, "coach")))
	require.Eventually(t, func() bool { return m.State() == StateConnected }, 5*time.Second, 10*time.Millisecond)
}

func TestAcquireIsReferenceCounted(t *testing.T) {
	m := NewManager(ManagerConfig{}, Credentials{Identity: testUsers["coach"]})
	defer m.Close()

	releaseA := m.Acquire("conv-1")
	releaseB := m.Acquire("conv-1")
	assert.Equal(t, []string{"conv-1"}, m.Rooms())

	releaseA()
	releaseA()
	assert.Equal(t, []string{"conv-1"}, m.Rooms())

	releaseB()
	assert.Empty(t, m.Rooms())
}

func TestExplicitJoinOutlivesAcquire(t *testing.T) {
	m := NewManager(ManagerConfig{}, Credentials{Identity: testUsers["coach"]})
	defer m.Close()

	release := m.Acquire("conv-1")
	m.JoinConversation("conv-1")
	release()
	assert.Equal(t, []string{"conv-1"}, m.Rooms())

	m.LeaveConversation("conv-1")
	assert.Empty(t, m.Rooms())
	assert.False(t, m.Joined("conv-1"))
}

func TestHandlersUnsubscribe(t *testing.T) {
	m := NewManager(ManagerConfig{}, Credentials{Identity: testUsers["coach"]})

	unsubA := m.On(model.EventNewMessage, func(model.Envelope) {})
	unsubB := m.On(AnyEvent, func(model.Envelope) {})
	assert.Equal(t, 2, m.HandlerCount())

	unsubA()
	unsubA()
	assert.Equal(t, 1, m.HandlerCount())
	unsubB()
	assert.Zero(t, m.HandlerCount())

	m.On(model.EventNewMessage, func(model.Envelope) {})
	require.NoError(t, m.Close())
	assert.Zero(t, m.HandlerCount())
	assert.ErrorIs(t, m.Connect(context.Background()), ErrManagerClosed)
}

func TestEmitRequiresConnection(t *testing.T) {
	m := NewManager(ManagerConfig{}, Credentials{Identity: testUsers["coach"]})
	defer m.Close()
	assert.ErrorIs(t, m.Emit(context.Background(), model.EventTypingStart, model.ConversationRef{ConversationID: "c"}), ErrNotConnected)
}

func TestPresenceFollowsOtherUsers(t *testing.T) {
	ts := newTestServer(t)
	coachMgr := ts.manager(t, "coach", ManagerConfig{})
	connect(t, coachMgr)

	clientMgr := ts.manager(t, "client", ManagerConfig{})
	connect(t, clientMgr)

	require.Eventually(t, func() bool { return coachMgr.Presence().IsOnline("client") }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return clientMgr.Presence().IsOnline("coach") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, clientMgr.Close())
	require.Eventually(t, func() bool { return !coachMgr.Presence().IsOnline("client") }, 2*time.Second, 10*time.Millisecond)
}
