package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/coachhub/chat-realtime/internal/model"
	"github.com/coachhub/chat-realtime/internal/presence"
	"github.com/coachhub/chat-realtime/pkg/logger"
	"github.com/coachhub/chat-realtime/pkg/metrics"
)

var (
	// ErrNotParticipant is returned when joining a conversation the user is not part of.
	ErrNotParticipant = errors.New("not a participant of this conversation")
	// ErrInvalidConversation is returned when a conversation id is missing.
	ErrInvalidConversation = errors.New("conversation id is required")
	// ErrConnClosed is returned when acting on an unregistered connection.
	ErrConnClosed = errors.New("connection closed")
)

// Error codes sent in error frames.
const (
	CodeBadFrame         = "bad_frame"
	CodeInvalidPayload   = "invalid_payload"
	CodeNotParticipant   = "not_participant"
	CodeRateLimited      = "rate_limited"
	CodeUnknownEvent     = "unknown_event"
	CodeIdentityMismatch = "identity_mismatch"
	CodeInternal         = "internal"
)

// HubConfig holds per-connection limits.
type HubConfig struct {
	SendBufferSize    int
	InboundRatePerSec float64
	InboundBurst      int
}

func (c HubConfig) withDefaults() HubConfig {
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = 256
	}
	if c.InboundRatePerSec <= 0 {
		c.InboundRatePerSec = 20
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 40
	}
	return c
}

// ParticipantChecker authorizes room joins.
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// CheckerFunc adapts a function to ParticipantChecker.
type CheckerFunc func(ctx context.Context, conversationID, userID string) (bool, error)

// IsParticipant calls f.
func (f CheckerFunc) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	return f(ctx, conversationID, userID)
}

// PresenceMirror shares connection counts between instances.
type PresenceMirror interface {
	Connected(ctx context.Context, u presence.User) (bool, error)
	Disconnected(ctx context.Context, userID string) (bool, error)
	Online(ctx context.Context) ([]presence.User, error)
}

type userPresence struct {
	identity model.Identity
	conns    int
}

// userLock serializes one user's presence transitions from the count
// change through the global broadcast.
type userLock struct {
	sync.Mutex
	refs int
}

// Hub tracks connections, rooms and online users of this instance.
type Hub struct {
	cfg     HubConfig
	checker ParticipantChecker
	broker  Broker
	mirror  PresenceMirror
	logger  *logger.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[string]*Conn
	users map[string]*userPresence

	locksMu   sync.Mutex
	userLocks map[string]*userLock
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBroker replaces the in-process broker, e.g. with the NATS bus.
func WithBroker(b Broker) HubOption {
	return func(h *Hub) { h.broker = b }
}

// WithPresenceMirror enables cluster-wide presence counting.
func WithPresenceMirror(m PresenceMirror) HubOption {
	return func(h *Hub) { h.mirror = m }
}

// NewHub creates a hub. Call Start before registering connections.
func NewHub(cfg HubConfig, checker ParticipantChecker, log *logger.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		cfg:     cfg.withDefaults(),
		checker: checker,
		broker:  NewLocalBroker(),
		logger:  log,
		conns:   make(map[string]*Conn),
		rooms:   make(map[string]map[string]*Conn),
		users:   make(map[string]*userPresence),

		userLocks: make(map[string]*userLock),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Config returns the effective connection limits.
func (h *Hub) Config() HubConfig {
	return h.cfg
}

// Start subscribes the hub to its broker.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.broker.Subscribe(ctx, h.deliver); err != nil {
		return fmt.Errorf("failed to subscribe to broker: %w", err)
	}
	return nil
}

// Shutdown unregisters every connection and closes the broker.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.Unregister(ctx, c)
	}
	return h.broker.Close()
}

// NewConn creates a connection using the hub's limits.
func (h *Hub) NewConn(identity model.Identity, transport string) *Conn {
	return NewConn(identity, transport, h.cfg, h.logger)
}

// Register adds an authenticated connection. The connection joins its
// user's notification room, receives connected and online_users frames,
// and a user_online_global broadcast goes out if it is the user's first.
func (h *Hub) Register(ctx context.Context, c *Conn) {
	userID := c.Identity.UserID
	unlock := h.lockUser(userID)
	defer unlock()

	h.mu.Lock()
	h.conns[c.ID] = c
	up, ok := h.users[userID]
	if !ok {
		up = &userPresence{identity: c.Identity}
		h.users[userID] = up
		metrics.OnlineUsers.Inc()
	}
	up.conns++
	first := up.conns == 1
	h.addToRoomLocked(c, NotificationRoom(userID))
	h.mu.Unlock()

	metrics.IncrementConnections(c.Transport)

	if h.mirror != nil {
		clusterFirst, err := h.mirror.Connected(ctx, presence.User{UserID: userID, UserName: c.Identity.UserName})
		if err != nil {
			c.logger.Warn("presence mirror unavailable", zap.Error(err))
		} else {
			first = clusterFirst
		}
	}

	c.emit(model.EventConnected, model.ConnectedEvent{
		ConnectionID: c.ID,
		Transport:    c.Transport,
		UserID:       userID,
	})
	c.emit(model.EventOnlineUsers, h.OnlineUsers(ctx))

	if first {
		h.publish(ctx, BroadcastRoom, model.EventUserOnlineGlobal, model.PresenceEvent{
			UserID:   userID,
			UserName: c.Identity.UserName,
		}, c.ID)
	}

	c.logger.Info("realtime connection registered", zap.Bool("first_connection", first))
}

// Unregister removes a connection and all of its room memberships.
// It is safe to call more than once.
func (h *Hub) Unregister(ctx context.Context, c *Conn) {
	userID := c.Identity.UserID
	unlock := h.lockUser(userID)
	defer unlock()

	h.mu.Lock()
	if _, ok := h.conns[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.ID)

	var leftRooms []string
	for room := range c.rooms {
		h.removeFromRoomLocked(c, room)
		if _, ok := conversationFromRoom(room); ok && !h.userInRoomLocked(room, userID) {
			leftRooms = append(leftRooms, room)
		}
	}

	last := false
	if up, ok := h.users[userID]; ok {
		up.conns--
		if up.conns <= 0 {
			delete(h.users, userID)
			metrics.OnlineUsers.Dec()
			last = true
		}
	}
	h.mu.Unlock()

	c.close()
	metrics.DecrementConnections(c.Transport)

	for _, room := range leftRooms {
		conversationID, _ := conversationFromRoom(room)
		h.publish(ctx, room, model.EventUserOffline, model.PresenceEvent{
			UserID:         userID,
			UserName:       c.Identity.UserName,
			ConversationID: conversationID,
		}, "")
	}

	if h.mirror != nil {
		clusterLast, err := h.mirror.Disconnected(ctx, userID)
		if err != nil {
			c.logger.Warn("presence mirror unavailable", zap.Error(err))
		} else {
			last = clusterLast
		}
	}

	if last {
		h.publish(ctx, BroadcastRoom, model.EventUserOfflineGlobal, model.PresenceEvent{
			UserID:   userID,
			UserName: c.Identity.UserName,
		}, "")
	}

	c.logger.Info("realtime connection unregistered", zap.Bool("last_connection", last))
}

// Join adds the connection to a conversation room. Joining twice is a no-op
// apart from the conversation_joined confirmation.
func (h *Hub) Join(ctx context.Context, c *Conn, conversationID string) error {
	if conversationID == "" {
		return ErrInvalidConversation
	}

	ok, err := h.checker.IsParticipant(ctx, conversationID, c.Identity.UserID)
	if err != nil {
		return fmt.Errorf("failed to check participant: %w", err)
	}
	if !ok {
		return ErrNotParticipant
	}

	room := ConversationRoom(conversationID)

	h.mu.Lock()
	if _, registered := h.conns[c.ID]; !registered {
		h.mu.Unlock()
		return ErrConnClosed
	}
	userPresent := h.userInRoomLocked(room, c.Identity.UserID)
	h.addToRoomLocked(c, room)
	h.mu.Unlock()

	c.emit(model.EventConversationJoined, model.ConversationRef{ConversationID: conversationID})

	if !userPresent {
		h.publish(ctx, room, model.EventUserOnline, model.PresenceEvent{
			UserID:         c.Identity.UserID,
			UserName:       c.Identity.UserName,
			ConversationID: conversationID,
		}, c.ID)
	}
	return nil
}

// Leave removes the connection from a conversation room. Leaving a room
// that was never joined is a no-op.
func (h *Hub) Leave(ctx context.Context, c *Conn, conversationID string) error {
	if conversationID == "" {
		return ErrInvalidConversation
	}
	room := ConversationRoom(conversationID)

	h.mu.Lock()
	_, joined := c.rooms[room]
	if joined {
		h.removeFromRoomLocked(c, room)
	}
	userGone := joined && !h.userInRoomLocked(room, c.Identity.UserID)
	h.mu.Unlock()

	c.emit(model.EventConversationLeft, model.ConversationRef{ConversationID: conversationID})

	if userGone {
		h.publish(ctx, room, model.EventUserOffline, model.PresenceEvent{
			UserID:         c.Identity.UserID,
			UserName:       c.Identity.UserName,
			ConversationID: conversationID,
		}, c.ID)
	}
	return nil
}

// Typing relays a typing signal to the other connections in the room.
// Signals for rooms the connection has not joined are dropped.
func (h *Hub) Typing(ctx context.Context, c *Conn, conversationID string, isTyping bool) {
	room := ConversationRoom(conversationID)

	h.mu.RLock()
	_, joined := c.rooms[room]
	h.mu.RUnlock()
	if !joined {
		c.logger.Debug("typing signal for unjoined room dropped", zap.String("conversation_id", conversationID))
		return
	}

	h.publish(ctx, room, model.EventUserTyping, model.TypingEvent{
		UserID:         c.Identity.UserID,
		UserName:       c.Identity.UserName,
		ConversationID: conversationID,
		IsTyping:       isTyping,
	}, c.ID)
}

// Publish encodes an event and hands it to the broker.
func (h *Hub) Publish(ctx context.Context, room string, event model.EventName, data any, except string) error {
	frame, err := encodeFrame(event, data)
	if err != nil {
		return err
	}
	if err := h.broker.Publish(ctx, Delivery{Room: room, Event: event, Except: except, Frame: frame}); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event, err)
	}
	return nil
}

func (h *Hub) publish(ctx context.Context, room string, event model.EventName, data any, except string) {
	if err := h.Publish(ctx, room, event, data, except); err != nil {
		h.logger.Error("failed to publish event",
			zapEvent(event),
			zap.String("room", room),
			zap.Error(err),
		)
	}
}

// deliver queues a delivery on every local connection addressed by it.
// Connections whose buffer is full are dropped.
func (h *Hub) deliver(d Delivery) {
	h.mu.RLock()
	var targets []*Conn
	if d.Room == BroadcastRoom {
		targets = make([]*Conn, 0, len(h.conns))
		for _, c := range h.conns {
			targets = append(targets, c)
		}
	} else {
		members := h.rooms[d.Room]
		targets = make([]*Conn, 0, len(members))
		for _, c := range members {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	var slow []*Conn
	for _, c := range targets {
		if c.ID == d.Except {
			continue
		}
		if !c.enqueue(d.Frame) {
			slow = append(slow, c)
			continue
		}
		metrics.EventsDispatched.WithLabelValues(string(d.Event)).Inc()
	}

	// The publisher may hold the presence lock of the slow connection's user.
	for _, c := range slow {
		metrics.DeliveriesDropped.Inc()
		c.logger.Warn("dropping slow connection", zapEvent(d.Event))
		c.close()
		go h.Unregister(context.Background(), c)
	}
}

// lockUser takes the presence lock of one user and returns its release.
func (h *Hub) lockUser(userID string) func() {
	h.locksMu.Lock()
	l, ok := h.userLocks[userID]
	if !ok {
		l = &userLock{}
		h.userLocks[userID] = l
	}
	l.refs++
	h.locksMu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		h.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.userLocks, userID)
		}
		h.locksMu.Unlock()
	}
}

// InRoom reports whether any local connection of the user has joined the conversation.
func (h *Hub) InRoom(conversationID, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.userInRoomLocked(ConversationRoom(conversationID), userID)
}

// Joined reports whether the connection has joined the conversation.
func (h *Hub) Joined(c *Conn, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.rooms[ConversationRoom(conversationID)]
	return ok
}

// ConnectionCount returns the number of local connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// OnlineUsers returns the online set, cluster-wide when a mirror is configured.
func (h *Hub) OnlineUsers(ctx context.Context) []presence.User {
	if h.mirror != nil {
		users, err := h.mirror.Online(ctx)
		if err == nil {
			return users
		}
		h.logger.Warn("presence mirror unavailable, using local view", zap.Error(err))
	}

	h.mu.RLock()
	users := make([]presence.User, 0, len(h.users))
	for id, up := range h.users {
		users = append(users, presence.User{UserID: id, UserName: up.identity.UserName})
	}
	h.mu.RUnlock()

	presence.SortByName(users)
	return users
}

// HandleInbound processes one frame received from a connection.
func (h *Hub) HandleInbound(ctx context.Context, c *Conn, raw []byte) {
	c.Touch()

	if !c.limiter.Allow() {
		metrics.InboundRejected.WithLabelValues(CodeRateLimited).Inc()
		c.emit(model.EventError, model.ErrorEvent{Code: CodeRateLimited, Message: "too many events"})
		return
	}

	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		metrics.InboundRejected.WithLabelValues(CodeBadFrame).Inc()
		c.emit(model.EventError, model.ErrorEvent{Code: CodeBadFrame, Message: "frame is not a valid event envelope"})
		return
	}

	switch env.Event {
	case model.EventAuthenticate:
		h.authenticate(ctx, c, env)

	case model.EventJoinConversation:
		var ref model.ConversationRef
		if err := env.Decode(&ref); err != nil {
			h.reject(c, CodeInvalidPayload, err)
			return
		}
		if err := h.Join(ctx, c, ref.ConversationID); err != nil {
			h.rejectJoin(c, ref.ConversationID, err)
		}

	case model.EventLeaveConversation:
		var ref model.ConversationRef
		if err := env.Decode(&ref); err != nil {
			h.reject(c, CodeInvalidPayload, err)
			return
		}
		if err := h.Leave(ctx, c, ref.ConversationID); err != nil {
			h.reject(c, CodeInvalidPayload, err)
		}

	case model.EventTypingStart, model.EventTypingStop:
		var ref model.ConversationRef
		if err := env.Decode(&ref); err != nil {
			h.reject(c, CodeInvalidPayload, err)
			return
		}
		h.Typing(ctx, c, ref.ConversationID, env.Event == model.EventTypingStart)

	case model.EventSendMessage:
		// Messages arrive through the HTTP API, which fans out new_message itself.
		c.logger.Warn("ignoring realtime send_message, use the messages API")

	default:
		metrics.InboundRejected.WithLabelValues(CodeUnknownEvent).Inc()
		c.emit(model.EventError, model.ErrorEvent{Code: CodeUnknownEvent, Message: "unknown event " + string(env.Event)})
	}
}

// authenticate confirms the token identity, rejoins the notification room
// and refreshes the online snapshot.
func (h *Hub) authenticate(ctx context.Context, c *Conn, env model.Envelope) {
	if len(env.Data) > 0 {
		var claimed model.Identity
		if err := env.Decode(&claimed); err != nil {
			h.reject(c, CodeInvalidPayload, err)
			return
		}
		if claimed.UserID != "" && claimed.UserID != c.Identity.UserID {
			metrics.InboundRejected.WithLabelValues(CodeIdentityMismatch).Inc()
			c.emit(model.EventError, model.ErrorEvent{Code: CodeIdentityMismatch, Message: "identity does not match token"})
			return
		}
	}

	h.mu.Lock()
	if _, registered := h.conns[c.ID]; registered {
		h.addToRoomLocked(c, NotificationRoom(c.Identity.UserID))
	}
	h.mu.Unlock()

	c.emit(model.EventOnlineUsers, h.OnlineUsers(ctx))
}

func (h *Hub) reject(c *Conn, code string, err error) {
	metrics.InboundRejected.WithLabelValues(code).Inc()
	c.emit(model.EventError, model.ErrorEvent{Code: code, Message: err.Error()})
}

func (h *Hub) rejectJoin(c *Conn, conversationID string, err error) {
	switch {
	case errors.Is(err, ErrNotParticipant):
		h.reject(c, CodeNotParticipant, err)
	case errors.Is(err, ErrInvalidConversation), errors.Is(err, ErrConnClosed):
		h.reject(c, CodeInvalidPayload, err)
	default:
		c.logger.Error("join failed", zap.String("conversation_id", conversationID), zap.Error(err))
		h.reject(c, CodeInternal, errors.New("failed to join conversation"))
	}
}

func (h *Hub) addToRoomLocked(c *Conn, room string) {
	if _, ok := c.rooms[room]; ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		h.rooms[room] = members
	}
	members[c.ID] = c
	c.rooms[room] = struct{}{}
	metrics.RoomMemberships.Inc()
}

func (h *Hub) removeFromRoomLocked(c *Conn, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
	metrics.RoomMemberships.Dec()
}

func (h *Hub) userInRoomLocked(room, userID string) bool {
	for _, c := range h.rooms[room] {
		if c.Identity.UserID == userID {
			return true
		}
	}
	return false
}
