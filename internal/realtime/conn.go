// Package realtime is the server side of the chat gateway: connection
// registry, room membership, presence counting and event fan-out.
package realtime

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coachhub/chat-realtime/internal/model"
	"github.com/coachhub/chat-realtime/pkg/logger"
)

// Transport names.
const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

const (
	conversationRoomPrefix = "conversation_"
	notificationRoomPrefix = "notifications_"
)

// ConversationRoom returns the fan-out room of a conversation.
func ConversationRoom(conversationID string) string {
	return conversationRoomPrefix + conversationID
}

// NotificationRoom returns the personal notification room of a user.
func NotificationRoom(userID string) string {
	return notificationRoomPrefix + userID
}

// conversationFromRoom returns the conversation id of a conversation room.
func conversationFromRoom(room string) (string, bool) {
	if !strings.HasPrefix(room, conversationRoomPrefix) {
		return "", false
	}
	return strings.TrimPrefix(room, conversationRoomPrefix), true
}

// Conn is one authenticated realtime connection. Transports read encoded
// frames from Outbound and feed inbound frames to Hub.HandleInbound.
type Conn struct {
	ID        string
	Identity  model.Identity
	Transport string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
	logger    *logger.Logger

	// Guarded by Hub.mu.
	rooms map[string]struct{}

	mu       sync.Mutex
	lastSeen time.Time
}

// NewConn creates a connection for an authenticated identity.
func NewConn(identity model.Identity, transport string, cfg HubConfig, log *logger.Logger) *Conn {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	return &Conn{
		ID:        id,
		Identity:  identity,
		Transport: transport,
		send:      make(chan []byte, cfg.SendBufferSize),
		done:      make(chan struct{}),
		limiter:   rate.NewLimiter(rate.Limit(cfg.InboundRatePerSec), cfg.InboundBurst),
		logger:    log.WithConnection(id, identity.UserID, transport),
		rooms:     make(map[string]struct{}),
		lastSeen:  time.Now(),
	}
}

// Outbound returns the queue of encoded frames waiting for the transport.
func (c *Conn) Outbound() <-chan []byte {
	return c.send
}

// Done is closed when the connection has been unregistered.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether the connection has been unregistered.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Touch records activity for idle detection.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// IdleSince returns how long the connection has been idle.
func (c *Conn) IdleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastSeen)
}

// enqueue queues a frame without blocking. It returns false if the buffer is full.
func (c *Conn) enqueue(frame []byte) bool {
	if c.Closed() {
		return true
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// emit encodes and queues an event for this connection only.
func (c *Conn) emit(event model.EventName, data any) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		c.logger.Error("failed to encode frame", zapEvent(event), zap.Error(err))
		return
	}
	if !c.enqueue(frame) {
		c.logger.Warn("send buffer full, frame dropped", zapEvent(event))
	}
}
