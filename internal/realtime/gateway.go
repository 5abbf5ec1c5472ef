package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coachhub/chat-realtime/internal/model"
	"github.com/coachhub/chat-realtime/pkg/logger"
)

// ErrSessionNotFound is returned for unknown, expired or foreign poll sessions.
var ErrSessionNotFound = errors.New("poll session not found")

// GatewayConfig holds transport timings.
type GatewayConfig struct {
	// Time allowed to write a frame to the peer.
	WriteWait time.Duration
	// Time allowed to read the next pong from the peer.
	PongWait time.Duration
	// Maximum inbound frame size.
	MaxMessageSize int64
	// How long a poll request waits for the first frame.
	PollTimeout time.Duration
	// Poll sessions without a request for this long are closed.
	PollIdle time.Duration
	// CheckOrigin overrides the websocket same-origin check.
	CheckOrigin func(r *http.Request) bool
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 25 * time.Second
	}
	if c.PollIdle <= 0 {
		c.PollIdle = 60 * time.Second
	}
	return c
}

// pingPeriod must be less than PongWait.
func (c GatewayConfig) pingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

// PollBatch is the response body of a poll request.
type PollBatch struct {
	SessionID string            `json:"sid"`
	Events    []json.RawMessage `json:"events"`
}

// Gateway attaches websocket and long-poll transports to the hub.
type Gateway struct {
	hub      *Hub
	cfg      GatewayConfig
	upgrader websocket.Upgrader
	logger   *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Conn
}

// NewGateway creates a transport gateway.
func NewGateway(hub *Hub, cfg GatewayConfig, log *logger.Logger) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		hub: hub,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		logger:   log,
		sessions: make(map[string]*Conn),
	}
}

// ServeWebSocket upgrades the request and serves the connection until it closes.
func (g *Gateway) ServeWebSocket(w http.ResponseWriter, r *http.Request, identity model.Identity) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := g.hub.NewConn(identity, TransportWebSocket)
	g.hub.Register(ctx, c)

	go g.writePump(ws, c)
	g.readPump(ctx, ws, c)
}

// readPump pumps frames from the websocket to the hub.
func (g *Gateway) readPump(ctx context.Context, ws *websocket.Conn, c *Conn) {
	defer func() {
		g.hub.Unregister(ctx, c)
		ws.Close()
	}()

	ws.SetReadLimit(g.cfg.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		c.Touch()
		return ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		g.hub.HandleInbound(ctx, c, data)
	}
}

// writePump pumps queued frames from the hub to the websocket.
func (g *Gateway) writePump(ws *websocket.Conn, c *Conn) {
	ticker := time.NewTicker(g.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case frame := <-c.Outbound():
			ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.Done():
			ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait))
			ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// OpenPoll registers a long-poll session. The connected and online_users
// frames are waiting on the first poll.
func (g *Gateway) OpenPoll(ctx context.Context, identity model.Identity) *Conn {
	c := g.hub.NewConn(identity, TransportPolling)

	g.mu.Lock()
	g.sessions[c.ID] = c
	g.mu.Unlock()

	g.hub.Register(ctx, c)
	return c
}

func (g *Gateway) session(sid, userID string) (*Conn, error) {
	g.mu.Lock()
	c, ok := g.sessions[sid]
	g.mu.Unlock()

	if !ok || c.Closed() || c.Identity.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return c, nil
}

// Poll waits up to the poll timeout for frames and returns everything queued.
// An empty result means the wait timed out.
func (g *Gateway) Poll(ctx context.Context, sid, userID string) ([]json.RawMessage, error) {
	c, err := g.session(sid, userID)
	if err != nil {
		return nil, err
	}
	c.Touch()
	defer c.Touch()

	timer := time.NewTimer(g.cfg.PollTimeout)
	defer timer.Stop()

	events := []json.RawMessage{}
	select {
	case frame := <-c.Outbound():
		events = append(events, frame)
	case <-timer.C:
		return events, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.Done():
		return nil, ErrSessionNotFound
	}

	for {
		select {
		case frame := <-c.Outbound():
			events = append(events, frame)
		default:
			return events, nil
		}
	}
}

// Push hands client frames of a poll session to the hub.
func (g *Gateway) Push(ctx context.Context, sid, userID string, frames []json.RawMessage) error {
	c, err := g.session(sid, userID)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		g.hub.HandleInbound(ctx, c, frame)
	}
	return nil
}

// ClosePoll ends a poll session.
func (g *Gateway) ClosePoll(ctx context.Context, sid, userID string) error {
	c, err := g.session(sid, userID)
	if err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.sessions, sid)
	g.mu.Unlock()

	g.hub.Unregister(ctx, c)
	return nil
}

// RunJanitor closes idle poll sessions until ctx is cancelled.
func (g *Gateway) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.PollIdle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := g.reapIdle(ctx, now); n > 0 {
				g.logger.Info("closed idle poll sessions", zap.Int("count", n))
			}
		}
	}
}

func (g *Gateway) reapIdle(ctx context.Context, now time.Time) int {
	var expired []*Conn

	g.mu.Lock()
	for sid, c := range g.sessions {
		if c.Closed() || c.IdleSince(now) > g.cfg.PollIdle {
			expired = append(expired, c)
			delete(g.sessions, sid)
		}
	}
	g.mu.Unlock()

	for _, c := range expired {
		g.hub.Unregister(ctx, c)
	}
	return len(expired)
}

// SessionCount returns the number of open poll sessions.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}
