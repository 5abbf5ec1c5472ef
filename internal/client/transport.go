package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coachhub/chat-realtime/internal/model"
	"github.com/coachhub/chat-realtime/internal/realtime"
	"github.com/coachhub/chat-realtime/pkg/logger"
)

// Transport names, in descending capability.
const (
	TransportWebSocket = realtime.TransportWebSocket
	TransportPolling   = realtime.TransportPolling
)

var (
	// ErrTransportClosed is returned when sending on a closed transport.
	ErrTransportClosed = errors.New("transport closed")
	// ErrUnknownTransport is returned for a preference with no dialer.
	ErrUnknownTransport = errors.New("unknown transport")
)

// Transport is one open bidirectional channel to the realtime gateway.
type Transport interface {
	Name() string
	Send(ctx context.Context, env model.Envelope) error
	// Frames delivers inbound envelopes until Done is closed.
	Frames() <-chan model.Envelope
	Done() <-chan struct{}
	// Err reports why the transport closed; nil after a local Close.
	Err() error
	Close() error
}

// Endpoint is what a Dialer needs to reach the gateway.
type Endpoint struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *logger.Logger
}

func (ep Endpoint) withDefaults() Endpoint {
	if ep.HTTPClient == nil {
		ep.HTTPClient = http.DefaultClient
	}
	if ep.Logger == nil {
		ep.Logger = logger.NewNop()
	}
	return ep
}

// Dialer opens a transport. It returns once the transport is usable; the
// manager then waits for the server's connected frame.
type Dialer func(ctx context.Context, ep Endpoint) (Transport, error)

// transportBase holds the close bookkeeping shared by both transports.
type transportBase struct {
	frames chan model.Envelope
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

func newTransportBase() transportBase {
	return transportBase{
		frames: make(chan model.Envelope, 64),
		done:   make(chan struct{}),
	}
}

func (b *transportBase) Frames() <-chan model.Envelope { return b.frames }
func (b *transportBase) Done() <-chan struct{}         { return b.done }

func (b *transportBase) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// shutdown closes done once, recording err if it is the first cause.
func (b *transportBase) shutdown(err error, closeFn func()) {
	b.once.Do(func() {
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
		close(b.done)
		closeFn()
	})
}

// push hands an inbound frame to the reader unless the transport closed.
func (b *transportBase) push(env model.Envelope) bool {
	select {
	case b.frames <- env:
		return true
	case <-b.done:
		return false
	}
}

// wsTransport carries envelopes over a gorilla websocket.
type wsTransport struct {
	transportBase
	conn *websocket.Conn
	send chan []byte
	log  *logger.Logger
}

const wsWriteWait = 10 * time.Second

// DialWebSocket opens the websocket transport at <base>/realtime/ws.
func DialWebSocket(ctx context.Context, ep Endpoint) (Transport, error) {
	ep = ep.withDefaults()
	u, err := gatewayURL(ep.BaseURL, "/realtime/ws", true)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+ep.Token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("websocket handshake failed: %w", decodeAPIError(resp))
		}
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}

	t := &wsTransport{
		transportBase: newTransportBase(),
		conn:          conn,
		send:          make(chan []byte, 64),
		log:           ep.Logger,
	}
	go t.readPump()
	go t.writePump()
	return t, nil
}

func (t *wsTransport) Name() string { return TransportWebSocket }

func (t *wsTransport) Send(ctx context.Context, env model.Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", env.Event, err)
	}
	select {
	case t.send <- frame:
		return nil
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *wsTransport) Close() error {
	t.shutdown(nil, t.closeConn)
	return nil
}

func (t *wsTransport) closeConn() {
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.conn.Close()
}

// readPump reads frames from the server until the connection fails.
func (t *wsTransport) readPump() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.shutdown(err, t.closeConn)
			return
		}
		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if !t.push(env) {
			return
		}
	}
}

// writePump serializes writes to the connection.
func (t *wsTransport) writePump() {
	for {
		select {
		case frame := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				t.shutdown(err, t.closeConn)
				return
			}
		case <-t.done:
			return
		}
	}
}

// pollTransport emulates a bidirectional channel with HTTP long polling.
type pollTransport struct {
	transportBase
	ep     Endpoint
	client *http.Client
	sid    string
	cancel context.CancelFunc
}

// DialPolling opens a long-poll session at <base>/realtime/poll.
func DialPolling(ctx context.Context, ep Endpoint) (Transport, error) {
	ep = ep.withDefaults()
	t := &pollTransport{
		transportBase: newTransportBase(),
		ep:            ep,
		client:        ep.HTTPClient,
	}

	batch, err := t.poll(ctx, "")
	if err != nil {
		return nil, err
	}
	t.sid = batch.SessionID

	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.loop(loopCtx, batch.Events)
	return t, nil
}

func (t *pollTransport) Name() string { return TransportPolling }

// SessionID returns the server-side poll session id.
func (t *pollTransport) SessionID() string { return t.sid }

func (t *pollTransport) loop(ctx context.Context, first []json.RawMessage) {
	t.deliver(first)
	for {
		batch, err := t.poll(ctx, t.sid)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.shutdown(err, t.cancel)
			return
		}
		t.deliver(batch.Events)
	}
}

func (t *pollTransport) deliver(frames []json.RawMessage) {
	for _, raw := range frames {
		var env model.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.ep.Logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if !t.push(env) {
			return
		}
	}
}

func (t *pollTransport) poll(ctx context.Context, sid string) (*realtime.PollBatch, error) {
	resp, err := t.do(ctx, http.MethodGet, sid, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	var batch realtime.PollBatch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("failed to decode poll batch: %w", err)
	}
	return &batch, nil
}

func (t *pollTransport) Send(ctx context.Context, env model.Envelope) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	body, err := json.Marshal([]model.Envelope{env})
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", env.Event, err)
	}
	resp, err := t.do(ctx, http.MethodPost, t.sid, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		err := decodeAPIError(resp)
		if resp.StatusCode == http.StatusNotFound {
			t.shutdown(err, t.cancel)
		}
		return err
	}
	return nil
}

func (t *pollTransport) Close() error {
	t.shutdown(nil, func() {
		t.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if resp, err := t.do(ctx, http.MethodDelete, t.sid, nil); err == nil {
			resp.Body.Close()
		}
	})
	return nil
}

func (t *pollTransport) do(ctx context.Context, method, sid string, body []byte) (*http.Response, error) {
	u, err := gatewayURL(t.ep.BaseURL, "/realtime/poll", false)
	if err != nil {
		return nil, err
	}
	if sid != "" {
		u += "?sid=" + url.QueryEscape(sid)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build poll request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.ep.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll request failed: %w", err)
	}
	return resp, nil
}

// gatewayURL joins base and path, switching to ws/wss when asked.
func gatewayURL(base, path string, ws bool) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if ws {
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		case "http":
			u.Scheme = "ws"
		}
	}
	u.Path += path
	return u.String(), nil
}
