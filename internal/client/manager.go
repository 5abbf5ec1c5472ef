// Package client is the client side of the realtime chat layer: the
// connection manager with its transports, the reconciliation timeline,
// typing signals and conversation sessions.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/coachhub/chat-realtime/internal/model"
	"github.com/coachhub/chat-realtime/internal/presence"
	"github.com/coachhub/chat-realtime/pkg/logger"
)

// State is the connection state reported to dependents.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	// StateError reports a failed attempt; another one is scheduled.
	StateError State = "error"
	// StateFailed reports exhausted retries; nothing is scheduled until
	// Reauthenticate or Connect is called.
	StateFailed State = "failed"
)

// StateChange is sent on the States channel.
type StateChange struct {
	State     State
	Transport string
	Attempt   int
	Err       error
}

// AnyEvent subscribes a handler to every inbound event.
const AnyEvent model.EventName = "*"

var (
	// ErrNotConnected is returned when emitting without an open transport.
	ErrNotConnected = errors.New("not connected")
	// ErrOpenTimeout is returned when a transport is not confirmed in time.
	ErrOpenTimeout = errors.New("transport did not open in time")
	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("connection manager closed")
)

// Credentials identify the user a manager connects as.
type Credentials struct {
	Identity model.Identity
	Token    string
}

// ManagerConfig holds connection settings.
type ManagerConfig struct {
	BaseURL string
	// Transport preference, most capable first.
	Transports []string
	// How long a transport has to deliver the connected frame.
	OpenTimeout time.Duration
	// Reconnection attempts after the first one.
	MaxRetries        uint64
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	HTTPClient        *http.Client
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if len(c.Transports) == 0 {
		c.Transports = []string{TransportWebSocket, TransportPolling}
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 10 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	return c
}

// Handler receives inbound envelopes. Handlers run on the manager's
// receive goroutine and must not block.
type Handler func(env model.Envelope)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDialer registers or replaces the dialer for a transport name.
func WithDialer(name string, d Dialer) ManagerOption {
	return func(m *Manager) { m.dialers[name] = d }
}

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(log *logger.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

type membership struct {
	pinned bool
	refs   int
}

// link is an opened transport with the frame that confirmed it.
type link struct {
	Transport
	hello model.Envelope
}

// Manager keeps one realtime connection open for a user, replays room
// membership after every reconnect and routes inbound events to handlers.
type Manager struct {
	cfg      ManagerConfig
	log      *logger.Logger
	dialers  map[string]Dialer
	presence *presence.Aggregator
	states   chan StateChange

	mu          sync.Mutex
	creds       Credentials
	prefs       []string
	state       State
	transport   Transport
	rooms       map[string]*membership
	handlers    map[model.EventName]map[uint64]Handler
	nextHandler uint64
	running     bool
	cancel      context.CancelFunc
	loopDone    chan struct{}
	closed      bool
}

// NewManager creates a connection manager. Call Connect to open it.
func NewManager(cfg ManagerConfig, creds Credentials, opts ...ManagerOption) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg: cfg,
		log: logger.NewNop(),
		dialers: map[string]Dialer{
			TransportWebSocket: DialWebSocket,
			TransportPolling:   DialPolling,
		},
		presence: presence.NewAggregator(),
		states:   make(chan StateChange, 32),
		creds:    creds,
		prefs:    append([]string(nil), cfg.Transports...),
		state:    StateIdle,
		rooms:    make(map[string]*membership),
		handlers: make(map[model.EventName]map[uint64]Handler),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(zap.String("user_id", creds.Identity.UserID))
	return m
}

// Connect starts the connection loop and waits until the first connection
// is confirmed, retries are exhausted or ctx ends. When ctx ends first the
// loop keeps running in the background.
func (m *Manager) Connect(ctx context.Context) error {
	ready, err := m.start()
	if err != nil {
		return err
	}
	if ready == nil {
		return nil
	}
	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reauthenticate switches to new credentials. A failed manager starts
// retrying again and a connected one reconnects with the new token.
func (m *Manager) Reauthenticate(creds Credentials) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.creds = creds
	m.prefs = append([]string(nil), m.cfg.Transports...)
	running := m.running
	tr := m.transport
	m.mu.Unlock()

	if !running {
		_, err := m.start()
		return err
	}
	if tr != nil {
		tr.Close()
	}
	return nil
}

// start launches the loop. It returns a nil channel when already running.
func (m *Manager) start() (<-chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if m.running {
		return nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan error, 1)
	done := make(chan struct{})
	m.running = true
	m.cancel = cancel
	m.loopDone = done

	go m.run(ctx, ready, done)
	return ready, nil
}

// Close stops the loop, closes the transport and releases every handler.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.handlers = make(map[model.EventName]map[uint64]Handler)
	cancel, done := m.cancel, m.loopDone
	running := m.running
	m.mu.Unlock()

	if running && cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	close(m.states)
	m.mu.Unlock()
	return nil
}

func (m *Manager) run(ctx context.Context, ready chan<- error, done chan struct{}) {
	defer close(done)
	defer func() {
		m.mu.Lock()
		if m.loopDone == done {
			m.running = false
		}
		m.mu.Unlock()
	}()

	signalled := false
	signal := func(err error) {
		if !signalled {
			signalled = true
			ready <- err
		}
	}

	for {
		l, err := m.connectWithRetry(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.log.Error("realtime connection failed, giving up", zap.Error(err))
				m.fail(err)
			}
			signal(err)
			return
		}
		err = m.serve(ctx, l, func() { signal(nil) })
		m.detach(l.Transport)
		m.dispatch(model.Envelope{Event: model.EventDisconnect})
		if ctx.Err() != nil {
			return
		}
		m.log.Warn("realtime connection lost", zap.String("transport", l.Name()), zap.Error(err))
		m.setState(StateChange{State: StateDisconnected, Transport: l.Name(), Err: err})
	}
}

// fail stops the loop and reports StateFailed in one step, so a
// Reauthenticate that observes the state also observes the stopped loop.
func (m *Manager) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	if m.closed {
		return
	}
	m.state = StateFailed
	select {
	case m.states <- StateChange{State: StateFailed, Err: err}:
	default:
	}
}

func (m *Manager) connectWithRetry(ctx context.Context) (*link, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialBackoff
	b.Multiplier = m.cfg.BackoffMultiplier
	b.MaxInterval = m.cfg.MaxBackoff
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, m.cfg.MaxRetries), ctx)

	attempt := 0
	var opened *link
	op := func() error {
		attempt++
		m.setState(StateChange{State: StateConnecting, Attempt: attempt})
		l, err := m.open(ctx)
		if err != nil {
			// A rejected token will not be accepted on retry.
			if IsStatus(err, http.StatusUnauthorized) {
				return backoff.Permanent(err)
			}
			return err
		}
		opened = l
		return nil
	}
	notify := func(err error, wait time.Duration) {
		m.log.Warn("realtime connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
		m.setState(StateChange{State: StateError, Attempt: attempt, Err: err})
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return opened, nil
}

// open tries the preferred transports in order. A transport that times out
// is dropped from the preference list before the next one is tried.
func (m *Manager) open(ctx context.Context) (*link, error) {
	creds := m.credentials()
	prefs := m.preferences()

	var lastErr error
	for i, name := range prefs {
		l, err := m.dial(ctx, name, creds)
		if err == nil {
			return l, nil
		}
		lastErr = err
		if ctx.Err() != nil || IsStatus(err, http.StatusUnauthorized) {
			return nil, err
		}
		if errors.Is(err, ErrOpenTimeout) && i < len(prefs)-1 {
			m.degrade(name)
			m.log.Warn("transport did not open in time, falling back",
				zap.String("transport", name),
				zap.String("fallback", prefs[i+1]),
			)
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no transports configured")
	}
	return nil, lastErr
}

func (m *Manager) dial(ctx context.Context, name string, creds Credentials) (*link, error) {
	d, ok := m.dialers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, name)
	}

	openCtx, cancel := context.WithTimeout(ctx, m.cfg.OpenTimeout)
	defer cancel()

	tr, err := d(openCtx, Endpoint{
		BaseURL:    m.cfg.BaseURL,
		Token:      creds.Token,
		HTTPClient: m.cfg.HTTPClient,
		Logger:     m.log,
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(openCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrOpenTimeout, name)
		}
		return nil, err
	}

	for {
		select {
		case env := <-tr.Frames():
			switch env.Event {
			case model.EventConnected:
				return &link{Transport: tr, hello: env}, nil
			case model.EventError:
				tr.Close()
				var ev model.ErrorEvent
				env.Decode(&ev)
				return nil, fmt.Errorf("server rejected %s connection: %s", name, ev.Message)
			}
		case <-tr.Done():
			err := tr.Err()
			if err == nil {
				err = ErrTransportClosed
			}
			return nil, fmt.Errorf("%s closed before opening: %w", name, err)
		case <-openCtx.Done():
			tr.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s", ErrOpenTimeout, name)
		}
	}
}

// serve authenticates, replays room membership and routes frames until the
// transport closes or ctx ends. ready is called once the link is usable.
func (m *Manager) serve(ctx context.Context, l *link, ready func()) error {
	creds := m.credentials()

	m.mu.Lock()
	m.transport = l.Transport
	rooms := m.roomIDsLocked()
	m.mu.Unlock()

	if err := m.sendOn(ctx, l, model.EventAuthenticate, creds.Identity); err != nil {
		l.Close()
		return err
	}
	for _, id := range rooms {
		if err := m.sendOn(ctx, l, model.EventJoinConversation, model.ConversationRef{ConversationID: id}); err != nil {
			l.Close()
			return err
		}
	}

	m.log.Info("realtime connected", zap.String("transport", l.Name()), zap.Int("rooms", len(rooms)))
	m.setState(StateChange{State: StateConnected, Transport: l.Name()})
	ready()
	m.dispatch(l.hello)
	m.dispatch(model.Envelope{Event: model.EventConnect})

	for {
		select {
		case env := <-l.Frames():
			m.handleFrame(env)
		case <-l.Done():
			if err := l.Err(); err != nil {
				return err
			}
			return ErrTransportClosed
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		}
	}
}

func (m *Manager) sendOn(ctx context.Context, tr Transport, event model.EventName, data any) error {
	env, err := model.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	return tr.Send(ctx, env)
}

func (m *Manager) detach(tr Transport) {
	m.mu.Lock()
	if m.transport == tr {
		m.transport = nil
	}
	m.mu.Unlock()
}

// handleFrame keeps the presence aggregator current, then runs handlers.
func (m *Manager) handleFrame(env model.Envelope) {
	switch env.Event {
	case model.EventOnlineUsers:
		var users []presence.User
		if err := env.Decode(&users); err == nil {
			m.presence.Reset(users)
		}
	case model.EventUserOnlineGlobal:
		var ev model.PresenceEvent
		if err := env.Decode(&ev); err == nil {
			m.presence.Add(presence.User{UserID: ev.UserID, UserName: ev.UserName})
		}
	case model.EventUserOfflineGlobal:
		var ev model.PresenceEvent
		if err := env.Decode(&ev); err == nil {
			m.presence.Remove(ev.UserID)
		}
	case model.EventError:
		var ev model.ErrorEvent
		env.Decode(&ev)
		m.log.Warn("server reported an error", zap.String("code", ev.Code), zap.String("message", ev.Message))
	}
	m.dispatch(env)
}

func (m *Manager) dispatch(env model.Envelope) {
	m.mu.Lock()
	hs := make([]Handler, 0, len(m.handlers[env.Event])+len(m.handlers[AnyEvent]))
	for _, h := range m.handlers[env.Event] {
		hs = append(hs, h)
	}
	for _, h := range m.handlers[AnyEvent] {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	for _, h := range hs {
		h(env)
	}
}

// On subscribes h to an inbound event and returns its unsubscribe func.
func (m *Manager) On(event model.EventName, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return func() {}
	}
	m.nextHandler++
	id := m.nextHandler
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[uint64]Handler)
	}
	m.handlers[event][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.handlers[event], id)
			if len(m.handlers[event]) == 0 {
				delete(m.handlers, event)
			}
		})
	}
}

// HandlerCount returns the number of live subscriptions.
func (m *Manager) HandlerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, hs := range m.handlers {
		n += len(hs)
	}
	return n
}

// Emit sends an event on the current transport.
func (m *Manager) Emit(ctx context.Context, event model.EventName, data any) error {
	m.mu.Lock()
	tr := m.transport
	m.mu.Unlock()
	if tr == nil {
		return ErrNotConnected
	}
	return m.sendOn(ctx, tr, event, data)
}

// JoinConversation adds a room to the membership set. Joining a room that
// is already held has no effect.
func (m *Manager) JoinConversation(conversationID string) {
	m.mu.Lock()
	r, held := m.rooms[conversationID]
	if !held {
		r = &membership{}
		m.rooms[conversationID] = r
	}
	r.pinned = true
	tr := m.transport
	m.mu.Unlock()

	if !held {
		m.sendRoom(tr, model.EventJoinConversation, conversationID)
	}
}

// LeaveConversation drops a room from the membership set, including any
// outstanding acquisitions of it.
func (m *Manager) LeaveConversation(conversationID string) {
	m.mu.Lock()
	_, held := m.rooms[conversationID]
	delete(m.rooms, conversationID)
	tr := m.transport
	m.mu.Unlock()

	if held {
		m.sendRoom(tr, model.EventLeaveConversation, conversationID)
	}
}

// Acquire holds a room for the lifetime of a view. The room is left when
// the last holder releases it and it was not joined explicitly. The
// returned release func is safe to call more than once.
func (m *Manager) Acquire(conversationID string) (release func()) {
	m.mu.Lock()
	r, held := m.rooms[conversationID]
	if !held {
		r = &membership{}
		m.rooms[conversationID] = r
	}
	r.refs++
	tr := m.transport
	m.mu.Unlock()

	if !held {
		m.sendRoom(tr, model.EventJoinConversation, conversationID)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			cur, ok := m.rooms[conversationID]
			if !ok || cur != r {
				m.mu.Unlock()
				return
			}
			r.refs--
			if r.refs > 0 || r.pinned {
				m.mu.Unlock()
				return
			}
			delete(m.rooms, conversationID)
			tr := m.transport
			m.mu.Unlock()

			m.sendRoom(tr, model.EventLeaveConversation, conversationID)
		})
	}
}

// sendRoom is fire-and-forget; membership is replayed on reconnect.
func (m *Manager) sendRoom(tr Transport, event model.EventName, conversationID string) {
	if tr == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.sendOn(ctx, tr, event, model.ConversationRef{ConversationID: conversationID}); err != nil {
		m.log.Debug("room change not sent, will replay on reconnect",
			zap.String("event", string(event)),
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
}

// Joined reports whether a room is held.
func (m *Manager) Joined(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[conversationID]
	return ok
}

// Rooms returns the held rooms, sorted.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomIDsLocked()
}

func (m *Manager) roomIDsLocked() []string {
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// States delivers state changes. Slow readers miss intermediate states;
// the channel is closed by Close.
func (m *Manager) States() <-chan StateChange {
	return m.states
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(sc StateChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.state = sc.State
	select {
	case m.states <- sc:
	default:
	}
}

// Presence returns the online users known to this manager.
func (m *Manager) Presence() *presence.Aggregator {
	return m.presence
}

// Identity returns the identity the manager connects as.
func (m *Manager) Identity() model.Identity {
	return m.credentials().Identity
}

// Token returns the current bearer token.
func (m *Manager) Token() string {
	return m.credentials().Token
}

// Transport returns the name of the open transport, or "".
func (m *Manager) Transport() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transport == nil {
		return ""
	}
	return m.transport.Name()
}

// Preferences returns the current transport preference list.
func (m *Manager) Preferences() []string {
	return m.preferences()
}

func (m *Manager) credentials() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

func (m *Manager) preferences() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prefs...)
}

func (m *Manager) degrade(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prefs) <= 1 {
		return
	}
	for i, p := range m.prefs {
		if p == name {
			m.prefs = append(m.prefs[:i], m.prefs[i+1:]...)
			return
		}
	}
}
