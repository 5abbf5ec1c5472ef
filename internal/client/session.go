package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coachhub/chat-realtime/internal/model"
	"github.com/coachhub/chat-realtime/pkg/logger"
)

// DefaultPageSize is the number of messages fetched per history page.
const DefaultPageSize = 50

// Session ties the persistence API and the connection manager together for
// one signed-in user.
type Session struct {
	api      *API
	manager  *Manager
	log      *logger.Logger
	pageSize int
}

// NewSession creates a session. log may be nil.
func NewSession(api *API, manager *Manager, log *logger.Logger) *Session {
	if log == nil {
		log = logger.NewNop()
	}
	return &Session{api: api, manager: manager, log: log, pageSize: DefaultPageSize}
}

// API returns the persistence client.
func (s *Session) API() *API { return s.api }

// Manager returns the connection manager.
func (s *Session) Manager() *Manager { return s.manager }

// Open joins a conversation room and loads its latest history. The view
// must be closed to release the room.
func (s *Session) Open(ctx context.Context, conversationID string, opts ...TimelineOption) (*ConversationView, error) {
	self := s.manager.Identity()
	v := &ConversationView{
		id:       conversationID,
		self:     self,
		api:      s.api,
		manager:  s.manager,
		log:      s.log.With(zap.String("conversation_id", conversationID)),
		pageSize: s.pageSize,
		timeline: NewTimeline(conversationID, self, opts...),
		typing:   NewTypingTracker(conversationID, self.UserID, DefaultTypingStale),
		reads:    make(map[string]time.Time),
		changes:  make(chan struct{}, 1),
	}
	v.notifier = NewTypingNotifier(v.emitTyping, DefaultTypingIdle)

	v.release = s.manager.Acquire(conversationID)
	v.subscribe()

	page, err := s.api.ListMessages(ctx, conversationID, v.pageSize, 0)
	if err != nil {
		v.Close()
		return nil, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}

	v.mu.Lock()
	v.timeline.Load(page.Messages)
	v.hasMore = page.HasMore
	v.mu.Unlock()
	v.notify()
	return v, nil
}

// ConversationView is the live, reconciled state of one open conversation.
type ConversationView struct {
	id       string
	self     model.Identity
	api      *API
	manager  *Manager
	log      *logger.Logger
	pageSize int
	notifier *TypingNotifier
	changes  chan struct{}
	release  func()

	mu       sync.Mutex
	timeline *Timeline
	typing   *TypingTracker
	reads    map[string]time.Time
	hasMore  bool
	unsubs   []func()
	closed   bool
}

func (v *ConversationView) subscribe() {
	v.unsubs = append(v.unsubs,
		v.manager.On(model.EventNewMessage, v.onNewMessage),
		v.manager.On(model.EventMessageEdited, v.onEdited),
		v.manager.On(model.EventMessageDeleted, v.onDeleted),
		v.manager.On(model.EventUserTyping, v.onTyping),
		v.manager.On(model.EventReadReceipt, v.onReadReceipt),
		v.manager.On(model.EventConnect, func(model.Envelope) { go v.resync() }),
	)
}

func (v *ConversationView) onNewMessage(env model.Envelope) {
	var msg model.Message
	if err := env.Decode(&msg); err != nil {
		v.log.Warn("dropping malformed new_message", zap.Error(err))
		return
	}

	v.mu.Lock()
	outcome := v.timeline.ApplyNewMessage(&msg)
	typingChanged := false
	if outcome != OutcomeIgnored && msg.SenderID != v.self.UserID {
		typingChanged = v.typing.Remove(msg.SenderID)
	}
	v.mu.Unlock()

	if outcome == OutcomeAdded || outcome == OutcomeDelivered || typingChanged {
		v.notify()
	}
}

func (v *ConversationView) onEdited(env model.Envelope) {
	var ev model.MessageEditedEvent
	if err := env.Decode(&ev); err != nil || ev.ConversationID != v.id {
		return
	}
	v.mu.Lock()
	changed := v.timeline.ApplyEdit(ev)
	v.mu.Unlock()
	if changed {
		v.notify()
	}
}

func (v *ConversationView) onDeleted(env model.Envelope) {
	var ev model.MessageDeletedEvent
	if err := env.Decode(&ev); err != nil || ev.ConversationID != v.id {
		return
	}
	v.mu.Lock()
	changed := v.timeline.ApplyDelete(ev)
	v.mu.Unlock()
	if changed {
		v.notify()
	}
}

func (v *ConversationView) onTyping(env model.Envelope) {
	var ev model.TypingEvent
	if err := env.Decode(&ev); err != nil {
		return
	}
	v.mu.Lock()
	changed := v.typing.Apply(ev, time.Now())
	v.mu.Unlock()
	if changed {
		v.notify()
	}
}

func (v *ConversationView) onReadReceipt(env model.Envelope) {
	var ev model.ReadReceiptEvent
	if err := env.Decode(&ev); err != nil || ev.ConversationID != v.id {
		return
	}
	v.mu.Lock()
	if ev.LastReadAt.After(v.reads[ev.UserID]) {
		v.reads[ev.UserID] = ev.LastReadAt
	}
	v.mu.Unlock()
	v.notify()
}

// resync fetches the latest page after a reconnect so messages fanned out
// while the transport was down are not lost.
func (v *ConversationView) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	page, err := v.api.ListMessages(ctx, v.id, v.pageSize, 0)
	if err != nil {
		v.log.Warn("failed to resync conversation after reconnect", zap.Error(err))
		return
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	added := 0
	for i := range page.Messages {
		switch v.timeline.ApplyNewMessage(&page.Messages[i]) {
		case OutcomeAdded, OutcomeDelivered:
			added++
		}
	}
	v.mu.Unlock()

	if added > 0 {
		v.log.Debug("resynced conversation", zap.Int("added", added))
		v.notify()
	}
}

// Send renders an optimistic entry and persists it over HTTP. The returned
// entry reflects the state after the response; on error it is StatusError.
func (v *ConversationView) Send(ctx context.Context, content string, opts SendOptions) (Entry, error) {
	v.mu.Lock()
	entry := v.timeline.Submit(content, opts)
	v.mu.Unlock()
	v.notify()
	v.notifier.Stop()

	msg, _, err := v.api.SendMessage(ctx, v.id, &model.SendMessageRequest{
		Content:    content,
		Kind:       entry.Message.Kind,
		ReplyToID:  canonicalReply(opts.ReplyToID),
		ClientKey:  entry.Key,
		Attachment: opts.Attachment,
	})

	v.mu.Lock()
	if err != nil {
		v.timeline.Fail(entry.Key, err)
	} else {
		v.timeline.Acknowledge(entry.Key, msg)
	}
	final, _ := v.timeline.Entry(entry.Key)
	v.mu.Unlock()
	v.notify()

	if err != nil {
		v.log.Warn("failed to send message", zap.String("client_key", entry.Key), zap.Error(err))
		return final, err
	}
	return final, nil
}

// Resend drops a failed entry and submits its content again.
func (v *ConversationView) Resend(ctx context.Context, key string) (Entry, error) {
	v.mu.Lock()
	failed, ok := v.timeline.Entry(key)
	if !ok || failed.Status != StatusError {
		v.mu.Unlock()
		return Entry{}, fmt.Errorf("no failed message with key %s", key)
	}
	v.timeline.Remove(key)
	v.mu.Unlock()

	return v.Send(ctx, failed.Message.Content, SendOptions{
		Kind:       failed.Message.Kind,
		ReplyToID:  failed.Message.ReplyToID,
		Attachment: failed.Message.Attachment,
	})
}

// Edit changes one of the user's messages.
func (v *ConversationView) Edit(ctx context.Context, messageID, content string) error {
	msg, err := v.api.EditMessage(ctx, messageID, content)
	if err != nil {
		return err
	}
	v.mu.Lock()
	changed := v.timeline.ApplyEdit(model.MessageEditedEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		IsEdited:       true,
		EditedAt:       msg.EditedAt,
	})
	v.mu.Unlock()
	if changed {
		v.notify()
	}
	return nil
}

// Delete removes one of the user's messages.
func (v *ConversationView) Delete(ctx context.Context, messageID string) error {
	msg, err := v.api.DeleteMessage(ctx, messageID)
	if err != nil {
		return err
	}
	v.mu.Lock()
	changed := v.timeline.ApplyDelete(model.MessageDeletedEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		IsDeleted:      true,
		DeletedAt:      msg.DeletedAt,
	})
	v.mu.Unlock()
	if changed {
		v.notify()
	}
	return nil
}

// MarkRead advances the user's read position.
func (v *ConversationView) MarkRead(ctx context.Context) error {
	ev, err := v.api.MarkRead(ctx, v.id)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.reads[ev.UserID] = ev.LastReadAt
	v.mu.Unlock()
	return nil
}

// LoadOlder fetches the page before the oldest loaded message and returns
// the number of messages added.
func (v *ConversationView) LoadOlder(ctx context.Context) (int, error) {
	v.mu.Lock()
	if !v.hasMore {
		v.mu.Unlock()
		return 0, nil
	}
	offset := v.timeline.Persisted()
	v.mu.Unlock()

	page, err := v.api.ListMessages(ctx, v.id, v.pageSize, offset)
	if err != nil {
		return 0, err
	}

	v.mu.Lock()
	added := v.timeline.Prepend(page.Messages)
	v.hasMore = page.HasMore
	v.mu.Unlock()
	if added > 0 {
		v.notify()
	}
	return added, nil
}

// Keystroke reports local input for typing indicators.
func (v *ConversationView) Keystroke() {
	v.notifier.Keystroke()
}

func (v *ConversationView) emitTyping(event model.EventName) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := v.manager.Emit(ctx, event, model.ConversationRef{ConversationID: v.id}); err != nil {
		v.log.Debug("typing signal not sent", zap.String("event", string(event)), zap.Error(err))
	}
}

// ID returns the conversation id.
func (v *ConversationView) ID() string { return v.id }

// Entries returns the rendered messages in display order.
func (v *ConversationView) Entries() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.timeline.Entries()
}

// Typing returns the other users currently typing.
func (v *ConversationView) Typing() []Typer {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.typing.Typing(time.Now())
}

// ReadAt returns when a participant last read the conversation, if known.
func (v *ConversationView) ReadAt(userID string) (time.Time, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	at, ok := v.reads[userID]
	return at, ok
}

// HasMore reports whether older history is available.
func (v *ConversationView) HasMore() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasMore
}

// Changes signals that the view changed. Signals coalesce.
func (v *ConversationView) Changes() <-chan struct{} {
	return v.changes
}

func (v *ConversationView) notify() {
	select {
	case v.changes <- struct{}{}:
	default:
	}
}

// Close unsubscribes the view and releases its room.
func (v *ConversationView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	unsubs := v.unsubs
	v.unsubs = nil
	v.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	v.notifier.Stop()
	v.release()
}
