package client

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coachhub/chat-realtime/internal/model"
)

// DefaultDedupWindow is how close two identical messages from the same
// sender must be for the second to be treated as a repeat delivery.
const DefaultDedupWindow = 5 * time.Second

// Status is the render state of a timeline entry.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusError     Status = "error"
	// StatusReceived marks messages from other senders and history.
	StatusReceived Status = "received"
)

// Outcome reports what ApplyNewMessage did with a fan-out event.
type Outcome int

const (
	// OutcomeIgnored: the message belongs to another conversation.
	OutcomeIgnored Outcome = iota
	// OutcomeAdded: a new entry was rendered.
	OutcomeAdded
	// OutcomeDelivered: an optimistic entry was confirmed.
	OutcomeDelivered
	// OutcomeDuplicate: the message was already rendered.
	OutcomeDuplicate
	// OutcomeDiscarded: an own message with no pending entry, left to the HTTP path.
	OutcomeDiscarded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdded:
		return "added"
	case OutcomeDelivered:
		return "delivered"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeDiscarded:
		return "discarded"
	}
	return "ignored"
}

// Entry is one rendered message. Key is set for entries created by Submit.
type Entry struct {
	Key       string
	Message   model.Message
	Status    Status
	LocalTime time.Time
	Err       error
}

// SendOptions are the optional parts of a submitted message.
type SendOptions struct {
	Kind       model.MessageKind
	ReplyToID  string
	Attachment *model.Attachment
}

// Timeline merges optimistic entries, HTTP responses and fan-out events of
// one conversation into a single list without duplicates. It is not safe
// for concurrent use.
type Timeline struct {
	conversationID string
	self           model.Identity
	window         time.Duration
	placeholder    string
	now            func() time.Time

	entries []*Entry
	byID    map[string]*Entry
	byKey   map[string]*Entry
	// Entries still waiting for either confirmation, in submit order.
	pending []*Entry
	issued  map[string]bool
}

// TimelineOption configures a Timeline.
type TimelineOption func(*Timeline)

// WithDedupWindow overrides DefaultDedupWindow.
func WithDedupWindow(d time.Duration) TimelineOption {
	return func(t *Timeline) { t.window = d }
}

// WithPlaceholder sets the content shown for deleted messages when the
// delete event carries none.
func WithPlaceholder(s string) TimelineOption {
	return func(t *Timeline) { t.placeholder = s }
}

// WithClock overrides the clock used for local timestamps.
func WithClock(now func() time.Time) TimelineOption {
	return func(t *Timeline) { t.now = now }
}

// NewTimeline creates an empty timeline for a conversation seen by self.
func NewTimeline(conversationID string, self model.Identity, opts ...TimelineOption) *Timeline {
	t := &Timeline{
		conversationID: conversationID,
		self:           self,
		window:         DefaultDedupWindow,
		placeholder:    "[This message was deleted]",
		now:            time.Now,
		byID:           make(map[string]*Entry),
		byKey:          make(map[string]*Entry),
		issued:         make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// normalizeID makes temp-<key> and <key> compare equal.
func normalizeID(id string) string {
	return strings.TrimPrefix(id, model.TempIDPrefix)
}

// canonicalReply drops optimistic reply targets, which the server ignores.
func canonicalReply(id string) string {
	if model.IsTempID(id) {
		return ""
	}
	return id
}

// Submit renders a new optimistic entry and returns a copy of it. The
// entry's Key must be sent as the message's client key.
func (t *Timeline) Submit(content string, opts SendOptions) Entry {
	key := uuid.NewString()
	now := t.now()

	kind := opts.Kind
	if kind == "" {
		kind = model.MessageText
	}

	e := &Entry{
		Key: key,
		Message: model.Message{
			ID:             model.TempID(key),
			ConversationID: t.conversationID,
			SenderID:       t.self.UserID,
			SenderName:     t.self.UserName,
			SenderRole:     t.self.Role,
			ClientKey:      key,
			Kind:           kind,
			Content:        content,
			ReplyToID:      opts.ReplyToID,
			ReplyTo:        t.preview(opts.ReplyToID),
			Attachment:     opts.Attachment,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		Status:    StatusSending,
		LocalTime: now,
	}

	t.entries = append(t.entries, e)
	t.byID[normalizeID(e.Message.ID)] = e
	t.byKey[key] = e
	t.pending = append(t.pending, e)
	t.issued[key] = true
	return *e
}

func (t *Timeline) preview(replyToID string) *model.ReplyPreview {
	if replyToID == "" {
		return nil
	}
	target, ok := t.byID[normalizeID(replyToID)]
	if !ok {
		return nil
	}
	return &model.ReplyPreview{
		ID:         target.Message.ID,
		SenderID:   target.Message.SenderID,
		SenderName: target.Message.SenderName,
		Content:    target.Message.Content,
		Deleted:    target.Message.Deleted,
	}
}

// Acknowledge applies the HTTP response for a submitted entry. Content, id
// and reply metadata are replaced; the local timestamp is kept. It reports
// false when the key is unknown.
func (t *Timeline) Acknowledge(key string, msg *model.Message) bool {
	e, ok := t.byKey[key]
	if !ok || msg == nil {
		return false
	}
	t.adopt(e, msg)
	if e.Status != StatusDelivered {
		e.Status = StatusSent
	}
	e.Err = nil
	t.unpend(e)
	return true
}

// Fail marks a submitted entry as failed. A failed entry stays visible and
// can no longer be resolved by a fan-out event.
func (t *Timeline) Fail(key string, err error) bool {
	e, ok := t.byKey[key]
	if !ok || e.Status == StatusDelivered || e.Status == StatusSent {
		return false
	}
	e.Status = StatusError
	e.Err = err
	t.unpend(e)
	return true
}

// Remove drops a failed entry, typically before the user resubmits it.
func (t *Timeline) Remove(key string) bool {
	e, ok := t.byKey[key]
	if !ok || e.Status != StatusError {
		return false
	}
	t.remove(e)
	return true
}

// ApplyNewMessage reconciles a new_message fan-out event.
func (t *Timeline) ApplyNewMessage(msg *model.Message) Outcome {
	if msg == nil || (t.conversationID != "" && msg.ConversationID != t.conversationID) {
		return OutcomeIgnored
	}
	if msg.SenderID == t.self.UserID {
		return t.applyOwn(msg)
	}
	return t.applyRemote(msg)
}

func (t *Timeline) applyOwn(msg *model.Message) Outcome {
	// Already acknowledged over HTTP.
	if e, ok := t.byID[normalizeID(msg.ID)]; ok {
		if e.Status == StatusDelivered || e.Status == StatusReceived {
			return OutcomeDuplicate
		}
		e.Status = StatusDelivered
		t.unpend(e)
		return OutcomeDelivered
	}

	// Fan-out overtook the HTTP response.
	if msg.ClientKey != "" {
		if e, ok := t.byKey[msg.ClientKey]; ok && t.isPending(e) {
			t.deliver(e, msg)
			return OutcomeDelivered
		}
	}
	for _, e := range t.pending {
		if e.Message.SenderID == msg.SenderID &&
			e.Message.Content == msg.Content &&
			canonicalReply(e.Message.ReplyToID) == msg.ReplyToID {
			t.deliver(e, msg)
			return OutcomeDelivered
		}
	}

	// Sent from another tab or device of the same user.
	if msg.ClientKey != "" && !t.issued[msg.ClientKey] {
		t.append(msg, StatusDelivered)
		return OutcomeAdded
	}
	return OutcomeDiscarded
}

func (t *Timeline) applyRemote(msg *model.Message) Outcome {
	if _, ok := t.byID[normalizeID(msg.ID)]; ok {
		return OutcomeDuplicate
	}
	if msg.Content != "" {
		for i := len(t.entries) - 1; i >= 0; i-- {
			m := t.entries[i].Message
			if m.SenderID == msg.SenderID &&
				m.Content == msg.Content &&
				m.ReplyToID == msg.ReplyToID &&
				absDuration(m.CreatedAt.Sub(msg.CreatedAt)) < t.window {
				return OutcomeDuplicate
			}
		}
	}
	t.append(msg, StatusReceived)
	return OutcomeAdded
}

// ApplyEdit updates a loaded message in place. It reports false when the
// message is not loaded.
func (t *Timeline) ApplyEdit(ev model.MessageEditedEvent) bool {
	e, ok := t.byID[normalizeID(ev.MessageID)]
	if !ok {
		return false
	}
	e.Message.Content = ev.Content
	e.Message.Edited = true
	e.Message.EditedAt = ev.EditedAt
	t.refreshPreviews(e)
	return true
}

// ApplyDelete replaces a loaded message with the deletion placeholder. It
// reports false when the message is not loaded.
func (t *Timeline) ApplyDelete(ev model.MessageDeletedEvent) bool {
	e, ok := t.byID[normalizeID(ev.MessageID)]
	if !ok {
		return false
	}
	content := ev.Content
	if content == "" {
		content = t.placeholder
	}
	e.Message.Content = content
	e.Message.Deleted = true
	e.Message.DeletedAt = ev.DeletedAt
	e.Message.Attachment = nil
	t.refreshPreviews(e)
	return true
}

// refreshPreviews keeps reply previews quoting e in sync with it.
func (t *Timeline) refreshPreviews(target *Entry) {
	for _, e := range t.entries {
		if e.Message.ReplyTo != nil && e.Message.ReplyTo.ID == target.Message.ID {
			e.Message.ReplyTo.Content = target.Message.Content
			e.Message.ReplyTo.Deleted = target.Message.Deleted
		}
	}
}

// Load replaces the history with msgs, oldest first. Entries submitted
// locally that the history does not contain yet are kept at the end.
func (t *Timeline) Load(msgs []model.Message) {
	var local []*Entry
	for _, e := range t.entries {
		if e.Key != "" && e.Status != StatusReceived {
			local = append(local, e)
		}
	}

	t.entries = nil
	t.byID = make(map[string]*Entry)
	for i := range msgs {
		if _, dup := t.byID[normalizeID(msgs[i].ID)]; dup {
			continue
		}
		e := &Entry{Message: msgs[i], Status: StatusReceived, LocalTime: msgs[i].CreatedAt}
		t.entries = append(t.entries, e)
		t.byID[normalizeID(e.Message.ID)] = e
	}

	for _, e := range local {
		if loaded, ok := t.byID[normalizeID(e.Message.ID)]; ok {
			loaded.Key = e.Key
			loaded.Status = StatusDelivered
			loaded.LocalTime = e.LocalTime
			t.byKey[e.Key] = loaded
			t.unpend(e)
			continue
		}
		t.entries = append(t.entries, e)
		t.byID[normalizeID(e.Message.ID)] = e
	}
}

// Prepend inserts an older page before the loaded entries and returns the
// number of messages added.
func (t *Timeline) Prepend(msgs []model.Message) int {
	older := make([]*Entry, 0, len(msgs))
	for i := range msgs {
		id := normalizeID(msgs[i].ID)
		if _, dup := t.byID[id]; dup {
			continue
		}
		e := &Entry{Message: msgs[i], Status: StatusReceived, LocalTime: msgs[i].CreatedAt}
		older = append(older, e)
		t.byID[id] = e
	}
	t.entries = append(older, t.entries...)
	return len(older)
}

// Entries returns a copy of the rendered entries in display order.
func (t *Timeline) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
		if e.Message.ReplyTo != nil {
			rp := *e.Message.ReplyTo
			out[i].Message.ReplyTo = &rp
		}
	}
	return out
}

// Entry returns the entry for a client key.
func (t *Timeline) Entry(key string) (Entry, bool) {
	e, ok := t.byKey[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Pending returns the number of entries waiting for confirmation.
func (t *Timeline) Pending() int {
	return len(t.pending)
}

// Len returns the number of rendered entries.
func (t *Timeline) Len() int {
	return len(t.entries)
}

// Persisted returns the number of entries the server has stored, which is
// the offset of the next older page.
func (t *Timeline) Persisted() int {
	n := 0
	for _, e := range t.entries {
		if !model.IsTempID(e.Message.ID) {
			n++
		}
	}
	return n
}

// Oldest returns the id of the oldest loaded message, or "".
func (t *Timeline) Oldest() string {
	for _, e := range t.entries {
		if !model.IsTempID(e.Message.ID) {
			return e.Message.ID
		}
	}
	return ""
}

func (t *Timeline) append(msg *model.Message, status Status) {
	e := &Entry{Message: *msg, Status: status, LocalTime: t.now()}
	if msg.ClientKey != "" && !t.issued[msg.ClientKey] {
		t.byKey[msg.ClientKey] = e
	}
	t.entries = append(t.entries, e)
	t.byID[normalizeID(msg.ID)] = e
}

// deliver resolves a pending entry from its fan-out event.
func (t *Timeline) deliver(e *Entry, msg *model.Message) {
	t.adopt(e, msg)
	e.Status = StatusDelivered
	t.unpend(e)
}

// adopt copies the canonical record into e, keeping its local timestamp.
func (t *Timeline) adopt(e *Entry, msg *model.Message) {
	newID := normalizeID(msg.ID)
	if other, ok := t.byID[newID]; ok && other != e {
		t.remove(other)
	}
	delete(t.byID, normalizeID(e.Message.ID))
	e.Message = *msg
	t.byID[newID] = e
}

func (t *Timeline) isPending(e *Entry) bool {
	for _, p := range t.pending {
		if p == e {
			return true
		}
	}
	return false
}

func (t *Timeline) unpend(e *Entry) {
	for i, p := range t.pending {
		if p == e {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return
		}
	}
}

func (t *Timeline) remove(e *Entry) {
	for i, x := range t.entries {
		if x == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
	if cur, ok := t.byID[normalizeID(e.Message.ID)]; ok && cur == e {
		delete(t.byID, normalizeID(e.Message.ID))
	}
	if e.Key != "" {
		if cur, ok := t.byKey[e.Key]; ok && cur == e {
			delete(t.byKey, e.Key)
		}
	}
	t.unpend(e)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
