package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachhub/chat-realtime/internal/model"
)

type participantKey struct {
	conversationID string
	userID         string
}

type clientKey struct {
	conversationID string
	senderID       string
	key            string
}

// Memory is an in-process Store guarded by a single RWMutex.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	participants  map[participantKey]*model.Participant
	members       map[string][]string // conversation -> user ids in join order
	direct        map[string]string   // sorted pair -> conversation id
	messages      map[string]*model.Message
	timeline      map[string][]string // conversation -> message ids in creation order
	clientKeys    map[clientKey]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*model.Conversation),
		participants:  make(map[participantKey]*model.Participant),
		members:       make(map[string][]string),
		direct:        make(map[string]string),
		messages:      make(map[string]*model.Message),
		timeline:      make(map[string][]string),
		clientKeys:    make(map[clientKey]string),
	}
}

func directKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// CreateConversation stores a conversation with its initial participants.
func (m *Memory) CreateConversation(ctx context.Context, conv *model.Conversation, participants []model.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return ErrConflict
	}
	c := *conv
	m.conversations[c.ID] = &c
	for _, p := range participants {
		p.ConversationID = c.ID
		m.putParticipantLocked(p)
	}
	return nil
}

// GetConversation returns a conversation by id, active or not.
func (m *Memory) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	c.Participants = m.activeMembersLocked(id)
	return &c, nil
}

// GetOrCreateDirect returns the direct conversation between two users.
func (m *Memory) GetOrCreateDirect(ctx context.Context, userA, userB string, now time.Time) (*model.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := directKey(userA, userB)
	if id, ok := m.direct[key]; ok {
		c := *m.conversations[id]
		c.Participants = m.activeMembersLocked(id)
		return &c, false, nil
	}

	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Kind:      model.ConversationDirect,
		CreatedBy: userA,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[conv.ID] = conv
	m.direct[key] = conv.ID
	for _, u := range []string{userA, userB} {
		m.putParticipantLocked(model.Participant{
			ConversationID: conv.ID,
			UserID:         u,
			Role:           model.ParticipantMember,
			JoinedAt:       now,
			Active:         true,
		})
	}

	c := *conv
	c.Participants = m.activeMembersLocked(conv.ID)
	return &c, true, nil
}

// ListConversations returns the active conversations a user actively participates in,
// most recently updated first.
func (m *Memory) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Conversation
	for id, conv := range m.conversations {
		if !conv.Active {
			continue
		}
		p, ok := m.participants[participantKey{id, userID}]
		if !ok || !p.Active {
			continue
		}
		c := *conv
		c.Participants = m.activeMembersLocked(id)
		if ids := m.timeline[id]; len(ids) > 0 {
			last := *m.messages[ids[len(ids)-1]]
			c.LastMessage = &last
		}
		c.UnreadCount = m.unreadLocked(id, userID)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// DeactivateConversation soft-deactivates a conversation.
func (m *Memory) DeactivateConversation(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.Active = false
	conv.UpdatedAt = now
	return nil
}

// AddParticipant inserts or reactivates a participant.
func (m *Memory) AddParticipant(ctx context.Context, p model.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[p.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if !conv.Active {
		return ErrInactive
	}
	m.putParticipantLocked(p)
	return nil
}

// putParticipantLocked keeps one row per (conversation, user).
func (m *Memory) putParticipantLocked(p model.Participant) {
	key := participantKey{p.ConversationID, p.UserID}
	if existing, ok := m.participants[key]; ok {
		existing.Active = true
		if p.Role != "" {
			existing.Role = p.Role
		}
		return
	}
	if p.Role == "" {
		p.Role = model.ParticipantMember
	}
	p.Active = true
	m.participants[key] = &p
	m.members[p.ConversationID] = append(m.members[p.ConversationID], p.UserID)
}

// RemoveParticipant deactivates a participant row.
func (m *Memory) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.participants[participantKey{conversationID, userID}]
	if !ok || !p.Active {
		return ErrNotFound
	}
	p.Active = false
	return nil
}

// Participant returns an active participant.
func (m *Memory) Participant(ctx context.Context, conversationID, userID string) (*model.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.participants[participantKey{conversationID, userID}]
	if !ok || !p.Active {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// Participants returns the active participants of a conversation in join order.
func (m *Memory) Participants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	var out []model.Participant
	for _, userID := range m.members[conversationID] {
		p := m.participants[participantKey{conversationID, userID}]
		if p.Active {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *Memory) activeMembersLocked(conversationID string) []string {
	var out []string
	for _, userID := range m.members[conversationID] {
		if m.participants[participantKey{conversationID, userID}].Active {
			out = append(out, userID)
		}
	}
	return out
}

// MarkRead advances the participant's last-read-at.
func (m *Memory) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.participants[participantKey{conversationID, userID}]
	if !ok || !p.Active {
		return time.Time{}, ErrNotFound
	}
	if p.LastReadAt == nil || at.After(*p.LastReadAt) {
		t := at
		p.LastReadAt = &t
	}
	return *p.LastReadAt, nil
}

// UnreadCount counts messages from other senders newer than the user's last read.
func (m *Memory) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.participants[participantKey{conversationID, userID}]; !ok {
		return 0, ErrNotFound
	}
	return m.unreadLocked(conversationID, userID), nil
}

func (m *Memory) unreadLocked(conversationID, userID string) int {
	p := m.participants[participantKey{conversationID, userID}]
	count := 0
	for _, id := range m.timeline[conversationID] {
		msg := m.messages[id]
		if msg.SenderID == userID || msg.Deleted {
			continue
		}
		if p.LastReadAt == nil || msg.CreatedAt.After(*p.LastReadAt) {
			count++
		}
	}
	return count
}

// CreateMessage stores a new message.
func (m *Memory) CreateMessage(ctx context.Context, msg *model.Message) (*model.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if !conv.Active {
		return nil, false, ErrInactive
	}

	var ck clientKey
	if msg.ClientKey != "" {
		ck = clientKey{msg.ConversationID, msg.SenderID, msg.ClientKey}
		if id, seen := m.clientKeys[ck]; seen {
			existing := *m.messages[id]
			return &existing, false, nil
		}
	}

	if msg.ReplyToID != "" {
		target, ok := m.messages[msg.ReplyToID]
		if !ok || target.ConversationID != msg.ConversationID {
			return nil, false, ErrInvalidReply
		}
	}

	stored := *msg
	m.messages[stored.ID] = &stored
	m.timeline[stored.ConversationID] = append(m.timeline[stored.ConversationID], stored.ID)
	if msg.ClientKey != "" {
		m.clientKeys[ck] = stored.ID
	}
	conv.UpdatedAt = stored.CreatedAt

	out := stored
	return &out, true, nil
}

// GetMessage returns a message by id.
func (m *Memory) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *msg
	return &out, nil
}

// ListMessages returns one page of a conversation's messages, oldest first.
func (m *Memory) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, false, ErrNotFound
	}

	ids := m.timeline[conversationID]
	total := len(ids)
	end := total - offset
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	out := make([]model.Message, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, *m.messages[id])
	}
	return out, start > 0, nil
}

// UpdateMessage replaces a stored message. Identity fields cannot change.
func (m *Memory) UpdateMessage(ctx context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.messages[msg.ID]
	if !ok {
		return ErrNotFound
	}
	m.replaceMessageLocked(existing, *msg)
	return nil
}

// MutateMessage runs fn on a copy of the message under the write lock.
func (m *Memory) MutateMessage(ctx context.Context, id string, fn func(msg *model.Message) error) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}

	working := *existing
	if err := fn(&working); err != nil {
		if errors.Is(err, ErrNoChange) {
			out := *existing
			return &out, nil
		}
		return nil, err
	}

	stored := m.replaceMessageLocked(existing, working)
	out := *stored
	return &out, nil
}

func (m *Memory) replaceMessageLocked(existing *model.Message, msg model.Message) *model.Message {
	msg.ID = existing.ID
	msg.ConversationID = existing.ConversationID
	msg.SenderID = existing.SenderID
	msg.CreatedAt = existing.CreatedAt
	m.messages[msg.ID] = &msg

	if conv, ok := m.conversations[existing.ConversationID]; ok && msg.UpdatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.UpdatedAt
	}
	return &msg
}
