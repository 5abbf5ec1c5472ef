package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachhub/chat-realtime/internal/model"
)

func seedGroup(t *testing.T, s *Memory, users ...string) *model.Conversation {
	t.Helper()
	now := time.Now()
	conv := &model.Conversation{
		ID:        uuid.NewString(),
		Kind:      model.ConversationGroup,
		Name:      "cohort",
		CreatedBy: users[0],
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var ps []model.Participant
	for _, u := range users {
		ps = append(ps, model.Participant{UserID: u, JoinedAt: now})
	}
	require.NoError(t, s.CreateConversation(context.Background(), conv, ps))
	return conv
}

func newMessage(convID, sender, content string, at time.Time) *model.Message {
	return &model.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderID:       sender,
		Kind:           model.MessageText,
		Content:        content,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func TestGetOrCreateDirectIsSymmetric(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	first, created, err := s.GetOrCreateDirect(ctx, "coach", "client", time.Now())
	require.NoError(t, err)
	assert.True(t, created)
	assert.ElementsMatch(t, []string{"coach", "client"}, first.Participants)

	second, created, err := s.GetOrCreateDirect(ctx, "client", "coach", time.Now())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestAddParticipantReactivates(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	conv := seedGroup(t, s, "a", "b")

	require.NoError(t, s.RemoveParticipant(ctx, conv.ID, "b"))
	_, err := s.Participant(ctx, conv.ID, "b")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.AddParticipant(ctx, model.Participant{ConversationID: conv.ID, UserID: "b"}))
	ps, err := s.Participants(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, ps, 2)
}

func TestAddParticipantToInactiveConversation(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	conv := seedGroup(t, s, "a")

	require.NoError(t, s.DeactivateConversation(ctx, conv.ID, time.Now()))
	err := s.AddParticipant(ctx, model.Participant{ConversationID: conv.ID, UserID: "b"})
	assert.ErrorIs(t, err, ErrInactive)
}

func TestCreateMessageClientKeyIsIdempotent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	conv := seedGroup(t, s, "a", "b")

	msg := newMessage(conv.ID, "a", "hello", time.Now())
	msg.ClientKey = "k1"
	stored, created, err := s.CreateMessage(ctx, msg)
	require.NoError(t, err)
	assert.True(t, created)

	retry := newMessage(conv.ID, "a", "hello", time.Now())
	retry.ClientKey = "k1"
	again, created, err := s.CreateMessage(ctx, retry)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stored.ID, again.ID)

	page, _, err := s.ListMessages(ctx, conv.ID, 50, 0)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestCreateMessageRejectsForeignReply(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	convA := seedGroup(t, s, "a")
	convB := seedGroup(t, s, "a")

	target, _, err := s.CreateMessage(ctx, newMessage(convA.ID, "a", "in A", time.Now()))
	require.NoError(t, err)

	reply := newMessage(convB.ID, "a", "reply", time.Now())
	reply.ReplyToID = target.ID
	_, _, err = s.CreateMessage(ctx, reply)
	assert.ErrorIs(t, err, ErrInvalidReply)
}

func TestListMessagesPagesBackwards(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	conv := seedGroup(t, s, "a")

	base := time.Now()
	for i := 0; i < 5; i++ {
		_, _, err := s.CreateMessage(ctx, newMessage(conv.ID, "a", string(rune('a'+i)), base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	page, more, err := s.ListMessages(ctx, conv.ID, 2, 0)
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, page, 2)
	assert.Equal(t, "d", page[0].Content)
	assert.Equal(t, "e", page[1].Content)

	page, more, err = s.ListMessages(ctx, conv.ID, 2, 4)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, page, 1)
	assert.Equal(t, "a", page[0].Content)
}

func TestMarkReadNeverMovesBackwards(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	conv := seedGroup(t, s, "a", "b")

	later := time.Now()
	earlier := later.Add(-time.Minute)

	got, err := s.MarkRead(ctx, conv.ID, "b", later)
	require.NoError(t, err)
	assert.True(t, got.Equal(later))

	got, err = s.MarkRead(ctx, conv.ID, "b", earlier)
	require.NoError(t, err)
	assert.True(t, got.Equal(later))
}

func TestUnreadCountIgnoresOwnAndDeleted(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	conv := seedGroup(t, s, "a", "b")

	base := time.Now()
	_, _, err := s.CreateMessage(ctx, newMessage(conv.ID, "a", "one", base))
	require.NoError(t, err)
	deleted, _, err := s.CreateMessage(ctx, newMessage(conv.ID, "a", "two", base.Add(time.Second)))
	require.NoError(t, err)
	_, _, err = s.CreateMessage(ctx, newMessage(conv.ID, "b", "mine", base.Add(2*time.Second)))
	require.NoError(t, err)

	deleted.Deleted = true
	require.NoError(t, s.UpdateMessage(ctx, deleted))

	n, err := s.UnreadCount(ctx, conv.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.MarkRead(ctx, conv.ID, "b", base.Add(3*time.Second))
	require.NoError(t, err)
	n, err = s.UnreadCount(ctx, conv.ID, "b")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListConversationsForParticipantOnly(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	mine := seedGroup(t, s, "a", "b")
	seedGroup(t, s, "c")

	_, _, err := s.CreateMessage(ctx, newMessage(mine.ID, "b", "hi", time.Now()))
	require.NoError(t, err)

	convs, err := s.ListConversations(ctx, "a")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, mine.ID, convs[0].ID)
	assert.Equal(t, 1, convs[0].UnreadCount)
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, "hi", convs[0].LastMessage.Content)
}

func TestMutateMessage(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	conv := seedGroup(t, s, "a")
	msg, _, err := s.CreateMessage(ctx, newMessage(conv.ID, "a", "draft", time.Now()))
	require.NoError(t, err)

	got, err := s.MutateMessage(ctx, msg.ID, func(m *model.Message) error {
		m.Content = "final"
		m.SenderID = "someone-else"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "final", got.Content)
	assert.Equal(t, "a", got.SenderID)

	boom := errors.New("boom")
	_, err = s.MutateMessage(ctx, msg.ID, func(m *model.Message) error {
		m.Content = "lost"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err = s.MutateMessage(ctx, msg.ID, func(m *model.Message) error {
		m.Content = "lost"
		return ErrNoChange
	})
	require.NoError(t, err)
	assert.Equal(t, "final", got.Content)

	stored, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "final", stored.Content)

	_, err = s.MutateMessage(ctx, "missing", func(*model.Message) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMutateMessageSerializesWriters(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	conv := seedGroup(t, s, "a")
	msg, _, err := s.CreateMessage(ctx, newMessage(conv.ID, "a", "", time.Now()))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.MutateMessage(ctx, msg.ID, func(m *model.Message) error {
				m.Content += "x"
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 50), stored.Content)
}
