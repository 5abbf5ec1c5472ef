// Package store persists conversations, participants and messages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/coachhub/chat-realtime/internal/model"
)

var (
	// ErrNotFound is returned when a conversation, participant or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the caller may not act on the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrInactive is returned when writing to a deactivated conversation.
	ErrInactive = errors.New("conversation is not active")
	// ErrInvalidReply is returned when a reply target is outside the conversation.
	ErrInvalidReply = errors.New("reply target is not in this conversation")
	// ErrConflict is returned when a unique key is already taken.
	ErrConflict = errors.New("already exists")
	// ErrNoChange is returned by a MutateMessage func to leave the message as it is.
	ErrNoChange = errors.New("no change")
)

// Store is the persistence boundary used by the services.
// Implementations return copies; callers may mutate results freely.
type Store interface {
	CreateConversation(ctx context.Context, conv *model.Conversation, participants []model.Participant) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	// GetOrCreateDirect returns the direct conversation between two users,
	// creating it on first access. The bool reports whether it was created.
	GetOrCreateDirect(ctx context.Context, userA, userB string, now time.Time) (*model.Conversation, bool, error)
	ListConversations(ctx context.Context, userID string) ([]model.Conversation, error)
	DeactivateConversation(ctx context.Context, id string, now time.Time) error

	// AddParticipant inserts a participant or reactivates a removed one.
	AddParticipant(ctx context.Context, p model.Participant) error
	// RemoveParticipant deactivates a participant.
	RemoveParticipant(ctx context.Context, conversationID, userID string) error
	// Participant returns the active participant row.
	Participant(ctx context.Context, conversationID, userID string) (*model.Participant, error)
	Participants(ctx context.Context, conversationID string) ([]model.Participant, error)
	// MarkRead advances last-read-at and returns the stored value, which never moves backwards.
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) (time.Time, error)
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)

	// CreateMessage stores msg. When the sender already stored a message with the
	// same client key in the conversation, that message is returned and the bool is false.
	CreateMessage(ctx context.Context, msg *model.Message) (*model.Message, bool, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	// ListMessages pages from the newest message backwards and returns the page oldest first.
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, bool, error)
	UpdateMessage(ctx context.Context, msg *model.Message) error
	// MutateMessage applies fn to the current message and stores the result
	// atomically with respect to every other write. When fn returns an error
	// nothing is stored; ErrNoChange is swallowed and the current message is
	// returned.
	MutateMessage(ctx context.Context, id string, fn func(msg *model.Message) error) (*model.Message, error)
}
