package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coachhub/chat-realtime/internal/model"
	"github.com/coachhub/chat-realtime/internal/store"
	"github.com/coachhub/chat-realtime/pkg/logger"
	"github.com/coachhub/chat-realtime/pkg/metrics"
)

// ConversationService handles conversation and participant operations.
type ConversationService struct {
	store      store.Store
	dispatcher Dispatcher
	logger     *logger.Logger
	now        func() time.Time
}

// NewConversationService creates a new conversation service.
// A nil dispatcher disables realtime fan-out.
func NewConversationService(st store.Store, dispatcher Dispatcher, log *logger.Logger) *ConversationService {
	if dispatcher == nil {
		dispatcher = nopDispatcher{}
	}
	return &ConversationService{
		store:      st,
		dispatcher: dispatcher,
		logger:     log,
		now:        time.Now,
	}
}

// Create creates a group or admin-coach conversation. The creator becomes its admin.
func (s *ConversationService) Create(ctx context.Context, creator model.Identity, req *model.CreateConversationRequest) (*model.Conversation, error) {
	kind := req.Kind
	if kind == "" {
		kind = model.ConversationGroup
	}
	switch {
	case !kind.Valid():
		return nil, fmt.Errorf("%w: unknown conversation kind %q", ErrInvalidInput, kind)
	case kind == model.ConversationDirect:
		return nil, fmt.Errorf("%w: direct conversations are created through the direct endpoint", ErrInvalidInput)
	case kind == model.ConversationGroup && req.Name == "":
		return nil, fmt.Errorf("%w: group conversations need a name", ErrInvalidInput)
	}

	now := s.now()
	participants := []model.Participant{{
		UserID:   creator.UserID,
		Role:     model.ParticipantAdmin,
		JoinedAt: now,
		Active:   true,
	}}
	seen := map[string]bool{creator.UserID: true}
	for _, userID := range req.Participants {
		if userID == "" || seen[userID] {
			continue
		}
		seen[userID] = true
		participants = append(participants, model.Participant{
			UserID:   userID,
			Role:     model.ParticipantMember,
			JoinedAt: now,
			Active:   true,
		})
	}
	if len(participants) < 2 {
		return nil, fmt.Errorf("%w: at least one other participant is required", ErrInvalidInput)
	}

	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Kind:      kind,
		Name:      req.Name,
		GroupID:   req.GroupID,
		CreatedBy: creator.UserID,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv, participants); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	metrics.ConversationsTotal.WithLabelValues(string(kind)).Inc()
	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("kind", string(kind)),
		zap.Int("participants", len(participants)),
	)

	return s.store.GetConversation(ctx, conv.ID)
}

// Direct returns the direct conversation between two users, creating it on first use.
func (s *ConversationService) Direct(ctx context.Context, userID, otherUserID string) (*model.Conversation, bool, error) {
	if otherUserID == "" || otherUserID == userID {
		return nil, false, fmt.Errorf("%w: direct conversations need another user", ErrInvalidInput)
	}

	conv, created, err := s.store.GetOrCreateDirect(ctx, userID, otherUserID, s.now())
	if err != nil {
		return nil, false, fmt.Errorf("failed to get direct conversation: %w", err)
	}
	if created {
		metrics.ConversationsTotal.WithLabelValues(string(model.ConversationDirect)).Inc()
		s.logger.Info("direct conversation created", zap.String("conversation_id", conv.ID))
	}
	return conv, created, nil
}

// Get returns a conversation the user participates in.
func (s *ConversationService) Get(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	if _, err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if n, err := s.store.UnreadCount(ctx, conversationID, userID); err == nil {
		conv.UnreadCount = n
	}
	return conv, nil
}

// List returns the user's active conversations with unread counts.
func (s *ConversationService) List(ctx context.Context, userID string) (*model.ListConversationsResponse, error) {
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	return &model.ListConversationsResponse{
		Conversations: convs,
		Total:         len(convs),
	}, nil
}

// Deactivate soft-deactivates a conversation. Only conversation admins may do this.
func (s *ConversationService) Deactivate(ctx context.Context, conversationID, userID string) error {
	if err := s.requireAdmin(ctx, conversationID, userID); err != nil {
		return err
	}
	if err := s.store.DeactivateConversation(ctx, conversationID, s.now()); err != nil {
		return fmt.Errorf("failed to deactivate conversation: %w", err)
	}
	s.logger.Info("conversation deactivated",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
	)
	return nil
}

// Participants lists the active participants of a conversation.
func (s *ConversationService) Participants(ctx context.Context, conversationID, userID string) ([]model.Participant, error) {
	if _, err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.store.Participants(ctx, conversationID)
}

// AddParticipant adds or reactivates a participant. Only admins may add.
func (s *ConversationService) AddParticipant(ctx context.Context, conversationID, actorID string, req *model.AddParticipantRequest) (*model.Participant, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	role := req.Role
	if role == "" {
		role = model.ParticipantMember
	}
	if role != model.ParticipantMember && role != model.ParticipantAdmin {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}

	if err := s.requireAdmin(ctx, conversationID, actorID); err != nil {
		return nil, err
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Kind == model.ConversationDirect {
		return nil, fmt.Errorf("%w: direct conversations have exactly two participants", ErrInvalidInput)
	}

	err = s.store.AddParticipant(ctx, model.Participant{
		ConversationID: conversationID,
		UserID:         req.UserID,
		Role:           role,
		JoinedAt:       s.now(),
		Active:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add participant: %w", err)
	}
	return s.store.Participant(ctx, conversationID, req.UserID)
}

// RemoveParticipant deactivates a participant. Users may remove themselves;
// removing someone else requires the admin role.
func (s *ConversationService) RemoveParticipant(ctx context.Context, conversationID, actorID, userID string) error {
	if actorID != userID {
		if err := s.requireAdmin(ctx, conversationID, actorID); err != nil {
			return err
		}
	}
	if err := s.store.RemoveParticipant(ctx, conversationID, userID); err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}
	return nil
}

// IsParticipant reports whether the user actively participates in an active conversation.
func (s *ConversationService) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !conv.Active {
		return false, nil
	}

	_, err = s.store.Participant(ctx, conversationID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// MarkRead advances the user's last-read-at, sends a read receipt to the room
// and refreshes every participant's unread badge.
func (s *ConversationService) MarkRead(ctx context.Context, conversationID, userID string) (time.Time, error) {
	if _, err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return time.Time{}, err
	}

	lastReadAt, err := s.store.MarkRead(ctx, conversationID, userID, s.now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to mark read: %w", err)
	}

	s.dispatcher.ReadReceipt(ctx, model.ReadReceiptEvent{
		ConversationID: conversationID,
		UserID:         userID,
		LastReadAt:     lastReadAt,
	})
	s.broadcastUnread(ctx, conversationID)

	return lastReadAt, nil
}

// broadcastUnread sends update_unread_count to every participant.
func (s *ConversationService) broadcastUnread(ctx context.Context, conversationID string) {
	participants, err := s.store.Participants(ctx, conversationID)
	if err != nil {
		s.logger.Warn("failed to load participants for unread counts",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return
	}
	for _, p := range participants {
		n, err := s.store.UnreadCount(ctx, conversationID, p.UserID)
		if err != nil {
			continue
		}
		s.dispatcher.UnreadCount(ctx, p.UserID, model.UnreadCountEvent{
			ConversationID: conversationID,
			ParticipantID:  p.UserID,
			UnreadCount:    n,
		})
	}
}

// requireParticipant distinguishes unknown conversations from foreign ones.
func (s *ConversationService) requireParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error) {
	p, err := s.store.Participant(ctx, conversationID, userID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return nil, store.ErrForbidden
}

func (s *ConversationService) requireAdmin(ctx context.Context, conversationID, userID string) error {
	p, err := s.requireParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if p.Role != model.ParticipantAdmin {
		return store.ErrForbidden
	}
	return nil
}
