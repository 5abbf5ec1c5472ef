package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/coachhub/chat-realtime/internal/model"
	"github.com/coachhub/chat-realtime/internal/store"
	"github.com/coachhub/chat-realtime/pkg/logger"
	"github.com/coachhub/chat-realtime/pkg/metrics"
)

const (
	defaultPageSize  = 50
	maxPageSize      = 100
	previewMaxRunes  = 100
	notificationKind = "message"
)

// DefaultDeletedPlaceholder replaces the content of deleted messages.
const DefaultDeletedPlaceholder = "[This message was deleted]"

// MessageService handles message operations.
type MessageService struct {
	store         store.Store
	conversations *ConversationService
	dispatcher    Dispatcher
	auditor       Auditor
	placeholder   string
	logger        *logger.Logger
	now           func() time.Time
}

// NewMessageService creates a new message service. A nil auditor disables
// the audit log and a nil dispatcher disables realtime fan-out.
func NewMessageService(
	st store.Store,
	conversations *ConversationService,
	dispatcher Dispatcher,
	auditor Auditor,
	placeholder string,
	log *logger.Logger,
) *MessageService {
	if dispatcher == nil {
		dispatcher = nopDispatcher{}
	}
	if placeholder == "" {
		placeholder = DefaultDeletedPlaceholder
	}
	return &MessageService{
		store:         st,
		conversations: conversations,
		dispatcher:    dispatcher,
		auditor:       auditor,
		placeholder:   placeholder,
		logger:        log,
		now:           time.Now,
	}
}

// Send persists a message and fans it out. A retry carrying a client key
// the server already stored returns the stored message without a second
// fan-out; the bool reports whether a new message was created.
func (s *MessageService) Send(ctx context.Context, sender model.Identity, conversationID string, req *model.SendMessageRequest) (*model.Message, bool, error) {
	ctx, span := tracer.Start(ctx, "MessageService.Send")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("sender.id", sender.UserID),
	)

	kind := req.Kind
	if kind == "" {
		kind = model.MessageText
	}
	if err := validateSend(kind, req); err != nil {
		return nil, false, err
	}

	if _, err := s.conversations.requireParticipant(ctx, conversationID, sender.UserID); err != nil {
		return nil, false, err
	}

	now := s.now()
	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		SenderID:       sender.UserID,
		SenderName:     sender.UserName,
		SenderRole:     sender.Role,
		ClientKey:      req.ClientKey,
		Kind:           kind,
		Content:        req.Content,
		Attachment:     req.Attachment,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// Optimistic ids such as temp-<key> never reach the store.
	if _, err := uuid.Parse(req.ReplyToID); err == nil {
		target, err := s.store.GetMessage(ctx, req.ReplyToID)
		if err != nil || target.ConversationID != conversationID {
			return nil, false, fmt.Errorf("%w: %v", ErrInvalidInput, store.ErrInvalidReply)
		}
		msg.ReplyToID = target.ID
		msg.ReplyTo = &model.ReplyPreview{
			ID:         target.ID,
			SenderID:   target.SenderID,
			SenderName: target.SenderName,
			Content:    target.Content,
			Deleted:    target.Deleted,
		}
	}

	stored, created, err := s.store.CreateMessage(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		if errors.Is(err, store.ErrInvalidReply) {
			return nil, false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, false, fmt.Errorf("failed to store message: %w", err)
	}
	span.SetAttributes(attribute.String("message.id", stored.ID), attribute.Bool("message.created", created))

	if !created {
		s.logger.Info("duplicate send resolved by client key",
			zap.String("message_id", stored.ID),
			zap.String("client_key", req.ClientKey),
		)
		return stored, false, nil
	}

	metrics.MessagesTotal.WithLabelValues(string(kind)).Inc()
	s.audit(ctx, model.AuditCreate, stored, "", sender.UserID)

	s.dispatcher.MessageCreated(ctx, stored)
	s.notifyParticipants(ctx, stored)

	return stored, true, nil
}

func validateSend(kind model.MessageKind, req *model.SendMessageRequest) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidInput, kind)
	}
	if kind == model.MessageSystem {
		return fmt.Errorf("%w: system messages cannot be sent by users", ErrInvalidInput)
	}
	if (kind == model.MessageAttachment || kind == model.MessageVoice) && (req.Attachment == nil || req.Attachment.URL == "") {
		return fmt.Errorf("%w: %s messages need an attachment url", ErrInvalidInput, kind)
	}
	if kind == model.MessageText && strings.TrimSpace(req.Content) == "" {
		return fmt.Errorf("%w: content cannot be empty", ErrInvalidInput)
	}
	return nil
}

// notifyParticipants sends new_notification to participants with no
// connection in the room and update_unread_count to everyone.
func (s *MessageService) notifyParticipants(ctx context.Context, msg *model.Message) {
	participants, err := s.store.Participants(ctx, msg.ConversationID)
	if err != nil {
		s.logger.Warn("failed to load participants for notifications",
			zap.String("conversation_id", msg.ConversationID),
			zap.Error(err),
		)
		return
	}

	note := model.NotificationEvent{
		ID:             msg.ID,
		Kind:           notificationKind,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Preview:        preview(msg),
		MessageKind:    msg.Kind,
		CreatedAt:      msg.CreatedAt,
	}

	for _, p := range participants {
		if p.UserID == msg.SenderID {
			continue
		}
		if !s.dispatcher.InConversation(msg.ConversationID, p.UserID) {
			s.dispatcher.Notify(ctx, p.UserID, note)
		}
	}
	s.conversations.broadcastUnread(ctx, msg.ConversationID)
}

func preview(msg *model.Message) string {
	switch {
	case msg.Content != "":
		if utf8.RuneCountInString(msg.Content) <= previewMaxRunes {
			return msg.Content
		}
		return string([]rune(msg.Content)[:previewMaxRunes]) + "..."
	case msg.Kind == model.MessageVoice:
		return "Voice message"
	case msg.Attachment != nil:
		return "Attachment: " + msg.Attachment.Name
	}
	return ""
}

// List returns one page of messages, oldest first. Offset counts back from the newest message.
func (s *MessageService) List(ctx context.Context, conversationID, userID string, limit, offset int) (*model.ListMessagesResponse, error) {
	if _, err := s.conversations.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	msgs, hasMore, err := s.store.ListMessages(ctx, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return &model.ListMessagesResponse{Messages: msgs, HasMore: hasMore}, nil
}

// Edit replaces the content of a message. Only the sender may edit, and
// the check runs in the same store write as the change.
func (s *MessageService) Edit(ctx context.Context, messageID, userID, content string) (*model.Message, error) {
	ctx, span := tracer.Start(ctx, "MessageService.Edit")
	defer span.End()
	span.SetAttributes(attribute.String("message.id", messageID))

	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content cannot be empty", ErrInvalidInput)
	}

	var previous string
	msg, err := s.store.MutateMessage(ctx, messageID, func(m *model.Message) error {
		if m.SenderID != userID {
			return store.ErrForbidden
		}
		if m.Deleted {
			return fmt.Errorf("%w: deleted messages cannot be edited", ErrInvalidInput)
		}
		previous = m.Content
		now := s.now()
		m.Content = content
		m.Edited = true
		m.EditedAt = &now
		m.UpdatedAt = now
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	metrics.MessageMutations.WithLabelValues(model.AuditEdit).Inc()
	s.audit(ctx, model.AuditEdit, msg, previous, userID)
	s.dispatcher.MessageEdited(ctx, msg)

	return msg, nil
}

// Delete soft-deletes a message. Only the sender may delete. The content is
// replaced by the placeholder and the original is kept server side.
// Deleting twice returns the deleted message without a second fan-out.
func (s *MessageService) Delete(ctx context.Context, messageID, userID string) (*model.Message, error) {
	ctx, span := tracer.Start(ctx, "MessageService.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("message.id", messageID))

	already := false
	msg, err := s.store.MutateMessage(ctx, messageID, func(m *model.Message) error {
		if m.SenderID != userID {
			return store.ErrForbidden
		}
		if m.Deleted {
			already = true
			return store.ErrNoChange
		}
		now := s.now()
		m.OriginalContent = m.Content
		m.Content = s.placeholder
		m.Deleted = true
		m.DeletedAt = &now
		m.UpdatedAt = now
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if already {
		return msg, nil
	}

	metrics.MessageMutations.WithLabelValues(model.AuditDelete).Inc()
	s.audit(ctx, model.AuditDelete, msg, msg.OriginalContent, userID)
	s.dispatcher.MessageDeleted(ctx, msg)
	s.conversations.broadcastUnread(ctx, msg.ConversationID)

	return msg, nil
}

func (s *MessageService) audit(ctx context.Context, op string, msg *model.Message, original, actorID string) {
	if s.auditor == nil {
		return
	}
	rec := &model.AuditRecord{
		Op:        op,
		Message:   *msg,
		Original:  original,
		ActorID:   actorID,
		CreatedAt: s.now(),
	}
	if _, err := s.auditor.PublishAudit(ctx, rec); err != nil {
		s.logger.Warn("failed to publish audit record",
			zap.String("op", op),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}
