// Package service implements the chat use cases: every change is
// persisted first and only then fanned out to connected clients.
package service

import (
	"context"
	"errors"

	"github.com/coachhub/chat-realtime/internal/model"
	"github.com/coachhub/chat-realtime/pkg/tracing"
)

// ErrInvalidInput wraps request validation failures.
var ErrInvalidInput = errors.New("invalid input")

var tracer = tracing.Tracer("github.com/coachhub/chat-realtime/internal/service")

// Dispatcher delivers persisted changes to realtime clients.
type Dispatcher interface {
	MessageCreated(ctx context.Context, msg *model.Message)
	MessageEdited(ctx context.Context, msg *model.Message)
	MessageDeleted(ctx context.Context, msg *model.Message)
	ReadReceipt(ctx context.Context, ev model.ReadReceiptEvent)
	Notify(ctx context.Context, userID string, ev model.NotificationEvent)
	UnreadCount(ctx context.Context, userID string, ev model.UnreadCountEvent)
	InConversation(conversationID, userID string) bool
}

// Auditor records message history outside the primary store.
type Auditor interface {
	PublishAudit(ctx context.Context, rec *model.AuditRecord) (uint64, error)
}

type nopDispatcher struct{}

func (nopDispatcher) MessageCreated(context.Context, *model.Message) {}

func (nopDispatcher) MessageEdited(context.Context, *model.Message) {}

func (nopDispatcher) MessageDeleted(context.Context, *model.Message) {}

func (nopDispatcher) ReadReceipt(context.Context, model.ReadReceiptEvent) {}

func (nopDispatcher) Notify(context.Context, string, model.NotificationEvent) {}

func (nopDispatcher) UnreadCount(context.Context, string, model.UnreadCountEvent) {}

func (nopDispatcher) InConversation(string, string) bool {
	return false
}
