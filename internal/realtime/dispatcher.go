package realtime

import (
	"context"

	"github.com/coachhub/chat-realtime/internal/model"
)

// Dispatcher fans out persisted changes to conversation and notification
// rooms. Delivery is best effort: failures are logged, never returned.
type Dispatcher struct {
	hub *Hub
}

// NewDispatcher creates a dispatcher on top of a hub.
func NewDispatcher(hub *Hub) *Dispatcher {
	return &Dispatcher{hub: hub}
}

// MessageCreated sends new_message to every connection in the conversation
// room, including the sender's other connections.
func (d *Dispatcher) MessageCreated(ctx context.Context, msg *model.Message) {
	d.hub.publish(ctx, ConversationRoom(msg.ConversationID), model.EventNewMessage, msg, "")
}

// MessageEdited sends message_edited to the conversation room.
func (d *Dispatcher) MessageEdited(ctx context.Context, msg *model.Message) {
	d.hub.publish(ctx, ConversationRoom(msg.ConversationID), model.EventMessageEdited, model.MessageEditedEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		IsEdited:       msg.Edited,
		EditedAt:       msg.EditedAt,
	}, "")
}

// MessageDeleted sends message_deleted with the placeholder content.
func (d *Dispatcher) MessageDeleted(ctx context.Context, msg *model.Message) {
	d.hub.publish(ctx, ConversationRoom(msg.ConversationID), model.EventMessageDeleted, model.MessageDeletedEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		IsDeleted:      msg.Deleted,
		DeletedAt:      msg.DeletedAt,
	}, "")
}

// ReadReceipt sends read_receipt to the conversation room.
func (d *Dispatcher) ReadReceipt(ctx context.Context, ev model.ReadReceiptEvent) {
	d.hub.publish(ctx, ConversationRoom(ev.ConversationID), model.EventReadReceipt, ev, "")
}

// Notify sends new_notification to a user's notification room.
func (d *Dispatcher) Notify(ctx context.Context, userID string, ev model.NotificationEvent) {
	d.hub.publish(ctx, NotificationRoom(userID), model.EventNewNotification, ev, "")
}

// UnreadCount sends update_unread_count to a user's notification room.
func (d *Dispatcher) UnreadCount(ctx context.Context, userID string, ev model.UnreadCountEvent) {
	d.hub.publish(ctx, NotificationRoom(userID), model.EventUpdateUnreadCount, ev, "")
}

// InConversation reports whether the user has a connection joined to the conversation.
func (d *Dispatcher) InConversation(conversationID, userID string) bool {
	return d.hub.InRoom(conversationID, userID)
}
