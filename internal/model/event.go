package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventName is the name of a realtime event on the wire.
type EventName string

// Client to server.
const (
	EventAuthenticate      EventName = "authenticate"
	EventJoinConversation  EventName = "join_conversation"
	EventLeaveConversation EventName = "leave_conversation"
	EventTypingStart       EventName = "typing_start"
	EventTypingStop        EventName = "typing_stop"
	// EventSendMessage is accepted for compatibility and ignored; messages are
	// sent through the HTTP API, which fans out new_message itself.
	EventSendMessage EventName = "send_message"
)

// Server to client.
const (
	EventConnected          EventName = "connected"
	EventNewMessage         EventName = "new_message"
	EventUserTyping         EventName = "user_typing"
	EventMessageEdited      EventName = "message_edited"
	EventMessageDeleted     EventName = "message_deleted"
	EventReadReceipt        EventName = "read_receipt"
	EventUserOnline         EventName = "user_online"
	EventUserOffline        EventName = "user_offline"
	EventUserOnlineGlobal   EventName = "user_online_global"
	EventUserOfflineGlobal  EventName = "user_offline_global"
	EventOnlineUsers        EventName = "online_users"
	EventNewNotification    EventName = "new_notification"
	EventUpdateUnreadCount  EventName = "update_unread_count"
	EventConversationJoined EventName = "conversation_joined"
	EventConversationLeft   EventName = "conversation_left"
	EventError              EventName = "error"
)

// Lifecycle events raised locally by the client connection manager.
const (
	EventConnect    EventName = "connect"
	EventDisconnect EventName = "disconnect"
)

// Envelope is the frame exchanged over every realtime transport.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope.
func NewEnvelope(event EventName, data any) (Envelope, error) {
	env := Envelope{Event: event}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return env, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	env.Data = raw
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no payload", e.Event)
	}
	return json.Unmarshal(e.Data, v)
}

// Identity is the authenticated user bound to a connection.
type Identity struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Email    string `json:"userEmail,omitempty"`
	Role     string `json:"role,omitempty"`
}

// ConnectedEvent confirms that a transport is open and authenticated.
type ConnectedEvent struct {
	ConnectionID string `json:"connectionId"`
	Transport    string `json:"transport"`
	UserID       string `json:"userId"`
}

// ConversationRef is the payload of join, leave and typing events.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// TypingEvent is relayed to room members as user_typing.
type TypingEvent struct {
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// MessageEditedEvent carries the new content of an edited message.
type MessageEditedEvent struct {
	MessageID      string     `json:"messageId"`
	ConversationID string     `json:"conversationId"`
	Content        string     `json:"content"`
	IsEdited       bool       `json:"isEdited"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
}

// MessageDeletedEvent carries the placeholder content of a deleted message.
type MessageDeletedEvent struct {
	MessageID      string     `json:"messageId"`
	ConversationID string     `json:"conversationId"`
	Content        string     `json:"content"`
	IsDeleted      bool       `json:"isDeleted"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
}

// ReadReceiptEvent announces that a participant read a conversation.
type ReadReceiptEvent struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	LastReadAt     time.Time `json:"lastReadAt"`
}

// PresenceEvent is the payload of online/offline events.
type PresenceEvent struct {
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	ConversationID string `json:"conversationId,omitempty"`
}

// NotificationEvent is pushed to a user's notification channel.
type NotificationEvent struct {
	ID             string      `json:"id"`
	Kind           string      `json:"type"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	SenderName     string      `json:"senderName,omitempty"`
	Preview        string      `json:"preview"`
	MessageKind    MessageKind `json:"messageType"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// UnreadCountEvent tells a user to refresh the unread badge of a conversation.
type UnreadCountEvent struct {
	ConversationID string `json:"conversationId"`
	ParticipantID  string `json:"participantId"`
	UnreadCount    int    `json:"unreadCount"`
}

// ErrorEvent reports a rejected realtime request.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Audit operations.
const (
	AuditCreate = "create"
	AuditEdit   = "edit"
	AuditDelete = "delete"
)

// AuditRecord is one entry of the durable message audit log.
type AuditRecord struct {
	Op        string    `json:"op"`
	Message   Message   `json:"message"`
	Original  string    `json:"originalContent,omitempty"`
	ActorID   string    `json:"actorId"`
	CreatedAt time.Time `json:"createdAt"`
	Sequence  uint64    `json:"sequence,omitempty"`
}
