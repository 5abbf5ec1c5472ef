package model

import (
	"strings"
	"time"
)

// MessageKind is the content type of a message.
type MessageKind string

const (
	MessageText       MessageKind = "text"
	MessageAttachment MessageKind = "attachment"
	MessageVoice      MessageKind = "voice"
	MessageSystem     MessageKind = "system"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageText, MessageAttachment, MessageVoice, MessageSystem:
		return true
	}
	return false
}

// TempIDPrefix marks identifiers of optimistic client-side entries.
const TempIDPrefix = "temp-"

// TempID returns the temporary identifier for a correlation key.
func TempID(key string) string {
	return TempIDPrefix + key
}

// IsTempID reports whether id was generated for an optimistic entry.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Attachment describes a file or voice note linked to a message.
type Attachment struct {
	URL           string  `json:"url"`
	Name          string  `json:"name,omitempty"`
	Size          int64   `json:"size,omitempty"`
	MimeType      string  `json:"mimeType,omitempty"`
	AudioDuration float64 `json:"audioDuration,omitempty"`
}

// ReplyPreview is the resolved reply-to target carried with a message.
type ReplyPreview struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	Content    string `json:"content"`
	Deleted    bool   `json:"isDeleted,omitempty"`
}

// Message represents a conversation message.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName,omitempty"`
	SenderRole     string `json:"senderRole,omitempty"`

	// Correlation key of the optimistic entry that produced the message.
	ClientKey string `json:"clientKey,omitempty"`

	// Content
	Kind       MessageKind   `json:"type"`
	Content    string        `json:"content"`
	ReplyToID  string        `json:"replyToId,omitempty"`
	ReplyTo    *ReplyPreview `json:"replyTo,omitempty"`
	Attachment *Attachment   `json:"attachment,omitempty"`

	// Mutation flags
	Edited    bool       `json:"isEdited"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
	Deleted   bool       `json:"isDeleted"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Kept server side for recovery of deleted messages.
	OriginalContent string `json:"-"`
}

// SendMessageRequest is the request to persist a new message.
type SendMessageRequest struct {
	Content    string      `json:"content"`
	Kind       MessageKind `json:"type,omitempty"`
	ReplyToID  string      `json:"replyToId,omitempty"`
	ClientKey  string      `json:"clientKey,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// EditMessageRequest replaces the content of a message.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// MessageResponse wraps a single message.
type MessageResponse struct {
	Message *Message `json:"message"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}
