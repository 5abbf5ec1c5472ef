// Package model defines data structures for the chat platform.
package model

import (
	"time"
)

// ConversationKind distinguishes direct, group and admin-coach conversations.
type ConversationKind string

const (
	ConversationDirect     ConversationKind = "direct"
	ConversationGroup      ConversationKind = "group"
	ConversationAdminCoach ConversationKind = "admin_coach"
)

// Valid reports whether k is a known conversation kind.
func (k ConversationKind) Valid() bool {
	switch k {
	case ConversationDirect, ConversationGroup, ConversationAdminCoach:
		return true
	}
	return false
}

// Conversation represents a conversation thread.
type Conversation struct {
	ID        string           `json:"id"`
	Kind      ConversationKind `json:"kind"`
	Name      string           `json:"name,omitempty"`
	GroupID   string           `json:"groupId,omitempty"`
	CreatedBy string           `json:"createdBy"`
	Active    bool             `json:"isActive"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`

	// Populated on list for the requesting user.
	UnreadCount  int      `json:"unreadCount,omitempty"`
	LastMessage  *Message `json:"lastMessage,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

// ParticipantRole is the role of a participant within a conversation.
type ParticipantRole string

const (
	ParticipantAdmin  ParticipantRole = "admin"
	ParticipantMember ParticipantRole = "member"
)

// Participant links a user to a conversation.
type Participant struct {
	ConversationID string          `json:"conversationId"`
	UserID         string          `json:"userId"`
	Role           ParticipantRole `json:"role"`
	JoinedAt       time.Time       `json:"joinedAt"`
	LastReadAt     *time.Time      `json:"lastReadAt,omitempty"`
	Active         bool            `json:"isActive"`
}

// CreateConversationRequest is the request to create a group or admin-coach conversation.
type CreateConversationRequest struct {
	Kind         ConversationKind `json:"kind"`
	Name         string           `json:"name,omitempty"`
	GroupID      string           `json:"groupId,omitempty"`
	Participants []string         `json:"participants"`
}

// DirectConversationRequest asks for the direct conversation with another user.
type DirectConversationRequest struct {
	UserID string `json:"userId"`
}

// AddParticipantRequest adds a user to a conversation.
type AddParticipantRequest struct {
	UserID string          `json:"userId"`
	Role   ParticipantRole `json:"role,omitempty"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}
