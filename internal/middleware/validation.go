package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	maxContentBytes = 10000
	maxNameBytes    = 256
)

// ValidateMessageContent validates message content. Empty content is
// allowed here; whether a message kind needs text is decided by the service.
func ValidateMessageContent(content string) error {
	if len(content) > maxContentBytes {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateMessageID validates a message ID.
func ValidateMessageID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid message ID format")
	}
	return nil
}

// ValidateUserID validates a user ID taken from a path or body.
func ValidateUserID(id string) error {
	if len(id) == 0 {
		return errors.New("user ID cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("user ID exceeds maximum length")
	}
	return nil
}

// ValidateName validates a conversation name.
func ValidateName(name string) error {
	if len(name) > maxNameBytes {
		return errors.New("name exceeds maximum length")
	}
	if !utf8.ValidString(name) {
		return errors.New("name must be valid UTF-8")
	}
	return nil
}
