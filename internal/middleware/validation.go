package middleware

import (
	"errors"
	"net/url"
	"unicode/utf8"

	"github.com/pawpal/chat-relay/internal/model"
)

// maxContentLength bounds message content at roughly 100KB.
const maxContentLength = 100000

// ValidateUserID validates a user id.
func ValidateUserID(id string) error {
	if len(id) == 0 {
		return errors.New("user ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("user ID exceeds maximum length")
	}
	return nil
}

// ValidateConversationID validates a conversation id.
func ValidateConversationID(id string) error {
	if len(id) == 0 {
		return errors.New("conversation ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("conversation ID exceeds maximum length")
	}
	return nil
}

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > maxContentLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateMediaURL validates an image message's media reference.
func ValidateMediaURL(mediaURL string) error {
	if len(mediaURL) == 0 {
		return errors.New("media URL cannot be empty")
	}
	if _, err := url.ParseRequestURI(mediaURL); err != nil {
		return errors.New("invalid media URL")
	}
	return nil
}

// ValidateSendMessage validates a full send_message payload before any
// persistence call is issued.
func ValidateSendMessage(req *model.SendMessageRequest) error {
	if err := ValidateConversationID(req.ConversationID); err != nil {
		return err
	}
	if err := ValidateUserID(req.SenderID); err != nil {
		return err
	}
	if err := ValidateUserID(req.ReceiverID); err != nil {
		return err
	}
	if req.SenderID == req.ReceiverID {
		return errors.New("sender and receiver must differ")
	}
	switch req.Type {
	case model.MessageTypeText:
		return ValidateMessageContent(req.Content)
	case model.MessageTypeImage:
		return ValidateMediaURL(req.MediaURL)
	default:
		return errors.New("unknown message type")
	}
}
