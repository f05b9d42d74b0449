package model

import (
	"time"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeImage MessageType = "IMAGE"
)

// Message is the durable chat message entity. It is created once per
// successful send and immutable afterwards except for IsRead.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content"`
	MediaURL       string      `json:"mediaUrl,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	IsRead         bool        `json:"isRead"`
}

// ConversationSummary is the durable per-conversation pointer record. The
// relay only advances LastMessageID and UpdatedAt on successful sends.
type ConversationSummary struct {
	ID            string    `json:"id"`
	ParticipantA  string    `json:"participantA"`
	ParticipantB  string    `json:"participantB"`
	LastMessageID string    `json:"lastMessageId"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// UnreadCounter is the per-(user, conversation) unread state. Hidden marks a
// conversation archived out of the user's list; any new message clears it.
type UnreadCounter struct {
	Count  int  `json:"count"`
	Hidden bool `json:"hidden"`
}

// DisplayProfile is the minimal sender profile used to enrich delivery
// payloads.
type DisplayProfile struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}
