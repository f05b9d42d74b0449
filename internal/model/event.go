package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire event names. Direction is noted per group; "caller" means the single
// connection that triggered the event.
const (
	// client -> relay
	EventJoinApp        = "join_app"
	EventSetCurrentChat = "set_current_chat"
	EventSendMessage    = "send_message"

	// relay -> caller
	EventOnlineUsersList = "online_users_list"
	EventError           = "error"

	// relay -> all connections
	EventUserOnline  = "user_online"
	EventUserOffline = "user_offline"

	// relay -> participants of a conversation
	EventReceiveMessage = "receive_message"
	EventUnreadUpdate   = "unread_update"
	EventChatListUpdate = "chat_list_update"
)

// Envelope is the framing for every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode builds a wire frame for an event and its payload.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", event, err)
	}
	return frame, nil
}

// SetCurrentChatRequest is the payload of set_current_chat.
type SetCurrentChatRequest struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// SendMessageRequest is the payload of send_message. ClientMsgID is optional
// and only used to drop exact client resubmissions after a lost ack.
type SendMessageRequest struct {
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	ReceiverID     string      `json:"receiverId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type,omitempty"`
	MediaURL       string      `json:"mediaUrl,omitempty"`
	ClientMsgID    string      `json:"clientMsgId,omitempty"`
}

// DeliveryPayload is the payload of receive_message, delivered to every
// active connection of both participants.
type DeliveryPayload struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	MediaURL       string      `json:"mediaUrl,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	IsRead         bool        `json:"isRead"`
	SenderName     string      `json:"senderName"`
	SenderAvatar   string      `json:"senderAvatar,omitempty"`
}

// UnreadUpdate is the payload of unread_update.
type UnreadUpdate struct {
	ConversationID string `json:"conversationId"`
	NewUnreadCount int    `json:"newUnreadCount"`
}

// Chat list actions.
const (
	ChatListActionShow = "show"
	ChatListActionHide = "hide"
)

// ChatListUpdate is the payload of chat_list_update.
type ChatListUpdate struct {
	ConversationID string `json:"conversationId"`
	Action         string `json:"action"`
}

// ErrorPayload is the payload of the error event, always scoped to the
// connection that caused it.
type ErrorPayload struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
