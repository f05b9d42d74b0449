package relay

import (
	"context"
	"time"

	"github.com/pawpal/chat-relay/internal/model"
)

// Store is the persistence collaborator the relay writes through. The
// marketplace backend owns the data; the relay consumes this narrow surface
// and never reaches around it. Each call is an independent, non-transactional
// operation.
type Store interface {
	// CreateMessage persists a new message row with a server-assigned id and
	// timestamp, IsRead false.
	CreateMessage(ctx context.Context, req *model.SendMessageRequest) (*model.Message, error)

	// TouchConversation points the conversation summary at its newest message.
	TouchConversation(ctx context.Context, conversationID, lastMessageID string) error

	// GetUnread returns the current unread count for (userID, conversationID).
	GetUnread(ctx context.Context, userID, conversationID string) (int, error)

	// ResetUnread zeroes the counter and clears the hidden flag.
	ResetUnread(ctx context.Context, userID, conversationID string) error

	// IncrementUnread adds one to the counter, clears the hidden flag, and
	// returns the new count.
	IncrementUnread(ctx context.Context, userID, conversationID string) (int, error)

	// GetDisplayProfile returns the minimal profile used to enrich delivery
	// payloads.
	GetDisplayProfile(ctx context.Context, userID string) (*model.DisplayProfile, error)

	// SetUserOnlineFlag records the durable online flag, stamping lastSeen
	// when going offline.
	SetUserOnlineFlag(ctx context.Context, userID string, online bool, lastSeen *time.Time) error
}
