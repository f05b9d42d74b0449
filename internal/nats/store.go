package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pawpal/chat-relay/internal/model"
)

const (
	// StreamName is the durable message stream.
	StreamName = "CHAT_MESSAGES"

	// SubjectPrefix is the prefix for all message subjects.
	SubjectPrefix = "chat.msg"

	// KV buckets backing the relay's durable counters and lookups.
	BucketConversations = "chat_conversations"
	BucketUnread        = "chat_unread"
	BucketProfiles      = "chat_profiles"
	BucketPresence      = "chat_presence"
)

// casAttempts bounds the optimistic-concurrency retry loop on counter
// updates.
const casAttempts = 5

var (
	// ErrUnknownConversation means the conversation id does not exist.
	ErrUnknownConversation = errors.New("unknown conversation")
	// ErrNotParticipant means a user id is not part of the conversation.
	ErrNotParticipant = errors.New("user is not a conversation participant")
	// ErrUnknownProfile means no display profile exists for the user.
	ErrUnknownProfile = errors.New("unknown profile")
)

// Store implements the relay's persistence collaborator on JetStream: the
// message stream holds the message rows, KV buckets hold conversation
// summaries, unread counters, display profiles and presence flags.
type Store struct {
	client *Client

	conversations jetstream.KeyValue
	unread        jetstream.KeyValue
	profiles      jetstream.KeyValue
	presence      jetstream.KeyValue
}

// NewStore creates a store over an established client. Init must be called
// before use.
func NewStore(client *Client) *Store {
	return &Store{client: client}
}

// Init ensures the message stream and KV buckets exist.
func (s *Store) Init(ctx context.Context) error {
	js := s.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err != nil {
		_, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        StreamName,
			Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      365 * 24 * time.Hour,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
			Compression: jetstream.S2Compression,
			Description: "All chat messages",
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}

	buckets := []struct {
		name string
		dst  *jetstream.KeyValue
	}{
		{BucketConversations, &s.conversations},
		{BucketUnread, &s.unread},
		{BucketProfiles, &s.profiles},
		{BucketPresence, &s.presence},
	}
	for _, b := range buckets {
		kv, err := js.KeyValue(ctx, b.name)
		if err != nil {
			kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
				Bucket:  b.name,
				Storage: jetstream.FileStorage,
			})
			if err != nil {
				return fmt.Errorf("failed to ensure bucket %s: %w", b.name, err)
			}
		}
		*b.dst = kv
	}
	return nil
}

// MessageSubject returns the subject a conversation's messages are published
// on.
func MessageSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, conversationID)
}

// CreateMessage validates the request against the conversation record and
// appends the message row to the stream.
func (s *Store) CreateMessage(ctx context.Context, req *model.SendMessageRequest) (*model.Message, error) {
	summary, err := s.getConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if !isParticipant(summary, req.SenderID) || !isParticipant(summary, req.ReceiverID) {
		return nil, ErrNotParticipant
	}

	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Type:           req.Type,
		Content:        req.Content,
		MediaURL:       req.MediaURL,
		Timestamp:      time.Now(),
		IsRead:         false,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := s.client.JetStream().Publish(ctx, MessageSubject(msg.ConversationID), data); err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}
	return msg, nil
}

// TouchConversation points the summary at the newest message.
func (s *Store) TouchConversation(ctx context.Context, conversationID, lastMessageID string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		entry, err := s.conversations.Get(ctx, conversationID)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				return ErrUnknownConversation
			}
			return fmt.Errorf("failed to read conversation: %w", err)
		}

		var summary model.ConversationSummary
		if err := json.Unmarshal(entry.Value(), &summary); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		summary.LastMessageID = lastMessageID
		summary.UpdatedAt = time.Now()

		data, err := json.Marshal(&summary)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		if _, err := s.conversations.Update(ctx, conversationID, data, entry.Revision()); err == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to update conversation %s: too many conflicts", conversationID)
}

// GetUnread returns the current unread count; a missing counter reads as 0.
func (s *Store) GetUnread(ctx context.Context, userID, conversationID string) (int, error) {
	counter, _, err := s.readUnread(ctx, userID, conversationID)
	if err != nil {
		return 0, err
	}
	return counter.Count, nil
}

// ResetUnread zeroes the counter and clears the hidden flag.
func (s *Store) ResetUnread(ctx context.Context, userID, conversationID string) error {
	data, err := json.Marshal(&model.UnreadCounter{Count: 0, Hidden: false})
	if err != nil {
		return fmt.Errorf("failed to marshal counter: %w", err)
	}
	if _, err := s.unread.Put(ctx, unreadKey(userID, conversationID), data); err != nil {
		return fmt.Errorf("failed to reset unread counter: %w", err)
	}
	return nil
}

// IncrementUnread adds one to the counter and clears the hidden flag,
// retrying on write conflicts.
func (s *Store) IncrementUnread(ctx context.Context, userID, conversationID string) (int, error) {
	key := unreadKey(userID, conversationID)

	for attempt := 0; attempt < casAttempts; attempt++ {
		counter, revision, err := s.readUnread(ctx, userID, conversationID)
		if err != nil {
			return 0, err
		}
		counter.Count++
		counter.Hidden = false

		data, err := json.Marshal(counter)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal counter: %w", err)
		}

		if revision == 0 {
			if _, err := s.unread.Create(ctx, key, data); err == nil {
				return counter.Count, nil
			}
			continue
		}
		if _, err := s.unread.Update(ctx, key, data, revision); err == nil {
			return counter.Count, nil
		}
	}
	return 0, fmt.Errorf("failed to increment unread counter %s: too many conflicts", key)
}

func (s *Store) readUnread(ctx context.Context, userID, conversationID string) (*model.UnreadCounter, uint64, error) {
	entry, err := s.unread.Get(ctx, unreadKey(userID, conversationID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return &model.UnreadCounter{}, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to read unread counter: %w", err)
	}
	var counter model.UnreadCounter
	if err := json.Unmarshal(entry.Value(), &counter); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal unread counter: %w", err)
	}
	return &counter, entry.Revision(), nil
}

// GetDisplayProfile returns the minimal profile for payload enrichment.
func (s *Store) GetDisplayProfile(ctx context.Context, userID string) (*model.DisplayProfile, error) {
	entry, err := s.profiles.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrUnknownProfile
		}
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	var profile model.DisplayProfile
	if err := json.Unmarshal(entry.Value(), &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	return &profile, nil
}

// SetUserOnlineFlag records the durable presence flag.
func (s *Store) SetUserOnlineFlag(ctx context.Context, userID string, online bool, lastSeen *time.Time) error {
	data, err := json.Marshal(&model.PresenceStatus{
		UserID:   userID,
		Online:   online,
		LastSeen: lastSeen,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	if _, err := s.presence.Put(ctx, userID, data); err != nil {
		return fmt.Errorf("failed to write presence flag: %w", err)
	}
	return nil
}

func (s *Store) getConversation(ctx context.Context, conversationID string) (*model.ConversationSummary, error) {
	entry, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrUnknownConversation
		}
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}
	var summary model.ConversationSummary
	if err := json.Unmarshal(entry.Value(), &summary); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &summary, nil
}

func isParticipant(summary *model.ConversationSummary, userID string) bool {
	return summary.ParticipantA == userID || summary.ParticipantB == userID
}

func unreadKey(userID, conversationID string) string {
	return userID + "." + conversationID
}
