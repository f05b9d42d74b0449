package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pawpal/chat-relay/internal/model"
)

// fakeConn records everything sent to it.
type fakeConn struct {
	id string

	mu     sync.Mutex
	events []sentEvent
	closed bool
}

type sentEvent struct {
	event string
	data  any
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.events = append(c.events, sentEvent{event: event, data: data})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sent(event string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, e := range c.events {
		if e.event == event {
			out = append(out, e.data)
		}
	}
	return out
}

func (c *fakeConn) count(event string) int {
	return len(c.sent(event))
}

// fakeStore is an in-memory persistence collaborator.
type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]*model.ConversationSummary
	unread        map[string]*model.UnreadCounter
	profiles      map[string]*model.DisplayProfile
	presence      map[string]model.PresenceStatus
	messages      []*model.Message

	failCreate    error
	failTouch     error
	failIncrement error
	failProfile   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[string]*model.ConversationSummary),
		unread:        make(map[string]*model.UnreadCounter),
		profiles:      make(map[string]*model.DisplayProfile),
		presence:      make(map[string]model.PresenceStatus),
	}
}

func (s *fakeStore) addConversation(id, a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[id] = &model.ConversationSummary{ID: id, ParticipantA: a, ParticipantB: b}
}

func (s *fakeStore) counter(userID, conversationID string) model.UnreadCounter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.unread[userID+"."+conversationID]; ok {
		return *c
	}
	return model.UnreadCounter{}
}

func (s *fakeStore) CreateMessage(_ context.Context, req *model.SendMessageRequest) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return nil, s.failCreate
	}
	conv, ok := s.conversations[req.ConversationID]
	if !ok {
		return nil, errors.New("unknown conversation")
	}
	if !s.participant(conv, req.SenderID) || !s.participant(conv, req.ReceiverID) {
		return nil, errors.New("user is not a conversation participant")
	}
	msg := &model.Message{
		ID:             "m" + time.Now().Format("150405.000000000"),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Type:           req.Type,
		Content:        req.Content,
		MediaURL:       req.MediaURL,
		Timestamp:      time.Now(),
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *fakeStore) participant(conv *model.ConversationSummary, userID string) bool {
	return conv.ParticipantA == userID || conv.ParticipantB == userID
}

func (s *fakeStore) TouchConversation(_ context.Context, conversationID, lastMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTouch != nil {
		return s.failTouch
	}
	conv, ok := s.conversations[conversationID]
	if !ok {
		return errors.New("unknown conversation")
	}
	conv.LastMessageID = lastMessageID
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) GetUnread(_ context.Context, userID, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.unread[userID+"."+conversationID]; ok {
		return c.Count, nil
	}
	return 0, nil
}

func (s *fakeStore) ResetUnread(_ context.Context, userID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread[userID+"."+conversationID] = &model.UnreadCounter{Count: 0, Hidden: false}
	return nil
}

func (s *fakeStore) IncrementUnread(_ context.Context, userID, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIncrement != nil {
		return 0, s.failIncrement
	}
	key := userID + "." + conversationID
	c, ok := s.unread[key]
	if !ok {
		c = &model.UnreadCounter{}
		s.unread[key] = c
	}
	c.Count++
	c.Hidden = false
	return c.Count, nil
}

func (s *fakeStore) GetDisplayProfile(_ context.Context, userID string) (*model.DisplayProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failProfile != nil {
		return nil, s.failProfile
	}
	if p, ok := s.profiles[userID]; ok {
		return p, nil
	}
	return nil, errors.New("unknown profile")
}

func (s *fakeStore) SetUserOnlineFlag(_ context.Context, userID string, online bool, lastSeen *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[userID] = model.PresenceStatus{UserID: userID, Online: online, LastSeen: lastSeen}
	return nil
}
