package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pawpal/chat-relay/internal/model"
	"github.com/pawpal/chat-relay/internal/relay"
	"github.com/pawpal/chat-relay/pkg/logger"
)

// stubStore is just enough of the persistence collaborator for transport
// tests.
type stubStore struct {
	mu            sync.Mutex
	conversations map[string][2]string
	unread        map[string]int
	presence      map[string]bool
}

func newStubStore() *stubStore {
	return &stubStore{
		conversations: make(map[string][2]string),
		unread:        make(map[string]int),
		presence:      make(map[string]bool),
	}
}

func (s *stubStore) addConversation(id, a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[id] = [2]string{a, b}
}

func (s *stubStore) online(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence[userID]
}

func (s *stubStore) CreateMessage(_ context.Context, req *model.SendMessageRequest) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.conversations[req.ConversationID]
	if !ok {
		return nil, errors.New("unknown conversation")
	}
	for _, id := range []string{req.SenderID, req.ReceiverID} {
		if id != p[0] && id != p[1] {
			return nil, errors.New("not a participant")
		}
	}
	return &model.Message{
		ID:             "m1",
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Type:           req.Type,
		Content:        req.Content,
		Timestamp:      time.Now(),
	}, nil
}

func (s *stubStore) TouchConversation(context.Context, string, string) error { return nil }

func (s *stubStore) GetUnread(_ context.Context, userID, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[userID+"."+conversationID], nil
}

func (s *stubStore) ResetUnread(_ context.Context, userID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread[userID+"."+conversationID] = 0
	return nil
}

func (s *stubStore) IncrementUnread(_ context.Context, userID, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + "." + conversationID
	s.unread[key]++
	return s.unread[key], nil
}

func (s *stubStore) GetDisplayProfile(context.Context, string) (*model.DisplayProfile, error) {
	return &model.DisplayProfile{Name: "Stub"}, nil
}

func (s *stubStore) SetUserOnlineFlag(_ context.Context, userID string, online bool, _ *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[userID] = online
	return nil
}

type testRig struct {
	store    *stubStore
	registry relay.Registry
	gateway  *relay.Gateway
}

func newTestRig() *testRig {
	log := logger.NewNop()
	store := newStubStore()
	registry := relay.NewMemoryRegistry()
	rooms := relay.NewRooms(log)
	views := relay.NewViewTracker()
	pipeline := relay.NewPipeline(store, rooms, views, log)
	return &testRig{
		store:    store,
		registry: registry,
		gateway:  relay.NewGateway(registry, rooms, views, pipeline, store, log),
	}
}
