package relay

import (
	"sync"
)

type viewState struct {
	userID         string
	conversationID string
}

// ViewTracker records which conversation each connection currently has open.
// State is connection-scoped and destroyed on disconnect; a reconnecting
// client starts as not-viewing until it sends set_current_chat again.
type ViewTracker struct {
	mu     sync.Mutex
	byConn map[string]viewState
}

// NewViewTracker returns an empty tracker.
func NewViewTracker() *ViewTracker {
	return &ViewTracker{byConn: make(map[string]viewState)}
}

// SetCurrent overwrites the connection's view state. A connection has at most
// one current conversation; setting a new one replaces the old.
func (t *ViewTracker) SetCurrent(connID, userID, conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byConn[connID] = viewState{userID: userID, conversationID: conversationID}
}

// Clear drops the connection's view state.
func (t *ViewTracker) Clear(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byConn, connID)
}

// IsViewing reports whether any of the user's connections currently has the
// conversation open. A message is not unread if the recipient is looking at
// it on any device.
func (t *ViewTracker) IsViewing(userID, conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, vs := range t.byConn {
		if vs.userID == userID && vs.conversationID == conversationID {
			return true
		}
	}
	return false
}
