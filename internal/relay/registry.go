package relay

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Registry is the authoritative userID -> connections mapping. It is the only
// place this state lives; every mutation goes through the gateway's join and
// disconnect handlers. Implementations must keep each operation atomic so the
// online flag is true exactly when the connection set is non-empty.
//
// The in-memory implementation below is the default. A shared-cache
// implementation exists for multi-process deployments (internal/redis).
type Registry interface {
	// MarkOnline adds a connection to the user's set and reports whether it
	// was the user's first active connection.
	MarkOnline(ctx context.Context, userID, connID string) (first bool, err error)

	// MarkOffline removes a connection from the user's set, stamps lastSeen
	// when the set becomes empty, and reports whether the user is now fully
	// offline. Unknown connections are a no-op.
	MarkOffline(ctx context.Context, userID, connID string) (last bool, err error)

	// ListOnline returns the ids of all users with at least one connection.
	ListOnline(ctx context.Context) ([]string, error)

	// IsOnline reports whether the user has at least one connection.
	IsOnline(ctx context.Context, userID string) (bool, error)

	// LastSeen returns the time the user last went fully offline. The zero
	// time means the user has never been seen disconnecting.
	LastSeen(ctx context.Context, userID string) (time.Time, error)
}

type memoryRegistry struct {
	mu       sync.Mutex
	conns    map[string]map[string]struct{}
	lastSeen map[string]time.Time
}

// NewMemoryRegistry returns a process-local Registry.
func NewMemoryRegistry() Registry {
	return &memoryRegistry{
		conns:    make(map[string]map[string]struct{}),
		lastSeen: make(map[string]time.Time),
	}
}

func (r *memoryRegistry) MarkOnline(_ context.Context, userID, connID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		r.conns[userID] = set
	}
	set[connID] = struct{}{}
	return len(set) == 1, nil
}

func (r *memoryRegistry) MarkOffline(_ context.Context, userID, connID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userID]
	if !ok {
		return false, nil
	}
	if _, ok := set[connID]; !ok {
		return false, nil
	}
	delete(set, connID)
	if len(set) > 0 {
		return false, nil
	}
	delete(r.conns, userID)
	r.lastSeen[userID] = time.Now()
	return true, nil
}

func (r *memoryRegistry) ListOnline(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.conns))
	for userID := range r.conns {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users, nil
}

func (r *memoryRegistry) IsOnline(_ context.Context, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[userID]) > 0, nil
}

func (r *memoryRegistry) LastSeen(_ context.Context, userID string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeen[userID], nil
}
