package relay

import (
	"sync"

	"go.uber.org/zap"

	"github.com/pawpal/chat-relay/pkg/logger"
	"github.com/pawpal/chat-relay/pkg/metrics"
)

// Rooms maps each user to a private delivery channel holding all of that
// user's connections. It also tracks the full connection set for global
// broadcasts. Only the gateway mutates membership.
type Rooms struct {
	logger *logger.Logger

	mu     sync.RWMutex
	byUser map[string]map[string]Conn
	owner  map[string]string // connID -> userID
	all    map[string]Conn
}

// NewRooms returns an empty room router.
func NewRooms(log *logger.Logger) *Rooms {
	return &Rooms{
		logger: log,
		byUser: make(map[string]map[string]Conn),
		owner:  make(map[string]string),
		all:    make(map[string]Conn),
	}
}

// Track registers a connection for global broadcasts before it has joined a
// private room.
func (r *Rooms) Track(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all[conn.ID()] = conn
}

// Join adds the connection to the user's private room. Re-joining the same
// room is idempotent; joining as a different user moves the connection.
func (r *Rooms) Join(conn Conn, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID := conn.ID()
	if prev, ok := r.owner[connID]; ok && prev != userID {
		r.removeLocked(connID, prev)
	}
	room, ok := r.byUser[userID]
	if !ok {
		room = make(map[string]Conn)
		r.byUser[userID] = room
	}
	room[connID] = conn
	r.owner[connID] = userID
	r.all[connID] = conn
}

// Leave removes the connection from its room and from the broadcast set.
func (r *Rooms) Leave(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID := conn.ID()
	if userID, ok := r.owner[connID]; ok {
		r.removeLocked(connID, userID)
	}
	delete(r.all, connID)
}

func (r *Rooms) removeLocked(connID, userID string) {
	if room, ok := r.byUser[userID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.byUser, userID)
		}
	}
	delete(r.owner, connID)
}

// SendToUser delivers an event to every connection in the user's room. A user
// with no active connections is a silent no-op: the durable state is already
// written and will be picked up on the next connect.
func (r *Rooms) SendToUser(userID, event string, data any) {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if err := c.Send(event, data); err != nil {
			r.logger.Warn("room delivery failed",
				zap.String("user_id", userID),
				zap.String("conn_id", c.ID()),
				zap.String("event", event),
				zap.Error(err),
			)
			continue
		}
		metrics.EventsDelivered.WithLabelValues(event).Inc()
	}
}

// BroadcastAll delivers an event to every connected client regardless of room
// membership. Used only for presence and global status events.
func (r *Rooms) BroadcastAll(event string, data any) {
	r.BroadcastAllExcept("", event, data)
}

// BroadcastAllExcept is BroadcastAll minus one connection. The gateway uses
// it so a joining connection does not receive its own user_online; the
// snapshot already covers it.
func (r *Rooms) BroadcastAllExcept(exceptConnID, event string, data any) {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.all))
	for id, c := range r.all {
		if id == exceptConnID {
			continue
		}
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if err := c.Send(event, data); err != nil {
			r.logger.Warn("broadcast delivery failed",
				zap.String("conn_id", c.ID()),
				zap.String("event", event),
				zap.Error(err),
			)
			continue
		}
		metrics.EventsDelivered.WithLabelValues(event).Inc()
	}
}

// ConnectionCount returns the number of tracked connections.
func (r *Rooms) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}
