package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pawpal/chat-relay/internal/middleware"
	"github.com/pawpal/chat-relay/internal/model"
	"github.com/pawpal/chat-relay/pkg/logger"
	"github.com/pawpal/chat-relay/pkg/metrics"
)

// dedupWindow is how many recent client message ids are remembered per
// connection to drop exact resubmissions after a lost ack.
const dedupWindow = 32

type connState struct {
	userID string
	joined bool

	// ring of recently seen clientMsgIds
	recent    []string
	recentIdx int
}

func (s *connState) seen(clientMsgID string) bool {
	if clientMsgID == "" {
		return false
	}
	for _, id := range s.recent {
		if id == clientMsgID {
			return true
		}
	}
	if len(s.recent) < dedupWindow {
		s.recent = append(s.recent, clientMsgID)
	} else {
		s.recent[s.recentIdx] = clientMsgID
		s.recentIdx = (s.recentIdx + 1) % dedupWindow
	}
	return false
}

type eventHandler func(ctx context.Context, conn Conn, data json.RawMessage) error

// Gateway owns the connection lifecycle: it accepts connections from the
// transports, runs the join handshake, dispatches inbound events to their
// handlers, and tears state down on disconnect.
type Gateway struct {
	registry Registry
	rooms    *Rooms
	views    *ViewTracker
	pipeline *Pipeline
	store    Store
	logger   *logger.Logger

	mu    sync.Mutex
	conns map[string]*connState

	handlers map[string]eventHandler
}

// NewGateway wires the relay components behind a dispatch table keyed by wire
// event name.
func NewGateway(registry Registry, rooms *Rooms, views *ViewTracker, pipeline *Pipeline, store Store, log *logger.Logger) *Gateway {
	g := &Gateway{
		registry: registry,
		rooms:    rooms,
		views:    views,
		pipeline: pipeline,
		store:    store,
		logger:   log,
		conns:    make(map[string]*connState),
	}
	g.handlers = map[string]eventHandler{
		model.EventJoinApp:        g.handleJoin,
		model.EventSetCurrentChat: g.handleSetCurrentChat,
		model.EventSendMessage:    g.handleSendMessage,
	}
	return g
}

// HandleConnect registers a connection in its not-yet-authenticated state. An
// unauthenticated connection is inert: it belongs to no room and has no
// presence effect until join_app arrives.
func (g *Gateway) HandleConnect(conn Conn) {
	g.mu.Lock()
	g.conns[conn.ID()] = &connState{}
	g.mu.Unlock()

	g.rooms.Track(conn)
	metrics.ConnectionsActive.Inc()
	g.logger.Debug("connection opened", zap.String("conn_id", conn.ID()))
}

// Dispatch routes one inbound frame to its handler. Handler errors are
// reported back to the originating connection only.
func (g *Gateway) Dispatch(ctx context.Context, conn Conn, frame []byte) {
	start := time.Now()

	var env model.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		g.sendError(conn, "malformed event", err.Error())
		return
	}
	handler, ok := g.handlers[env.Event]
	if !ok {
		g.sendError(conn, "unknown event", env.Event)
		return
	}
	if err := handler(ctx, conn, env.Data); err != nil {
		g.logger.Error("event handler failed",
			zap.String("event", env.Event),
			zap.String("conn_id", conn.ID()),
			zap.Error(err),
		)
		g.sendError(conn, fmt.Sprintf("%s failed", env.Event), err.Error())
	}
	metrics.DispatchDuration.WithLabelValues(env.Event).Observe(time.Since(start).Seconds())
}

// Join binds a user to a connection: presence registry, private room, online
// snapshot and, on the user's first connection, the global user_online
// broadcast and the durable online flag. Duplicate joins are idempotent.
// When the context carries an authenticated subject, the claimed user id must
// match it.
func (g *Gateway) Join(ctx context.Context, conn Conn, userID string) error {
	if err := middleware.ValidateUserID(userID); err != nil {
		return err
	}
	if subject := middleware.GetUserID(ctx); subject != "" && subject != userID {
		return fmt.Errorf("user id does not match authenticated subject")
	}

	g.mu.Lock()
	state, ok := g.conns[conn.ID()]
	if !ok {
		state = &connState{}
		g.conns[conn.ID()] = state
	}
	alreadyJoined := state.joined && state.userID == userID
	prevUserID := state.userID
	state.userID = userID
	state.joined = true
	g.mu.Unlock()

	// A connection re-asserting a different identity first leaves its old
	// one, view state included, so the old user is never counted as viewing
	// through a connection they no longer hold.
	if prevUserID != "" && prevUserID != userID {
		g.views.Clear(conn.ID())
		g.partUser(ctx, conn, prevUserID)
	}

	if !alreadyJoined {
		first, err := g.registry.MarkOnline(ctx, userID, conn.ID())
		if err != nil {
			return fmt.Errorf("failed to mark user online: %w", err)
		}
		g.rooms.Join(conn, userID)

		if first {
			if err := g.store.SetUserOnlineFlag(ctx, userID, true, nil); err != nil {
				g.logger.Warn("failed to persist online flag",
					zap.String("user_id", userID), zap.Error(err))
			}
			g.rooms.BroadcastAllExcept(conn.ID(), model.EventUserOnline, userID)
			metrics.OnlineUsers.Inc()
		}
		g.logger.Info("user joined",
			zap.String("user_id", userID),
			zap.String("conn_id", conn.ID()),
			zap.Bool("first_connection", first),
		)
	}

	// Every join, including duplicates, answers with the full online
	// snapshot.
	online, err := g.registry.ListOnline(ctx)
	if err != nil {
		return fmt.Errorf("failed to list online users: %w", err)
	}
	return conn.Send(model.EventOnlineUsersList, online)
}

func (g *Gateway) handleJoin(ctx context.Context, conn Conn, data json.RawMessage) error {
	var userID string
	if err := json.Unmarshal(data, &userID); err != nil {
		return fmt.Errorf("join_app expects a user id string: %w", err)
	}
	return g.Join(ctx, conn, userID)
}

func (g *Gateway) handleSetCurrentChat(ctx context.Context, conn Conn, data json.RawMessage) error {
	var req model.SetCurrentChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("malformed set_current_chat payload: %w", err)
	}
	if err := middleware.ValidateUserID(req.UserID); err != nil {
		return err
	}
	if err := middleware.ValidateConversationID(req.ConversationID); err != nil {
		return err
	}
	g.views.SetCurrent(conn.ID(), req.UserID, req.ConversationID)
	return nil
}

func (g *Gateway) handleSendMessage(ctx context.Context, conn Conn, data json.RawMessage) error {
	var req model.SendMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("malformed send_message payload: %w", err)
	}
	if req.Type == "" {
		req.Type = model.MessageTypeText
	}
	if err := middleware.ValidateSendMessage(&req); err != nil {
		return err
	}

	g.mu.Lock()
	state := g.conns[conn.ID()]
	duplicate := state != nil && state.seen(req.ClientMsgID)
	g.mu.Unlock()
	if duplicate {
		g.logger.Debug("dropping duplicate send",
			zap.String("client_msg_id", req.ClientMsgID),
			zap.String("conn_id", conn.ID()),
		)
		return nil
	}

	return g.pipeline.Send(ctx, &req)
}

// HandleDisconnect tears down a connection's state: view state, room
// membership and, when this was the user's last connection, the offline
// broadcast and durable lastSeen stamp. It never surfaces an error to the
// client; the connection is already gone.
func (g *Gateway) HandleDisconnect(ctx context.Context, conn Conn) {
	g.mu.Lock()
	state, ok := g.conns[conn.ID()]
	delete(g.conns, conn.ID())
	g.mu.Unlock()
	if !ok {
		return
	}

	// Leave the room first so the offline broadcast never targets the dead
	// connection.
	g.views.Clear(conn.ID())
	g.rooms.Leave(conn)
	if state.joined {
		g.partUser(ctx, conn, state.userID)
	}
	metrics.ConnectionsActive.Dec()
	g.logger.Debug("connection closed", zap.String("conn_id", conn.ID()))
}

func (g *Gateway) partUser(ctx context.Context, conn Conn, userID string) {
	last, err := g.registry.MarkOffline(ctx, userID, conn.ID())
	if err != nil {
		g.logger.Warn("failed to mark user offline",
			zap.String("user_id", userID), zap.Error(err))
		return
	}
	if !last {
		return
	}

	now := time.Now()
	if err := g.store.SetUserOnlineFlag(ctx, userID, false, &now); err != nil {
		g.logger.Warn("failed to persist offline flag",
			zap.String("user_id", userID), zap.Error(err))
	}
	g.rooms.BroadcastAll(model.EventUserOffline, userID)
	metrics.OnlineUsers.Dec()
	g.logger.Info("user offline",
		zap.String("user_id", userID),
		zap.Time("last_seen", now),
	)
}

// HandleTransportError logs a connection-scoped transport failure and, when
// the connection is still writable, reports it there. The gateway itself
// never goes down with a single connection.
func (g *Gateway) HandleTransportError(conn Conn, err error) {
	g.logger.Warn("transport error",
		zap.String("conn_id", conn.ID()),
		zap.Error(err),
	)
	g.sendError(conn, "transport error", err.Error())
}

// JoinedUser returns the user bound to a connection, if it has joined.
func (g *Gateway) JoinedUser(connID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.conns[connID]
	if !ok || !state.joined {
		return "", false
	}
	return state.userID, true
}

// ConnectionCount returns the number of open connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *Gateway) sendError(conn Conn, message, details string) {
	if err := conn.Send(model.EventError, &model.ErrorPayload{Message: message, Details: details}); err != nil {
		g.logger.Debug("failed to send error event",
			zap.String("conn_id", conn.ID()), zap.Error(err))
	}
}
