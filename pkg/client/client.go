// Package client is the consumer-side adapter for the chat relay: it owns
// the connection lifecycle, re-emits inbound events as callbacks, and tracks
// whether the client is ready to send.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pawpal/chat-relay/internal/model"
)

// State is the adapter's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

// ErrNotReady is returned by send operations before the join handshake has
// been acknowledged.
var ErrNotReady = errors.New("client is not ready to send")

// Aliases so consumers outside this module can name the wire payload types.
type (
	SendMessageRequest = model.SendMessageRequest
	DeliveryPayload    = model.DeliveryPayload
	UnreadUpdate       = model.UnreadUpdate
	ChatListUpdate     = model.ChatListUpdate
	ErrorPayload       = model.ErrorPayload
)

// Config controls the adapter. Retries are off by default: unbounded silent
// retry against an unavailable relay invites connection storms, so the caller
// opts in to a bounded number of fixed-backoff attempts.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://relay.example.com/socket.
	URL string
	// Token is the bearer credential passed on the handshake.
	Token string
	// UserID is sent in join_app after the transport connects.
	UserID string
	// RetryAttempts is the number of additional dial attempts after a
	// failure. Zero means a single attempt.
	RetryAttempts int
	// RetryBackoff is the fixed wait between attempts.
	RetryBackoff time.Duration
	// HandshakeTimeout bounds the wait for the server's join acknowledgment.
	HandshakeTimeout time.Duration
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Handlers are the local notifications re-emitted from relay events. Nil
// handlers are skipped.
type Handlers struct {
	OnReceiveMessage func(model.DeliveryPayload)
	OnUnreadUpdate   func(model.UnreadUpdate)
	OnChatListUpdate func(model.ChatListUpdate)
	OnUserOnline     func(userID string)
	OnUserOffline    func(userID string)
	OnOnlineUsers    func(userIDs []string)
	OnError          func(model.ErrorPayload)
	OnDisconnect     func(err error)
}

// Client is a relay connection. All methods are safe for concurrent use.
type Client struct {
	cfg      Config
	handlers Handlers

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	writeMu  sync.Mutex
	inflight chan struct{} // non-nil while a connect is in flight
	joined   chan struct{} // closed when the join ack arrives

	online  []string
	current string // conversation currently marked open
}

// New creates an adapter in the DISCONNECTED state.
func New(cfg Config, handlers Handlers) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{cfg: cfg, handlers: handlers}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether the join handshake completed and sends may proceed.
func (c *Client) Ready() bool {
	return c.State() == StateAuthenticated
}

// OnlineUsers returns the last received online snapshot.
func (c *Client) OnlineUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.online...)
}

// Connect dials the relay and completes the join handshake. A connect already
// in flight is reused, not restarted; calling Connect on a live connection is
// a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateAuthenticated || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.inflight != nil {
		wait := c.inflight
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		if c.Ready() {
			return nil
		}
		return errors.New("concurrent connect failed")
	}
	done := make(chan struct{})
	c.inflight = done
	c.state = StateConnecting
	c.mu.Unlock()

	err := c.connect(ctx)

	c.mu.Lock()
	c.inflight = nil
	if err != nil {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	close(done)
	return err
}

func (c *Client) connect(ctx context.Context) error {
	attempts := c.cfg.RetryAttempts + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.RetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := c.dialAndJoin(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("connect failed after %d attempts: %w", attempts, lastErr)
}

func (c *Client) dialAndJoin(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	joined := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.joined = joined
	c.mu.Unlock()

	go c.readLoop(conn)

	if err := c.send(model.EventJoinApp, c.cfg.UserID); err != nil {
		c.teardown(conn, err)
		return fmt.Errorf("join failed: %w", err)
	}

	select {
	case <-joined:
		return nil
	case <-time.After(c.cfg.HandshakeTimeout):
		err := errors.New("timed out waiting for join acknowledgment")
		c.teardown(conn, err)
		return err
	case <-ctx.Done():
		c.teardown(conn, ctx.Err())
		return ctx.Err()
	}
}

// EnsureConnected reconnects when the logical connection has gone idle, for
// example on visibility regain. It never duplicates a live connection.
func (c *Client) EnsureConnected(ctx context.Context) error {
	if c.Ready() {
		return nil
	}
	return c.Connect(ctx)
}

// Disconnect closes the connection and clears cached state. It does not
// retry.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.teardown(conn, nil)
	}
}

// SendMessage submits a send_message request. The relay echoes the message
// back on receive_message once persisted.
func (c *Client) SendMessage(req *model.SendMessageRequest) error {
	if !c.Ready() {
		return ErrNotReady
	}
	return c.send(model.EventSendMessage, req)
}

// SetCurrentChat tells the relay which conversation this client is looking
// at, so new messages there do not count as unread.
func (c *Client) SetCurrentChat(conversationID string) error {
	if !c.Ready() {
		return ErrNotReady
	}
	c.mu.Lock()
	c.current = conversationID
	c.mu.Unlock()
	return c.send(model.EventSetCurrentChat, &model.SetCurrentChatRequest{
		UserID:         c.cfg.UserID,
		ConversationID: conversationID,
	})
}

// CurrentChat returns the conversation this client last marked open, empty
// after a disconnect.
func (c *Client) CurrentChat() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Client) send(event string, data any) error {
	frame, err := model.Encode(event, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotReady
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.teardown(conn, err)
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame []byte) {
	var env model.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return
	}

	switch env.Event {
	case model.EventOnlineUsersList:
		var users []string
		if json.Unmarshal(env.Data, &users) != nil {
			return
		}
		c.mu.Lock()
		c.online = users
		c.state = StateAuthenticated
		joined := c.joined
		c.joined = nil
		c.mu.Unlock()
		if joined != nil {
			close(joined)
		}
		if c.handlers.OnOnlineUsers != nil {
			c.handlers.OnOnlineUsers(users)
		}

	case model.EventUserOnline:
		var userID string
		if json.Unmarshal(env.Data, &userID) != nil {
			return
		}
		c.mu.Lock()
		c.online = addUser(c.online, userID)
		c.mu.Unlock()
		if c.handlers.OnUserOnline != nil {
			c.handlers.OnUserOnline(userID)
		}

	case model.EventUserOffline:
		var userID string
		if json.Unmarshal(env.Data, &userID) != nil {
			return
		}
		c.mu.Lock()
		c.online = removeUser(c.online, userID)
		c.mu.Unlock()
		if c.handlers.OnUserOffline != nil {
			c.handlers.OnUserOffline(userID)
		}

	case model.EventReceiveMessage:
		var payload model.DeliveryPayload
		if json.Unmarshal(env.Data, &payload) != nil {
			return
		}
		if c.handlers.OnReceiveMessage != nil {
			c.handlers.OnReceiveMessage(payload)
		}

	case model.EventUnreadUpdate:
		var payload model.UnreadUpdate
		if json.Unmarshal(env.Data, &payload) != nil {
			return
		}
		if c.handlers.OnUnreadUpdate != nil {
			c.handlers.OnUnreadUpdate(payload)
		}

	case model.EventChatListUpdate:
		var payload model.ChatListUpdate
		if json.Unmarshal(env.Data, &payload) != nil {
			return
		}
		if c.handlers.OnChatListUpdate != nil {
			c.handlers.OnChatListUpdate(payload)
		}

	case model.EventError:
		var payload model.ErrorPayload
		if json.Unmarshal(env.Data, &payload) != nil {
			return
		}
		if c.handlers.OnError != nil {
			c.handlers.OnError(payload)
		}
	}
}

// teardown closes the given connection and resets state, but only if it is
// still the current one; a stale read loop must not clobber a newer
// connection.
func (c *Client) teardown(conn *websocket.Conn, err error) {
	conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.online = nil
	c.current = ""
	c.joined = nil
	c.mu.Unlock()

	if c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect(err)
	}
}

func addUser(users []string, userID string) []string {
	for _, u := range users {
		if u == userID {
			return users
		}
	}
	return append(users, userID)
}

func removeUser(users []string, userID string) []string {
	out := users[:0]
	for _, u := range users {
		if u != userID {
			out = append(out, u)
		}
	}
	return out
}
