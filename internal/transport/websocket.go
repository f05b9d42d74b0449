package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pawpal/chat-relay/internal/model"
	"github.com/pawpal/chat-relay/internal/relay"
	"github.com/pawpal/chat-relay/pkg/logger"
)

const writeWait = 10 * time.Second

// WSServer accepts websocket connections and bridges them to the gateway.
type WSServer struct {
	gateway  *relay.Gateway
	polling  *PollingServer
	cfg      Config
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

// NewWSServer creates the websocket endpoint. polling may be nil when the
// fallback transport is not mounted; when present, a client may upgrade its
// polling session by passing its sid.
func NewWSServer(gw *relay.Gateway, polling *PollingServer, cfg Config, log *logger.Logger) *WSServer {
	return &WSServer{
		gateway: gw,
		polling: polling,
		cfg:     cfg,
		logger:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return cfg.originAllowed(r.Header.Get("Origin"))
			},
		},
	}
}

// Handle upgrades an HTTP request to the persistent-socket mode and runs the
// connection until it closes.
func (s *WSServer) Handle(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newWSConn(sock, s.logger)
	ctx := context.WithoutCancel(r.Context())
	s.gateway.HandleConnect(conn)

	// A polling client upgrading mid-session carries its join over; the old
	// session is retired without a presence flap because this connection
	// joins first.
	if sid := r.URL.Query().Get("sid"); sid != "" && s.polling != nil {
		if userID, joined := s.gateway.JoinedUser(sid); joined {
			if err := s.gateway.Join(ctx, conn, userID); err != nil {
				s.logger.Warn("upgrade join failed",
					zap.String("sid", sid), zap.Error(err))
			}
		}
		s.polling.EndSession(ctx, sid)
	}

	go conn.writePump(s.cfg.PingInterval)
	conn.readPump(ctx, s.gateway, s.cfg)
	s.gateway.HandleDisconnect(ctx, conn)
}

// wsConn is a single websocket client. Reads and writes run on separate
// goroutines so a slow reader never blocks delivery to other clients.
type wsConn struct {
	id     string
	sock   *websocket.Conn
	logger *logger.Logger

	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newWSConn(sock *websocket.Conn, log *logger.Logger) *wsConn {
	return &wsConn{
		id:     uuid.New().String(),
		sock:   sock,
		logger: log,
		out:    make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// Send queues a frame without blocking. A client whose buffer is full is too
// far behind to be useful and gets closed.
func (c *wsConn) Send(event string, data any) error {
	frame, err := model.Encode(event, data)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errors.New("connection closed")
	case c.out <- frame:
		return nil
	default:
		c.Close()
		return errors.New("write buffer full")
	}
}

func (c *wsConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
	return nil
}

func (c *wsConn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) readPump(ctx context.Context, gw *relay.Gateway, cfg Config) {
	defer c.Close()

	c.sock.SetReadLimit(cfg.ReadLimit)
	c.sock.SetReadDeadline(time.Now().Add(cfg.PingTimeout))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(cfg.PingTimeout))
	})

	for {
		_, frame, err := c.sock.ReadMessage()
		if err != nil {
			// A missed heartbeat or abrupt close lands here and drives the
			// same cleanup as a graceful disconnect.
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("unexpected websocket close",
					zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		c.sock.SetReadDeadline(time.Now().Add(cfg.PingTimeout))
		if len(frame) > 0 {
			gw.Dispatch(ctx, c, frame)
		}
	}
}
