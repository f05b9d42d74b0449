package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pawpal/chat-relay/internal/model"
	"github.com/pawpal/chat-relay/internal/relay"
	"github.com/pawpal/chat-relay/pkg/logger"
	"github.com/pawpal/chat-relay/pkg/metrics"
)

// PollingServer implements the long-polling fallback mode. A client opens a
// session, drains queued events with held GET requests, submits events with
// POSTs, and may upgrade to a websocket by presenting its session id there.
type PollingServer struct {
	gateway *relay.Gateway
	cfg     Config
	logger  *logger.Logger

	mu       sync.Mutex
	sessions map[string]*pollSession
}

// NewPollingServer creates the fallback transport.
func NewPollingServer(gw *relay.Gateway, cfg Config, log *logger.Logger) *PollingServer {
	return &PollingServer{
		gateway:  gw,
		cfg:      cfg,
		logger:   log,
		sessions: make(map[string]*pollSession),
	}
}

type openResponse struct {
	SID            string `json:"sid"`
	PingIntervalMs int64  `json:"pingInterval"`
	PingTimeoutMs  int64  `json:"pingTimeout"`
	UpgradeMs      int64  `json:"upgradeTimeout"`
}

// HandleOpen creates a new polling session. POST /socket/polling
func (p *PollingServer) HandleOpen(w http.ResponseWriter, r *http.Request) {
	if !p.cfg.originAllowed(r.Header.Get("Origin")) {
		http.Error(w, `{"error":"origin not allowed"}`, http.StatusForbidden)
		return
	}

	sess := &pollSession{
		id:        uuid.New().String(),
		notify:    make(chan struct{}, 1),
		lastSeen:  time.Now(),
		createdAt: time.Now(),
	}
	p.mu.Lock()
	p.sessions[sess.id] = sess
	p.mu.Unlock()

	p.gateway.HandleConnect(sess)
	metrics.PollingSessionsActive.Inc()
	p.logger.Debug("polling session opened", zap.String("sid", sess.id))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(openResponse{
		SID:            sess.id,
		PingIntervalMs: p.cfg.PingInterval.Milliseconds(),
		PingTimeoutMs:  p.cfg.PingTimeout.Milliseconds(),
		UpgradeMs:      p.cfg.UpgradeTimeout.Milliseconds(),
	})
}

// HandlePoll drains queued events, holding the request up to one ping
// interval when the queue is empty. GET /socket/polling?sid=
func (p *PollingServer) HandlePoll(w http.ResponseWriter, r *http.Request) {
	sess := p.lookup(r)
	if sess == nil {
		http.Error(w, `{"error":"unknown session"}`, http.StatusNotFound)
		return
	}
	sess.touch()

	frames := sess.drain()
	if len(frames) == 0 {
		wait := time.NewTimer(p.cfg.PingInterval)
		defer wait.Stop()
	hold:
		for {
			select {
			case <-sess.notify:
				// A stale signal can remain after an earlier drain; only a
				// non-empty queue ends the hold.
				if frames = sess.drain(); len(frames) > 0 {
					break hold
				}
			case <-wait.C:
				break hold
			case <-r.Context().Done():
				return
			}
		}
	}
	sess.touch()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(frames)
}

// HandleSubmit accepts one inbound frame or an array of frames and dispatches
// them in order. POST /socket/polling?sid=
func (p *PollingServer) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	sess := p.lookup(r)
	if sess == nil {
		http.Error(w, `{"error":"unknown session"}`, http.StatusNotFound)
		return
	}
	sess.touch()

	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}

	frames := []json.RawMessage{body}
	if len(body) > 0 && body[0] == '[' {
		frames = nil
		if err := json.Unmarshal(body, &frames); err != nil {
			http.Error(w, `{"error":"invalid batch"}`, http.StatusBadRequest)
			return
		}
	}

	ctx := context.WithoutCancel(r.Context())
	for _, frame := range frames {
		p.gateway.Dispatch(ctx, sess, frame)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleClose explicitly ends a session. DELETE /socket/polling?sid=
func (p *PollingServer) HandleClose(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	if sid == "" {
		http.Error(w, `{"error":"missing sid"}`, http.StatusBadRequest)
		return
	}
	p.EndSession(context.WithoutCancel(r.Context()), sid)
	w.WriteHeader(http.StatusNoContent)
}

// EndSession removes a session and runs the standard disconnect path. Safe to
// call for unknown ids.
func (p *PollingServer) EndSession(ctx context.Context, sid string) {
	p.mu.Lock()
	sess, ok := p.sessions[sid]
	delete(p.sessions, sid)
	p.mu.Unlock()
	if !ok {
		return
	}
	sess.Close()
	p.gateway.HandleDisconnect(ctx, sess)
	metrics.PollingSessionsActive.Dec()
	p.logger.Debug("polling session ended", zap.String("sid", sid))
}

// Run expires sessions that missed their heartbeat window, and
// never-authenticated sessions that outlived the upgrade timeout. Blocks
// until ctx is cancelled.
func (p *PollingServer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			p.mu.Lock()
			var expired []string
			for sid, sess := range p.sessions {
				idle := now.Sub(sess.seen())
				_, joined := p.gateway.JoinedUser(sid)
				switch {
				case idle > p.cfg.PingTimeout:
					expired = append(expired, sid)
				case !joined && now.Sub(sess.createdAt) > p.cfg.UpgradeTimeout:
					expired = append(expired, sid)
				}
			}
			p.mu.Unlock()
			for _, sid := range expired {
				p.logger.Info("polling session expired", zap.String("sid", sid))
				p.EndSession(ctx, sid)
			}
		}
	}
}

// SessionCount returns the number of live polling sessions.
func (p *PollingServer) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *PollingServer) lookup(r *http.Request) *pollSession {
	sid := r.URL.Query().Get("sid")
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[sid]
}

// pollSession is the Conn implementation for the fallback mode: an outbound
// queue drained by held GET requests. Its id doubles as the wire-visible sid.
type pollSession struct {
	id        string
	createdAt time.Time

	mu       sync.Mutex
	queue    []json.RawMessage
	lastSeen time.Time
	closed   bool

	notify chan struct{}
}

func (s *pollSession) ID() string { return s.id }

func (s *pollSession) Send(event string, data any) error {
	frame, err := model.Encode(event, data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	s.queue = append(s.queue, frame)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *pollSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	return nil
}

func (s *pollSession) drain() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.queue
	s.queue = nil
	if frames == nil {
		frames = []json.RawMessage{}
	}
	return frames
}

func (s *pollSession) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *pollSession) seen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}
