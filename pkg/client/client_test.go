package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pawpal/chat-relay/internal/model"
)

// relayStub is a minimal server-side peer: it upgrades, answers join_app with
// an online snapshot, and lets tests push arbitrary frames to the client.
type relayStub struct {
	srv      *httptest.Server
	upgrades atomic.Int32
	online   []string

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newRelayStub(t *testing.T, online []string) *relayStub {
	t.Helper()
	stub := &relayStub{online: online}
	upgrader := websocket.Upgrader{}
	stub.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		stub.upgrades.Add(1)
		stub.mu.Lock()
		stub.conns = append(stub.conns, sock)
		stub.mu.Unlock()
		for {
			_, frame, err := sock.ReadMessage()
			if err != nil {
				return
			}
			var env model.Envelope
			if json.Unmarshal(frame, &env) != nil {
				continue
			}
			if env.Event == model.EventJoinApp {
				out, _ := model.Encode(model.EventOnlineUsersList, stub.online)
				sock.WriteMessage(websocket.TextMessage, out)
			}
		}
	}))
	t.Cleanup(stub.srv.Close)
	return stub
}

func (s *relayStub) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *relayStub) push(t *testing.T, event string, data any) {
	t.Helper()
	frame, err := model.Encode(event, data)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		t.Fatal("no connection to push to")
	}
	if err := s.conns[len(s.conns)-1].WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("push %s: %v", event, err)
	}
}

func TestConnectCompletesHandshake(t *testing.T) {
	stub := newRelayStub(t, []string{"10", "20"})
	c := New(Config{URL: stub.url(), UserID: "10"}, Handlers{})

	if c.State() != StateDisconnected {
		t.Fatalf("initial state = %v, want DISCONNECTED", c.State())
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.Ready() {
		t.Fatal("client not ready after handshake")
	}
	got := c.OnlineUsers()
	if len(got) != 2 || got[0] != "10" || got[1] != "20" {
		t.Fatalf("OnlineUsers = %v, want [10 20]", got)
	}
}

func TestSendBeforeReadyFails(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/socket", UserID: "10"}, Handlers{})
	if err := c.SendMessage(&SendMessageRequest{}); err != ErrNotReady {
		t.Fatalf("SendMessage before connect = %v, want ErrNotReady", err)
	}
	if err := c.SetCurrentChat("c1"); err != ErrNotReady {
		t.Fatalf("SetCurrentChat before connect = %v, want ErrNotReady", err)
	}
}

func TestConcurrentConnectIsSingleFlight(t *testing.T) {
	stub := newRelayStub(t, []string{"10"})
	c := New(Config{URL: stub.url(), UserID: "10"}, Handlers{})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Connect %d: %v", i, err)
		}
	}
	if n := stub.upgrades.Load(); n != 1 {
		t.Fatalf("server saw %d upgrades, want 1", n)
	}
}

func TestConnectRetriesAreBounded(t *testing.T) {
	// A closed listener gives an immediate refusal on every attempt.
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	c := New(Config{
		URL:           url,
		UserID:        "10",
		RetryAttempts: 2,
		RetryBackoff:  10 * time.Millisecond,
	}, Handlers{})

	start := time.Now()
	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect against dead server succeeded")
	}
	if !strings.Contains(err.Error(), "3 attempts") {
		t.Fatalf("error = %v, want it to report 3 attempts", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("retries finished in %v, backoff not applied", elapsed)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state after failed connect = %v, want DISCONNECTED", c.State())
	}
}

func TestHandshakeTimeout(t *testing.T) {
	// The server upgrades but never acknowledges the join.
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := sock.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := New(Config{
		URL:              "ws" + strings.TrimPrefix(srv.URL, "http"),
		UserID:           "10",
		HandshakeTimeout: 50 * time.Millisecond,
	}, Handlers{})

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded without a join acknowledgment")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state = %v, want DISCONNECTED", c.State())
	}
}

func TestDispatchCallbacksAndPresenceCache(t *testing.T) {
	stub := newRelayStub(t, []string{"10"})

	deliveries := make(chan DeliveryPayload, 1)
	unreads := make(chan UnreadUpdate, 1)
	onlines := make(chan string, 1)
	offlines := make(chan string, 1)
	c := New(Config{URL: stub.url(), UserID: "10"}, Handlers{
		OnReceiveMessage: func(p DeliveryPayload) { deliveries <- p },
		OnUnreadUpdate:   func(u UnreadUpdate) { unreads <- u },
		OnUserOnline:     func(id string) { onlines <- id },
		OnUserOffline:    func(id string) { offlines <- id },
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	stub.push(t, model.EventUserOnline, "20")
	select {
	case id := <-onlines:
		if id != "20" {
			t.Fatalf("OnUserOnline(%q), want 20", id)
		}
	case <-time.After(time.Second):
		t.Fatal("OnUserOnline not called")
	}
	if got := c.OnlineUsers(); len(got) != 2 {
		t.Fatalf("OnlineUsers = %v after user_online, want 2 entries", got)
	}

	stub.push(t, model.EventReceiveMessage, &DeliveryPayload{
		ID: "m1", ConversationID: "c1", SenderID: "20", Content: "hi",
	})
	select {
	case p := <-deliveries:
		if p.ID != "m1" || p.Content != "hi" {
			t.Fatalf("delivery = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("OnReceiveMessage not called")
	}

	stub.push(t, model.EventUnreadUpdate, &UnreadUpdate{ConversationID: "c1", NewUnreadCount: 3})
	select {
	case u := <-unreads:
		if u.NewUnreadCount != 3 {
			t.Fatalf("unread = %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("OnUnreadUpdate not called")
	}

	stub.push(t, model.EventUserOffline, "20")
	select {
	case <-offlines:
	case <-time.After(time.Second):
		t.Fatal("OnUserOffline not called")
	}
	if got := c.OnlineUsers(); len(got) != 1 || got[0] != "10" {
		t.Fatalf("OnlineUsers = %v after user_offline, want [10]", got)
	}
}

func TestDisconnectClearsCachedState(t *testing.T) {
	stub := newRelayStub(t, []string{"10"})
	disconnected := make(chan error, 1)
	c := New(Config{URL: stub.url(), UserID: "10"}, Handlers{
		OnDisconnect: func(err error) { disconnected <- err },
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.SetCurrentChat("c1"); err != nil {
		t.Fatalf("SetCurrentChat: %v", err)
	}
	if c.CurrentChat() != "c1" {
		t.Fatalf("CurrentChat = %q, want c1", c.CurrentChat())
	}

	c.Disconnect()
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("OnDisconnect not called")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state = %v, want DISCONNECTED", c.State())
	}
	if got := c.OnlineUsers(); len(got) != 0 {
		t.Fatalf("OnlineUsers = %v after disconnect, want empty", got)
	}
	if c.CurrentChat() != "" {
		t.Fatalf("CurrentChat = %q after disconnect, want empty", c.CurrentChat())
	}
	if err := c.SendMessage(&SendMessageRequest{}); err != ErrNotReady {
		t.Fatalf("SendMessage after disconnect = %v, want ErrNotReady", err)
	}
}

func TestEnsureConnectedReconnects(t *testing.T) {
	stub := newRelayStub(t, []string{"10"})
	c := New(Config{URL: stub.url(), UserID: "10"}, Handlers{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected while live: %v", err)
	}
	if n := stub.upgrades.Load(); n != 1 {
		t.Fatalf("EnsureConnected on a live client dialed again (%d upgrades)", n)
	}

	c.Disconnect()
	if err := c.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected after disconnect: %v", err)
	}
	if !c.Ready() {
		t.Fatal("client not ready after reconnect")
	}
	if n := stub.upgrades.Load(); n != 2 {
		t.Fatalf("server saw %d upgrades, want 2", n)
	}
}
