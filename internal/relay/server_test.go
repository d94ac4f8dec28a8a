// ABOUTME: End-to-end tests for the WebSocket server using real connections
// ABOUTME: against an httptest server and the gorilla dialer.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// allowAuth accepts any credentials. denyAuth rejects them all.
type allowAuth struct{}

func (allowAuth) Authenticate(context.Context, string, string) error { return nil }

type denyAuth struct{}

func (denyAuth) Authenticate(context.Context, string, string) error {
	return errors.New("bad token")
}

type recordedEvents struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
}

func (r *recordedEvents) AgentConnected(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, agentID)
}

func (r *recordedEvents) AgentDisconnected(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, agentID)
}

type serverFixture struct {
	table  *Table
	reg    *Registry
	server *Server
	client *Client
	events *recordedEvents
	url    string
}

func newServerFixture(t *testing.T, auth Authenticator, cfg ServerConfig) *serverFixture {
	t.Helper()
	logger := slog.Default()
	table := NewTable(logger)
	reg := NewRegistry(table, logger)
	events := &recordedEvents{}
	srv := NewServer(reg, table, auth, events, cfg, logger)

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleAgent))
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Shutdown)

	return &serverFixture{
		table:  table,
		reg:    reg,
		server: srv,
		client: NewClient(reg, table, srv, time.Second, logger),
		events: events,
		url:    "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

// dialAgent connects and completes the identify handshake.
func dialAgent(t *testing.T, url, agentID string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	if err := ws.WriteJSON(&Frame{Type: FrameIdentify, AgentID: agentID, Token: "tok"}); err != nil {
		t.Fatalf("identify: %v", err)
	}
	var welcome Frame
	if err := ws.ReadJSON(&welcome); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	if welcome.Type != FrameWelcome || welcome.AgentID != agentID {
		t.Fatalf("unexpected welcome: %+v", welcome)
	}
	return ws
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestServerHandshake(t *testing.T) {
	t.Run("identify then welcome registers the agent", func(t *testing.T) {
		fx := newServerFixture(t, allowAuth{}, ServerConfig{})
		dialAgent(t, fx.url, "gym-1")

		waitFor(t, func() bool { return fx.reg.IsConnected("gym-1") }, "agent never registered")
		fx.events.mu.Lock()
		defer fx.events.mu.Unlock()
		if len(fx.events.connected) != 1 || fx.events.connected[0] != "gym-1" {
			t.Errorf("connected events: %v", fx.events.connected)
		}
	})

	t.Run("rejects bad credentials", func(t *testing.T) {
		fx := newServerFixture(t, denyAuth{}, ServerConfig{})
		ws, _, err := websocket.DefaultDialer.Dial(fx.url, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer ws.Close()

		if err := ws.WriteJSON(&Frame{Type: FrameIdentify, AgentID: "gym-1", Token: "wrong"}); err != nil {
			t.Fatalf("identify: %v", err)
		}

		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		var f Frame
		if err := ws.ReadJSON(&f); err == nil {
			t.Fatalf("expected close, got frame: %+v", f)
		}
		if fx.reg.IsConnected("gym-1") {
			t.Error("rejected agent is registered")
		}
	})

	t.Run("rejects a first frame that is not identify", func(t *testing.T) {
		fx := newServerFixture(t, allowAuth{}, ServerConfig{})
		ws, _, err := websocket.DefaultDialer.Dial(fx.url, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer ws.Close()

		if err := ws.WriteJSON(&Frame{Type: FrameResponse, RequestID: "x"}); err != nil {
			t.Fatalf("write: %v", err)
		}

		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		var f Frame
		if err := ws.ReadJSON(&f); err == nil {
			t.Fatalf("expected close, got frame: %+v", f)
		}
	})

	t.Run("closes a connection that never identifies", func(t *testing.T) {
		fx := newServerFixture(t, allowAuth{}, ServerConfig{IdentifyTimeout: 50 * time.Millisecond})
		ws, _, err := websocket.DefaultDialer.Dial(fx.url, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer ws.Close()

		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := ws.ReadMessage(); err == nil {
			t.Fatal("expected the server to drop the silent connection")
		}
	})
}

func TestServerCommandRoundTrip(t *testing.T) {
	fx := newServerFixture(t, allowAuth{}, ServerConfig{})
	ws := dialAgent(t, fx.url, "gym-1")
	waitFor(t, func() bool { return fx.reg.IsConnected("gym-1") }, "agent never registered")

	// The fake agent answers one command.
	go func() {
		var cmd Frame
		if err := ws.ReadJSON(&cmd); err != nil {
			return
		}
		result, _ := json.Marshal(map[string]any{"ids": []int{7}})
		_ = ws.WriteJSON(&Frame{Type: FrameResponse, RequestID: cmd.RequestID, Result: result})
	}()

	result, err := fx.client.SendCommand(context.Background(), "gym-1", "createUser",
		map[string]any{"userId": 7}, 2*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != `{"ids":[7]}` {
		t.Errorf("wrong result: %s", result)
	}
}

func TestServerErrorFrame(t *testing.T) {
	fx := newServerFixture(t, allowAuth{}, ServerConfig{})
	ws := dialAgent(t, fx.url, "gym-1")
	waitFor(t, func() bool { return fx.reg.IsConnected("gym-1") }, "agent never registered")

	go func() {
		var cmd Frame
		if err := ws.ReadJSON(&cmd); err != nil {
			return
		}
		_ = ws.WriteJSON(&Frame{Type: FrameError, RequestID: cmd.RequestID, Error: "catraca offline"})
	}()

	_, err := fx.client.SendCommand(context.Background(), "gym-1", "checkStatus", nil, 2*time.Second)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Message != "catraca offline" {
		t.Errorf("wrong message: %s", remote.Message)
	}
}

func TestServerMalformedFrameSurvives(t *testing.T) {
	fx := newServerFixture(t, allowAuth{}, ServerConfig{})
	ws := dialAgent(t, fx.url, "gym-1")
	waitFor(t, func() bool { return fx.reg.IsConnected("gym-1") }, "agent never registered")

	// Garbage and unknown frame types must not kill the connection.
	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json{")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ws.WriteJSON(&Frame{Type: "telemetry"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	go func() {
		var cmd Frame
		if err := ws.ReadJSON(&cmd); err != nil {
			return
		}
		_ = ws.WriteJSON(&Frame{Type: FrameResponse, RequestID: cmd.RequestID, Result: []byte(`true`)})
	}()

	result, err := fx.client.SendCommand(context.Background(), "gym-1", "checkStatus", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("connection did not survive malformed frames: %v", err)
	}
	if string(result) != "true" {
		t.Errorf("wrong result: %s", result)
	}
}

func TestServerSupersede(t *testing.T) {
	fx := newServerFixture(t, allowAuth{}, ServerConfig{})

	first := dialAgent(t, fx.url, "gym-1")
	waitFor(t, func() bool { return fx.reg.IsConnected("gym-1") }, "agent never registered")
	firstConn := fx.reg.Get("gym-1")

	second := dialAgent(t, fx.url, "gym-1")
	waitFor(t, func() bool { return fx.reg.Get("gym-1") != firstConn }, "new connection never took over")

	// The first socket is closed by the server.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Error("superseded socket still readable")
	}

	// The replacement serves commands.
	go func() {
		var cmd Frame
		if err := second.ReadJSON(&cmd); err != nil {
			return
		}
		_ = second.WriteJSON(&Frame{Type: FrameResponse, RequestID: cmd.RequestID, Result: []byte(`"alive"`)})
	}()

	result, err := fx.client.SendCommand(context.Background(), "gym-1", "checkStatus", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != `"alive"` {
		t.Errorf("wrong result: %s", result)
	}
}

func TestServerDisconnectCascade(t *testing.T) {
	fx := newServerFixture(t, allowAuth{}, ServerConfig{})
	ws := dialAgent(t, fx.url, "gym-1")
	waitFor(t, func() bool { return fx.reg.IsConnected("gym-1") }, "agent never registered")

	go func() {
		var cmd Frame
		if err := ws.ReadJSON(&cmd); err != nil {
			return
		}
		// Hang up instead of answering.
		ws.Close()
	}()

	_, err := fx.client.SendCommand(context.Background(), "gym-1", "enrollFace", nil, 5*time.Second)
	if !errors.Is(err, ErrAgentDisconnected) {
		t.Fatalf("expected ErrAgentDisconnected, got %v", err)
	}

	waitFor(t, func() bool { return !fx.reg.IsConnected("gym-1") }, "agent never unregistered")
	fx.events.mu.Lock()
	defer fx.events.mu.Unlock()
	if len(fx.events.disconnected) != 1 {
		t.Errorf("disconnected events: %v", fx.events.disconnected)
	}
}
