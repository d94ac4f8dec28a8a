// ABOUTME: Tests for the Control ID terminal driver in both transport modes.
// ABOUTME: Agent mode uses a fake commander; direct mode uses an httptest device.

package device

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeCommander records relayed commands and plays back canned results.
type fakeCommander struct {
	mu        sync.Mutex
	calls     []commandCall
	results   map[string]json.RawMessage
	err       error
	connected bool
}

type commandCall struct {
	agentID string
	action  string
	data    any
	timeout time.Duration
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{
		results:   make(map[string]json.RawMessage),
		connected: true,
	}
}

func (f *fakeCommander) SendCommand(_ context.Context, agentID, action string, data any, timeout time.Duration) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, commandCall{agentID: agentID, action: action, data: data, timeout: timeout})
	if f.err != nil {
		return nil, f.err
	}
	return f.results[action], nil
}

func (f *fakeCommander) IsConnected(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeCommander) lastCall(t *testing.T) commandCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("no commands relayed")
	}
	return f.calls[len(f.calls)-1]
}

func newAgentControlID(t *testing.T, cmd Commander) *ControlID {
	t.Helper()
	c, err := NewControlID(ControlIDConfig{Mode: ModeAgent, AgentID: "gym-1"}, cmd, slog.Default())
	if err != nil {
		t.Fatalf("NewControlID: %v", err)
	}
	return c
}

func TestNewControlID(t *testing.T) {
	t.Run("agent mode requires agent id", func(t *testing.T) {
		if _, err := NewControlID(ControlIDConfig{Mode: ModeAgent}, nil, slog.Default()); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("direct mode requires ip", func(t *testing.T) {
		if _, err := NewControlID(ControlIDConfig{Mode: ModeDirect}, nil, slog.Default()); err == nil {
			t.Error("expected error")
		}
	})
}

func TestControlIDAgentMode(t *testing.T) {
	ctx := context.Background()

	t.Run("login relays and caches session", func(t *testing.T) {
		cmd := newFakeCommander()
		cmd.results["login"] = []byte(`"sess-123"`)
		c := newAgentControlID(t, cmd)

		session, err := c.Login(ctx)
		if err != nil {
			t.Fatalf("Login: %v", err)
		}
		if session != "sess-123" {
			t.Errorf("session = %s", session)
		}
		call := cmd.lastCall(t)
		if call.agentID != "gym-1" || call.action != "login" {
			t.Errorf("unexpected call: %+v", call)
		}
	})

	t.Run("createUser sends registration payload", func(t *testing.T) {
		cmd := newFakeCommander()
		cmd.results["createUser"] = []byte(`17`)
		c := newAgentControlID(t, cmd)

		userID, err := c.CreateUser(ctx, "Maria Silva", "2026-0042", 0)
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		if userID != 17 {
			t.Errorf("userID = %d", userID)
		}

		call := cmd.lastCall(t)
		payload := call.data.(map[string]any)
		if payload["name"] != "Maria Silva" || payload["registration"] != "2026-0042" {
			t.Errorf("unexpected payload: %v", payload)
		}
		if payload["groupId"] != 1 {
			t.Errorf("default group not applied: %v", payload["groupId"])
		}
	})

	t.Run("enrollFace decodes the terminal result", func(t *testing.T) {
		cmd := newFakeCommander()
		cmd.results["enrollFace"] = []byte(`{"success":true,"user_id":17}`)
		c := newAgentControlID(t, cmd)

		result, err := c.EnrollFace(ctx, 17)
		if err != nil {
			t.Fatalf("EnrollFace: %v", err)
		}
		if !result.Success || result.UserID != 17 {
			t.Errorf("unexpected result: %+v", result)
		}
	})

	t.Run("uploadFaceImage relays the encoded photo", func(t *testing.T) {
		cmd := newFakeCommander()
		cmd.results["uploadFaceImage"] = []byte(`{"success":true}`)
		c := newAgentControlID(t, cmd)

		result, err := c.UploadFaceImage(ctx, 17, []byte("fake-jpeg"))
		if err != nil {
			t.Fatalf("UploadFaceImage: %v", err)
		}
		if !result.Success {
			t.Errorf("unexpected result: %+v", result)
		}

		call := cmd.lastCall(t)
		if call.action != "uploadFaceImage" {
			t.Errorf("action = %s", call.action)
		}
		payload := call.data.(map[string]any)
		if payload["userId"] != 17 {
			t.Errorf("userId = %v", payload["userId"])
		}
		if payload["imageBase64"] != "ZmFrZS1qcGVn" {
			t.Errorf("imageBase64 = %v", payload["imageBase64"])
		}
	})

	t.Run("getUserImage decodes the stored photo", func(t *testing.T) {
		cmd := newFakeCommander()
		cmd.results["getUserImage"] = []byte(`{"timestamp":1700000000,"image":"ZmFrZS1qcGVn"}`)
		c := newAgentControlID(t, cmd)

		img, err := c.GetUserImage(ctx, 17)
		if err != nil {
			t.Fatalf("GetUserImage: %v", err)
		}
		if img.Timestamp != 1700000000 || img.Image != "ZmFrZS1qcGVn" {
			t.Errorf("unexpected image: %+v", img)
		}
	})

	t.Run("listUsersWithFaces decodes the face list", func(t *testing.T) {
		cmd := newFakeCommander()
		cmd.results["listUsersWithFaces"] = []byte(`[{"user_id":17,"timestamp":1700000000}]`)
		c := newAgentControlID(t, cmd)

		faces, err := c.ListUsersWithFaces(ctx)
		if err != nil {
			t.Fatalf("ListUsersWithFaces: %v", err)
		}
		if len(faces) != 1 || faces[0].UserID != 17 {
			t.Errorf("unexpected faces: %+v", faces)
		}
	})

	t.Run("removeUserFace relays the user id", func(t *testing.T) {
		cmd := newFakeCommander()
		cmd.results["removeUserFace"] = []byte(`true`)
		c := newAgentControlID(t, cmd)

		if err := c.RemoveUserFace(ctx, 17); err != nil {
			t.Fatalf("RemoveUserFace: %v", err)
		}
		call := cmd.lastCall(t)
		if call.action != "removeUserFace" {
			t.Errorf("action = %s", call.action)
		}
		if payload := call.data.(map[string]any); payload["userId"] != 17 {
			t.Errorf("userId = %v", payload["userId"])
		}
	})

	t.Run("checkStatus is false when agent offline", func(t *testing.T) {
		cmd := newFakeCommander()
		cmd.connected = false
		c := newAgentControlID(t, cmd)

		if c.CheckStatus(ctx) {
			t.Error("expected offline status")
		}
		cmd.mu.Lock()
		defer cmd.mu.Unlock()
		if len(cmd.calls) != 0 {
			t.Error("command relayed despite offline agent")
		}
	})

	t.Run("relay errors propagate", func(t *testing.T) {
		cmd := newFakeCommander()
		cmd.err = errors.New("agent not connected")
		c := newAgentControlID(t, cmd)

		if _, err := c.LoadAccessLogs(ctx); err == nil {
			t.Error("expected error")
		}
		if err := c.BlockUserAccess(ctx, 17); err == nil {
			t.Error("expected error")
		}
	})
}

// fakeTerminal implements just enough of the Control ID .fcgi API.
type fakeTerminal struct {
	mu            sync.Mutex
	logins        int
	paths         []string
	uploadedImage []byte
}

func (ft *fakeTerminal) handler() http.Handler {
	mux := http.NewServeMux()
	record := func(r *http.Request) {
		ft.mu.Lock()
		ft.paths = append(ft.paths, r.URL.Path)
		ft.mu.Unlock()
	}

	mux.HandleFunc("POST /login.fcgi", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		ft.mu.Lock()
		ft.logins++
		ft.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"session": "direct-sess"})
	})
	mux.HandleFunc("POST /create_objects.fcgi", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		if r.URL.Query().Get("session") != "direct-sess" {
			http.Error(w, "bad session", http.StatusUnauthorized)
			return
		}
		var req struct {
			Object string `json:"object"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Object == "users" {
			json.NewEncoder(w).Encode(map[string]any{"ids": []int{42}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{})
	})
	mux.HandleFunc("POST /user_set_image.fcgi", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		if r.Header.Get("Content-Type") != "application/octet-stream" {
			http.Error(w, "expected raw image bytes", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		ft.mu.Lock()
		ft.uploadedImage = body
		ft.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	mux.HandleFunc("GET /user_get_image.fcgi", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		json.NewEncoder(w).Encode(map[string]any{"timestamp": 1700000000, "image": "ZmFrZS1qcGVn"})
	})
	mux.HandleFunc("GET /user_list_images.fcgi", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		json.NewEncoder(w).Encode(map[string]any{
			"image_info": []map[string]any{{"user_id": 42, "timestamp": 1700000000}},
		})
	})
	mux.HandleFunc("POST /user_remove_image.fcgi", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		var req struct {
			UserID int `json:"user_id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.UserID == 0 {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{})
	})
	mux.HandleFunc("POST /load_objects.fcgi", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		json.NewEncoder(w).Encode(map[string]any{
			"access_logs": []map[string]any{{"id": 1, "user_id": 42, "event": 7, "time": 1700000000}},
		})
	})
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newDirectControlID(t *testing.T) (*ControlID, *fakeTerminal) {
	t.Helper()
	terminal := &fakeTerminal{}
	ts := httptest.NewServer(terminal.handler())
	t.Cleanup(ts.Close)

	host, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	if err != nil {
		t.Fatalf("parsing test server address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	c, err := NewControlID(ControlIDConfig{Mode: ModeDirect, IP: host, Port: port}, nil, slog.Default())
	if err != nil {
		t.Fatalf("NewControlID: %v", err)
	}
	return c, terminal
}

func TestControlIDDirectMode(t *testing.T) {
	ctx := context.Background()

	t.Run("login returns the device session", func(t *testing.T) {
		c, _ := newDirectControlID(t)
		session, err := c.Login(ctx)
		if err != nil {
			t.Fatalf("Login: %v", err)
		}
		if session != "direct-sess" {
			t.Errorf("session = %s", session)
		}
	})

	t.Run("createUser logs in once and reuses the session", func(t *testing.T) {
		c, terminal := newDirectControlID(t)

		userID, err := c.CreateUser(ctx, "Maria Silva", "2026-0042", 1)
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		if userID != 42 {
			t.Errorf("userID = %d", userID)
		}

		if _, err := c.LoadAccessLogs(ctx); err != nil {
			t.Fatalf("LoadAccessLogs: %v", err)
		}

		terminal.mu.Lock()
		defer terminal.mu.Unlock()
		if terminal.logins != 1 {
			t.Errorf("logins = %d, want 1", terminal.logins)
		}
	})

	t.Run("checkStatus reaches the device", func(t *testing.T) {
		c, _ := newDirectControlID(t)
		if !c.CheckStatus(ctx) {
			t.Error("expected reachable device")
		}
	})

	t.Run("loadAccessLogs decodes entries", func(t *testing.T) {
		c, _ := newDirectControlID(t)
		logs, err := c.LoadAccessLogs(ctx)
		if err != nil {
			t.Fatalf("LoadAccessLogs: %v", err)
		}
		if len(logs) != 1 || logs[0].UserID != 42 {
			t.Errorf("unexpected logs: %+v", logs)
		}
	})

	t.Run("uploadFaceImage posts raw bytes", func(t *testing.T) {
		c, terminal := newDirectControlID(t)

		result, err := c.UploadFaceImage(ctx, 42, []byte("fake-jpeg"))
		if err != nil {
			t.Fatalf("UploadFaceImage: %v", err)
		}
		if !result.Success {
			t.Errorf("unexpected result: %+v", result)
		}

		terminal.mu.Lock()
		defer terminal.mu.Unlock()
		if string(terminal.uploadedImage) != "fake-jpeg" {
			t.Errorf("device received %q", terminal.uploadedImage)
		}
	})

	t.Run("getUserImage decodes the stored photo", func(t *testing.T) {
		c, _ := newDirectControlID(t)
		img, err := c.GetUserImage(ctx, 42)
		if err != nil {
			t.Fatalf("GetUserImage: %v", err)
		}
		if img.Timestamp != 1700000000 || img.Image != "ZmFrZS1qcGVn" {
			t.Errorf("unexpected image: %+v", img)
		}
	})

	t.Run("listUsersWithFaces unwraps image_info", func(t *testing.T) {
		c, _ := newDirectControlID(t)
		faces, err := c.ListUsersWithFaces(ctx)
		if err != nil {
			t.Fatalf("ListUsersWithFaces: %v", err)
		}
		if len(faces) != 1 || faces[0].UserID != 42 {
			t.Errorf("unexpected faces: %+v", faces)
		}
	})

	t.Run("removeUserFace sends the user id", func(t *testing.T) {
		c, _ := newDirectControlID(t)
		if err := c.RemoveUserFace(ctx, 42); err != nil {
			t.Fatalf("RemoveUserFace: %v", err)
		}
	})
}
