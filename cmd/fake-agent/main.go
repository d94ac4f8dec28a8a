// ABOUTME: Minimal fake site agent for E2E testing. Connects via WebSocket and
// ABOUTME: answers device commands with canned turnstile data.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gymline/relay-gateway/internal/relay"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/agent", "gateway agent endpoint")
	agentID := flag.String("id", "e2e-fake-agent", "agent ID")
	token := flag.String("token", "", "agent token (or RELAY_AGENT_TOKEN)")
	once := flag.Bool("once", false, "exit after the first disconnect instead of reconnecting")
	flag.Parse()

	if *token == "" {
		*token = os.Getenv("RELAY_AGENT_TOKEN")
	}
	if *token == "" {
		log.Fatal("no token: pass -token or set RELAY_AGENT_TOKEN")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	backoff := time.Second
	for {
		err := run(ctx, *url, *agentID, *token)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("session ended: %v", err)
		}
		if *once {
			if err != nil {
				os.Exit(1)
			}
			return
		}

		log.Printf("reconnecting in %s", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func run(ctx context.Context, url, agentID, token string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	// Identify
	if err := conn.WriteJSON(&relay.Frame{
		Type:    relay.FrameIdentify,
		AgentID: agentID,
		Token:   token,
		Version: "fake-agent/1.0",
	}); err != nil {
		return fmt.Errorf("failed to identify: %w", err)
	}

	// Receive welcome
	var welcome relay.Frame
	if err := conn.ReadJSON(&welcome); err != nil {
		return fmt.Errorf("failed to receive welcome: %w", err)
	}
	if welcome.Type != relay.FrameWelcome {
		return fmt.Errorf("expected welcome, got: %s", welcome.Type)
	}
	fmt.Fprintf(os.Stderr, "connected as %s\n", agentID)

	// Close the socket when the context ends so ReadJSON unblocks.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	// Command loop
	for {
		var frame relay.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("read error: %w", err)
		}

		if frame.Type != relay.FrameCommand {
			continue
		}

		log.Printf("received command [%s]: %s", frame.RequestID, frame.Action)

		reply := handleCommand(frame.Action, frame.Data)
		reply.RequestID = frame.RequestID
		if err := conn.WriteJSON(reply); err != nil {
			log.Printf("send response error: %v", err)
		}
	}
}

// handleCommand fakes the device-facing side of the agent. Results mirror what
// a real ControlID panel or Toletus hub would return for each action.
func handleCommand(action string, data json.RawMessage) *relay.Frame {
	result := func(v any) *relay.Frame {
		raw, err := json.Marshal(v)
		if err != nil {
			return &relay.Frame{Type: relay.FrameError, Error: err.Error()}
		}
		return &relay.Frame{Type: relay.FrameResponse, Result: raw}
	}

	switch action {
	case "login":
		return result("fake-session-0001")
	case "checkStatus":
		return result(true)
	case "createUser":
		// A real agent returns the terminal-assigned user ID.
		return result(1)
	case "enrollFace":
		// A real panel blocks until the person looks at the camera.
		time.Sleep(100 * time.Millisecond)
		return result(map[string]any{"success": true, "user_id": 1})
	case "uploadFaceImage":
		return result(map[string]any{"success": true, "scores": map[string]any{"quality": 0.93}})
	case "getUserImage":
		// A tiny stand-in for the base64 JPEG a real panel returns.
		return result(map[string]any{"timestamp": time.Now().Unix(), "image": "ZmFrZS1qcGVn"})
	case "listUsersWithFaces":
		return result([]map[string]any{
			{"user_id": 1, "timestamp": time.Now().Unix()},
		})
	case "blockUserAccess", "unblockUserAccess", "deleteUser", "removeUserFace":
		return result(true)
	case "loadAccessLogs":
		return result([]map[string]any{
			{"id": 1, "user_id": 1, "event": 7, "time": time.Now().Unix()},
		})
	case "toletus_discoverDevices", "toletus_getDevices":
		return result([]map[string]any{
			{"id": 1, "name": "Catraca 1", "ip": "192.168.0.50", "port": 7878, "type": "LiteNet2", "connected": true},
		})
	case "toletus_connectDevice", "toletus_disconnectDevice",
		"toletus_setEntryClockwise", "toletus_setWebhook", "toletus_setFlowControl":
		return result(true)
	case "toletus_releaseEntry", "toletus_releaseExit", "toletus_releaseEntryAndExit":
		return result(true)
	case "toletus_checkStatus":
		return result(map[string]any{"connected": true})
	default:
		return &relay.Frame{
			Type:  relay.FrameError,
			Error: fmt.Sprintf("unknown action: %s", action),
		}
	}
}
