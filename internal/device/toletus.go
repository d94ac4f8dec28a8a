// ABOUTME: Driver for Toletus HUB turnstile controllers (LiteNet devices).
// ABOUTME: All operations relay through the site agent; the hub is LAN-only.

package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ToletusDevice describes one turnstile attached to the site's hub.
type ToletusDevice struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Type      string `json:"type"` // LiteNet1, LiteNet2, LiteNet3
	Connected bool   `json:"connected"`
}

// FlowMode encodes how the turnstile treats each rotation direction. The
// firmware packs both directions into a single number.
type FlowMode int

const (
	FlowEntryControlledExitFree    FlowMode = 0
	FlowEntryControlledExitBlocked FlowMode = 1
	FlowBothControlled             FlowMode = 2
	FlowEntryFreeExitControlled    FlowMode = 3
	FlowBothFree                   FlowMode = 5
	FlowEntryFreeExitBlocked       FlowMode = 6
	FlowEntryBlockedExitFree       FlowMode = 7
	FlowBothBlocked                FlowMode = 8
)

// Releasing a turnstile may require the agent to discover and connect the
// device first, so these operations get a generous window.
const toletusReleaseTimeout = 60 * time.Second

// Toletus drives turnstiles through the site's Toletus HUB. Unlike the
// Control ID terminals the hub has no routable address, so there is no
// direct mode: every operation goes through the agent.
type Toletus struct {
	agentID   string
	commander Commander
	logger    *slog.Logger
}

// NewToletus creates a turnstile hub driver for the given site agent.
func NewToletus(agentID string, commander Commander, logger *slog.Logger) (*Toletus, error) {
	if agentID == "" {
		return nil, errors.New("toletus: agent id is required")
	}
	return &Toletus{
		agentID:   agentID,
		commander: commander,
		logger:    logger,
	}, nil
}

// DiscoverDevices asks the hub to scan its network for turnstiles.
func (t *Toletus) DiscoverDevices(ctx context.Context) ([]ToletusDevice, error) {
	return t.deviceList(ctx, "toletus_discoverDevices", 15*time.Second)
}

// GetDevices lists turnstiles currently connected to the hub.
func (t *Toletus) GetDevices(ctx context.Context) ([]ToletusDevice, error) {
	return t.deviceList(ctx, "toletus_getDevices", 10*time.Second)
}

// ConnectDevice attaches the hub to a turnstile at ip.
func (t *Toletus) ConnectDevice(ctx context.Context, ip, deviceType string) error {
	_, err := t.send(ctx, "toletus_connectDevice", map[string]any{"ip": ip, "type": deviceType}, 30*time.Second)
	return err
}

// DisconnectDevice detaches the hub from a turnstile.
func (t *Toletus) DisconnectDevice(ctx context.Context, ip, deviceType string) error {
	_, err := t.send(ctx, "toletus_disconnectDevice", map[string]any{"ip": ip, "type": deviceType}, 30*time.Second)
	return err
}

// ReleaseEntry frees one entry rotation, showing message on the display.
func (t *Toletus) ReleaseEntry(ctx context.Context, device ToletusDevice, message string) (bool, error) {
	return t.release(ctx, "toletus_releaseEntry", device, message)
}

// ReleaseExit frees one exit rotation.
func (t *Toletus) ReleaseExit(ctx context.Context, device ToletusDevice, message string) (bool, error) {
	return t.release(ctx, "toletus_releaseExit", device, message)
}

// ReleaseEntryAndExit frees one rotation in either direction.
func (t *Toletus) ReleaseEntryAndExit(ctx context.Context, device ToletusDevice, message string) (bool, error) {
	return t.release(ctx, "toletus_releaseEntryAndExit", device, message)
}

// SetEntryClockwise configures the entry rotation direction. LiteNet2 only.
func (t *Toletus) SetEntryClockwise(ctx context.Context, device ToletusDevice, clockwise bool) error {
	_, err := t.send(ctx, "toletus_setEntryClockwise", map[string]any{
		"device":         device,
		"entryClockwise": clockwise,
	}, 30*time.Second)
	return err
}

// SetFlowControl switches the turnstile's passage mode, for example entry
// controlled with exit free. LiteNet2 only. Returns false when the hub
// refuses the mode.
func (t *Toletus) SetFlowControl(ctx context.Context, device ToletusDevice, mode FlowMode) (bool, error) {
	raw, err := t.send(ctx, "toletus_setFlowControl", map[string]any{
		"device":         device,
		"controlledFlow": mode,
	}, 30*time.Second)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil {
		return false, fmt.Errorf("decoding flow control result: %w", err)
	}
	return ok, nil
}

// SetWebhook points the hub's passage notifications at endpoint.
func (t *Toletus) SetWebhook(ctx context.Context, endpoint string) error {
	_, err := t.send(ctx, "toletus_setWebhook", map[string]any{"endpoint": endpoint}, 30*time.Second)
	return err
}

// CheckStatus reports whether the hub is reachable through the agent.
func (t *Toletus) CheckStatus(ctx context.Context) bool {
	if !t.commander.IsConnected(t.agentID) {
		return false
	}
	_, err := t.send(ctx, "toletus_checkStatus", struct{}{}, 5*time.Second)
	return err == nil
}

func (t *Toletus) release(ctx context.Context, action string, device ToletusDevice, message string) (bool, error) {
	raw, err := t.send(ctx, action, map[string]any{
		"device":  device,
		"message": message,
	}, toletusReleaseTimeout)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil {
		return false, fmt.Errorf("decoding release result: %w", err)
	}
	return ok, nil
}

func (t *Toletus) deviceList(ctx context.Context, action string, timeout time.Duration) ([]ToletusDevice, error) {
	raw, err := t.send(ctx, action, nil, timeout)
	if err != nil {
		return nil, err
	}
	var devices []ToletusDevice
	if err := json.Unmarshal(raw, &devices); err != nil {
		return nil, fmt.Errorf("decoding device list: %w", err)
	}
	return devices, nil
}

func (t *Toletus) send(ctx context.Context, action string, data any, timeout time.Duration) (json.RawMessage, error) {
	t.logger.Debug("relaying turnstile operation", "agent_id", t.agentID, "action", action)
	return t.commander.SendCommand(ctx, t.agentID, action, data, timeout)
}
