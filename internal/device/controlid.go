// ABOUTME: Driver for Control ID facial recognition terminals.
// ABOUTME: Relays operations through the site agent or calls the device LAN API directly.

package device

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ControlIDConfig describes one Control ID terminal and how to reach it.
type ControlIDConfig struct {
	Mode Mode

	// AgentID targets the site agent when Mode is ModeAgent.
	AgentID string

	// IP, Port, Username, Password locate the terminal on its LAN when Mode
	// is ModeDirect.
	IP       string
	Port     int
	Username string
	Password string
}

// EnrollFaceResult is the terminal's answer to a face enrollment request.
type EnrollFaceResult struct {
	Success   bool   `json:"success"`
	UserID    int    `json:"user_id,omitempty"`
	UserImage string `json:"user_image,omitempty"`
	Error     string `json:"error,omitempty"`
}

// FaceImageResult is the terminal's verdict on an uploaded face photo. Scores
// and Errors carry whatever detail the firmware reports.
type FaceImageResult struct {
	Success bool            `json:"success"`
	Scores  json.RawMessage `json:"scores,omitempty"`
	Errors  json.RawMessage `json:"errors,omitempty"`
}

// UserImage is a face photo stored on the terminal. Image is base64 encoded.
type UserImage struct {
	Timestamp int64  `json:"timestamp"`
	Image     string `json:"image"`
}

// FaceInfo identifies a user with an enrolled face and when the photo was
// captured.
type FaceInfo struct {
	UserID    int   `json:"user_id"`
	Timestamp int64 `json:"timestamp"`
}

// AccessLog is one access event recorded by the terminal.
type AccessLog struct {
	ID     int   `json:"id"`
	UserID int   `json:"user_id"`
	Time   int64 `json:"time"`
	Event  int   `json:"event"`
}

// ControlID drives a Control ID facial terminal. In agent mode every
// operation becomes a relay command the site agent executes against the
// terminal; in direct mode the driver speaks the terminal's .fcgi HTTP API
// itself, maintaining the session the device hands out at login.
type ControlID struct {
	cfg       ControlIDConfig
	commander Commander
	http      *http.Client
	logger    *slog.Logger

	mu      sync.Mutex
	session string
}

// NewControlID creates a terminal driver. commander is required in agent
// mode and may be nil in direct mode.
func NewControlID(cfg ControlIDConfig, commander Commander, logger *slog.Logger) (*ControlID, error) {
	if cfg.Mode == ModeAgent && cfg.AgentID == "" {
		return nil, errors.New("controlid: agent mode requires an agent id")
	}
	if cfg.Mode == ModeDirect && cfg.IP == "" {
		return nil, errors.New("controlid: direct mode requires a device ip")
	}
	if cfg.Port == 0 {
		cfg.Port = 80
	}
	if cfg.Username == "" {
		cfg.Username = "admin"
	}
	if cfg.Password == "" {
		cfg.Password = "admin"
	}

	return &ControlID{
		cfg:       cfg,
		commander: commander,
		http:      &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
	}, nil
}

// Login authenticates against the terminal and caches the session.
func (c *ControlID) Login(ctx context.Context) (string, error) {
	if c.cfg.Mode == ModeAgent {
		raw, err := c.sendToAgent(ctx, "login", nil, 10*time.Second)
		if err != nil {
			return "", err
		}
		var session string
		if err := json.Unmarshal(raw, &session); err != nil {
			return "", fmt.Errorf("decoding session: %w", err)
		}
		c.setSession(session)
		return session, nil
	}

	var resp struct {
		Session string `json:"session"`
	}
	body := map[string]string{"login": c.cfg.Username, "password": c.cfg.Password}
	if err := c.post(ctx, "/login.fcgi", body, &resp); err != nil {
		return "", fmt.Errorf("controlid login: %w", err)
	}
	c.setSession(resp.Session)
	return resp.Session, nil
}

// CheckStatus reports whether the terminal is reachable.
func (c *ControlID) CheckStatus(ctx context.Context) bool {
	if c.cfg.Mode == ModeAgent {
		if !c.commander.IsConnected(c.cfg.AgentID) {
			return false
		}
		raw, err := c.sendToAgent(ctx, "checkStatus", struct{}{}, 5*time.Second)
		if err != nil {
			return false
		}
		var ok bool
		return json.Unmarshal(raw, &ok) == nil && ok
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// CreateUser registers a student on the terminal and links it to a group.
// Returns the terminal-assigned user ID.
func (c *ControlID) CreateUser(ctx context.Context, name, registration string, groupID int) (int, error) {
	if groupID == 0 {
		groupID = 1
	}

	if c.cfg.Mode == ModeAgent {
		raw, err := c.sendToAgent(ctx, "createUser", map[string]any{
			"name":         name,
			"registration": registration,
			"groupId":      groupID,
		}, 30*time.Second)
		if err != nil {
			return 0, err
		}
		var userID int
		if err := json.Unmarshal(raw, &userID); err != nil {
			return 0, fmt.Errorf("decoding user id: %w", err)
		}
		return userID, nil
	}

	session, err := c.ensureSession(ctx)
	if err != nil {
		return 0, err
	}

	var created struct {
		IDs []int `json:"ids"`
	}
	// The terminal assigns the ID; begin/end_time 0..max leaves access open.
	err = c.post(ctx, "/create_objects.fcgi?session="+session, map[string]any{
		"object": "users",
		"values": []map[string]any{{
			"name":         name,
			"registration": registration,
			"begin_time":   0,
			"end_time":     2147483647,
		}},
	}, &created)
	if err != nil {
		return 0, fmt.Errorf("controlid create user: %w", err)
	}
	if len(created.IDs) == 0 {
		return 0, errors.New("controlid create user: no id returned")
	}
	userID := created.IDs[0]

	if err := c.linkUserGroup(ctx, session, userID, groupID); err != nil {
		c.logger.Warn("linking user to group failed", "user_id", userID, "group_id", groupID, "error", err)
	}
	return userID, nil
}

// EnrollFace starts a face enrollment on the terminal for userID. The user
// stands in front of the terminal and the device captures for countdown
// seconds.
func (c *ControlID) EnrollFace(ctx context.Context, userID int) (*EnrollFaceResult, error) {
	if c.cfg.Mode == ModeAgent {
		raw, err := c.sendToAgent(ctx, "enrollFace", map[string]any{
			"userId":    userID,
			"save":      true,
			"sync":      true,
			"auto":      true,
			"countdown": 5,
		}, 30*time.Second)
		if err != nil {
			return nil, err
		}
		var result EnrollFaceResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decoding enroll result: %w", err)
		}
		return &result, nil
	}

	session, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	var result EnrollFaceResult
	err = c.post(ctx, "/remote_enroll.fcgi?session="+session, map[string]any{
		"type":      "face",
		"user_id":   userID,
		"save":      true,
		"sync":      true,
		"auto":      true,
		"countdown": 5,
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("controlid enroll face: %w", err)
	}
	return &result, nil
}

// UploadFaceImage registers a face for userID from an existing photo instead
// of a live capture. The terminal matches the photo against its liveness
// checks and reports the verdict.
func (c *ControlID) UploadFaceImage(ctx context.Context, userID int, image []byte) (*FaceImageResult, error) {
	timestamp := time.Now().Unix()

	if c.cfg.Mode == ModeAgent {
		raw, err := c.sendToAgent(ctx, "uploadFaceImage", map[string]any{
			"userId":      userID,
			"imageBase64": base64.StdEncoding.EncodeToString(image),
			"timestamp":   timestamp,
		}, 30*time.Second)
		if err != nil {
			return nil, err
		}
		var result FaceImageResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decoding upload result: %w", err)
		}
		return &result, nil
	}

	session, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	var result FaceImageResult
	path := fmt.Sprintf("/user_set_image.fcgi?user_id=%d&timestamp=%d&match=1&session=%s", userID, timestamp, session)
	if err := c.postRaw(ctx, path, image, &result); err != nil {
		return nil, fmt.Errorf("controlid upload face image: %w", err)
	}
	return &result, nil
}

// GetUserImage fetches the face photo stored for userID.
func (c *ControlID) GetUserImage(ctx context.Context, userID int) (*UserImage, error) {
	if c.cfg.Mode == ModeAgent {
		raw, err := c.sendToAgent(ctx, "getUserImage", map[string]any{"userId": userID}, 10*time.Second)
		if err != nil {
			return nil, err
		}
		var img UserImage
		if err := json.Unmarshal(raw, &img); err != nil {
			return nil, fmt.Errorf("decoding user image: %w", err)
		}
		return &img, nil
	}

	session, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	var img UserImage
	path := fmt.Sprintf("/user_get_image.fcgi?user_id=%d&get_timestamp=1&session=%s", userID, session)
	if err := c.get(ctx, path, &img); err != nil {
		return nil, fmt.Errorf("controlid get user image: %w", err)
	}
	return &img, nil
}

// ListUsersWithFaces lists every user that has an enrolled face.
func (c *ControlID) ListUsersWithFaces(ctx context.Context) ([]FaceInfo, error) {
	if c.cfg.Mode == ModeAgent {
		raw, err := c.sendToAgent(ctx, "listUsersWithFaces", nil, 10*time.Second)
		if err != nil {
			return nil, err
		}
		var faces []FaceInfo
		if err := json.Unmarshal(raw, &faces); err != nil {
			return nil, fmt.Errorf("decoding face list: %w", err)
		}
		return faces, nil
	}

	session, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	var resp struct {
		ImageInfo []FaceInfo `json:"image_info"`
	}
	if err := c.get(ctx, "/user_list_images.fcgi?get_timestamp=1&session="+session, &resp); err != nil {
		return nil, fmt.Errorf("controlid list users with faces: %w", err)
	}
	return resp.ImageInfo, nil
}

// RemoveUserFace deletes the stored face photo for userID. The user record
// itself stays on the terminal.
func (c *ControlID) RemoveUserFace(ctx context.Context, userID int) error {
	if c.cfg.Mode == ModeAgent {
		_, err := c.sendToAgent(ctx, "removeUserFace", map[string]any{"userId": userID}, 10*time.Second)
		return err
	}

	session, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}

	err = c.post(ctx, "/user_remove_image.fcgi?session="+session, map[string]any{
		"user_id": userID,
	}, nil)
	if err != nil {
		return fmt.Errorf("controlid remove user face: %w", err)
	}
	return nil
}

// BlockUserAccess removes the user's group links so the terminal denies entry.
func (c *ControlID) BlockUserAccess(ctx context.Context, userID int) error {
	if c.cfg.Mode == ModeAgent {
		_, err := c.sendToAgent(ctx, "blockUserAccess", map[string]any{"userId": userID}, 30*time.Second)
		return err
	}

	session, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}

	err = c.post(ctx, "/destroy_objects.fcgi?session="+session, map[string]any{
		"object": "user_groups",
		"where": map[string]any{
			"user_groups": map[string]any{"user_id": userID},
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("controlid block user: %w", err)
	}
	return nil
}

// UnblockUserAccess restores the user's group link.
func (c *ControlID) UnblockUserAccess(ctx context.Context, userID, groupID int) error {
	if groupID == 0 {
		groupID = 1
	}

	if c.cfg.Mode == ModeAgent {
		_, err := c.sendToAgent(ctx, "unblockUserAccess", map[string]any{
			"userId":  userID,
			"groupId": groupID,
		}, 30*time.Second)
		return err
	}

	session, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}
	if err := c.linkUserGroup(ctx, session, userID, groupID); err != nil {
		return fmt.Errorf("controlid unblock user: %w", err)
	}
	return nil
}

// DeleteUser removes the user from the terminal entirely.
func (c *ControlID) DeleteUser(ctx context.Context, userID int) error {
	if c.cfg.Mode == ModeAgent {
		_, err := c.sendToAgent(ctx, "deleteUser", map[string]any{"userId": userID}, 30*time.Second)
		return err
	}

	session, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}

	err = c.post(ctx, "/destroy_objects.fcgi?session="+session, map[string]any{
		"object": "users",
		"where": map[string]any{
			"users": map[string]any{"id": userID},
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("controlid delete user: %w", err)
	}
	return nil
}

// LoadAccessLogs fetches the terminal's access log entries.
func (c *ControlID) LoadAccessLogs(ctx context.Context) ([]AccessLog, error) {
	if c.cfg.Mode == ModeAgent {
		raw, err := c.sendToAgent(ctx, "loadAccessLogs", nil, 30*time.Second)
		if err != nil {
			return nil, err
		}
		var logs []AccessLog
		if err := json.Unmarshal(raw, &logs); err != nil {
			return nil, fmt.Errorf("decoding access logs: %w", err)
		}
		return logs, nil
	}

	session, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	var resp struct {
		AccessLogs []AccessLog `json:"access_logs"`
	}
	err = c.post(ctx, "/load_objects.fcgi?session="+session, map[string]any{
		"object": "access_logs",
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("controlid load access logs: %w", err)
	}
	return resp.AccessLogs, nil
}

func (c *ControlID) sendToAgent(ctx context.Context, action string, data any, timeout time.Duration) (json.RawMessage, error) {
	c.logger.Debug("relaying terminal operation", "agent_id", c.cfg.AgentID, "action", action)
	return c.commander.SendCommand(ctx, c.cfg.AgentID, action, data, timeout)
}

func (c *ControlID) linkUserGroup(ctx context.Context, session string, userID, groupID int) error {
	return c.post(ctx, "/create_objects.fcgi?session="+session, map[string]any{
		"object": "user_groups",
		"values": []map[string]any{{
			"user_id":  userID,
			"group_id": groupID,
		}},
	}, nil)
}

func (c *ControlID) ensureSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session != "" {
		return session, nil
	}
	return c.Login(ctx)
}

func (c *ControlID) setSession(session string) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
}

func (c *ControlID) baseURL() string {
	return fmt.Sprintf("http://%s:%d", c.cfg.IP, c.cfg.Port)
}

// post sends a JSON body to the terminal and decodes the JSON reply into out
// (out may be nil when the reply does not matter).
func (c *ControlID) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, payload, "application/json", out)
}

// postRaw sends an opaque body, such as image bytes, to the terminal.
func (c *ControlID) postRaw(ctx context.Context, path string, body []byte, out any) error {
	return c.do(ctx, http.MethodPost, path, body, "application/octet-stream", out)
}

func (c *ControlID) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, "", out)
}

func (c *ControlID) do(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL()+path, reader)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("device returned status %d", resp.StatusCode)
	}
	if out == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
