package websh

import (
	"context"
	"fmt"
	"strings"
	"time"

	"alpacon-mcp/internal/api"
	"alpacon-mcp/internal/errkind"
	"alpacon-mcp/pkg/logging"
)

// Session identifies a server-side execution context. Immutable once
// created; it becomes invalid when the remote side expires or closes it,
// which is detected through the channel, never predicted.
type Session struct {
	ID            string
	ServerID      string
	Workspace     string
	Region        string
	UserChannelID string
	WebsocketURL  string
	CreatedAt     time.Time
}

type sessionCreateRequest struct {
	Server   string `json:"server"`
	Username string `json:"username,omitempty"`
	Rows     int    `json:"rows"`
	Cols     int    `json:"cols"`
}

type sessionCreateResponse struct {
	ID            string `json:"id"`
	UserChannelID string `json:"user_channel_id"`
	WebsocketURL  string `json:"websocket_url"`
}

// CreateSession asks the remote API for a new websh session on a server and
// returns the session record, including the streaming endpoint locator.
func CreateSession(ctx context.Context, client *api.Client, token, region, workspace, serverID, username string, rows, cols int) (Session, error) {
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}

	req := sessionCreateRequest{
		Server:   serverID,
		Username: username,
		Rows:     rows,
		Cols:     cols,
	}

	var resp sessionCreateResponse
	if err := client.PostInto(ctx, region, workspace, token, "/api/websh/sessions/", req, &resp); err != nil {
		return Session{}, errkind.Wrap(errkind.SessionCreateFailed, err,
			"creating websh session on server %s", serverID)
	}
	if resp.ID == "" {
		return Session{}, errkind.New(errkind.SessionCreateFailed,
			"session response for server %s carried no session id", serverID)
	}

	sess := Session{
		ID:            resp.ID,
		ServerID:      serverID,
		Workspace:     workspace,
		Region:        region,
		UserChannelID: resp.UserChannelID,
		WebsocketURL:  normalizeEndpoint(resp, client, token, region, workspace),
		CreatedAt:     time.Now(),
	}

	logging.Debug("websh", "session %s created on server %s (%s.%s)", sess.ID, serverID, workspace, region)
	return sess, nil
}

// normalizeEndpoint prefers the endpoint the API handed back; older API
// releases omit it, in which case the documented URL layout is composed:
// wss://{workspace}.{region}.alpacon.io/ws/websh/{session}/{channel}/{token}/.
func normalizeEndpoint(resp sessionCreateResponse, client *api.Client, token, region, workspace string) string {
	if resp.WebsocketURL != "" {
		return api.WebSocketURL(resp.WebsocketURL)
	}
	base := client.URL(region, workspace, fmt.Sprintf("/ws/websh/%s/%s/%s/", resp.ID, resp.UserChannelID, token))
	return api.WebSocketURL(base)
}

// CloseSession tells the API to terminate a session. Best effort: the
// channel teardown already happened or is about to, and a failure here only
// means the remote reaps the session by its own timeout.
func CloseSession(ctx context.Context, client *api.Client, token string, sess Session) {
	path := fmt.Sprintf("/api/websh/sessions/%s/close/", sess.ID)
	if _, err := client.Post(ctx, sess.Region, sess.Workspace, token, path, nil); err != nil {
		logging.Debug("websh", "closing session %s: %v", sess.ID, err)
	}
}

// PTYURL converts a user-channel websocket URL into its PTY form:
// /ws/websh/{session}/{channel}/{token}/ → /ws/websh/{session}/pty/{channel}/{token}/.
// Trailing slashes are preserved; unrecognized layouts are returned unchanged.
func PTYURL(userURL string) string {
	trimmed, hadSlash := strings.CutSuffix(userURL, "/")
	parts := strings.Split(trimmed, "/")
	// Expect .../ws/websh/{session}/{channel}/{token}; "websh" sits three
	// segments from the end and "pty" goes right after the session segment.
	if len(parts) < 7 || parts[len(parts)-4] != "websh" {
		return userURL
	}
	rebuilt := make([]string, 0, len(parts)+1)
	rebuilt = append(rebuilt, parts[:len(parts)-2]...)
	rebuilt = append(rebuilt, "pty")
	rebuilt = append(rebuilt, parts[len(parts)-2:]...)
	out := strings.Join(rebuilt, "/")
	if hadSlash {
		out += "/"
	}
	return out
}
