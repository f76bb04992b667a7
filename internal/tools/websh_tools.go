package tools

import (
	"context"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"alpacon-mcp/internal/errkind"
	"alpacon-mcp/internal/validate"
	"alpacon-mcp/internal/websh"
)

// RegisterWebshTools adds the persistent-channel command tools: one-shot and
// batch execution over pooled channels, plus session lifecycle management.
func RegisterWebshTools(s *server.MCPServer, d Deps) {
	s.AddTool(mcp.NewTool("websh_execute",
		mcp.WithDescription("Execute a command on a server over a persistent websh channel and return its output"),
		mcp.WithString("server_id", mcp.Required(), mcp.Description("Server UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("command", mcp.Required(), mcp.Description("Shell command to run")),
		mcp.WithString("username", mcp.Description("Remote user to run as (server default when omitted)")),
		mcp.WithNumber("timeout", mcp.Description("Seconds to wait for completion (default from config)")),
	), d.handleWebshExecute)

	s.AddTool(mcp.NewTool("websh_execute_batch",
		mcp.WithDescription("Execute commands sequentially on one server over one websh channel"),
		mcp.WithString("server_id", mcp.Required(), mcp.Description("Server UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithArray("commands", mcp.Required(), mcp.Description("Commands to run in order")),
		mcp.WithBoolean("stop_on_error", mcp.Description("Stop at the first failed or non-zero command (default false)")),
		mcp.WithString("username", mcp.Description("Remote user to run as")),
		mcp.WithNumber("timeout", mcp.Description("Seconds to wait per command")),
	), d.handleWebshExecuteBatch)

	s.AddTool(mcp.NewTool("websh_session_create",
		mcp.WithDescription("Create a websh session on a server and return its websocket endpoint"),
		mcp.WithString("server_id", mcp.Required(), mcp.Description("Server UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("username", mcp.Description("Remote user for the session")),
		mcp.WithNumber("rows", mcp.Description("Terminal rows (default 24)")),
		mcp.WithNumber("cols", mcp.Description("Terminal columns (default 80)")),
	), d.handleWebshSessionCreate)

	s.AddTool(mcp.NewTool("websh_sessions_list",
		mcp.WithDescription("List websh sessions in a workspace, including locally pooled channels"),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("server_id", mcp.Description("Only sessions on this server")),
	), d.handleWebshSessionsList)

	s.AddTool(mcp.NewTool("websh_session_terminate",
		mcp.WithDescription("Terminate a websh session and evict its pooled channel, if any"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
	), d.handleWebshSessionTerminate)

	s.AddTool(mcp.NewTool("websh_pty_url",
		mcp.WithDescription("Convert a websh user-channel websocket URL into its PTY form"),
		mcp.WithString("websocket_url", mcp.Required(), mcp.Description("User-channel websocket URL")),
	), d.handleWebshPTYURL)
}

func (d Deps) handleWebshExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverID := req.GetString("server_id", "")
	t, fail := d.requireTarget(req, serverID)
	if fail != nil {
		return fail, nil
	}

	command := req.GetString("command", "")
	if err := validate.Command(command); err != nil {
		return errorResult(err), nil
	}
	username := req.GetString("username", "")
	if err := validate.Username(username); err != nil {
		return errorResult(err), nil
	}
	timeout := time.Duration(req.GetInt("timeout", 0)) * time.Second

	res := d.Dispatcher.Run(ctx, t.region, t.workspace, serverID, username, command, timeout)
	if res.Err != nil {
		return errorResult(res.Err), nil
	}

	return jsonResult(map[string]any{
		"server_id":   serverID,
		"command":     command,
		"output":      res.Output,
		"exit_status": res.ExitStatus,
		"ok":          res.Ok(),
		"elapsed_ms":  res.Elapsed.Milliseconds(),
	}), nil
}

func (d Deps) handleWebshExecuteBatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverID := req.GetString("server_id", "")
	t, fail := d.requireTarget(req, serverID)
	if fail != nil {
		return fail, nil
	}

	commands := stringSliceArg(req, "commands")
	if len(commands) == 0 {
		return errorResult(errkind.New(errkind.ValidationError, "commands must be a non-empty array of strings")), nil
	}
	for _, command := range commands {
		if err := validate.Command(command); err != nil {
			return errorResult(err), nil
		}
	}
	username := req.GetString("username", "")
	if err := validate.Username(username); err != nil {
		return errorResult(err), nil
	}
	stopOnError := req.GetBool("stop_on_error", false)
	timeout := time.Duration(req.GetInt("timeout", 0)) * time.Second

	batch, err := d.Dispatcher.RunBatch(ctx, t.region, t.workspace, serverID, username, commands, stopOnError, timeout)
	if err != nil {
		return errorResult(err), nil
	}

	results := make([]map[string]any, 0, len(batch.Results))
	for _, res := range batch.Results {
		entry := map[string]any{
			"command":     res.Command,
			"output":      res.Output,
			"exit_status": res.ExitStatus,
			"ok":          res.Ok(),
			"elapsed_ms":  res.Elapsed.Milliseconds(),
		}
		if res.Err != nil {
			entry["error"] = res.Err.Error()
		}
		results = append(results, entry)
	}
	return jsonResult(map[string]any{
		"server_id": serverID,
		"executed":  batch.Executed,
		"requested": len(commands),
		"truncated": batch.Truncated,
		"results":   results,
	}), nil
}

func (d Deps) handleWebshSessionCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverID := req.GetString("server_id", "")
	t, fail := d.requireTarget(req, serverID)
	if fail != nil {
		return fail, nil
	}
	username := req.GetString("username", "")
	if err := validate.Username(username); err != nil {
		return errorResult(err), nil
	}
	rows := req.GetInt("rows", d.Settings.Websh.DefaultRows)
	cols := req.GetInt("cols", d.Settings.Websh.DefaultCols)

	var sess websh.Session
	err := d.Breaker.Guard(ctx, t.breakerKey(), func(ctx context.Context) error {
		var err error
		sess, err = websh.CreateSession(ctx, d.API, t.token, t.region, t.workspace, serverID, username, rows, cols)
		return err
	})
	if err != nil {
		return errorResult(err), nil
	}

	return jsonResult(map[string]any{
		"session_id":      sess.ID,
		"server_id":       sess.ServerID,
		"user_channel_id": sess.UserChannelID,
		"websocket_url":   sess.WebsocketURL,
		"pty_url":         websh.PTYURL(sess.WebsocketURL),
	}), nil
}

func (d Deps) handleWebshSessionsList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}

	path := "/api/websh/sessions/"
	if serverID := req.GetString("server_id", ""); serverID != "" {
		if err := validate.ServerID(serverID); err != nil {
			return errorResult(err), nil
		}
		path += "?server=" + serverID
	}

	raw, err := d.callAPI(ctx, t, http.MethodGet, path, nil)
	if err != nil {
		return errorResult(err), nil
	}

	channels := make([]map[string]any, 0)
	for _, ch := range d.Pool.Channels() {
		key := ch.Key()
		if key.Workspace != t.workspace || key.Region != t.region {
			continue
		}
		channels = append(channels, map[string]any{
			"server_id":  key.ServerID,
			"session_id": ch.Session().ID,
			"state":      ch.State().String(),
			"idle_for":   ch.IdleFor().Round(time.Second).String(),
		})
	}

	return jsonResult(map[string]any{
		"sessions":        raw,
		"pooled_channels": channels,
	}), nil
}

func (d Deps) handleWebshSessionTerminate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}
	sessionID := req.GetString("session_id", "")
	if err := validate.SessionID(sessionID); err != nil {
		return errorResult(err), nil
	}

	// Evict the pooled channel bound to the session first so no command races
	// the remote close.
	evicted := ""
	for _, ch := range d.Pool.Channels() {
		if ch.Session().ID == sessionID {
			key := ch.Key()
			d.Pool.Evict(key, errkind.New(errkind.ChannelClosed, "session %s terminated by request", sessionID))
			evicted = key.String()
			break
		}
	}

	if _, err := d.callAPI(ctx, t, http.MethodPost, "/api/websh/sessions/"+sessionID+"/close/", nil); err != nil {
		return errorResult(err), nil
	}

	result := map[string]any{"terminated": sessionID}
	if evicted != "" {
		result["evicted_channel"] = evicted
	}
	return jsonResult(result), nil
}

func (d Deps) handleWebshPTYURL(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userURL, err := req.RequireString("websocket_url")
	if err != nil {
		return errorResult(errkind.New(errkind.ValidationError, "websocket_url is required")), nil
	}
	return jsonResult(map[string]any{
		"websocket_url": userURL,
		"pty_url":       websh.PTYURL(userURL),
	}), nil
}
