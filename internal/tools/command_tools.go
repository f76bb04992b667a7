package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"alpacon-mcp/internal/errkind"
	"alpacon-mcp/internal/validate"
)

// commandPollInterval is the cadence for checking a background command's
// completion in command_execute_sync.
const commandPollInterval = time.Second

// RegisterCommandTools adds the background command API tools. Unlike the
// websh group these go through the REST command queue: the server's agent
// picks the command up, runs it, and reports back asynchronously.
func RegisterCommandTools(s *server.MCPServer, d Deps) {
	s.AddTool(mcp.NewTool("command_execute",
		mcp.WithDescription("Queue a command on a server and return immediately with its command id"),
		mcp.WithString("server_id", mcp.Required(), mcp.Description("Server UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("command", mcp.Required(), mcp.Description("Command line to queue")),
		mcp.WithString("shell", mcp.Description("Shell type (default internal)")),
		mcp.WithString("username", mcp.Description("Remote user to run as")),
		mcp.WithString("groupname", mcp.Description("Group for the execution (default alpacon)")),
		mcp.WithObject("env", mcp.Description("Environment variables as key-value pairs")),
	), d.handleCommandExecute)

	s.AddTool(mcp.NewTool("command_execute_sync",
		mcp.WithDescription("Queue a command and poll until it finishes or the timeout elapses"),
		mcp.WithString("server_id", mcp.Required(), mcp.Description("Server UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("command", mcp.Required(), mcp.Description("Command line to run")),
		mcp.WithString("shell", mcp.Description("Shell type (default bash)")),
		mcp.WithString("username", mcp.Description("Remote user to run as")),
		mcp.WithString("groupname", mcp.Description("Group for the execution (default alpacon)")),
		mcp.WithObject("env", mcp.Description("Environment variables as key-value pairs")),
		mcp.WithNumber("timeout", mcp.Description("Seconds to wait for completion (default 30)")),
	), d.handleCommandExecuteSync)

	s.AddTool(mcp.NewTool("command_result",
		mcp.WithDescription("Fetch the status and output of a previously queued command"),
		mcp.WithString("command_id", mcp.Required(), mcp.Description("Command UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
	), d.handleCommandResult)

	s.AddTool(mcp.NewTool("command_list",
		mcp.WithDescription("List recently queued commands, newest first"),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("server_id", mcp.Description("Only commands for this server")),
		mcp.WithNumber("page", mcp.Description("Result page")),
		mcp.WithNumber("page_size", mcp.Description("Commands per page (default 20)")),
	), d.handleCommandList)

	s.AddTool(mcp.NewTool("command_execute_multi",
		mcp.WithDescription("Queue one command on many servers at once (deploy shell)"),
		mcp.WithArray("server_ids", mcp.Required(), mcp.Description("Server UUIDs to target")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("command", mcp.Required(), mcp.Description("Command line to queue")),
		mcp.WithString("shell", mcp.Description("Shell type (default internal)")),
		mcp.WithString("username", mcp.Description("Remote user to run as")),
		mcp.WithString("groupname", mcp.Description("Group for the execution (default alpacon)")),
		mcp.WithObject("env", mcp.Description("Environment variables as key-value pairs")),
		mcp.WithBoolean("parallel", mcp.Description("Queue concurrently (default true)")),
	), d.handleCommandExecuteMulti)

	s.AddTool(mcp.NewTool("command_acl_list",
		mcp.WithDescription("List the ACL-approved commands available to deploy shell"),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
	), d.handleCommandACLList)
}

// commandBody assembles the queue payload. username and env are omitted when
// empty so the platform applies its own defaults.
func commandBody(serverID, command, shell, groupname, username string, env map[string]any) map[string]any {
	body := map[string]any{
		"server":    serverID,
		"shell":     shell,
		"line":      command,
		"groupname": groupname,
	}
	if username != "" {
		body["username"] = username
	}
	if len(env) > 0 {
		body["env"] = env
	}
	return body
}

// commandIDFromResponse digs the command id out of a queue response. The
// platform answers with either a single command object or an array of them.
func commandIDFromResponse(raw json.RawMessage) (string, error) {
	var single struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &single); err == nil && single.ID != "" {
		return single.ID, nil
	}
	var many []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 && many[0].ID != "" {
		return many[0].ID, nil
	}
	return "", errkind.New(errkind.UpstreamError, "command queue response carried no id")
}

func (d Deps) handleCommandExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
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
	shell := req.GetString("shell", "internal")
	groupname := req.GetString("groupname", "alpacon")
	env := objectArg(req, "env")

	raw, err := d.callAPI(ctx, t, http.MethodPost, "/api/events/commands/", commandBody(serverID, command, shell, groupname, username, env))
	if err != nil {
		return errorResult(err), nil
	}

	id, err := commandIDFromResponse(raw)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"command_id": id,
		"server_id":  serverID,
		"command":    command,
		"shell":      shell,
		"queued":     raw,
	}), nil
}

func (d Deps) handleCommandExecuteSync(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
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
	shell := req.GetString("shell", "bash")
	groupname := req.GetString("groupname", "alpacon")
	env := objectArg(req, "env")
	timeout := time.Duration(req.GetInt("timeout", 30)) * time.Second

	raw, err := d.callAPI(ctx, t, http.MethodPost, "/api/events/commands/", commandBody(serverID, command, shell, groupname, username, env))
	if err != nil {
		return errorResult(err), nil
	}
	id, err := commandIDFromResponse(raw)
	if err != nil {
		return errorResult(err), nil
	}

	final, err := d.pollCommand(ctx, t, id, timeout)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"command_id": id,
		"server_id":  serverID,
		"command":    command,
		"shell":      shell,
		"result":     final,
	}), nil
}

// pollCommand fetches the command record every second until finished_at is
// set. On timeout the caller keeps the command id and can collect the result
// later with command_result.
func (d Deps) pollCommand(ctx context.Context, t target, commandID string, timeout time.Duration) (json.RawMessage, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(commandPollInterval)
	defer ticker.Stop()

	for {
		raw, err := d.callAPI(ctx, t, http.MethodGet, "/api/events/commands/"+commandID+"/", nil)
		if err != nil {
			return nil, err
		}
		var probe struct {
			FinishedAt *string `json:"finished_at"`
		}
		if err := json.Unmarshal(raw, &probe); err == nil && probe.FinishedAt != nil {
			return raw, nil
		}

		select {
		case <-ctx.Done():
			return nil, errkind.Wrap(errkind.CommandTimeout, ctx.Err(), "command %s still running", commandID)
		case <-deadline.C:
			return nil, errkind.New(errkind.CommandTimeout, "command %s did not finish within %s; fetch it later with command_result", commandID, timeout)
		case <-ticker.C:
		}
	}
}

func (d Deps) handleCommandResult(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}
	commandID := req.GetString("command_id", "")
	if err := validate.CommandID(commandID); err != nil {
		return errorResult(err), nil
	}

	raw, err := d.callAPI(ctx, t, http.MethodGet, "/api/events/commands/"+commandID+"/", nil)
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}

func (d Deps) handleCommandList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}

	params := url.Values{}
	params.Set("page_size", strconv.Itoa(req.GetInt("page_size", 20)))
	params.Set("ordering", "-added_at")
	if serverID := req.GetString("server_id", ""); serverID != "" {
		if err := validate.ServerID(serverID); err != nil {
			return errorResult(err), nil
		}
		params.Set("server", serverID)
	}
	if page := req.GetInt("page", 0); page > 0 {
		params.Set("page", strconv.Itoa(page))
	}

	raw, err := d.callAPI(ctx, t, http.MethodGet, "/api/events/commands/?"+params.Encode(), nil)
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}

func (d Deps) handleCommandExecuteMulti(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverIDs := stringSliceArg(req, "server_ids")
	if len(serverIDs) == 0 {
		return errorResult(errkind.New(errkind.ValidationError, "server_ids must be a non-empty array of strings")), nil
	}
	t, fail := d.requireTarget(req, serverIDs...)
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
	shell := req.GetString("shell", "internal")
	groupname := req.GetString("groupname", "alpacon")
	env := objectArg(req, "env")
	parallel := req.GetBool("parallel", true)

	type queued struct {
		raw json.RawMessage
		err error
	}
	results := make([]queued, len(serverIDs))
	queueOne := func(i int) {
		body := commandBody(serverIDs[i], command, shell, groupname, username, env)
		raw, err := d.callAPI(ctx, t, http.MethodPost, "/api/events/commands/", body)
		results[i] = queued{raw: raw, err: err}
	}
	if parallel {
		var wg sync.WaitGroup
		for i := range serverIDs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				queueOne(i)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range serverIDs {
			queueOne(i)
		}
	}

	perServer := make(map[string]any, len(serverIDs))
	successful, failed := 0, 0
	for i, res := range results {
		if res.err != nil {
			perServer[serverIDs[i]] = map[string]any{"ok": false, "error": res.err.Error()}
			failed++
			continue
		}
		entry := map[string]any{"ok": true, "queued": res.raw}
		if id, err := commandIDFromResponse(res.raw); err == nil {
			entry["command_id"] = id
		}
		perServer[serverIDs[i]] = entry
		successful++
	}

	mode := "sequential"
	if parallel {
		mode = "parallel"
	}
	return jsonResult(map[string]any{
		"command":    command,
		"execution":  mode,
		"total":      len(serverIDs),
		"successful": successful,
		"failed":     failed,
		"results":    perServer,
	}), nil
}

func (d Deps) handleCommandACLList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}
	raw, err := d.callAPI(ctx, t, http.MethodGet, "/api/events/commands/acl/", nil)
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}
