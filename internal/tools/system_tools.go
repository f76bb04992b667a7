package tools

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"alpacon-mcp/internal/validate"
)

// RegisterSystemTools adds the host introspection tools backed by the proc
// collectors that the server agent reports into the platform.
func RegisterSystemTools(s *server.MCPServer, d Deps) {
	s.AddTool(mcp.NewTool("system_info",
		mcp.WithDescription("Get OS, kernel, and hardware facts for a server"),
		mcp.WithString("server_id", mcp.Required(), mcp.Description("Server UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
	), d.procHandler("/api/proc/info/"))

	s.AddTool(mcp.NewTool("system_users",
		mcp.WithDescription("List OS user accounts on a server"),
		mcp.WithString("server_id", mcp.Required(), mcp.Description("Server UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
	), d.procHandler("/api/proc/users/"))

	s.AddTool(mcp.NewTool("system_packages",
		mcp.WithDescription("List installed packages on a server"),
		mcp.WithString("server_id", mcp.Required(), mcp.Description("Server UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
	), d.procHandler("/api/proc/packages/"))

	s.AddTool(mcp.NewTool("system_disks",
		mcp.WithDescription("Get disks and partitions for a server in one result"),
		mcp.WithString("server_id", mcp.Required(), mcp.Description("Server UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
	), d.handleSystemDisks)
}

// procHandler builds the handler for a single proc collector endpoint, which
// all take the same server query parameter.
func (d Deps) procHandler(path string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		serverID := req.GetString("server_id", "")
		t, fail := d.requireTarget(req, serverID)
		if fail != nil {
			return fail, nil
		}
		raw, err := d.callAPI(ctx, t, http.MethodGet, path+"?server="+serverID, nil)
		if err != nil {
			return errorResult(err), nil
		}
		return rawResult(raw), nil
	}
}

// handleSystemDisks fetches disks and partitions concurrently and merges
// them. A failure on one endpoint is reported inside its section so the
// other's data still comes through.
func (d Deps) handleSystemDisks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverID := req.GetString("server_id", "")
	t, fail := d.requireTarget(req, serverID)
	if fail != nil {
		return fail, nil
	}

	var disksRaw, partsRaw json.RawMessage
	var disksErr, partsErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		partsRaw, partsErr = d.callAPI(ctx, t, http.MethodGet, "/api/proc/partitions/?server="+serverID, nil)
	}()
	disksRaw, disksErr = d.callAPI(ctx, t, http.MethodGet, "/api/proc/disks/?server="+serverID, nil)
	<-done

	section := func(raw json.RawMessage, err error) any {
		if err != nil {
			return map[string]any{"error": err.Error()}
		}
		return raw
	}
	return jsonResult(map[string]any{
		"server_id":  serverID,
		"disks":      section(disksRaw, disksErr),
		"partitions": section(partsRaw, partsErr),
	}), nil
}
