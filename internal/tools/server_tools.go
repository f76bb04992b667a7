package tools

import (
	"context"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"alpacon-mcp/internal/errkind"
	"alpacon-mcp/internal/validate"
)

// RegisterServerTools adds the server inventory tools.
func RegisterServerTools(s *server.MCPServer, d Deps) {
	s.AddTool(mcp.NewTool("server_list",
		mcp.WithDescription("List the servers registered in a workspace"),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
	), d.handleServerList)

	s.AddTool(mcp.NewTool("server_get",
		mcp.WithDescription("Get detailed information about one server"),
		mcp.WithString("server_id", mcp.Required(), mcp.Description("Server UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
	), d.handleServerGet)

	s.AddTool(mcp.NewTool("server_notes_list",
		mcp.WithDescription("List the operator notes attached to a server"),
		mcp.WithString("server_id", mcp.Required(), mcp.Description("Server UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
	), d.handleServerNotesList)

	s.AddTool(mcp.NewTool("server_note_create",
		mcp.WithDescription("Attach a note to a server"),
		mcp.WithString("server_id", mcp.Required(), mcp.Description("Server UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("title", mcp.Required(), mcp.Description("Note title")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Note body")),
	), d.handleServerNoteCreate)
}

func (d Deps) handleServerList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}
	raw, err := d.callAPI(ctx, t, http.MethodGet, "/api/servers/servers/", nil)
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}

func (d Deps) handleServerGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverID := req.GetString("server_id", "")
	t, fail := d.requireTarget(req, serverID)
	if fail != nil {
		return fail, nil
	}
	raw, err := d.callAPI(ctx, t, http.MethodGet, "/api/servers/"+serverID+"/", nil)
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}

func (d Deps) handleServerNotesList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverID := req.GetString("server_id", "")
	t, fail := d.requireTarget(req, serverID)
	if fail != nil {
		return fail, nil
	}
	raw, err := d.callAPI(ctx, t, http.MethodGet, "/api/servers/"+serverID+"/notes/", nil)
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}

func (d Deps) handleServerNoteCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverID := req.GetString("server_id", "")
	t, fail := d.requireTarget(req, serverID)
	if fail != nil {
		return fail, nil
	}
	title := req.GetString("title", "")
	content := req.GetString("content", "")
	if title == "" || content == "" {
		return errorResult(errkind.New(errkind.ValidationError, "title and content are required")), nil
	}

	raw, err := d.callAPI(ctx, t, http.MethodPost, "/api/servers/"+serverID+"/notes/", map[string]any{
		"title":   title,
		"content": content,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}
