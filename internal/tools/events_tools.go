package tools

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"alpacon-mcp/internal/errkind"
	"alpacon-mcp/internal/validate"
)

// RegisterEventsTools adds the audit event tools.
func RegisterEventsTools(s *server.MCPServer, d Deps) {
	s.AddTool(mcp.NewTool("events_list",
		mcp.WithDescription("List recent server events, newest first"),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("server_id", mcp.Description("Only events from this server")),
		mcp.WithString("reporter", mcp.Description("Only events from this reporter")),
		mcp.WithNumber("page_size", mcp.Description("Events per page (default 50)")),
	), d.handleEventsList)

	s.AddTool(mcp.NewTool("event_get",
		mcp.WithDescription("Get one event by id"),
		mcp.WithString("event_id", mcp.Required(), mcp.Description("Event UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
	), d.handleEventGet)

	s.AddTool(mcp.NewTool("events_search",
		mcp.WithDescription("Search events by server name, reporter, record, or description"),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search text")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("server_id", mcp.Description("Only events from this server")),
		mcp.WithNumber("page_size", mcp.Description("Events per page (default 20)")),
	), d.handleEventsSearch)
}

func (d Deps) handleEventsList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}

	params := url.Values{}
	params.Set("page_size", strconv.Itoa(req.GetInt("page_size", 50)))
	params.Set("ordering", "-added_at")
	if serverID := req.GetString("server_id", ""); serverID != "" {
		if err := validate.ServerID(serverID); err != nil {
			return errorResult(err), nil
		}
		params.Set("server", serverID)
	}
	if reporter := req.GetString("reporter", ""); reporter != "" {
		params.Set("reporter", reporter)
	}

	raw, err := d.callAPI(ctx, t, http.MethodGet, "/api/events/events/?"+params.Encode(), nil)
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}

func (d Deps) handleEventGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}
	eventID := req.GetString("event_id", "")
	if eventID == "" {
		return errorResult(errkind.New(errkind.ValidationError, "event_id: parameter is required")), nil
	}

	raw, err := d.callAPI(ctx, t, http.MethodGet, "/api/events/events/"+url.PathEscape(eventID)+"/", nil)
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}

func (d Deps) handleEventsSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}
	query := req.GetString("query", "")
	if query == "" {
		return errorResult(errkind.New(errkind.ValidationError, "query: parameter is required")), nil
	}

	params := url.Values{}
	params.Set("search", query)
	params.Set("page_size", strconv.Itoa(req.GetInt("page_size", 20)))
	params.Set("ordering", "-added_at")
	if serverID := req.GetString("server_id", ""); serverID != "" {
		if err := validate.ServerID(serverID); err != nil {
			return errorResult(err), nil
		}
		params.Set("server", serverID)
	}

	raw, err := d.callAPI(ctx, t, http.MethodGet, "/api/events/events/?"+params.Encode(), nil)
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}
