package tools

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"alpacon-mcp/internal/errkind"
	"alpacon-mcp/internal/validate"
)

// RegisterWorkspaceTools adds workspace discovery and per-user settings
// tools. workspace_list works from the local token store, so it answers
// without a network round trip and never needs a token itself.
func RegisterWorkspaceTools(s *server.MCPServer, d Deps) {
	s.AddTool(mcp.NewTool("workspace_list",
		mcp.WithDescription("List the workspaces with configured credentials"),
		mcp.WithString("region", mcp.Description("Only workspaces in this region"), mcp.Enum(validate.Regions()...)),
	), d.handleWorkspaceList)

	s.AddTool(mcp.NewTool("user_settings",
		mcp.WithDescription("Get the calling user's settings"),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
	), d.handleUserSettings)

	s.AddTool(mcp.NewTool("user_settings_update",
		mcp.WithDescription("Replace the calling user's settings"),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithObject("settings", mcp.Required(), mcp.Description("Settings document to store")),
	), d.handleUserSettingsUpdate)

	s.AddTool(mcp.NewTool("user_profile",
		mcp.WithDescription("Get the calling user's profile"),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
	), d.handleUserProfile)
}

func (d Deps) handleWorkspaceList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	region := req.GetString("region", "")
	if region != "" {
		if err := validate.Region(region); err != nil {
			return errorResult(err), nil
		}
	}

	listed := d.Store.List()
	regions := make([]string, 0, len(listed))
	for r := range listed {
		regions = append(regions, r)
	}
	sort.Strings(regions)

	workspaces := make([]map[string]any, 0)
	for _, r := range regions {
		if region != "" && r != region {
			continue
		}
		for _, w := range listed[r] {
			workspaces = append(workspaces, map[string]any{
				"workspace": w,
				"region":    r,
				"has_token": true,
				"domain":    fmt.Sprintf("%s.%s.alpacon.io", w, r),
			})
		}
	}

	return jsonResult(map[string]any{
		"workspaces": workspaces,
		"count":      len(workspaces),
	}), nil
}

func (d Deps) handleUserSettings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}
	raw, err := d.callAPI(ctx, t, http.MethodGet, "/api/user/settings/", nil)
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}

func (d Deps) handleUserSettingsUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}
	settings := objectArg(req, "settings")
	if len(settings) == 0 {
		return errorResult(errkind.New(errkind.ValidationError, "settings must be a non-empty object")), nil
	}

	raw, err := d.callAPI(ctx, t, http.MethodPut, "/api/user/settings/", settings)
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}

func (d Deps) handleUserProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}
	raw, err := d.callAPI(ctx, t, http.MethodGet, "/api/user/profile/", nil)
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}
