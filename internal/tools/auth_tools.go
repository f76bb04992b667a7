package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"alpacon-mcp/internal/errkind"
	"alpacon-mcp/internal/validate"
)

// RegisterAuthTools adds credential management tools and the auth status
// resource. Tokens land in the store only; no tool ever echoes one back.
func RegisterAuthTools(s *server.MCPServer, d Deps) {
	s.AddTool(mcp.NewTool("token_set",
		mcp.WithDescription("Store the API token for a region and workspace"),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("token", mcp.Required(), mcp.Description("API token issued by the workspace")),
	), d.handleTokenSet)

	s.AddTool(mcp.NewTool("token_remove",
		mcp.WithDescription("Remove the stored API token for a region and workspace"),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
	), d.handleTokenRemove)

	s.AddTool(mcp.NewTool("token_status",
		mcp.WithDescription("Report which region and workspace pairs have stored tokens"),
	), d.handleTokenStatus)

	s.AddResource(mcp.NewResource(
		"auth://status",
		"Authentication status",
		mcp.WithResourceDescription("Configured region and workspace credentials, without token values"),
		mcp.WithMIMEType("application/json"),
	), d.handleAuthStatusResource)
}

func (d Deps) handleTokenSet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	region := req.GetString("region", "")
	workspace := req.GetString("workspace", "")
	if err := validate.Target(region, workspace, ""); err != nil {
		return errorResult(err), nil
	}
	token := strings.TrimSpace(req.GetString("token", ""))
	if token == "" {
		return errorResult(errkind.New(errkind.ValidationError, "token: parameter is required")), nil
	}

	if err := d.Store.Set(region, workspace, token); err != nil {
		return errorResult(errkind.Wrap(errkind.InternalError, err, "persisting token")), nil
	}
	return jsonResult(map[string]any{
		"stored": workspace + "." + region,
		"path":   d.Store.Path(),
	}), nil
}

func (d Deps) handleTokenRemove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	region := req.GetString("region", "")
	workspace := req.GetString("workspace", "")
	if err := validate.Target(region, workspace, ""); err != nil {
		return errorResult(err), nil
	}

	removed, err := d.Store.Remove(region, workspace)
	if err != nil {
		return errorResult(errkind.Wrap(errkind.InternalError, err, "persisting token removal")), nil
	}
	if !removed {
		return errorResult(errkind.New(errkind.AuthError, "no token configured for %s.%s", workspace, region)), nil
	}

	// The credential is gone; channels opened with it must not outlive it.
	evicted := 0
	for _, ch := range d.Pool.Channels() {
		key := ch.Key()
		if key.Workspace == workspace && key.Region == region {
			if d.Pool.Evict(key, errkind.New(errkind.ChannelClosed, "credentials for %s.%s removed", workspace, region)) {
				evicted++
			}
		}
	}

	return jsonResult(map[string]any{
		"removed":          workspace + "." + region,
		"evicted_channels": evicted,
	}), nil
}

func (d Deps) handleTokenStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(d.Store.Status()), nil
}

func (d Deps) handleAuthStatusResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(d.Store.Status(), "", "  ")
	if err != nil {
		return nil, errkind.Wrap(errkind.InternalError, err, "rendering auth status")
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
