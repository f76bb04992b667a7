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

// iamUserFields are the mutable user attributes accepted by iam_user_update.
// Only keys present in the request land in the PATCH body, so unmentioned
// attributes keep their server-side values.
var iamUserFields = []string{"username", "email", "first_name", "last_name", "is_active", "groups"}

// RegisterIAMTools adds the identity management tools.
func RegisterIAMTools(s *server.MCPServer, d Deps) {
	s.AddTool(mcp.NewTool("iam_users_list",
		mcp.WithDescription("List workspace users"),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithNumber("page", mcp.Description("Result page")),
		mcp.WithNumber("page_size", mcp.Description("Users per page")),
	), d.handleIAMUsersList)

	s.AddTool(mcp.NewTool("iam_user_get",
		mcp.WithDescription("Get one workspace user"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User id")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
	), d.handleIAMUserGet)

	s.AddTool(mcp.NewTool("iam_user_create",
		mcp.WithDescription("Create a workspace user (active by default)"),
		mcp.WithString("username", mcp.Required(), mcp.Description("Login name")),
		mcp.WithString("email", mcp.Required(), mcp.Description("Email address")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("first_name", mcp.Description("Given name")),
		mcp.WithString("last_name", mcp.Description("Family name")),
		mcp.WithArray("groups", mcp.Description("Group ids to join")),
	), d.handleIAMUserCreate)

	s.AddTool(mcp.NewTool("iam_user_update",
		mcp.WithDescription("Update a workspace user; only the provided fields change"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User id")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("username", mcp.Description("New login name")),
		mcp.WithString("email", mcp.Description("New email address")),
		mcp.WithString("first_name", mcp.Description("New given name")),
		mcp.WithString("last_name", mcp.Description("New family name")),
		mcp.WithBoolean("is_active", mcp.Description("Enable or disable the account")),
		mcp.WithArray("groups", mcp.Description("Replacement group ids")),
	), d.handleIAMUserUpdate)

	s.AddTool(mcp.NewTool("iam_user_delete",
		mcp.WithDescription("Delete a workspace user"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User id")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
	), d.handleIAMUserDelete)

	s.AddTool(mcp.NewTool("iam_groups_list",
		mcp.WithDescription("List workspace groups"),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
	), d.handleIAMGroupsList)

	s.AddTool(mcp.NewTool("iam_group_create",
		mcp.WithDescription("Create a workspace group"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Group name")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithArray("permissions", mcp.Description("Permission codes to grant")),
	), d.handleIAMGroupCreate)
}

func (d Deps) handleIAMUsersList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}

	path := "/api/iam/users/"
	params := url.Values{}
	if page := req.GetInt("page", 0); page > 0 {
		params.Set("page", strconv.Itoa(page))
	}
	if pageSize := req.GetInt("page_size", 0); pageSize > 0 {
		params.Set("page_size", strconv.Itoa(pageSize))
	}
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	raw, err := d.callAPI(ctx, t, http.MethodGet, path, nil)
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}

func (d Deps) handleIAMUserGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}
	userID := req.GetString("user_id", "")
	if userID == "" {
		return errorResult(errkind.New(errkind.ValidationError, "user_id: parameter is required")), nil
	}

	raw, err := d.callAPI(ctx, t, http.MethodGet, "/api/iam/users/"+url.PathEscape(userID)+"/", nil)
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}

func (d Deps) handleIAMUserCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}
	username := req.GetString("username", "")
	if username == "" {
		return errorResult(errkind.New(errkind.ValidationError, "username: parameter is required")), nil
	}
	if err := validate.Username(username); err != nil {
		return errorResult(err), nil
	}
	email := req.GetString("email", "")
	if email == "" {
		return errorResult(errkind.New(errkind.ValidationError, "email: parameter is required")), nil
	}

	body := map[string]any{
		"username":  username,
		"email":     email,
		"is_active": true,
	}
	if v := req.GetString("first_name", ""); v != "" {
		body["first_name"] = v
	}
	if v := req.GetString("last_name", ""); v != "" {
		body["last_name"] = v
	}
	if groups := stringSliceArg(req, "groups"); len(groups) > 0 {
		body["groups"] = groups
	}

	raw, err := d.callAPI(ctx, t, http.MethodPost, "/api/iam/users/", body)
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}

func (d Deps) handleIAMUserUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}
	userID := req.GetString("user_id", "")
	if userID == "" {
		return errorResult(errkind.New(errkind.ValidationError, "user_id: parameter is required")), nil
	}

	args := req.GetArguments()
	body := make(map[string]any)
	for _, field := range iamUserFields {
		if v, ok := args[field]; ok {
			body[field] = v
		}
	}
	if len(body) == 0 {
		return errorResult(errkind.New(errkind.ValidationError, "at least one field to update is required")), nil
	}
	if v, ok := body["username"].(string); ok {
		if err := validate.Username(v); err != nil {
			return errorResult(err), nil
		}
	}

	raw, err := d.callAPI(ctx, t, http.MethodPatch, "/api/iam/users/"+url.PathEscape(userID)+"/", body)
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}

func (d Deps) handleIAMUserDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}
	userID := req.GetString("user_id", "")
	if userID == "" {
		return errorResult(errkind.New(errkind.ValidationError, "user_id: parameter is required")), nil
	}

	raw, err := d.callAPI(ctx, t, http.MethodDelete, "/api/iam/users/"+url.PathEscape(userID)+"/", nil)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"deleted": userID,
		"result":  raw,
	}), nil
}

func (d Deps) handleIAMGroupsList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}
	raw, err := d.callAPI(ctx, t, http.MethodGet, "/api/iam/groups/", nil)
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}

func (d Deps) handleIAMGroupCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}
	name := req.GetString("name", "")
	if name == "" {
		return errorResult(errkind.New(errkind.ValidationError, "name: parameter is required")), nil
	}

	permissions := stringSliceArg(req, "permissions")
	if permissions == nil {
		permissions = []string{}
	}
	raw, err := d.callAPI(ctx, t, http.MethodPost, "/api/iam/groups/", map[string]any{
		"name":        name,
		"permissions": permissions,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}
