package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"alpacon-mcp/internal/errkind"
	"alpacon-mcp/internal/validate"
)

// RegisterWebftpTools adds the file transfer tools. Transfers run inside a
// webftp session created per server; file content travels inline as text or
// base64, so these tools suit configs and small artifacts, not bulk data.
func RegisterWebftpTools(s *server.MCPServer, d Deps) {
	s.AddTool(mcp.NewTool("webftp_session_create",
		mcp.WithDescription("Create a webftp session on a server"),
		mcp.WithString("server_id", mcp.Required(), mcp.Description("Server UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("username", mcp.Description("Remote user for the session")),
	), d.handleWebftpSessionCreate)

	s.AddTool(mcp.NewTool("webftp_sessions_list",
		mcp.WithDescription("List webftp sessions in a workspace"),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("server_id", mcp.Description("Only sessions on this server")),
	), d.handleWebftpSessionsList)

	s.AddTool(mcp.NewTool("webftp_upload",
		mcp.WithDescription("Upload a file through a webftp session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Webftp session UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("remote_path", mcp.Required(), mcp.Description("Absolute destination path on the server")),
		mcp.WithString("content", mcp.Required(), mcp.Description("File content, plain text or base64")),
	), d.handleWebftpUpload)

	s.AddTool(mcp.NewTool("webftp_download",
		mcp.WithDescription("Download a file that a webftp session has staged, base64-encoded"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Webftp session UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("remote_path", mcp.Required(), mcp.Description("Absolute path of the staged file")),
	), d.handleWebftpDownload)

	s.AddTool(mcp.NewTool("webftp_downloads_list",
		mcp.WithDescription("List the files a webftp session has staged for download"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Webftp session UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
	), d.handleWebftpDownloadsList)
}

func (d Deps) handleWebftpSessionCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverID := req.GetString("server_id", "")
	t, fail := d.requireTarget(req, serverID)
	if fail != nil {
		return fail, nil
	}
	username := req.GetString("username", "")
	if err := validate.Username(username); err != nil {
		return errorResult(err), nil
	}

	body := map[string]any{"server": serverID}
	if username != "" {
		body["username"] = username
	}
	raw, err := d.callAPI(ctx, t, http.MethodPost, "/api/webftp/sessions/", body)
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}

func (d Deps) handleWebftpSessionsList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}
	path := "/api/webftp/sessions/"
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
	return rawResult(raw), nil
}

func (d Deps) handleWebftpUpload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}
	sessionID := req.GetString("session_id", "")
	if err := validate.SessionID(sessionID); err != nil {
		return errorResult(err), nil
	}
	remotePath := req.GetString("remote_path", "")
	if err := validate.RemotePath(remotePath); err != nil {
		return errorResult(err), nil
	}
	content := req.GetString("content", "")
	if content == "" {
		return errorResult(errkind.New(errkind.ValidationError, "content: parameter is required")), nil
	}

	raw, err := d.callAPI(ctx, t, http.MethodPost, "/api/webftp/sessions/"+sessionID+"/upload/", map[string]any{
		"file_path": remotePath,
		"file_data": content,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"session_id": sessionID,
		"file_path":  remotePath,
		"uploaded":   raw,
	}), nil
}

// downloadEntry is one staged file in a session's downloads listing. Field
// names vary across platform versions, so the common spellings are all
// accepted.
type downloadEntry struct {
	Path     string `json:"path"`
	FilePath string `json:"file_path"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	Download string `json:"download_url"`
	File     string `json:"file"`
}

func (e downloadEntry) matches(path string) bool {
	if e.Path == path || e.FilePath == path {
		return true
	}
	// Entries that only carry a file name match on the path's last segment.
	if e.Name != "" && e.Path == "" && e.FilePath == "" {
		return e.Name == path[strings.LastIndex(path, "/")+1:]
	}
	return false
}

func (e downloadEntry) downloadURL() string {
	switch {
	case e.URL != "":
		return e.URL
	case e.Download != "":
		return e.Download
	default:
		return e.File
	}
}

// decodeDownloads tolerates both a bare array and a paginated listing.
func decodeDownloads(raw json.RawMessage) []downloadEntry {
	var entries []downloadEntry
	if err := json.Unmarshal(raw, &entries); err == nil {
		return entries
	}
	var page struct {
		Results []downloadEntry `json:"results"`
	}
	if err := json.Unmarshal(raw, &page); err == nil {
		return page.Results
	}
	return nil
}

func (d Deps) handleWebftpDownload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}
	sessionID := req.GetString("session_id", "")
	if err := validate.SessionID(sessionID); err != nil {
		return errorResult(err), nil
	}
	remotePath := req.GetString("remote_path", "")
	if err := validate.RemotePath(remotePath); err != nil {
		return errorResult(err), nil
	}

	raw, err := d.callAPI(ctx, t, http.MethodGet, "/api/webftp/sessions/"+sessionID+"/downloads/", nil)
	if err != nil {
		return errorResult(err), nil
	}

	var entry *downloadEntry
	for _, e := range decodeDownloads(raw) {
		if e.matches(remotePath) {
			entry = &e
			break
		}
	}
	if entry == nil {
		return errorResult(errkind.New(errkind.UpstreamError,
			"no staged download matches %s in session %s; check webftp_downloads_list", remotePath, sessionID)), nil
	}
	target := entry.downloadURL()
	if target == "" {
		return errorResult(errkind.New(errkind.UpstreamError, "download entry for %s carries no URL", remotePath)), nil
	}
	if _, err := url.ParseRequestURI(target); err != nil {
		return errorResult(errkind.Wrap(errkind.UpstreamError, err, "download entry for %s carries a malformed URL", remotePath)), nil
	}

	var data []byte
	err = d.Breaker.Guard(ctx, t.breakerKey(), func(ctx context.Context) error {
		var err error
		data, err = d.API.RawRequest(ctx, http.MethodGet, target, nil, "")
		return err
	})
	if err != nil {
		return errorResult(err), nil
	}

	return jsonResult(map[string]any{
		"session_id":     sessionID,
		"file_path":      remotePath,
		"size_bytes":     len(data),
		"content_base64": base64.StdEncoding.EncodeToString(data),
	}), nil
}

func (d Deps) handleWebftpDownloadsList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}
	sessionID := req.GetString("session_id", "")
	if err := validate.SessionID(sessionID); err != nil {
		return errorResult(err), nil
	}
	raw, err := d.callAPI(ctx, t, http.MethodGet, "/api/webftp/sessions/"+sessionID+"/downloads/", nil)
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}
