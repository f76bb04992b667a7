// Package tools defines the MCP tool catalog: remote command execution over
// pooled websh channels, background command management, server inventory,
// metrics, events, file transfer, IAM, agent-collected system data, and
// token administration. Each group lives in its own file with a
// Register<Group>Tools function; RegisterAll wires the whole catalog.
//
// Handlers validate inputs first, resolve the workspace token, then run the
// upstream call under the circuit breaker. Failures become tool error
// payloads prefixed with their error kind; the Go error return is reserved
// for protocol faults.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"alpacon-mcp/internal/api"
	"alpacon-mcp/internal/breaker"
	"alpacon-mcp/internal/config"
	"alpacon-mcp/internal/errkind"
	"alpacon-mcp/internal/validate"
	"alpacon-mcp/internal/websh"
)

// Deps carries the shared subsystems the tool groups draw on.
type Deps struct {
	API        *api.Client
	Store      *config.TokenStore
	Pool       *websh.Pool
	Dispatcher *websh.Dispatcher
	Breaker    *breaker.Breaker
	Settings   config.Settings
}

// RegisterAll adds every tool group to the server.
func RegisterAll(s *server.MCPServer, d Deps) {
	RegisterWebshTools(s, d)
	RegisterCommandTools(s, d)
	RegisterServerTools(s, d)
	RegisterMetricsTools(s, d)
	RegisterEventsTools(s, d)
	RegisterWebftpTools(s, d)
	RegisterIAMTools(s, d)
	RegisterSystemTools(s, d)
	RegisterWorkspaceTools(s, d)
	RegisterAuthTools(s, d)
}

// target is the validated routing triple plus its resolved token.
type target struct {
	region    string
	workspace string
	token     string
}

func (t target) breakerKey() string { return t.workspace + "." + t.region }

// requireTarget validates region and workspace, then any server ids, then
// resolves the token — in that order, so the caller learns about a bad
// argument before a missing credential. The returned CallToolResult is
// non-nil on failure and is the handler's reply.
func (d Deps) requireTarget(req mcp.CallToolRequest, serverIDs ...string) (target, *mcp.CallToolResult) {
	region := req.GetString("region", "")
	workspace := req.GetString("workspace", "")

	if err := validate.Region(region); err != nil {
		return target{}, errorResult(err)
	}
	if err := validate.Workspace(workspace); err != nil {
		return target{}, errorResult(err)
	}
	for _, id := range serverIDs {
		if err := validate.ServerID(id); err != nil {
			return target{}, errorResult(err)
		}
	}

	token, ok := d.Store.Get(region, workspace)
	if !ok {
		return target{}, errorResult(errkind.New(errkind.AuthError,
			"no token configured for %s.%s; set one with token_set or `alpacon-mcp login`",
			workspace, region))
	}
	return target{region: region, workspace: workspace, token: token}, nil
}

// callAPI runs one breaker-guarded REST round trip and returns the raw JSON
// body.
func (d Deps) callAPI(ctx context.Context, t target, method, path string, body any) (json.RawMessage, error) {
	var out json.RawMessage
	err := d.Breaker.Guard(ctx, t.breakerKey(), func(ctx context.Context) error {
		var err error
		switch method {
		case http.MethodGet:
			out, err = d.API.Get(ctx, t.region, t.workspace, t.token, path)
		case http.MethodPost:
			out, err = d.API.Post(ctx, t.region, t.workspace, t.token, path, body)
		case http.MethodPut:
			out, err = d.API.Put(ctx, t.region, t.workspace, t.token, path, body)
		case http.MethodPatch:
			out, err = d.API.Patch(ctx, t.region, t.workspace, t.token, path, body)
		case http.MethodDelete:
			out, err = d.API.Delete(ctx, t.region, t.workspace, t.token, path)
		default:
			err = errkind.New(errkind.InternalError, "unsupported method %s", method)
		}
		return err
	})
	return out, err
}

// jsonResult renders v as the text payload of a successful call.
func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(errkind.Wrap(errkind.InternalError, err, "rendering result"))
	}
	return mcp.NewToolResultText(string(data))
}

// rawResult relays an upstream JSON body unchanged.
func rawResult(raw json.RawMessage) *mcp.CallToolResult {
	return mcp.NewToolResultText(string(raw))
}

// errorResult renders a classified failure as a tool error payload. Errors
// outside the taxonomy are reported as internal.
func errorResult(err error) *mcp.CallToolResult {
	var kerr *errkind.Error
	if errors.As(err, &kerr) {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", errkind.InternalError, err))
}

// stringSliceArg extracts an array-of-strings argument; absent or malformed
// entries yield nil so the caller's validation reports the problem.
func stringSliceArg(req mcp.CallToolRequest, key string) []string {
	raw, ok := req.GetArguments()[key]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil
		}
		out = append(out, s)
	}
	return out
}

// objectArg extracts an object argument as a generic map, nil when absent.
func objectArg(req mcp.CallToolRequest, key string) map[string]any {
	raw, ok := req.GetArguments()[key]
	if !ok {
		return nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	return obj
}
