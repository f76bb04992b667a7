package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alpacon-mcp/internal/errkind"
)

const (
	testServerID  = "3f2c8a14-9b7d-4e61-a2f5-0c1d2e3f4a5b"
	testServerID2 = "6a5b4c3d-2e1f-4a9b-8c7d-6e5f4a3b2c1d"
	testServerID3 = "9e8d7c6b-5a4f-4e3d-b2c1-0a9b8c7d6e5f"
	testCommandID = "c0ffee00-1234-4abc-9def-567890abcdef"
)

func TestCommandExecuteQueuesCommand(t *testing.T) {
	d, fake := newTestDeps(t)
	fake.stub(http.MethodPost, "/api/events/commands/", http.StatusCreated,
		`{"id":"`+testCommandID+`","server":"`+testServerID+`","line":"uptime"}`)

	res, err := d.handleCommandExecute(context.Background(), callReq("command_execute", targetArgs(map[string]any{
		"server_id": testServerID,
		"command":   "uptime",
	})))
	require.NoError(t, err)
	require.False(t, res.IsError, textOf(t, res))

	var out struct {
		CommandID string `json:"command_id"`
		ServerID  string `json:"server_id"`
		Command   string `json:"command"`
		Shell     string `json:"shell"`
	}
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &out))
	assert.Equal(t, testCommandID, out.CommandID)
	assert.Equal(t, testServerID, out.ServerID)
	assert.Equal(t, "uptime", out.Command)
	assert.Equal(t, "internal", out.Shell, "async execution defaults to the agent shell")

	calls := fake.callsTo(http.MethodPost, "/api/events/commands/")
	require.Len(t, calls, 1)
	var body map[string]any
	require.NoError(t, json.Unmarshal(calls[0].Body, &body))
	assert.Equal(t, testServerID, body["server"])
	assert.Equal(t, "uptime", body["line"])
	assert.Equal(t, "internal", body["shell"])
	assert.Equal(t, "alpacon", body["groupname"])
	assert.NotContains(t, body, "username")
	assert.NotContains(t, body, "env")
}

func TestCommandExecuteCarriesUsernameAndEnv(t *testing.T) {
	d, fake := newTestDeps(t)
	fake.stub(http.MethodPost, "/api/events/commands/", http.StatusCreated, `{"id":"`+testCommandID+`"}`)

	res, err := d.handleCommandExecute(context.Background(), callReq("command_execute", targetArgs(map[string]any{
		"server_id": testServerID,
		"command":   "env",
		"username":  "deploy",
		"env":       map[string]any{"APP_ENV": "staging"},
	})))
	require.NoError(t, err)
	require.False(t, res.IsError, textOf(t, res))

	calls := fake.callsTo(http.MethodPost, "/api/events/commands/")
	require.Len(t, calls, 1)
	var body map[string]any
	require.NoError(t, json.Unmarshal(calls[0].Body, &body))
	assert.Equal(t, "deploy", body["username"])
	assert.Equal(t, map[string]any{"APP_ENV": "staging"}, body["env"])
}

func TestCommandExecuteAcceptsArrayQueueResponse(t *testing.T) {
	d, fake := newTestDeps(t)
	fake.stub(http.MethodPost, "/api/events/commands/", http.StatusCreated,
		`[{"id":"`+testCommandID+`"},{"id":"other"}]`)

	res, err := d.handleCommandExecute(context.Background(), callReq("command_execute", targetArgs(map[string]any{
		"server_id": testServerID,
		"command":   "uptime",
	})))
	require.NoError(t, err)
	require.False(t, res.IsError, textOf(t, res))
	assert.Contains(t, textOf(t, res), testCommandID)
}

func TestCommandExecuteRejectsEmptyCommand(t *testing.T) {
	d, fake := newTestDeps(t)

	res, err := d.handleCommandExecute(context.Background(), callReq("command_execute", targetArgs(map[string]any{
		"server_id": testServerID,
		"command":   "",
	})))
	require.NoError(t, err)
	msg := requireToolError(t, res, errkind.ValidationError)
	assert.Contains(t, msg, "command")
	assert.Empty(t, fake.recorded())
}

func TestCommandExecuteReportsMissingQueueID(t *testing.T) {
	d, fake := newTestDeps(t)
	fake.stub(http.MethodPost, "/api/events/commands/", http.StatusCreated, `{"status":"queued"}`)

	res, err := d.handleCommandExecute(context.Background(), callReq("command_execute", targetArgs(map[string]any{
		"server_id": testServerID,
		"command":   "uptime",
	})))
	require.NoError(t, err)
	msg := requireToolError(t, res, errkind.UpstreamError)
	assert.Contains(t, msg, "no id")
}

func TestCommandExecuteSyncPollsUntilFinished(t *testing.T) {
	d, fake := newTestDeps(t)
	fake.stub(http.MethodPost, "/api/events/commands/", http.StatusCreated, `{"id":"`+testCommandID+`"}`)
	fake.stub(http.MethodGet, "/api/events/commands/"+testCommandID+"/", http.StatusOK,
		`{"id":"`+testCommandID+`","finished_at":null}`)
	fake.stub(http.MethodGet, "/api/events/commands/"+testCommandID+"/", http.StatusOK,
		`{"id":"`+testCommandID+`","finished_at":"2026-01-02T03:04:05Z","result":"14:02 up 3 days"}`)

	res, err := d.handleCommandExecuteSync(context.Background(), callReq("command_execute_sync", targetArgs(map[string]any{
		"server_id": testServerID,
		"command":   "uptime",
		"timeout":   float64(10),
	})))
	require.NoError(t, err)
	require.False(t, res.IsError, textOf(t, res))

	var out struct {
		CommandID string `json:"command_id"`
		Shell     string `json:"shell"`
		Result    struct {
			FinishedAt string `json:"finished_at"`
			Result     string `json:"result"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &out))
	assert.Equal(t, testCommandID, out.CommandID)
	assert.Equal(t, "bash", out.Shell, "synchronous execution defaults to bash")
	assert.Equal(t, "14:02 up 3 days", out.Result.Result)

	polls := fake.callsTo(http.MethodGet, "/api/events/commands/"+testCommandID+"/")
	assert.Len(t, polls, 2, "should poll until finished_at is set")
}

func TestCommandExecuteSyncTimesOut(t *testing.T) {
	d, fake := newTestDeps(t)
	fake.stub(http.MethodPost, "/api/events/commands/", http.StatusCreated, `{"id":"`+testCommandID+`"}`)
	fake.stub(http.MethodGet, "/api/events/commands/"+testCommandID+"/", http.StatusOK,
		`{"id":"`+testCommandID+`","finished_at":null}`)

	res, err := d.handleCommandExecuteSync(context.Background(), callReq("command_execute_sync", targetArgs(map[string]any{
		"server_id": testServerID,
		"command":   "sleep 600",
		"timeout":   float64(0),
	})))
	require.NoError(t, err)
	msg := requireToolError(t, res, errkind.CommandTimeout)
	assert.Contains(t, msg, testCommandID)
	assert.Contains(t, msg, "command_result", "timeout should point at the async result tool")
}

func TestCommandResultRejectsMalformedID(t *testing.T) {
	d, fake := newTestDeps(t)

	res, err := d.handleCommandResult(context.Background(), callReq("command_result", targetArgs(map[string]any{
		"command_id": "not-a-uuid",
	})))
	require.NoError(t, err)
	msg := requireToolError(t, res, errkind.ValidationError)
	assert.Contains(t, msg, "command_id")
	assert.Empty(t, fake.recorded())
}

func TestCommandListBuildsQuery(t *testing.T) {
	d, fake := newTestDeps(t)
	fake.stub(http.MethodGet, "/api/events/commands/", http.StatusOK, `{"count":0,"results":[]}`)

	res, err := d.handleCommandList(context.Background(), callReq("command_list", targetArgs(map[string]any{
		"server_id": testServerID,
		"page":      float64(2),
		"page_size": float64(10),
	})))
	require.NoError(t, err)
	require.False(t, res.IsError, textOf(t, res))

	calls := fake.callsTo(http.MethodGet, "/api/events/commands/")
	require.Len(t, calls, 1)
	assert.Equal(t,
		"/api/events/commands/?ordering=-added_at&page=2&page_size=10&server="+testServerID,
		calls[0].URI)
}

func TestCommandExecuteMultiParallel(t *testing.T) {
	d, fake := newTestDeps(t)
	fake.stub(http.MethodPost, "/api/events/commands/", http.StatusCreated, `{"id":"id-a"}`)
	fake.stub(http.MethodPost, "/api/events/commands/", http.StatusCreated, `{"id":"id-b"}`)
	fake.stub(http.MethodPost, "/api/events/commands/", http.StatusCreated, `{"id":"id-c"}`)

	res, err := d.handleCommandExecuteMulti(context.Background(), callReq("command_execute_multi", targetArgs(map[string]any{
		"server_ids": []any{testServerID, testServerID2, testServerID3},
		"command":    "uptime",
	})))
	require.NoError(t, err)
	require.False(t, res.IsError, textOf(t, res))

	var out struct {
		Execution  string `json:"execution"`
		Total      int    `json:"total"`
		Successful int    `json:"successful"`
		Failed     int    `json:"failed"`
		Results    map[string]struct {
			OK        bool   `json:"ok"`
			CommandID string `json:"command_id"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &out))
	assert.Equal(t, "parallel", out.Execution)
	assert.Equal(t, 3, out.Total)
	assert.Equal(t, 3, out.Successful)
	assert.Equal(t, 0, out.Failed)
	require.Len(t, out.Results, 3)
	for id, entry := range out.Results {
		assert.True(t, entry.OK, "server %s should have queued", id)
		assert.NotEmpty(t, entry.CommandID)
	}

	assert.Len(t, fake.callsTo(http.MethodPost, "/api/events/commands/"), 3)
}

func TestCommandExecuteMultiSequentialReportsFailures(t *testing.T) {
	d, fake := newTestDeps(t)
	fake.stub(http.MethodPost, "/api/events/commands/", http.StatusForbidden, `{"detail":"forbidden"}`)

	res, err := d.handleCommandExecuteMulti(context.Background(), callReq("command_execute_multi", targetArgs(map[string]any{
		"server_ids": []any{testServerID, testServerID2},
		"command":    "uptime",
		"parallel":   false,
	})))
	require.NoError(t, err)
	require.False(t, res.IsError, "per-server failures are reported in the payload, not as a tool error")

	var out struct {
		Execution  string `json:"execution"`
		Successful int    `json:"successful"`
		Failed     int    `json:"failed"`
		Results    map[string]struct {
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &out))
	assert.Equal(t, "sequential", out.Execution)
	assert.Equal(t, 0, out.Successful)
	assert.Equal(t, 2, out.Failed)
	for id, entry := range out.Results {
		assert.False(t, entry.OK, "server %s should have failed", id)
		assert.Contains(t, entry.Error, string(errkind.PermissionDenied))
	}
}

func TestCommandExecuteMultiRequiresServerIDs(t *testing.T) {
	d, fake := newTestDeps(t)

	for _, args := range []map[string]any{
		targetArgs(map[string]any{"command": "uptime"}),
		targetArgs(map[string]any{"command": "uptime", "server_ids": []any{}}),
	} {
		res, err := d.handleCommandExecuteMulti(context.Background(), callReq("command_execute_multi", args))
		require.NoError(t, err)
		msg := requireToolError(t, res, errkind.ValidationError)
		assert.Contains(t, msg, "server_ids")
	}
	assert.Empty(t, fake.recorded())
}

func TestCommandACLList(t *testing.T) {
	d, fake := newTestDeps(t)
	fake.stub(http.MethodGet, "/api/events/commands/acl/", http.StatusOK, `{"results":[]}`)

	res, err := d.handleCommandACLList(context.Background(), callReq("command_acl_list", targetArgs(nil)))
	require.NoError(t, err)
	require.False(t, res.IsError, textOf(t, res))
	require.Len(t, fake.callsTo(http.MethodGet, "/api/events/commands/acl/"), 1)
}
