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

func TestSystemProcEndpoints(t *testing.T) {
	paths := []string{
		"/api/proc/info/",
		"/api/proc/users/",
		"/api/proc/packages/",
	}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			d, fake := newTestDeps(t)
			fake.stub(http.MethodGet, path, http.StatusOK, `{"results":[]}`)

			handler := d.procHandler(path)
			res, err := handler(context.Background(), callReq("system_info", targetArgs(map[string]any{
				"server_id": testServerID,
			})))
			require.NoError(t, err)
			require.False(t, res.IsError, textOf(t, res))

			calls := fake.callsTo(http.MethodGet, path)
			require.Len(t, calls, 1)
			assert.Equal(t, path+"?server="+testServerID, calls[0].URI)
		})
	}
}

func TestSystemDisksMergesSections(t *testing.T) {
	d, fake := newTestDeps(t)
	fake.stub(http.MethodGet, "/api/proc/disks/", http.StatusOK, `[{"name":"sda"}]`)
	fake.stub(http.MethodGet, "/api/proc/partitions/", http.StatusOK, `[{"mount":"/"},{"mount":"/var"}]`)

	res, err := d.handleSystemDisks(context.Background(), callReq("system_disks", targetArgs(map[string]any{
		"server_id": testServerID,
	})))
	require.NoError(t, err)
	require.False(t, res.IsError, textOf(t, res))

	var out struct {
		ServerID   string           `json:"server_id"`
		Disks      []map[string]any `json:"disks"`
		Partitions []map[string]any `json:"partitions"`
	}
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &out))
	assert.Equal(t, testServerID, out.ServerID)
	assert.Len(t, out.Disks, 1)
	assert.Len(t, out.Partitions, 2)

	require.Len(t, fake.callsTo(http.MethodGet, "/api/proc/disks/"), 1)
	require.Len(t, fake.callsTo(http.MethodGet, "/api/proc/partitions/"), 1)
}

func TestSystemDisksToleratesPartialFailure(t *testing.T) {
	d, fake := newTestDeps(t)
	fake.stub(http.MethodGet, "/api/proc/disks/", http.StatusInternalServerError, `{"detail":"collector down"}`)
	fake.stub(http.MethodGet, "/api/proc/partitions/", http.StatusOK, `[{"mount":"/"}]`)

	res, err := d.handleSystemDisks(context.Background(), callReq("system_disks", targetArgs(map[string]any{
		"server_id": testServerID,
	})))
	require.NoError(t, err)
	require.False(t, res.IsError, "one failing section must not fail the merge")

	var out struct {
		Disks      map[string]any   `json:"disks"`
		Partitions []map[string]any `json:"partitions"`
	}
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &out))
	require.Contains(t, out.Disks, "error")
	assert.Contains(t, out.Disks["error"], string(errkind.UpstreamError))
	assert.Len(t, out.Partitions, 1)
}
