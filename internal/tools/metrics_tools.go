package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"alpacon-mcp/internal/validate"
)

// maxSummaryHours caps the metrics_summary window at one week so the four
// concurrent range queries stay cheap for the platform.
const maxSummaryHours = 168

// RegisterMetricsTools adds the realtime monitoring tools.
func RegisterMetricsTools(s *server.MCPServer, d Deps) {
	s.AddTool(mcp.NewTool("metrics_cpu",
		mcp.WithDescription("Get CPU usage metrics for a server"),
		mcp.WithString("server_id", mcp.Required(), mcp.Description("Server UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("start", mcp.Description("Range start, ISO 8601 (e.g. 2024-01-01T00:00:00Z)")),
		mcp.WithString("end", mcp.Description("Range end, ISO 8601")),
	), d.metricsHandler("/api/metrics/realtime/cpu/"))

	s.AddTool(mcp.NewTool("metrics_memory",
		mcp.WithDescription("Get memory usage metrics for a server"),
		mcp.WithString("server_id", mcp.Required(), mcp.Description("Server UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("start", mcp.Description("Range start, ISO 8601")),
		mcp.WithString("end", mcp.Description("Range end, ISO 8601")),
	), d.metricsHandler("/api/metrics/realtime/memory/"))

	s.AddTool(mcp.NewTool("metrics_disk",
		mcp.WithDescription("Get disk usage metrics for a server"),
		mcp.WithString("server_id", mcp.Required(), mcp.Description("Server UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("device", mcp.Description("Device path (e.g. /dev/sda1)")),
		mcp.WithString("partition", mcp.Description("Partition mount point (e.g. /)")),
		mcp.WithString("start", mcp.Description("Range start, ISO 8601")),
		mcp.WithString("end", mcp.Description("Range end, ISO 8601")),
	), d.metricsHandler("/api/metrics/realtime/disk-usage/", "device", "partition"))

	s.AddTool(mcp.NewTool("metrics_network",
		mcp.WithDescription("Get network traffic metrics for a server"),
		mcp.WithString("server_id", mcp.Required(), mcp.Description("Server UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("interface", mcp.Description("Network interface (e.g. eth0)")),
		mcp.WithString("start", mcp.Description("Range start, ISO 8601")),
		mcp.WithString("end", mcp.Description("Range end, ISO 8601")),
	), d.metricsHandler("/api/metrics/realtime/traffic/", "interface"))

	s.AddTool(mcp.NewTool("metrics_top_cpu",
		mcp.WithDescription("Get the servers with the highest recent CPU usage"),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
	), d.handleMetricsTopCPU)

	s.AddTool(mcp.NewTool("metrics_alert_rules",
		mcp.WithDescription("List configured metric alert rules"),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithString("server_id", mcp.Description("Only rules for this server")),
	), d.handleMetricsAlertRules)

	s.AddTool(mcp.NewTool("metrics_summary",
		mcp.WithDescription("Summarize CPU, memory, disk, and network availability for a server over a recent window"),
		mcp.WithString("server_id", mcp.Required(), mcp.Description("Server UUID")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace name")),
		mcp.WithString("region", mcp.Required(), mcp.Description("API region"), mcp.Enum(validate.Regions()...)),
		mcp.WithNumber("hours", mcp.Description("Hours back from now (default 24, max 168)")),
	), d.handleMetricsSummary)
}

// metricsHandler builds the shared handler for the single-series realtime
// endpoints, which differ only in path and the extra filter params they
// accept.
func (d Deps) metricsHandler(path string, extraParams ...string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		serverID := req.GetString("server_id", "")
		t, fail := d.requireTarget(req, serverID)
		if fail != nil {
			return fail, nil
		}

		params := url.Values{}
		params.Set("server", serverID)
		if start := req.GetString("start", ""); start != "" {
			params.Set("start", start)
		}
		if end := req.GetString("end", ""); end != "" {
			params.Set("end", end)
		}
		for _, name := range extraParams {
			if v := req.GetString(name, ""); v != "" {
				params.Set(name, v)
			}
		}

		raw, err := d.callAPI(ctx, t, http.MethodGet, path+"?"+params.Encode(), nil)
		if err != nil {
			return errorResult(err), nil
		}
		return rawResult(raw), nil
	}
}

func (d Deps) handleMetricsTopCPU(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}
	raw, err := d.callAPI(ctx, t, http.MethodGet, "/api/metrics/realtime/cpu/top/", nil)
	if err != nil {
		return errorResult(err), nil
	}
	return rawResult(raw), nil
}

func (d Deps) handleMetricsAlertRules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, fail := d.requireTarget(req)
	if fail != nil {
		return fail, nil
	}
	path := "/api/metrics/alert-rules/"
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

func (d Deps) handleMetricsSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverID := req.GetString("server_id", "")
	t, fail := d.requireTarget(req, serverID)
	if fail != nil {
		return fail, nil
	}
	hours := req.GetInt("hours", 24)
	if hours > maxSummaryHours {
		hours = maxSummaryHours
	}
	if hours < 1 {
		hours = 1
	}
	end := time.Now().UTC()
	start := end.Add(-time.Duration(hours) * time.Hour)

	params := url.Values{}
	params.Set("server", serverID)
	params.Set("start", start.Format(time.RFC3339))
	params.Set("end", end.Format(time.RFC3339))
	query := "?" + params.Encode()

	sections := []struct {
		name string
		path string
	}{
		{"cpu", "/api/metrics/realtime/cpu/"},
		{"memory", "/api/metrics/realtime/memory/"},
		{"disk", "/api/metrics/realtime/disk-usage/"},
		{"network", "/api/metrics/realtime/traffic/"},
	}

	summaries := make([]map[string]any, len(sections))
	var wg sync.WaitGroup
	for i, sec := range sections {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			raw, err := d.callAPI(ctx, t, http.MethodGet, path+query, nil)
			summaries[i] = summarizeMetric(raw, err)
		}(i, sec.path)
	}
	wg.Wait()

	metrics := make(map[string]any, len(sections))
	for i, sec := range sections {
		metrics[sec.name] = summaries[i]
	}

	return jsonResult(map[string]any{
		"server_id": serverID,
		"time_range": map[string]any{
			"start": start.Format(time.RFC3339),
			"end":   end.Format(time.RFC3339),
			"hours": hours,
		},
		"metrics": metrics,
		"note":    "summary only; use the dedicated metric tools for full data",
	}), nil
}

// summarizeMetric reduces one metric series to its availability and point
// count, so the combined summary stays small regardless of the window.
func summarizeMetric(raw json.RawMessage, err error) map[string]any {
	if err != nil {
		return map[string]any{"available": false, "error": err.Error()}
	}
	var page struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(raw, &page); err == nil && page.Results != nil {
		return map[string]any{"available": true, "data_points": len(page.Results)}
	}
	var series []json.RawMessage
	if err := json.Unmarshal(raw, &series); err == nil {
		return map[string]any{"available": true, "data_points": len(series)}
	}
	return map[string]any{"available": false, "error": "no data available"}
}
