package tools

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alpacon-mcp/internal/api"
	"alpacon-mcp/internal/breaker"
	"alpacon-mcp/internal/config"
	"alpacon-mcp/internal/errkind"
	"alpacon-mcp/internal/websh"
)

// fakeAPI stands in for a workspace API host. Responses are stubbed per
// method and path (query excluded); stubs queue in order with the last one
// sticky, so poll loops can see state progress. Every request is recorded
// with its full URI and body for assertions.
type fakeAPI struct {
	t   *testing.T
	srv *httptest.Server

	mu    sync.Mutex
	stubs map[string][]stubResponse
	calls []apiCall
}

type stubResponse struct {
	status int
	body   string
}

type apiCall struct {
	Method string
	Path   string
	URI    string
	Auth   string
	Body   []byte
}

func newFakeAPI(t *testing.T) *fakeAPI {
	f := &fakeAPI{t: t, stubs: make(map[string][]stubResponse)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{
		Method: r.Method,
		Path:   r.URL.Path,
		URI:    r.URL.RequestURI(),
		Auth:   r.Header.Get("Authorization"),
		Body:   body,
	})
	key := r.Method + " " + r.URL.Path
	resp := stubResponse{status: http.StatusOK, body: "{}"}
	if queue := f.stubs[key]; len(queue) > 0 {
		resp = queue[0]
		if len(queue) > 1 {
			f.stubs[key] = queue[1:]
		}
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	_, _ = w.Write([]byte(resp.body))
}

func (f *fakeAPI) stub(method, path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := method + " " + path
	f.stubs[key] = append(f.stubs[key], stubResponse{status: status, body: body})
}

func (f *fakeAPI) recorded() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func (f *fakeAPI) callsTo(method, path string) []apiCall {
	var out []apiCall
	for _, c := range f.recorded() {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// newTestDeps builds a Deps wired to a fake API host, with one credential
// configured for acme.dev.
func newTestDeps(t *testing.T) (Deps, *fakeAPI) {
	t.Helper()
	fake := newFakeAPI(t)

	store, err := config.NewTokenStore(filepath.Join(t.TempDir(), "token.json"))
	require.NoError(t, err)
	require.NoError(t, store.Set("dev", "acme", "alpat-test-token"))

	settings := config.DefaultSettings()
	client := api.New("test", api.WithBaseURL(func(region, workspace string) string {
		return fake.srv.URL
	}))
	brk := breaker.New(settings.Breaker.FailureThreshold, settings.Breaker.Cooldown.D())
	pool := websh.NewPool(client, store, brk, settings.Websh)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})

	return Deps{
		API:        client,
		Store:      store,
		Pool:       pool,
		Dispatcher: websh.NewDispatcher(pool, settings.Websh.CommandTimeout.D()),
		Breaker:    brk,
		Settings:   settings,
	}, fake
}

func callReq(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	}
}

// targetArgs returns arguments addressing the configured acme.dev workspace,
// merged with extras.
func targetArgs(extra map[string]any) map[string]any {
	args := map[string]any{"workspace": "acme", "region": "dev"}
	for k, v := range extra {
		args[k] = v
	}
	return args
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

// requireToolError asserts the result is a tool-level failure carrying the
// given kind prefix, and returns the message.
func requireToolError(t *testing.T, res *mcp.CallToolResult, kind errkind.Kind) string {
	t.Helper()
	require.NotNil(t, res)
	require.True(t, res.IsError, "expected an error result")
	msg := textOf(t, res)
	assert.Truef(t, strings.HasPrefix(msg, string(kind)), "message %q should start with kind %s", msg, kind)
	return msg
}

func TestRequireTargetValidationOrder(t *testing.T) {
	d, fake := newTestDeps(t)

	tests := []struct {
		name     string
		args     map[string]any
		wantKind errkind.Kind
		wantIn   string
	}{
		{
			name:     "region checked before workspace",
			args:     map[string]any{"region": "mars", "workspace": "bad name!"},
			wantKind: errkind.ValidationError,
			wantIn:   "region",
		},
		{
			name:     "workspace checked after region",
			args:     map[string]any{"region": "dev", "workspace": "bad name!"},
			wantKind: errkind.ValidationError,
			wantIn:   "workspace",
		},
		{
			name:     "token resolved last",
			args:     map[string]any{"region": "dev", "workspace": "unconfigured"},
			wantKind: errkind.AuthError,
			wantIn:   "no token configured for unconfigured.dev",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := d.handleServerList(context.Background(), callReq("server_list", tt.args))
			require.NoError(t, err)
			msg := requireToolError(t, res, tt.wantKind)
			assert.Contains(t, msg, tt.wantIn)
		})
	}

	assert.Empty(t, fake.recorded(), "validation failures must not reach the API")
}

func TestRequireTargetChecksServerIDsBeforeToken(t *testing.T) {
	d, fake := newTestDeps(t)

	res, err := d.handleServerGet(context.Background(), callReq("server_get",
		map[string]any{"region": "dev", "workspace": "unconfigured", "server_id": "not-a-uuid"}))
	require.NoError(t, err)
	msg := requireToolError(t, res, errkind.ValidationError)
	assert.Contains(t, msg, "server_id")
	assert.Empty(t, fake.recorded())
}

func TestCallAPISendsTokenAuth(t *testing.T) {
	d, fake := newTestDeps(t)
	fake.stub(http.MethodGet, "/api/servers/servers/", http.StatusOK, `{"count":0,"results":[]}`)

	res, err := d.handleServerList(context.Background(), callReq("server_list", targetArgs(nil)))
	require.NoError(t, err)
	require.False(t, res.IsError)

	calls := fake.callsTo(http.MethodGet, "/api/servers/servers/")
	require.Len(t, calls, 1)
	assert.Equal(t, `token="alpat-test-token"`, calls[0].Auth)
}

func TestCallAPIBreakerFastFailsAfterThreshold(t *testing.T) {
	d, fake := newTestDeps(t)
	d.Breaker = breaker.New(1, time.Hour)
	fake.stub(http.MethodGet, "/api/servers/servers/", http.StatusInternalServerError, `{"detail":"boom"}`)

	res, err := d.handleServerList(context.Background(), callReq("server_list", targetArgs(nil)))
	require.NoError(t, err)
	requireToolError(t, res, errkind.UpstreamError)

	res, err = d.handleServerList(context.Background(), callReq("server_list", targetArgs(nil)))
	require.NoError(t, err)
	requireToolError(t, res, errkind.CircuitOpen)

	assert.Len(t, fake.recorded(), 1, "open circuit must not issue requests")
}

func TestCallAPIRejectsUnknownMethod(t *testing.T) {
	d, fake := newTestDeps(t)

	tgt := target{region: "dev", workspace: "acme", token: "alpat-test-token"}
	_, err := d.callAPI(context.Background(), tgt, "TRACE", "/api/servers/servers/", nil)
	require.Error(t, err)
	assert.Equal(t, errkind.InternalError, errkind.KindOf(err))
	assert.Empty(t, fake.recorded())
}

func TestStringSliceArg(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want []string
	}{
		{"absent", map[string]any{}, nil},
		{"not an array", map[string]any{"items": "a,b"}, nil},
		{"mixed types", map[string]any{"items": []any{"a", 1}}, nil},
		{"strings", map[string]any{"items": []any{"a", "b"}}, []string{"a", "b"}},
		{"empty array", map[string]any{"items": []any{}}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stringSliceArg(callReq("x", tt.args), "items")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestObjectArg(t *testing.T) {
	req := callReq("x", map[string]any{
		"env":  map[string]any{"PATH": "/bin"},
		"flat": "nope",
	})
	assert.Equal(t, map[string]any{"PATH": "/bin"}, objectArg(req, "env"))
	assert.Nil(t, objectArg(req, "flat"))
	assert.Nil(t, objectArg(req, "absent"))
}
