package websh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alpacon-mcp/internal/api"
	"alpacon-mcp/internal/breaker"
	"alpacon-mcp/internal/config"
)

// fakePlatform serves the session REST endpoints and the websh streaming
// endpoint from one httptest server, standing in for a workspace API host.
type fakePlatform struct {
	t   *testing.T
	srv *httptest.Server

	// script runs per accepted websocket connection. Defaults to an
	// echo-style executor; tests override it to shape frame traffic.
	script func(ctx context.Context, conn *websocket.Conn)

	mu          sync.Mutex
	sessionSeq  int
	createReqs  []sessionCreateRequest
	closedIDs   []string
	received    []string // commands seen by the default executor
	rejectDials int      // upgrade attempts to refuse with 503 before accepting
	omitWSURL   bool     // leave websocket_url out of the create response
	emptyCreate bool     // respond to create with an empty object
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()

	fp := &fakePlatform{t: t}
	fp.script = fp.defaultScript

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websh/sessions/", fp.handleSessions)
	mux.HandleFunc("/ws/websh/", fp.handleStream)
	fp.srv = httptest.NewServer(mux)
	t.Cleanup(fp.srv.Close)
	return fp
}

func (fp *fakePlatform) handleSessions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/websh/sessions/")

	if rest == "" && r.Method == http.MethodPost {
		var req sessionCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		fp.mu.Lock()
		fp.sessionSeq++
		id := "sess-" + strconv.Itoa(fp.sessionSeq)
		fp.createReqs = append(fp.createReqs, req)
		empty, omit := fp.emptyCreate, fp.omitWSURL
		fp.mu.Unlock()

		if empty {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{}`))
			return
		}

		resp := sessionCreateResponse{ID: id, UserChannelID: "chan-" + strconv.Itoa(fp.sessionSeq)}
		if !omit {
			resp.WebsocketURL = fp.srv.URL + "/ws/websh/" + id + "/" + resp.UserChannelID + "/tok/"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	if id, ok := strings.CutSuffix(rest, "/close/"); ok && r.Method == http.MethodPost {
		fp.mu.Lock()
		fp.closedIDs = append(fp.closedIDs, id)
		fp.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
		return
	}

	http.NotFound(w, r)
}

func (fp *fakePlatform) handleStream(w http.ResponseWriter, r *http.Request) {
	fp.mu.Lock()
	if fp.rejectDials > 0 {
		fp.rejectDials--
		fp.mu.Unlock()
		http.Error(w, "upgrade refused", http.StatusServiceUnavailable)
		return
	}
	script := fp.script
	fp.mu.Unlock()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	script(context.Background(), conn)
}

// defaultScript answers each command frame with one partial data frame and
// one final frame. Commands starting with "hang" get no answer; "exit N"
// reports exit status N.
func (fp *fakePlatform) defaultScript(ctx context.Context, conn *websocket.Conn) {
	for {
		frame, err := readCommand(ctx, conn)
		if err != nil {
			return
		}

		fp.mu.Lock()
		fp.received = append(fp.received, frame.Command)
		fp.mu.Unlock()

		if strings.HasPrefix(frame.Command, "hang") {
			continue
		}
		if code, ok := strings.CutPrefix(frame.Command, "exit "); ok {
			n, _ := strconv.Atoi(code)
			_ = writeFrame(ctx, conn, inboundFrame{Token: frame.Token, Final: true, ExitStatus: &n})
			continue
		}

		_ = writeFrame(ctx, conn, inboundFrame{Token: frame.Token, Data: "ran:"})
		zero := 0
		_ = writeFrame(ctx, conn, inboundFrame{Token: frame.Token, Data: frame.Command, Final: true, ExitStatus: &zero})
	}
}

func readCommand(ctx context.Context, conn *websocket.Conn) (outboundFrame, error) {
	var frame outboundFrame
	_, data, err := conn.Read(ctx)
	if err != nil {
		return frame, err
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, err
	}
	return frame, nil
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame inboundFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (fp *fakePlatform) sessionCount() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.sessionSeq
}

func (fp *fakePlatform) closedSessions() []string {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return append([]string(nil), fp.closedIDs...)
}

func (fp *fakePlatform) receivedCommands() []string {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return append([]string(nil), fp.received...)
}

func (fp *fakePlatform) createRequests() []sessionCreateRequest {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return append([]sessionCreateRequest(nil), fp.createReqs...)
}

func (fp *fakePlatform) client() *api.Client {
	return api.New("test", api.WithBaseURL(func(region, workspace string) string {
		return fp.srv.URL
	}))
}

// newTestPool wires a pool against the fake platform with a token already
// configured for dev/acme and fast-failing test settings.
func newTestPool(t *testing.T, fp *fakePlatform, mutate func(*config.WebshSettings)) *Pool {
	t.Helper()

	store, err := config.NewTokenStore(filepath.Join(t.TempDir(), "token.json"))
	require.NoError(t, err)
	require.NoError(t, store.Set("dev", "acme", "alpat-test-token"))

	settings := config.WebshSettings{
		ConnectTimeout: config.Duration(5 * time.Second),
		CommandTimeout: config.Duration(5 * time.Second),
		IdleTimeout:    config.Duration(5 * time.Minute),
		HealthInterval: config.Duration(30 * time.Second),
		DefaultRows:    24,
		DefaultCols:    80,
	}
	if mutate != nil {
		mutate(&settings)
	}

	pool := NewPool(fp.client(), store, breaker.New(5, 30*time.Second), settings)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})
	return pool
}

func acquire(t *testing.T, pool *Pool, serverID string) *Channel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := pool.Acquire(ctx, "dev", "acme", serverID, "")
	require.NoError(t, err)
	return ch
}

func TestCreateSessionDefaultsTerminalSize(t *testing.T) {
	fp := newFakePlatform(t)

	ctx := context.Background()
	sess, err := CreateSession(ctx, fp.client(), "alpat-tok", "dev", "acme", "srv-1", "deploy", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.ID)
	assert.Equal(t, "srv-1", sess.ServerID)

	reqs := fp.createRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "srv-1", reqs[0].Server)
	assert.Equal(t, "deploy", reqs[0].Username)
	assert.Equal(t, 24, reqs[0].Rows)
	assert.Equal(t, 80, reqs[0].Cols)
}

func TestCreateSessionComposesEndpointWhenOmitted(t *testing.T) {
	fp := newFakePlatform(t)
	fp.omitWSURL = true

	sess, err := CreateSession(context.Background(), fp.client(), "alpat-tok", "dev", "acme", "srv-1", "", 24, 80)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sess.WebsocketURL, "ws://"), "got %q", sess.WebsocketURL)
	assert.Contains(t, sess.WebsocketURL, "/ws/websh/sess-1/chan-1/alpat-tok/")
}

func TestCreateSessionMissingIDFails(t *testing.T) {
	fp := newFakePlatform(t)
	fp.emptyCreate = true

	_, err := CreateSession(context.Background(), fp.client(), "alpat-tok", "dev", "acme", "srv-1", "", 24, 80)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session id")
}

func TestCloseSessionHitsCloseEndpoint(t *testing.T) {
	fp := newFakePlatform(t)

	sess, err := CreateSession(context.Background(), fp.client(), "alpat-tok", "dev", "acme", "srv-1", "", 24, 80)
	require.NoError(t, err)

	CloseSession(context.Background(), fp.client(), "alpat-tok", sess)
	assert.Equal(t, []string{"sess-1"}, fp.closedSessions())
}

func TestPTYURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "trailing slash",
			in:   "wss://acme.ap1.alpacon.io/ws/websh/sess-1/chan-1/tok/",
			want: "wss://acme.ap1.alpacon.io/ws/websh/sess-1/pty/chan-1/tok/",
		},
		{
			name: "no trailing slash",
			in:   "wss://acme.ap1.alpacon.io/ws/websh/sess-1/chan-1/tok",
			want: "wss://acme.ap1.alpacon.io/ws/websh/sess-1/pty/chan-1/tok",
		},
		{
			name: "unrecognized layout unchanged",
			in:   "wss://acme.ap1.alpacon.io/ws/other/sess-1/chan-1/tok/",
			want: "wss://acme.ap1.alpacon.io/ws/other/sess-1/chan-1/tok/",
		},
		{
			name: "too short unchanged",
			in:   "wss://host/ws/websh/",
			want: "wss://host/ws/websh/",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, PTYURL(tc.in))
		})
	}
}
