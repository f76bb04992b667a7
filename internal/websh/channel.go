package websh

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"alpacon-mcp/internal/errkind"
	"alpacon-mcp/pkg/logging"
)

// State is a channel's position in its lifecycle.
type State int

const (
	StateCreated State = iota
	StateConnecting
	StateConnected
	StateExecuting
	StateIdle
	StateClosing
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateExecuting:
		return "executing"
	case StateIdle:
		return "idle"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Key identifies the one channel a (server, workspace, region) triple may
// have at a time.
type Key struct {
	ServerID  string
	Workspace string
	Region    string
}

func (k Key) String() string {
	return k.Workspace + "." + k.Region + "/" + k.ServerID
}

// outcome is the resolution of one in-flight command.
type outcome struct {
	output     string
	exitStatus *int
	err        error
}

// pendingCommand correlates one sent command with its response frames. The
// done channel is buffered so resolution never blocks the receive loop.
type pendingCommand struct {
	token  string
	sentAt time.Time
	output []byte
	done   chan outcome
}

const maxFrameBytes = 4 << 20 // 4 MiB read limit per message

// Channel is one live streaming connection bound to a session's user
// channel. It is owned exclusively by the Pool; dispatchers borrow a
// reference for the duration of one send/await cycle. All channels of a pool
// may be used concurrently; one channel serializes its writers through
// sendMu.
type Channel struct {
	key     Key
	session Session

	conn *websocket.Conn

	// mu guards state, pending, order, inFlight, lastActive, and closeErr.
	// It is never held across a dial, a frame write, or the pool's lock.
	mu         sync.Mutex
	state      State
	pending    map[string]*pendingCommand
	order      []string // token FIFO, for diagnostics and deterministic teardown
	inFlight   int
	lastActive time.Time
	closeErr   error

	// sendMu serializes frame writes; no two sends interleave on the wire.
	sendMu sync.Mutex

	readCancel context.CancelFunc
	done       chan struct{} // closed once teardown has fully completed

	connectTimeout time.Duration
	origin         string

	// onClose lets the pool drop its registry entry; called after the
	// channel's own lock is released.
	onClose func(*Channel)
	// closeSession asks the API to reap the session, best effort.
	closeSession func(Session)

	closeOnce sync.Once
}

func newChannel(key Key, sess Session, connectTimeout time.Duration, origin string) *Channel {
	return &Channel{
		key:            key,
		session:        sess,
		state:          StateCreated,
		pending:        make(map[string]*pendingCommand),
		lastActive:     time.Now(),
		done:           make(chan struct{}),
		connectTimeout: connectTimeout,
		origin:         origin,
	}
}

// Key returns the registry key the channel is filed under.
func (c *Channel) Key() Key { return c.key }

// Session returns the session the channel is bound to.
func (c *Channel) Session() Session { return c.session }

// State reports the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Alive reports whether the channel can accept commands now or soon.
func (c *Channel) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateConnected, StateExecuting, StateIdle:
		return true
	default:
		return false
	}
}

// Done is closed when the channel has fully torn down.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err reports why the channel died; nil while alive.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Touch stamps activity, deferring idle eviction.
func (c *Channel) Touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	if c.state == StateIdle {
		c.state = StateConnected
	}
	c.mu.Unlock()
}

// IdleFor reports how long the channel has been without traffic.
func (c *Channel) IdleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActive)
}

// PendingCount reports in-flight commands, for the pool's health pass.
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// markIdleIfQuiet flips Connected→Idle when the channel has had no traffic
// and no in-flight commands for at least quiet. Idle channels are the ones
// the health pass pings and the eviction pass may close.
func (c *Channel) markIdleIfQuiet(quiet time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnected && c.inFlight == 0 && time.Since(c.lastActive) >= quiet {
		c.state = StateIdle
	}
}

// connect dials the session's endpoint and starts the receive loop.
// Created→Connecting→Connected on success; Errored with ChannelConnectFailed
// on dial or handshake failure.
func (c *Channel) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateCreated {
		current := c.state
		c.mu.Unlock()
		return errkind.New(errkind.InternalError, "connect called on a %s channel", current)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	header := http.Header{}
	if c.origin != "" {
		header.Set("Origin", c.origin)
	}

	conn, resp, err := websocket.Dial(dialCtx, c.session.WebsocketURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		connectErr := errkind.Wrap(errkind.ChannelConnectFailed, err,
			"dialing channel for %s (handshake status %d)", c.key, status)
		c.Close(connectErr)
		return connectErr
	}
	conn.SetReadLimit(maxFrameBytes)

	readCtx, readCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.lastActive = time.Now()
	c.readCancel = readCancel
	c.mu.Unlock()

	go c.readLoop(readCtx, conn)

	logging.Debug("websh", "channel %s connected", c.key)
	return nil
}

// readLoop continuously reads inbound frames and matches them to pending
// commands by token. It exits when the connection dies or the channel is
// closed, tearing down either way.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				c.Close(nil)
			} else {
				c.Close(errkind.Wrap(errkind.ChannelClosed, err, "channel %s stream failed", c.key))
			}
			return
		}
		c.handleFrame(data)
	}
}

// handleFrame routes one inbound frame. Unmatched tokens — late arrivals
// after a timeout, or unsolicited traffic — are discarded.
func (c *Channel) handleFrame(data []byte) {
	frame, err := decodeFrame(data)
	if err != nil {
		logging.Warn("websh", "channel %s: discarding malformed frame (%d bytes): %v", c.key, len(data), err)
		return
	}

	c.mu.Lock()
	c.lastActive = time.Now()

	p, ok := c.pending[frame.Token]
	if !ok {
		c.mu.Unlock()
		logging.Debug("websh", "channel %s: discarding frame for unknown token %s", c.key, frame.Token)
		return
	}

	p.output = append(p.output, frame.Data...)
	if !frame.Final {
		c.mu.Unlock()
		return
	}

	// Final frame: resolve exactly once and forget the entry.
	c.removePendingLocked(frame.Token)
	p.done <- outcome{output: string(p.output), exitStatus: frame.ExitStatus}
	c.mu.Unlock()
}

// beginCommand registers a correlation entry and accounts the channel as
// executing. Fails with ChannelClosed when the channel cannot take traffic.
func (c *Channel) beginCommand(token string) (*pendingCommand, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateConnected, StateExecuting, StateIdle:
	default:
		err := c.closeErr
		if err != nil {
			return nil, errkind.Wrap(errkind.ChannelClosed, err, "channel %s is %s", c.key, c.state)
		}
		return nil, errkind.New(errkind.ChannelClosed, "channel %s is %s", c.key, c.state)
	}

	p := &pendingCommand{
		token:  token,
		sentAt: time.Now(),
		done:   make(chan outcome, 1),
	}
	c.pending[token] = p
	c.order = append(c.order, token)
	c.inFlight++
	c.state = StateExecuting
	c.lastActive = time.Now()
	return p, nil
}

// finishCommand balances beginCommand once the send/await cycle ends,
// whatever the outcome.
func (c *Channel) finishCommand() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight > 0 {
		c.inFlight--
	}
	if c.state == StateExecuting && c.inFlight == 0 {
		c.state = StateConnected
	}
	c.lastActive = time.Now()
}

// abandonPending removes one correlation entry, telling the receive loop to
// discard any frames that arrive for it later. Reports whether the entry was
// still pending; false means it resolved concurrently and its outcome sits
// in the buffered done channel.
func (c *Channel) abandonPending(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[token]; !ok {
		return false
	}
	c.removePendingLocked(token)
	return true
}

func (c *Channel) removePendingLocked(token string) {
	delete(c.pending, token)
	for i, t := range c.order {
		if t == token {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// send writes one command frame. The send lock guarantees no two frame
// writes interleave; it is released before any await. A write failure kills
// the channel.
func (c *Channel) send(ctx context.Context, frame outboundFrame) error {
	payload, err := encodeFrame(frame)
	if err != nil {
		return errkind.Wrap(errkind.InternalError, err, "encoding command frame")
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	alive := c.state == StateConnected || c.state == StateExecuting || c.state == StateIdle
	c.mu.Unlock()
	if !alive || conn == nil {
		return errkind.New(errkind.ChannelClosed, "channel %s is not connected", c.key)
	}

	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		writeErr := errkind.Wrap(errkind.ChannelClosed, err, "channel %s write failed", c.key)
		c.Close(writeErr)
		return writeErr
	}
	return nil
}

// Ping round-trips a websocket ping, refreshing the activity stamp on
// success. Used by the pool's health pass on idle channels.
func (c *Channel) Ping(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errkind.New(errkind.ChannelClosed, "channel %s has no connection", c.key)
	}
	if err := conn.Ping(ctx); err != nil {
		return errkind.Wrap(errkind.ChannelClosed, err, "channel %s ping failed", c.key)
	}
	c.Touch()
	return nil
}

// Close tears the channel down exactly once. A nil reason is a clean
// shutdown (Closing→Closed); a non-nil reason marks the channel Errored and
// is logged with the cause. Either way every still-pending command resolves
// as failed with ChannelClosed, the socket closes, and the pool is told to
// forget the channel.
func (c *Channel) Close(reason error) {
	c.closeOnce.Do(func() { c.teardown(reason) })
}

func (c *Channel) teardown(reason error) {
	c.mu.Lock()

	if reason == nil {
		c.state = StateClosing
	}

	resolveErr := c.closeErr
	if resolveErr == nil {
		if reason != nil {
			resolveErr = reason
		} else {
			resolveErr = errkind.New(errkind.ChannelClosed, "channel %s closed", c.key)
		}
	}
	c.closeErr = resolveErr

	// Resolve every outstanding command in FIFO order, exactly once each.
	for _, token := range c.order {
		if p, ok := c.pending[token]; ok {
			p.done <- outcome{output: string(p.output), err: resolveErr}
			delete(c.pending, token)
		}
	}
	c.order = nil

	if reason != nil {
		c.state = StateErrored
	} else {
		c.state = StateClosed
	}

	conn := c.conn
	c.conn = nil
	readCancel := c.readCancel
	sess := c.session
	c.mu.Unlock()

	if readCancel != nil {
		readCancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
	}

	if reason != nil {
		logging.Error("websh", reason, "channel %s torn down", c.key)
	} else {
		logging.Debug("websh", "channel %s closed", c.key)
	}

	if c.closeSession != nil {
		c.closeSession(sess)
	}
	if c.onClose != nil {
		c.onClose(c)
	}

	close(c.done)
}
