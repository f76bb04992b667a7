package websh

import (
	"context"
	"sync"
	"time"

	"alpacon-mcp/internal/api"
	"alpacon-mcp/internal/breaker"
	"alpacon-mcp/internal/config"
	"alpacon-mcp/internal/errkind"
	"alpacon-mcp/pkg/logging"
)

// entry is one registry slot. The creator goroutine installs the slot, does
// the session+dial work outside the pool lock, then publishes the channel
// (or the error) and closes ready. Racing acquirers for the same key block
// on ready instead of creating a second channel.
type entry struct {
	ready chan struct{}
	ch    *Channel
	err   error
}

func (e *entry) published() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// Pool owns every live channel, keyed by (server, workspace, region). It is
// the only structure in the subsystem mutated by many callers; all registry
// mutations happen under one mutex with short critical sections, and the
// lock is never held across session creation, dials, writes, or closes.
type Pool struct {
	apiClient *api.Client
	store     *config.TokenStore
	breaker   *breaker.Breaker
	settings  config.WebshSettings

	mu      sync.Mutex
	entries map[Key]*entry
}

// NewPool builds a Pool. The breaker is shared with the REST tool layer so
// channel failures and API failures count against the same targets.
func NewPool(apiClient *api.Client, store *config.TokenStore, brk *breaker.Breaker, settings config.WebshSettings) *Pool {
	return &Pool{
		apiClient: apiClient,
		store:     store,
		breaker:   brk,
		settings:  settings,
		entries:   make(map[Key]*entry),
	}
}

// Acquire returns the live channel for the key, creating a session and
// dialing a new channel when none exists. Concurrent acquirers of one key
// are serialized: exactly one creates, the rest reuse its result. A
// connect-level failure is retried once with a fresh session before
// surfacing.
func (p *Pool) Acquire(ctx context.Context, region, workspace, serverID, username string) (*Channel, error) {
	key := Key{ServerID: serverID, Workspace: workspace, Region: region}

	for {
		p.mu.Lock()
		e, exists := p.entries[key]
		if !exists {
			e = &entry{ready: make(chan struct{})}
			p.entries[key] = e
			p.mu.Unlock()

			ch, err := p.create(ctx, key, username)
			if err != nil {
				p.mu.Lock()
				if p.entries[key] == e {
					delete(p.entries, key)
				}
				p.mu.Unlock()
				e.err = err
				close(e.ready)
				return nil, err
			}
			e.ch = ch
			close(e.ready)
			return ch, nil
		}
		p.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, errkind.Wrap(errkind.ChannelConnectFailed, ctx.Err(),
				"waiting for channel %s", key)
		}

		if e.err != nil {
			// The creator failed; its error is this caller's error too.
			return nil, e.err
		}

		ch := e.ch
		if ch.Alive() {
			ch.Touch()
			return ch, nil
		}

		// The cached channel died between creation and this acquire. Drop
		// the stale slot and loop to create a fresh one.
		p.removeEntry(key, e)
	}
}

// Release marks the end of a borrow. Channels are shared rather than checked
// out, so this is bookkeeping only: it refreshes the activity stamp that
// idle eviction watches.
func (p *Pool) Release(ch *Channel) {
	if ch != nil {
		ch.Touch()
	}
}

// create runs the breaker-guarded session+dial path for one key. Exactly one
// goroutine per key runs here at a time, so the retry cannot stack.
func (p *Pool) create(ctx context.Context, key Key, username string) (*Channel, error) {
	token, ok := p.store.Get(key.Region, key.Workspace)
	if !ok {
		return nil, errkind.New(errkind.AuthError,
			"no token configured for %s.%s; set one with token_set or `alpacon-mcp login`",
			key.Workspace, key.Region)
	}

	breakerKey := key.String()
	if err := p.breaker.Allow(breakerKey); err != nil {
		return nil, err
	}

	ch, err := p.createOnce(ctx, key, token, username)
	if errkind.IsRetryableConnect(err) {
		logging.Warn("pool", "channel %s connect failed, retrying once with a fresh session: %v", key, err)
		ch, err = p.createOnce(ctx, key, token, username)
	}
	p.breaker.Record(breakerKey, err)
	if err != nil {
		return nil, err
	}

	logging.Info("pool", "channel %s ready (session %s)", key, ch.Session().ID)
	return ch, nil
}

// createOnce builds one session and dials one channel. The channel's
// teardown hooks are wired before the dial so even a failed connect reaps
// its session and drops any registry slot pointing at it.
func (p *Pool) createOnce(ctx context.Context, key Key, token, username string) (*Channel, error) {
	sess, err := CreateSession(ctx, p.apiClient, token,
		key.Region, key.Workspace, key.ServerID, username,
		p.settings.DefaultRows, p.settings.DefaultCols)
	if err != nil {
		return nil, err
	}

	ch := newChannel(key, sess, p.settings.ConnectTimeout.D(), p.apiClient.Origin(key.Region, key.Workspace))
	ch.onClose = func(closed *Channel) { p.forget(closed) }
	ch.closeSession = func(s Session) {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		CloseSession(closeCtx, p.apiClient, token, s)
	}

	if err := ch.connect(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

// forget removes the registry slot that points at ch, if it still does.
// Called from channel teardown, after the channel's own lock is released.
func (p *Pool) forget(ch *Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[ch.Key()]
	if ok && e.published() && e.ch == ch {
		delete(p.entries, ch.Key())
	}
}

// removeEntry drops a published slot when its channel proved dead.
func (p *Pool) removeEntry(key Key, stale *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.entries[key] == stale {
		delete(p.entries, key)
	}
}

// Evict closes and forgets the channel for a key, if one is fully created.
// A slot still being created is left alone: removing it would let a second
// creator race the first and break the one-channel-per-key invariant.
func (p *Pool) Evict(key Key, reason error) bool {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok || !e.published() || e.ch == nil {
		p.mu.Unlock()
		return false
	}
	delete(p.entries, key)
	ch := e.ch
	p.mu.Unlock()

	ch.Close(reason)
	return true
}

// Channels snapshots the fully created channels, for the health pass and
// diagnostics.
func (p *Pool) Channels() []*Channel {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Channel, 0, len(p.entries))
	for _, e := range p.entries {
		if e.published() && e.ch != nil {
			out = append(out, e.ch)
		}
	}
	return out
}

// Len reports how many keys hold a registry slot, counting in-progress
// creations.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// HealthLoop pings idle channels and evicts the unresponsive and the
// long-idle, at the configured cadence, until ctx is canceled. Run it as one
// background goroutine per pool.
func (p *Pool) HealthLoop(ctx context.Context) {
	interval := p.settings.HealthInterval.D()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.HealthPass(ctx)
		}
	}
}

// HealthPass runs one health-check/eviction sweep. Exported so tests and the
// shutdown path can run sweeps deterministically.
func (p *Pool) HealthPass(ctx context.Context) {
	idleLimit := p.settings.IdleTimeout.D()
	quiet := p.settings.HealthInterval.D()

	for _, ch := range p.Channels() {
		if !ch.Alive() {
			// Teardown already ran; make sure the slot is gone.
			p.forget(ch)
			continue
		}

		if idleLimit > 0 && ch.IdleFor() >= idleLimit && ch.PendingCount() == 0 {
			logging.Info("pool", "evicting channel %s idle for %s", ch.Key(), ch.IdleFor().Round(time.Second))
			p.Evict(ch.Key(), nil)
			continue
		}

		ch.markIdleIfQuiet(quiet)
		if ch.State() != StateIdle {
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := ch.Ping(pingCtx)
		cancel()
		if err != nil {
			logging.Warn("pool", "evicting channel %s after failed health ping: %v", ch.Key(), err)
			p.Evict(ch.Key(), errkind.Wrap(errkind.ChannelClosed, err, "health ping failed"))
		}
	}
}

// Shutdown closes every channel and waits for their teardowns, bounded by
// ctx.
func (p *Pool) Shutdown(ctx context.Context) {
	channels := p.Channels()
	for _, ch := range channels {
		ch.Close(nil)
	}
	for _, ch := range channels {
		select {
		case <-ch.Done():
		case <-ctx.Done():
			return
		}
	}
}
