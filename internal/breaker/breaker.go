// Package breaker implements a per-target circuit breaker. Each target key
// (one workspace API host, or one server's channel endpoint) carries its own
// failure counter; once consecutive failures reach the threshold the breaker
// opens and calls fail fast with CircuitOpen until a cooldown elapses, after
// which a single half-open trial decides whether to close again.
package breaker

import (
	"context"
	"sync"
	"time"

	"alpacon-mcp/internal/errkind"
)

// State is the breaker position for one target key.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultThreshold = 5
	defaultCooldown  = 30 * time.Second
)

type target struct {
	state    State
	failures int
	openedAt time.Time
	trialing bool // one probe admitted while half-open
}

// Breaker tracks failure state per target key. Safe for concurrent use; the
// internal lock guards only counter updates, never the guarded operation.
type Breaker struct {
	mu        sync.Mutex
	targets   map[string]*target
	threshold int
	cooldown  time.Duration
	now       func() time.Time // stubbed in tests
}

// New builds a Breaker. Non-positive threshold or cooldown fall back to the
// defaults (5 consecutive failures, 30s cooldown).
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Breaker{
		targets:   make(map[string]*target),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call to key may proceed. While open it returns a
// CircuitOpen error until the cooldown elapses; then it admits exactly one
// half-open trial, rejecting further callers until Record settles the trial.
func (b *Breaker) Allow(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.targets[key]
	if !ok {
		return nil
	}

	switch t.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(t.openedAt) < b.cooldown {
			return errkind.New(errkind.CircuitOpen,
				"target %s is failing; retry after %s", key, b.remainingLocked(t).Round(time.Second))
		}
		t.state = StateHalfOpen
		t.trialing = true
		return nil
	case StateHalfOpen:
		if t.trialing {
			return errkind.New(errkind.CircuitOpen,
				"target %s is under a half-open trial; retry shortly", key)
		}
		t.trialing = true
		return nil
	default:
		return nil
	}
}

// Record settles the outcome of a call previously admitted by Allow.
// Success closes the breaker and zeroes the counter; failure increments it,
// opening at the threshold. A half-open failure reopens immediately and
// restamps the cooldown. Validation failures should not be recorded — they
// never reached the target.
func (b *Breaker) Record(key string, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.targets[key]
	if !ok {
		if callErr == nil {
			return
		}
		t = &target{}
		b.targets[key] = t
	}

	if callErr == nil {
		t.state = StateClosed
		t.failures = 0
		t.trialing = false
		return
	}

	t.trialing = false
	t.failures++
	if t.state == StateHalfOpen || t.failures >= b.threshold {
		t.state = StateOpen
		t.openedAt = b.now()
	}
}

// Guard runs op under the breaker for key: Allow, then op, then Record.
// ValidationError outcomes are surfaced but not recorded against the target.
func (b *Breaker) Guard(ctx context.Context, key string, op func(context.Context) error) error {
	if err := b.Allow(key); err != nil {
		return err
	}
	err := op(ctx)
	if errkind.KindOf(err) == errkind.ValidationError {
		return err
	}
	b.Record(key, err)
	return err
}

// Snapshot reports the current state and consecutive-failure count for key,
// for diagnostics and tests.
func (b *Breaker) Snapshot(key string) (State, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.targets[key]
	if !ok {
		return StateClosed, 0
	}
	return t.state, t.failures
}

// Reset clears the state for key, e.g. after an operator replaces a target.
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.targets, key)
}

func (b *Breaker) remainingLocked(t *target) time.Duration {
	rem := b.cooldown - b.now().Sub(t.openedAt)
	if rem < 0 {
		return 0
	}
	return rem
}
