package websh

import (
	"context"
	"time"

	"github.com/google/uuid"

	"alpacon-mcp/internal/errkind"
	"alpacon-mcp/pkg/logging"
)

// fallbackTimeout bounds a command whose caller passed no timeout. Callers
// normally pass the configured command timeout; this only guards misuse.
const fallbackTimeout = 10 * time.Second

// Dispatcher pairs the pool with the configured default command timeout, so
// tool handlers route commands through one seam.
type Dispatcher struct {
	pool           *Pool
	defaultTimeout time.Duration
}

// NewDispatcher builds a Dispatcher. A non-positive defaultTimeout falls
// back to 10 seconds.
func NewDispatcher(pool *Pool, defaultTimeout time.Duration) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = fallbackTimeout
	}
	return &Dispatcher{pool: pool, defaultTimeout: defaultTimeout}
}

// Run acquires the channel for the target and executes one command on it.
// Acquisition failures come back inside the Result so callers always get the
// same shape.
func (d *Dispatcher) Run(ctx context.Context, region, workspace, serverID, username, command string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	ch, err := d.pool.Acquire(ctx, region, workspace, serverID, username)
	if err != nil {
		return Result{Command: command, Err: err}
	}
	defer d.pool.Release(ch)

	res := Execute(ctx, ch, command, timeout)
	res.Command = command
	return res
}

// RunBatch acquires the channel for the target once and executes the whole
// batch on it.
func (d *Dispatcher) RunBatch(ctx context.Context, region, workspace, serverID, username string, commands []string, stopOnError bool, timeout time.Duration) (BatchResult, error) {
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	ch, err := d.pool.Acquire(ctx, region, workspace, serverID, username)
	if err != nil {
		return BatchResult{}, err
	}
	defer d.pool.Release(ch)

	return ExecuteBatch(ctx, ch, commands, stopOnError, timeout), nil
}

// Result is the outcome of one command on one channel.
type Result struct {
	Command    string        `json:"command,omitempty"`
	Output     string        `json:"output"`
	ExitStatus *int          `json:"exit_status,omitempty"`
	Elapsed    time.Duration `json:"-"`
	Err        error         `json:"-"`
}

// Ok reports whether the command completed and, when the server reported an
// exit status, exited zero.
func (r Result) Ok() bool {
	return r.Err == nil && (r.ExitStatus == nil || *r.ExitStatus == 0)
}

// BatchResult is the outcome of a sequential command batch.
type BatchResult struct {
	Results   []Result
	Executed  int
	Truncated bool
}

// Execute runs one command on the channel and waits for its completion
// frame, the timeout, or context cancellation, whichever comes first. Every
// command gets a fresh correlation token, so responses match commands even
// when the server interleaves frames from earlier commands.
func Execute(ctx context.Context, ch *Channel, command string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = fallbackTimeout
	}
	start := time.Now()

	token := uuid.NewString()
	pending, err := ch.beginCommand(token)
	if err != nil {
		return Result{Err: err, Elapsed: time.Since(start)}
	}
	defer ch.finishCommand()

	if err := ch.send(ctx, outboundFrame{Token: token, Command: command}); err != nil {
		// The send path closes the channel on write failure, which resolves
		// every pending command. Prefer that resolution when it won the race.
		if !ch.abandonPending(token) {
			out := <-pending.done
			return Result{Output: out.output, ExitStatus: out.exitStatus, Err: out.err, Elapsed: time.Since(start)}
		}
		return Result{Err: err, Elapsed: time.Since(start)}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-pending.done:
		return Result{Output: out.output, ExitStatus: out.exitStatus, Err: out.err, Elapsed: time.Since(start)}

	case <-timer.C:
		if ch.abandonPending(token) {
			logging.Warn("dispatch", "command on %s timed out after %s", ch.Key(), timeout)
			return Result{
				Err:     errkind.New(errkind.CommandTimeout, "command timed out after %s", timeout),
				Elapsed: time.Since(start),
			}
		}
		// The completion frame beat the unregister; take it.
		out := <-pending.done
		return Result{Output: out.output, ExitStatus: out.exitStatus, Err: out.err, Elapsed: time.Since(start)}

	case <-ctx.Done():
		if ch.abandonPending(token) {
			return Result{
				Err:     errkind.Wrap(errkind.CommandTimeout, ctx.Err(), "command canceled"),
				Elapsed: time.Since(start),
			}
		}
		out := <-pending.done
		return Result{Output: out.output, ExitStatus: out.exitStatus, Err: out.err, Elapsed: time.Since(start)}
	}
}

// ExecuteBatch runs commands strictly in order on one channel: each command
// is sent only after the previous one resolved. With stopOnError set, a
// command that fails or exits non-zero stops the batch and the remainder is
// never sent.
func ExecuteBatch(ctx context.Context, ch *Channel, commands []string, stopOnError bool, perCmdTimeout time.Duration) BatchResult {
	var batch BatchResult
	batch.Results = make([]Result, 0, len(commands))

	for i, command := range commands {
		if ctx.Err() != nil {
			batch.Truncated = true
			break
		}

		res := Execute(ctx, ch, command, perCmdTimeout)
		res.Command = command
		batch.Results = append(batch.Results, res)

		if stopOnError && !res.Ok() {
			if i < len(commands)-1 {
				batch.Truncated = true
			}
			break
		}
	}

	batch.Executed = len(batch.Results)
	return batch
}
