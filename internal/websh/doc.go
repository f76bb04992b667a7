// Package websh implements the persistent remote-command channel subsystem.
//
// A Session is a server-side execution context created through the REST API;
// it yields a websocket endpoint. A Channel is one live websocket connection
// bound to a session's user channel, owning a background receive loop and a
// send lock. The Pool maps (server, workspace, region) keys to live channels,
// creating them on demand, reusing them across tool calls, health-checking
// idle ones, and evicting the stale. The Dispatcher frames commands onto a
// channel with locally generated correlation tokens and matches asynchronous
// response frames back to waiting callers; the batch executor runs command
// sequences over one channel with a stop-on-error policy.
//
// Concurrency contract: many tool calls share one Pool and may share one
// Channel. Registry mutations are serialized by the pool's lock, frame writes
// by each channel's send lock, and no goroutine ever holds both at once.
// Callers cancel waits via context; canceling a wait abandons only that
// caller's correlation entry, never the shared channel.
package websh
