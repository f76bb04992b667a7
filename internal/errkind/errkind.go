// Package errkind defines the closed set of error kinds every failure in the
// server is normalized to before it reaches a tool caller. Transport errors,
// upstream HTTP statuses, and channel faults are all classified here so that
// handlers return structured, stable error identifiers instead of raw
// exception text.
package errkind

import (
	"errors"
	"fmt"
)

// Kind identifies one failure class. The set is closed: callers switch on
// these values, so new kinds are an API change.
type Kind string

const (
	// ValidationError marks bad input caught before any network call.
	ValidationError Kind = "validation_error"
	// AuthError marks a missing or rejected credential.
	AuthError Kind = "auth_error"
	// PermissionDenied marks an authenticated call lacking capability.
	PermissionDenied Kind = "permission_denied"
	// SessionCreateFailed marks a failed websh session creation.
	SessionCreateFailed Kind = "session_create_failed"
	// ChannelConnectFailed marks a failed websocket dial or handshake.
	ChannelConnectFailed Kind = "channel_connect_failed"
	// ChannelClosed marks a channel torn down mid-operation.
	ChannelClosed Kind = "channel_closed"
	// CommandTimeout marks a command whose response did not arrive in time.
	// The remote side may still have executed it.
	CommandTimeout Kind = "command_timeout"
	// CircuitOpen marks a fast-fail while a target's breaker is open.
	CircuitOpen Kind = "circuit_open"
	// UpstreamError marks an unclassified non-2xx response or malformed frame.
	UpstreamError Kind = "upstream_error"
	// InternalError marks an invariant violation inside this process.
	InternalError Kind = "internal_error"
)

// Error carries a Kind plus a human-readable message and optional cause.
// It is the only error type that crosses the tool boundary.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality, so errors.Is(err, errkind.Sentinel(kind)) works
// regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around a cause. A nil cause is
// allowed and equivalent to New.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Sentinel returns a comparison target for errors.Is checks on a kind.
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}

// KindOf extracts the Kind from err. Unclassified non-nil errors report
// InternalError; nil reports the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryableConnect reports whether err is the one failure class the pool
// retries (once, with a fresh session). Timeouts and closed channels are
// deliberately excluded: retrying those could double-execute a command.
func IsRetryableConnect(err error) bool {
	return KindOf(err) == ChannelConnectFailed
}

// FromStatus classifies an upstream HTTP status into a Kind-tagged error.
// The body excerpt is included in the message for operator context; callers
// should pass an already-truncated body.
func FromStatus(status int, body string) *Error {
	switch {
	case status == 401:
		return New(AuthError, "upstream rejected credentials (status %d)", status)
	case status == 403:
		return New(PermissionDenied, "operation not permitted (status %d)", status)
	case status >= 200 && status < 300:
		return nil
	default:
		if body != "" {
			return New(UpstreamError, "upstream returned status %d: %s", status, body)
		}
		return New(UpstreamError, "upstream returned status %d", status)
	}
}
