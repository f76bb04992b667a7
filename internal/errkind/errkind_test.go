package errkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorRendering(t *testing.T) {
	plain := New(ValidationError, "workspace %q is malformed", "bad ws")
	assert.Equal(t, `validation_error: workspace "bad ws" is malformed`, plain.Error())

	cause := errors.New("connection reset")
	wrapped := Wrap(ChannelClosed, cause, "channel torn down")
	assert.Equal(t, "channel_closed: channel torn down: connection reset", wrapped.Error())
	assert.Equal(t, cause, errors.Unwrap(wrapped))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil error", err: nil, want: ""},
		{name: "direct kind", err: New(CommandTimeout, "timed out"), want: CommandTimeout},
		{name: "wrapped once", err: fmt.Errorf("dispatch: %w", New(CircuitOpen, "breaker open")), want: CircuitOpen},
		{name: "unclassified", err: errors.New("boom"), want: InternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsMatchesOnKindOnly(t *testing.T) {
	err := Wrap(AuthError, errors.New("401"), "token rejected for acme.ap1")

	assert.True(t, errors.Is(err, Sentinel(AuthError)))
	assert.False(t, errors.Is(err, Sentinel(PermissionDenied)))

	// Matching must survive additional wrapping.
	outer := fmt.Errorf("tool server_list: %w", err)
	assert.True(t, errors.Is(outer, Sentinel(AuthError)))
	assert.True(t, IsKind(outer, AuthError))
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Kind
	}{
		{name: "unauthorized", status: 401, want: AuthError},
		{name: "forbidden", status: 403, want: PermissionDenied},
		{name: "not found", status: 404, body: `{"detail":"no such server"}`, want: UpstreamError},
		{name: "conflict", status: 409, want: UpstreamError},
		{name: "server error", status: 502, want: UpstreamError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromStatus(tt.status, tt.body)
			assert.NotNil(t, err)
			assert.Equal(t, tt.want, err.Kind)
			if tt.body != "" {
				assert.Contains(t, err.Message, tt.body)
			}
		})
	}

	assert.Nil(t, FromStatus(200, ""))
	assert.Nil(t, FromStatus(204, ""))
}

func TestIsRetryableConnect(t *testing.T) {
	assert.True(t, IsRetryableConnect(New(ChannelConnectFailed, "dial failed")))
	assert.False(t, IsRetryableConnect(New(CommandTimeout, "no response")))
	assert.False(t, IsRetryableConnect(New(ChannelClosed, "gone")))
	assert.False(t, IsRetryableConnect(nil))
}
