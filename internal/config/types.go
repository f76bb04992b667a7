package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as Go duration
// strings ("30s", "5m") or bare integers meaning seconds.
type Duration time.Duration

// D returns the wrapped time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML accepts "30s"-style strings and integer seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = Duration(time.Duration(asInt) * time.Second)
		return nil
	}

	var asString string
	if err := value.Decode(&asString); err != nil {
		return fmt.Errorf("duration must be a string or integer seconds: %w", err)
	}
	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asString, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Settings is the top-level configuration structure for alpacon-mcp.
type Settings struct {
	API     APISettings     `yaml:"api"`
	Websh   WebshSettings   `yaml:"websh"`
	Breaker BreakerSettings `yaml:"breaker"`
	SSE     SSESettings     `yaml:"sse"`
}

// APISettings tunes the REST client.
type APISettings struct {
	// Timeout bounds one HTTP round trip against the workspace API.
	Timeout Duration `yaml:"timeout,omitempty"`
}

// WebshSettings tunes the persistent command-channel subsystem.
type WebshSettings struct {
	// ConnectTimeout bounds the websocket dial plus handshake.
	ConnectTimeout Duration `yaml:"connectTimeout,omitempty"`
	// CommandTimeout is the default per-command wait when a tool call does
	// not supply one.
	CommandTimeout Duration `yaml:"commandTimeout,omitempty"`
	// IdleTimeout is how long a channel may sit idle before the health loop
	// evicts it.
	IdleTimeout Duration `yaml:"idleTimeout,omitempty"`
	// HealthInterval is the cadence of the health-check/eviction pass.
	HealthInterval Duration `yaml:"healthInterval,omitempty"`
	// DefaultRows/DefaultCols size the remote terminal when the caller does
	// not specify one.
	DefaultRows int `yaml:"defaultRows,omitempty"`
	DefaultCols int `yaml:"defaultCols,omitempty"`
}

// BreakerSettings tunes the per-target circuit breaker.
type BreakerSettings struct {
	// FailureThreshold is the consecutive-failure count that opens a target.
	FailureThreshold int `yaml:"failureThreshold,omitempty"`
	// Cooldown is how long an open target rejects calls before a half-open
	// trial is admitted.
	Cooldown Duration `yaml:"cooldown,omitempty"`
}

// SSESettings tunes the HTTP/SSE transport.
type SSESettings struct {
	// Addr is the listen address for `serve --sse`.
	Addr string `yaml:"addr,omitempty"`
}

// DefaultSettings returns the built-in defaults. Every value can be
// overridden by the user or project config file.
func DefaultSettings() Settings {
	return Settings{
		API: APISettings{
			Timeout: Duration(30 * time.Second),
		},
		Websh: WebshSettings{
			ConnectTimeout: Duration(10 * time.Second),
			CommandTimeout: Duration(60 * time.Second),
			IdleTimeout:    Duration(5 * time.Minute),
			HealthInterval: Duration(30 * time.Second),
			DefaultRows:    24,
			DefaultCols:    80,
		},
		Breaker: BreakerSettings{
			FailureThreshold: 5,
			Cooldown:         Duration(30 * time.Second),
		},
		SSE: SSESettings{
			Addr: ":8237",
		},
	}
}
