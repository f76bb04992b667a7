// Package config provides configuration and credential management for
// alpacon-mcp.
//
// Two artifacts live here:
//
//   - Settings: behavioral tunables (timeouts, breaker thresholds, health
//     cadence, SSE listen address), loaded from YAML and merged in layers.
//   - TokenStore: API credentials, a JSON file mapping region → workspace →
//     token, matching the token.json layout the Alpacon console exports.
//
// # Settings layers
//
// Settings are loaded and merged in the following order, later layers
// overriding earlier ones:
//
//  1. Built-in defaults (DefaultSettings)
//  2. User file: ~/.config/alpacon-mcp/config.yaml
//  3. Project file: ./.alpacon-mcp.yaml
//
// Durations accept Go duration strings ("30s", "5m") or a bare integer
// number of seconds:
//
//	api:
//	  timeout: 30s
//	websh:
//	  connectTimeout: 10s
//	  commandTimeout: 60s
//	  idleTimeout: 5m
//	  healthInterval: 30s
//	breaker:
//	  failureThreshold: 5
//	  cooldown: 30s
//	sse:
//	  addr: ":8237"
//
// # Token store
//
// The store path resolves in order: the ALPACON_MCP_TOKEN_FILE environment
// variable, ./config/token.json, then ~/.config/alpacon-mcp/token.json.
// Individual credentials can be injected without a file through
// ALPACON_MCP_TOKEN_{REGION}_{WORKSPACE} variables, which take precedence
// over file contents.
package config
