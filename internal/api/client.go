// Package api implements the Alpacon REST client. Every tool call that is a
// plain request/response goes through here; the websh subsystem uses it for
// session lifecycle calls. Responses are returned as raw JSON for tools that
// relay them and decoded into structs where the caller needs fields.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"alpacon-mcp/internal/errkind"
	"alpacon-mcp/pkg/logging"
)

const (
	// maxBodyBytes bounds how much of an upstream response is read.
	maxBodyBytes = 8 << 20 // 8 MiB
	// errExcerptLen bounds how much upstream body lands in error messages.
	errExcerptLen = 512

	defaultTimeout = 30 * time.Second
)

// BaseURLFunc renders the API origin for a workspace. Production resolves
// {workspace}.{region}.alpacon.io; tests point this at a local server.
type BaseURLFunc func(region, workspace string) string

// DefaultBaseURL is the production host layout.
func DefaultBaseURL(region, workspace string) string {
	return fmt.Sprintf("https://%s.%s.alpacon.io", workspace, region)
}

// Client is a thin, concurrency-safe Alpacon REST client.
type Client struct {
	httpClient *http.Client
	baseURL    BaseURLFunc
	userAgent  string
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL overrides the host layout, used by tests and dev setups.
func WithBaseURL(fn BaseURLFunc) Option {
	return func(c *Client) { c.baseURL = fn }
}

// WithHTTPClient swaps the underlying transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithTimeout bounds each round trip.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New builds a Client with the given version string for User-Agent.
func New(version string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    DefaultBaseURL,
		userAgent:  "alpacon-mcp/" + version,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL joins the workspace origin with an API path.
func (c *Client) URL(region, workspace, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL(region, workspace) + path
}

// Origin returns the bare workspace origin, used as the Origin header on
// websocket dials.
func (c *Client) Origin(region, workspace string) string {
	return strings.TrimSuffix(c.baseURL(region, workspace), "/")
}

// WebSocketURL rewrites an https/http URL the API returned into its
// websocket form.
func WebSocketURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	default:
		return raw
	}
}

// Get issues an authenticated GET and returns the raw JSON body.
func (c *Client) Get(ctx context.Context, region, workspace, token, path string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, region, workspace, token, path, nil)
}

// Post issues an authenticated POST with a JSON body.
func (c *Client) Post(ctx context.Context, region, workspace, token, path string, body any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, region, workspace, token, path, body)
}

// Put issues an authenticated PUT with a JSON body.
func (c *Client) Put(ctx context.Context, region, workspace, token, path string, body any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, region, workspace, token, path, body)
}

// Patch issues an authenticated PATCH with a JSON body.
func (c *Client) Patch(ctx context.Context, region, workspace, token, path string, body any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPatch, region, workspace, token, path, body)
}

// Delete issues an authenticated DELETE.
func (c *Client) Delete(ctx context.Context, region, workspace, token, path string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodDelete, region, workspace, token, path, nil)
}

// GetInto decodes an authenticated GET into v.
func (c *Client) GetInto(ctx context.Context, region, workspace, token, path string, v any) error {
	raw, err := c.Get(ctx, region, workspace, token, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errkind.Wrap(errkind.UpstreamError, err, "decoding response from %s", path)
	}
	return nil
}

// PostInto decodes an authenticated POST into v.
func (c *Client) PostInto(ctx context.Context, region, workspace, token, path string, body, v any) error {
	raw, err := c.Post(ctx, region, workspace, token, path, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errkind.Wrap(errkind.UpstreamError, err, "decoding response from %s", path)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, region, workspace, token, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, errkind.Wrap(errkind.InternalError, err, "encoding request body for %s", path)
		}
		reader = bytes.NewReader(encoded)
	}

	url := c.URL(region, workspace, path)
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errkind.Wrap(errkind.InternalError, err, "building request for %s", path)
	}

	req.Header.Set("Authorization", fmt.Sprintf("token=%q", token))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logging.Debug("api", "%s %s", method, url)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.UpstreamError, err, "%s %s failed", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errkind.Wrap(errkind.UpstreamError, err, "reading response from %s", path)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt := strings.TrimSpace(string(data))
		if len(excerpt) > errExcerptLen {
			excerpt = excerpt[:errExcerptLen]
		}
		kerr := errkind.FromStatus(resp.StatusCode, excerpt)
		logging.Warn("api", "%s %s returned %d (%s)", method, path, resp.StatusCode, kerr.Kind)
		return nil, kerr
	}

	if len(data) == 0 {
		// 204-style responses: normalize to an empty object so callers can
		// always unmarshal.
		return json.RawMessage(`{}`), nil
	}
	return json.RawMessage(data), nil
}

// RawRequest issues an unauthenticated request to an absolute URL, used for
// download and upload hops whose URLs carry their own authorization. Bodies
// larger than the client-wide limit are refused rather than truncated.
func (c *Client) RawRequest(ctx context.Context, method, url string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errkind.Wrap(errkind.InternalError, err, "building request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.UpstreamError, err, "%s %s failed", method, url)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, errkind.Wrap(errkind.UpstreamError, err, "reading response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt := strings.TrimSpace(string(data))
		if len(excerpt) > errExcerptLen {
			excerpt = excerpt[:errExcerptLen]
		}
		return nil, errkind.FromStatus(resp.StatusCode, excerpt)
	}
	if len(data) > maxBodyBytes {
		return nil, errkind.New(errkind.UpstreamError, "response body exceeds the %d MiB limit", maxBodyBytes>>20)
	}
	return data, nil
}
