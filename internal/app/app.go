// Package app assembles the MCP server: configuration, token store, API
// client, channel pool, and the tool catalog, plus the stdio and SSE
// transports that serve it.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"alpacon-mcp/internal/api"
	"alpacon-mcp/internal/breaker"
	"alpacon-mcp/internal/config"
	"alpacon-mcp/internal/tools"
	"alpacon-mcp/internal/websh"
	"alpacon-mcp/pkg/logging"
)

// shutdownGrace bounds how long transport and pool teardown may take once
// the serve context is canceled.
const shutdownGrace = 5 * time.Second

// Config carries the startup options resolved by the CLI.
type Config struct {
	// Version is stamped into the MCP server info and the API User-Agent.
	Version string
	// Debug raises the log level.
	Debug bool
	// TokenPath overrides the token store location. Empty means discover.
	TokenPath string
	// SSE switches the transport from stdio to SSE.
	SSE bool
	// SSEAddr is the SSE listen address. Empty falls back to the settings
	// file, then the built-in default.
	SSEAddr string
}

// Application owns the wired server and its supporting services.
type Application struct {
	cfg      Config
	settings config.Settings
	store    *config.TokenStore
	pool     *websh.Pool
	server   *server.MCPServer
}

// NewApplication loads configuration and wires every tool group onto a fresh
// MCP server. Nothing is served yet; call Run.
func NewApplication(cfg Config) (*Application, error) {
	logging.InitDefault(cfg.Debug)

	settings, err := config.LoadSettings()
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	store, err := config.NewTokenStore(cfg.TokenPath)
	if err != nil {
		return nil, fmt.Errorf("opening token store: %w", err)
	}

	client := api.New(cfg.Version, api.WithTimeout(settings.API.Timeout.D()))
	brk := breaker.New(settings.Breaker.FailureThreshold, settings.Breaker.Cooldown.D())
	pool := websh.NewPool(client, store, brk, settings.Websh)

	s := server.NewMCPServer(
		"alpacon-mcp",
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithRecovery(),
	)
	tools.RegisterAll(s, tools.Deps{
		API:        client,
		Store:      store,
		Pool:       pool,
		Dispatcher: websh.NewDispatcher(pool, settings.Websh.CommandTimeout.D()),
		Breaker:    brk,
		Settings:   settings,
	})

	logging.Info("app", "alpacon-mcp %s ready (token store: %s)", cfg.Version, store.Path())
	return &Application{
		cfg:      cfg,
		settings: settings,
		store:    store,
		pool:     pool,
		server:   s,
	}, nil
}

// Store exposes the token store, for commands that manage credentials
// without serving.
func (a *Application) Store() *config.TokenStore { return a.store }

// Run serves MCP traffic until the context is canceled or the transport
// ends: over SSE when configured, stdio otherwise. The channel health loop
// runs alongside and everything is torn down before Run returns.
func (a *Application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.pool.HealthLoop(ctx)
	}()

	var err error
	if a.cfg.SSE {
		err = a.serveSSE(ctx, a.sseAddr())
	} else {
		err = a.serveStdio(ctx)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	a.pool.Shutdown(shutdownCtx)
	wg.Wait()
	return err
}

func (a *Application) sseAddr() string {
	if a.cfg.SSEAddr != "" {
		return a.cfg.SSEAddr
	}
	if a.settings.SSE.Addr != "" {
		return a.settings.SSE.Addr
	}
	return ":8237"
}

// serveStdio speaks MCP on stdin/stdout. Logs stay on stderr; stdout belongs
// to the protocol.
func (a *Application) serveStdio(ctx context.Context) error {
	logging.Info("app", "serving MCP over stdio")

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ServeStdio(a.server)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		// Stdin stays open; the process is exiting, so the reader goroutine
		// goes down with it.
		return nil
	}
}

func (a *Application) serveSSE(ctx context.Context, addr string) error {
	sse := server.NewSSEServer(
		a.server,
		server.WithBaseURL(baseURLFor(addr)),
		server.WithSSEEndpoint("/sse"),
		server.WithMessageEndpoint("/message"),
		server.WithKeepAlive(true),
		server.WithKeepAliveInterval(30*time.Second),
	)

	errCh := make(chan error, 1)
	go func() {
		logging.Info("app", "serving MCP over SSE on %s", addr)
		if err := sse.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := sse.Shutdown(shutdownCtx); err != nil {
		logging.Error("app", err, "shutting down SSE server")
	}
	<-errCh
	return nil
}

// baseURLFor renders the advertised SSE base URL for a listen address.
// Host-less addresses like ":8237" advertise localhost.
func baseURLFor(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
