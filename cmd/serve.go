package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"alpacon-mcp/internal/app"
)

// serveDebug enables verbose logging across the application.
// This helps troubleshoot channel lifecycle and upstream API behavior.
var serveDebug bool

// serveSSE switches from the default stdio transport to the SSE/HTTP
// transport, for clients that connect over the network instead of spawning
// the server as a subprocess.
var serveSSE bool

// serveAddr overrides the SSE listen address from the config file.
var serveAddr string

// serveTokenFile points at an explicit token store instead of the
// discovered one.
var serveTokenFile string

// serveCmd defines the serve command structure.
// This is the main command of alpacon-mcp: it assembles the MCP server,
// registers every tool group, and serves until the transport ends.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the alpacon-mcp server on stdio or SSE",
	Long: `Starts the MCP server and serves tool calls until the client
disconnects or the process is interrupted.

By default the server speaks the MCP stdio transport, which is how
assistant runtimes spawn it: the protocol owns stdout, logs go to stderr.
With --sse it instead listens on an HTTP address and serves the SSE
transport for clients that connect over the network.

Credentials come from the token store (see 'alpacon-mcp login');
settings are layered from ~/.config/alpacon-mcp/config.yaml and
./.alpacon-mcp.yaml over built-in defaults.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// runServe is the main entry point for the serve command
func runServe(cmd *cobra.Command, args []string) error {
	cfg := app.Config{
		Version:   rootCmd.Version,
		Debug:     serveDebug,
		TokenPath: serveTokenFile,
		SSE:       serveSSE,
		SSEAddr:   serveAddr,
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Run(ctx)
}

// init registers the serve command and its flags with the root command.
// This is called automatically when the package is imported.
func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging on stderr")
	serveCmd.Flags().BoolVar(&serveSSE, "sse", false, "Serve the SSE/HTTP transport instead of stdio")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "SSE listen address (default from config, :8237)")
	serveCmd.Flags().StringVar(&serveTokenFile, "token-file", "", "Path to the token store (default: discovered)")
}
