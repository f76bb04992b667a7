package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"alpacon-mcp/internal/config"
	"alpacon-mcp/internal/validate"
)

// Flag values for the login command. All three target fields are optional;
// whatever is missing is prompted for, with the token read without echo.
var (
	loginRegion    string
	loginWorkspace string
	loginToken     string
	loginTokenFile string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an Alpacon API token for a region and workspace",
	Long: `Stores an Alpacon API token in the local token store so the MCP server
can authenticate calls for a workspace.

Region, workspace, and token are prompted for when not given as flags.
The token prompt never echoes, and the stored value is never printed.
Tokens land in ~/.config/alpacon-mcp/token.json unless --token-file or
ALPACON_MCP_TOKEN_FILE points elsewhere.`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

func runLogin(cmd *cobra.Command, args []string) error {
	in := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	region := strings.TrimSpace(loginRegion)
	if region == "" {
		v, err := promptLine(in, out, fmt.Sprintf("Region (%s): ", strings.Join(validate.Regions(), ", ")))
		if err != nil {
			return err
		}
		region = v
	}
	if err := validate.Region(region); err != nil {
		return err
	}

	workspace := strings.TrimSpace(loginWorkspace)
	if workspace == "" {
		v, err := promptLine(in, out, "Workspace: ")
		if err != nil {
			return err
		}
		workspace = v
	}
	if err := validate.Workspace(workspace); err != nil {
		return err
	}

	token := strings.TrimSpace(loginToken)
	if token == "" {
		v, err := promptToken(in, out)
		if err != nil {
			return err
		}
		token = v
	}
	if token == "" {
		return fmt.Errorf("token must not be empty")
	}

	store, err := config.NewTokenStore(loginTokenFile)
	if err != nil {
		return err
	}
	if err := store.Set(region, workspace, token); err != nil {
		return err
	}

	fmt.Fprintf(out, "Token for %s.%s stored in %s\n", workspace, region, store.Path())
	return nil
}

// promptLine prints a label and reads one line of visible input.
func promptLine(in *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// promptToken reads the API token without echo when stdin is a terminal,
// falling back to a plain line read for piped input.
func promptToken(in *bufio.Reader, out io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptLine(in, out, "API token: ")
	}
	fmt.Fprint(out, "API token: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func init() {
	rootCmd.AddCommand(loginCmd)

	loginCmd.Flags().StringVar(&loginRegion, "region", "", "Region code (ap1, us1, eu1, dev)")
	loginCmd.Flags().StringVar(&loginWorkspace, "workspace", "", "Workspace name")
	loginCmd.Flags().StringVar(&loginToken, "token", "", "API token (prompted without echo when omitted)")
	loginCmd.Flags().StringVar(&loginTokenFile, "token-file", "", "Path to the token store (default: discovered)")
}
