package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"alpacon-mcp/internal/config"
	"alpacon-mcp/internal/validate"
)

var (
	logoutRegion    string
	logoutWorkspace string
	logoutAll       bool
	logoutTokenFile string
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove stored Alpacon API tokens",
	Long: `Removes the stored token for one region and workspace, or every stored
token with --all. The token store file itself is kept.`,
	Args: cobra.NoArgs,
	RunE: runLogout,
}

func runLogout(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	store, err := config.NewTokenStore(logoutTokenFile)
	if err != nil {
		return err
	}

	if logoutAll {
		removed := 0
		for region, workspaces := range store.List() {
			for _, workspace := range workspaces {
				ok, err := store.Remove(region, workspace)
				if err != nil {
					return err
				}
				if ok {
					removed++
				}
			}
		}
		fmt.Fprintf(out, "Removed %d token(s) from %s\n", removed, store.Path())
		return nil
	}

	if logoutRegion == "" || logoutWorkspace == "" {
		return fmt.Errorf("either --all or both --region and --workspace are required")
	}
	if err := validate.Region(logoutRegion); err != nil {
		return err
	}
	if err := validate.Workspace(logoutWorkspace); err != nil {
		return err
	}

	ok, err := store.Remove(logoutRegion, logoutWorkspace)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no token stored for %s.%s", logoutWorkspace, logoutRegion)
	}
	fmt.Fprintf(out, "Removed token for %s.%s from %s\n", logoutWorkspace, logoutRegion, store.Path())
	return nil
}

func init() {
	rootCmd.AddCommand(logoutCmd)

	logoutCmd.Flags().StringVar(&logoutRegion, "region", "", "Region code of the credential to remove")
	logoutCmd.Flags().StringVar(&logoutWorkspace, "workspace", "", "Workspace of the credential to remove")
	logoutCmd.Flags().BoolVar(&logoutAll, "all", false, "Remove every stored token")
	logoutCmd.Flags().StringVar(&logoutTokenFile, "token-file", "", "Path to the token store (default: discovered)")
}
