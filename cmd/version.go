package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of alpacon-mcp",
		Long:  `All software has versions. This is alpacon-mcp's.`,
		Run: func(cmd *cobra.Command, args []string) {
			// rootCmd.Version is set from main via SetVersion; the version
			// template in root.go handles --version, this prints the same line.
			fmt.Printf("alpacon-mcp version %s\n", rootCmd.Version)
		},
	}
}
