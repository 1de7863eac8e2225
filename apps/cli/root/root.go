package root

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base command for the edgewarden admin CLI. Subcommands
// (authz, schema) are attached here.
var rootCmd = &cobra.Command{
	Use:           "edgewarden",
	Short:         "edgewarden admin CLI",
	Long:          "Administrative utilities for the edgewarden authorization service (grants, queries, schema management).",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().String("server", "http://localhost:3000", "Base URL of the authz API")
	rootCmd.PersistentFlags().String("tenant", "", "Tenant id")
	rootCmd.PersistentFlags().String("operator", "cli", "Operator identity sent as X-Operator")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// Root returns the mutable root command for wiring from subpackages.
func Root() *cobra.Command {
	return rootCmd
}
