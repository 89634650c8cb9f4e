// Package commands implements the mender CLI commands using cobra.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "0.1.0"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mender",
	Short: "Self-healing task plan execution engine",
	Long: `Mender executes dependency-ordered task plans and repairs failures as
it goes: a failed task is superseded by a corrective chain, its dependents are
rewired onto the fix, and branches that exhaust their retry budget are
escalated to a human while the rest of the plan keeps running.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
}
