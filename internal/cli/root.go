// Package cli implements the taskforge command-line interface using
// Cobra. `serve` runs the daemon; the other subcommands talk to a
// running daemon over its HTTP API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "taskforge",
	Short: "taskforge: distributed task scheduling and execution",
	Long: `taskforge schedules computational tasks onto capable nodes, executes
them in isolated sandboxes, verifies the results and settles the
escrowed payment.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
