// Package cli is the command surface of the beads console. Commands
// stay thin: they wire config, stores and the run engine together and
// delegate the real work to the internal packages.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/beadsconsole/beadsconsole/internal/logging"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "beadscon",
	Short: "Console for AI agents working a beads issue tracker",
	Long:  "beadscon supervises AI coding agents against a beads (bd) issue tracker:\nit starts runs, streams their output, and keeps durable memory between sessions.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Setup(os.Stderr, verbose)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(logCmd)
}
