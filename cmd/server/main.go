// Conductor - conversational task orchestrator server
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Conversational task orchestrator",
	Long: `Conductor runs conversation turns through capability discovery,
decision and execution, schedules deferred reminders and re-invocations,
and suspends turns that need the owner to authorize a provider.

With no subcommand, serves the HTTP and WebSocket API.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCapabilitiesCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
