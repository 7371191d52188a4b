package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "0.0.0"

func newRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "telemetry-agent",
		Short: "Scheduled telemetry collection for managed devices",
		Long: `telemetry-agent runs pollers against managed devices on a schedule.

Every cycle runs a fixed table of steps with per-step retries, and the state
of each poller survives restarts so overdue or interrupted cycles are detected.
`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "",
		"config file (default is ./telemetry-agent.yaml or /etc/telemetry-agent/telemetry-agent.yaml)",
	)

	rootCmd.AddCommand(runCmd(&cfgFile))
	rootCmd.AddCommand(demoCmd())
	rootCmd.AddCommand(statusCmd(&cfgFile))
	rootCmd.AddCommand(scheduleCmd(&cfgFile))
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
