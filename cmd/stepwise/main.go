// Command stepwise runs the task orchestration service.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stepwise",
	Short: "Task orchestration service for desktop and browser agents",
	Long: `stepwise turns user instructions into tasks, plans them into subtasks and
drives them one agent step at a time for desktop and background browser clients.

Settings come from an optional YAML file and STEPWISE_ environment variables.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("STEPWISE_CONFIG"), "path to a YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(replayCmd)
}
