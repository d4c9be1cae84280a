// Command eventhorizon runs the real-time event analysis pipeline against a
// live acquisition source or a recording, and serves its results over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	listenAddr string
	dbPath     string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "eventhorizon",
	Short:         "Real-time event analysis pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(logLevel, os.Stderr)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (.json or .toml)")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", ":8080", "HTTP listen address; empty disables the server")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "sqlite database path (overrides the config file)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "ops", "pipeline log level: none, ops, diag or trace")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(ctlCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
