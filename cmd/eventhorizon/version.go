package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/eventhorizon/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), "eventhorizon", version.String())
		return nil
	},
}
