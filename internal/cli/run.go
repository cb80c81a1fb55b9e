package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the advisor: refresh on schedule and serve the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single refresh cycle and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Once(cmd.Context(), cmd.OutOrStdout())
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check which upstream sources currently answer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Probe(cmd.Context(), cmd.OutOrStdout())
	},
}
