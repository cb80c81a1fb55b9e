package cli

import (
	"github.com/spf13/cobra"

	"elspot-advisor/internal/app"
)

var (
	simulateSeed int64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run one cycle on synthetic data only",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{Seed: simulateSeed}, cmd.OutOrStdout())
	},
}

func init() {
	simulateCmd.Flags().Int64Var(&simulateSeed, "seed", 0, "Seed for the generator (defaults to synthetic.seed)")
}
