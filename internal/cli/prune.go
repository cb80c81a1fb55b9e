package cli

import (
	"time"

	"github.com/spf13/cobra"

	"elspot-advisor/internal/app"
)

var (
	pruneOlderThan time.Duration
	pruneDryRun    bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete archived cycles older than a given age",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.PruneOptions{
			OlderThan: pruneOlderThan,
			DryRun:    pruneDryRun,
		}
		return getApp().Prune(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "Delete cycles older than this age")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Report without deleting")
}
