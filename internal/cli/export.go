package cli

import (
	"github.com/spf13/cobra"

	"elspot-advisor/internal/app"
)

var (
	exportPNGPath   string
	exportCSVPath   string
	exportSynthetic bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the current price and CO2 series as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			Synthetic: exportSynthetic,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().BoolVar(&exportSynthetic, "synthetic", false, "Skip upstream sources and export generated data")
}
