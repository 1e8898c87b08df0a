package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fuel-price-alerts/internal/app"
)

var (
	showAt         string
	showStation    string
	showCandidates bool
	showLimit      int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current trend snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit < 0 {
			return fmt.Errorf("--limit cannot be negative")
		}
		at, err := parseInstant("at", showAt)
		if err != nil {
			return err
		}

		opts := app.ShowOptions{
			At:             at,
			Station:        showStation,
			CandidatesOnly: showCandidates,
			Limit:          showLimit,
		}

		return getApp().Show(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showAt, "at", "", "Evaluation instant (RFC3339, defaults to now)")
	showCmd.Flags().StringVar(&showStation, "station", "", "Only show one station code")
	showCmd.Flags().BoolVar(&showCandidates, "candidates", false, "Only show series above the threshold")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of series to display (0 for all)")
}
