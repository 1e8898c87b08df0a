package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fuel-price-alerts/internal/app"
)

var (
	evaluateAt     string
	evaluateFetch  bool
	evaluateDryRun bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run a single evaluation cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		at, err := parseInstant("at", evaluateAt)
		if err != nil {
			return err
		}

		report, err := getApp().Evaluate(cmd.Context(), app.EvaluateOptions{
			At:     at,
			Fetch:  evaluateFetch,
			DryRun: evaluateDryRun,
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "candidates: %d\nadmitted: %d\nbundles: %d\nsent: %d\nfailed: %d\n",
			report.Candidates, len(report.Admitted), report.Bundles, report.Dispatch.Sent, report.Dispatch.Failed)
		return nil
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evaluateAt, "at", "", "Evaluation instant (RFC3339, defaults to now)")
	evaluateCmd.Flags().BoolVar(&evaluateFetch, "fetch", false, "Pull the upstream feed before evaluating")
	evaluateCmd.Flags().BoolVar(&evaluateDryRun, "dry-run", false, "Log notifications instead of sending and recording them")
}
