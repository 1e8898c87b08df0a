package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fuel-price-alerts/internal/app"
)

var (
	replayFrom string
	replayTo   string
	replayStep time.Duration
	replayFile string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay trend detection over a historical range without sending",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayFrom == "" || replayTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := time.Parse(time.RFC3339, replayFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}

		to, err := time.Parse(time.RFC3339, replayTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}

		if !from.Before(to) {
			return fmt.Errorf("--from must be before --to")
		}

		summary, err := getApp().Replay(cmd.Context(), app.ReplayOptions{
			From:     from,
			To:       to,
			Step:     replayStep,
			FeedFile: replayFile,
		})
		fmt.Fprintf(cmd.OutOrStdout(), "steps: %d\nadmitted: %d\nbundles: %d\n", summary.Steps, summary.Admitted, summary.Bundles)
		return err
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	replayCmd.Flags().StringVar(&replayTo, "to", "", "End timestamp (RFC3339, exclusive)")
	replayCmd.Flags().DurationVar(&replayStep, "step", 0, "Evaluation step (defaults to scheduler.interval)")
	replayCmd.Flags().StringVar(&replayFile, "feed-file", "", "Replay a saved prices response instead of the database")
}
