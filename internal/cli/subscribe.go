package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fuel-price-alerts/internal/app"
	"fuel-price-alerts/internal/storage"
)

var (
	subscribeUser  string
	subscribeEmail string
	subscribePairs []string
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Replace a user's station/fuel subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs := make([]storage.PairKey, 0, len(subscribePairs))
		for _, raw := range subscribePairs {
			pair, err := app.ParsePair(raw)
			if err != nil {
				return err
			}
			pairs = append(pairs, pair)
		}

		saved, err := getApp().Subscribe(cmd.Context(), app.SubscribeOptions{
			UserID: subscribeUser,
			Email:  subscribeEmail,
			Pairs:  pairs,
		})
		if err != nil {
			return err
		}
		for _, p := range saved {
			fmt.Fprintln(cmd.OutOrStdout(), p.String())
		}
		return nil
	},
}

func init() {
	subscribeCmd.Flags().StringVar(&subscribeUser, "user", "", "Subscriber UUID")
	subscribeCmd.Flags().StringVar(&subscribeEmail, "email", "", "Contact address")
	subscribeCmd.Flags().StringArrayVar(&subscribePairs, "pair", nil, "STATION:FUEL, repeatable; omit to clear")
	_ = subscribeCmd.MarkFlagRequired("user")
	_ = subscribeCmd.MarkFlagRequired("email")
}
