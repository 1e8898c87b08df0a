package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"fuel-price-alerts/internal/app"
)

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "发送一封模拟的涨价告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateOpts.To == "" {
			return errors.New("--to 必须提供")
		}
		_, err := getApp().SimulateAlert(cmd.Context(), simulateOpts)
		return err
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateOpts.To, "to", "", "收件地址")
	simulateCmd.Flags().StringVar(&simulateOpts.StationCode, "station", "", "站点编码")
	simulateCmd.Flags().StringVar(&simulateOpts.StationName, "station-name", "", "站点名称")
	simulateCmd.Flags().StringVar(&simulateOpts.FuelType, "fuel", "E10", "油品类型")
	simulateCmd.Flags().Float64Var(&simulateOpts.Price, "price", 0, "当前价格")
	simulateCmd.Flags().Float64Var(&simulateOpts.Average, "average", 0, "时间加权均价")
}
