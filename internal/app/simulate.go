package app

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fuel-price-alerts/internal/matcher"
	"fuel-price-alerts/internal/notify"
	"fuel-price-alerts/internal/storage"
	"fuel-price-alerts/internal/trend"
)

// SimulateAlert 构造一条合成告警，走完整的渲染与发送流程。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) (notify.Report, error) {
	if _, err := mail.ParseAddress(opts.To); err != nil {
		return notify.Report{}, fmt.Errorf("invalid --to: %w", err)
	}
	if opts.Price <= 0 || opts.Average <= 0 {
		return notify.Report{}, errors.New("--price 与 --average 必须大于 0")
	}

	channel, err := a.newChannel()
	if err != nil {
		return notify.Report{}, err
	}

	now := time.Now().UTC()
	bundle := syntheticBundle(opts, now, a.Config.Trend.Window)
	payload, err := a.newRenderer().Render(bundle)
	if err != nil {
		return notify.Report{}, err
	}

	report := a.newDispatcher(channel, nil).Dispatch(ctx, []notify.Payload{payload})
	if report.Failed > 0 {
		return report, fmt.Errorf("simulated alert not delivered: %w", report.Failures[0].Err)
	}
	a.Logger.Info().Str("to", opts.To).Msg("模拟告警已发送")
	return report, nil
}

// syntheticBundle holds the average for most of the window, then jumps to the price.
func syntheticBundle(opts SimulateOptions, now time.Time, window time.Duration) matcher.Bundle {
	code := opts.StationCode
	if code == "" {
		code = "0000"
	}
	fuel := opts.FuelType
	if fuel == "" {
		fuel = "E10"
	}
	name := opts.StationName
	if name == "" {
		name = "Simulated Station"
	}

	price := decimal.NewFromFloat(opts.Price)
	average := decimal.NewFromFloat(opts.Average)
	snap := trend.Snapshot{
		Key:          storage.PairKey{StationCode: code, FuelType: fuel},
		EvaluatedAt:  now,
		CurrentPrice: price,
		Average:      average,
		ChangeRatio:  price.Sub(average).Div(average),
		RecentPrices: []trend.PricePoint{
			{Time: now.Add(-window), Price: average},
			{Time: now.Add(-time.Hour), Price: price},
		},
	}
	entry := matcher.Entry{
		Station:  storage.Station{Code: code, Name: name},
		Snapshot: snap,
	}
	return matcher.Bundle{
		UserID:   uuid.New(),
		Email:    opts.To,
		Entries:  []matcher.Entry{entry},
		Headline: entry,
	}
}
