package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	"fuel-price-alerts/internal/notify"
	"fuel-price-alerts/internal/storage"
	"fuel-price-alerts/internal/trend"
)

const (
	exportChartWidth  = 1280
	exportChartHeight = 720
)

// Export renders one series' history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Pair.StationCode == "" || opts.Pair.FuelType == "" {
		return errors.New("--station and --fuel must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-a.Config.Trend.Window)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	ticks, err := store.ListTicks(ctx, opts.Pair, from, to)
	if err != nil {
		return err
	}
	if len(ticks) == 0 {
		a.Logger.Info().Str("pair", opts.Pair.String()).Msg("no ticks found for export window")
		return nil
	}

	downsampled := downsampleTicks(ticks, opts.MaxPoints)
	a.Logger.Info().Int("total", len(ticks)).Int("exported", len(downsampled)).Msg("exporting ticks")

	if opts.CSVPath != "" {
		if err := writeTicksCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := a.writeTicksPNG(opts.PNGPath, opts.Pair, downsampled, from, to); err != nil {
			return err
		}
	}

	return nil
}

func downsampleTicks(ticks []storage.PriceTick, max int) []storage.PriceTick {
	if max <= 1 || len(ticks) <= max {
		return ticks
	}

	result := make([]storage.PriceTick, 0, max)
	step := float64(len(ticks)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(ticks) {
			idx = len(ticks) - 1
		}
		result = append(result, ticks[idx])
	}
	return result
}

func writeTicksCSV(path string, ticks []storage.PriceTick) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"observed_at", "station_code", "fuel_type", "state", "price"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, tick := range ticks {
		record := []string{
			tick.ObservedAt.UTC().Format(time.RFC3339),
			tick.StationCode,
			tick.FuelType,
			tick.State,
			tick.Price.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func (a *App) writeTicksPNG(path string, pair storage.PairKey, ticks []storage.PriceTick, from, to time.Time) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	points := make([]trend.PricePoint, len(ticks))
	for i, tick := range ticks {
		points[i] = trend.PricePoint{Time: tick.ObservedAt, Price: tick.Price}
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return notify.PriceChart{
		Series: []notify.ChartSeries{{Name: pair.String(), Points: points}},
		From:   from,
		To:     to,
		Width:  exportChartWidth,
		Height: exportChartHeight,
		YLabel: "Price (" + a.Config.Alerting.PriceUnit + ")",
	}.Render(file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
