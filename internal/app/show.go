package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"fuel-price-alerts/internal/notify"
	"fuel-price-alerts/internal/service"
	"fuel-price-alerts/internal/trend"
)

// Show prints the trend snapshot of every stored series at opts.At.
func (a *App) Show(ctx context.Context, out io.Writer, opts ShowOptions) error {
	store, _, closeStore, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	calc := a.newCalculator()
	svc := service.New(service.Deps{
		Ticks:      store,
		Alerts:     store,
		Subs:       store,
		Calculator: calc,
	}, service.Options{}, a.Logger)

	at := opts.At.UTC()
	snaps, err := svc.Snapshots(ctx, at)
	if err != nil {
		return err
	}

	candidates := make(map[string]bool)
	for _, c := range calc.Candidates(snaps) {
		candidates[c.Key.String()] = true
	}

	rows := make([]trend.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if opts.Station != "" && s.Key.StationCode != opts.Station {
			continue
		}
		if opts.CandidatesOnly && !candidates[s.Key.String()] {
			continue
		}
		rows = append(rows, s)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if cmp := rows[i].ChangeRatio.Cmp(rows[j].ChangeRatio); cmp != 0 {
			return cmp > 0
		}
		return rows[i].Key.Less(rows[j].Key)
	})
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}

	if len(rows) == 0 {
		fmt.Fprintln(out, "no series found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Evaluated at %s\n", at.Format(time.RFC3339))
	fmt.Fprintln(writer, "Station\tFuel\tPrice\tTWA\tChange\tAlert")

	for _, s := range rows {
		flag := ""
		if candidates[s.Key.String()] {
			flag = "yes"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			sanitizeInline(s.Key.StationCode),
			sanitizeInline(s.Key.FuelType),
			s.CurrentPrice.StringFixed(1),
			s.Average.StringFixed(1),
			notify.FormatChange(s.ChangePercent()),
			flag,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
