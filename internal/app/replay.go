package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fuel-price-alerts/internal/fetcher"
	"fuel-price-alerts/internal/notify"
	"fuel-price-alerts/internal/service"
	"fuel-price-alerts/internal/storage"
)

// ReplaySummary totals one replay run.
type ReplaySummary struct {
	Steps      int
	Failed     int
	Candidates int
	Admitted   int
	Bundles    int
}

// Replay steps the evaluation across [From, To) against stored ticks. Admissions
// go to an in-memory log and notifications to the application log, so a replay
// never sends mail nor disturbs the live cooldown state.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) (ReplaySummary, error) {
	step := opts.Step
	if step <= 0 {
		step = a.Config.Scheduler.Interval
	}
	if step <= 0 {
		return ReplaySummary{}, errors.New("replay step 配置不合法")
	}

	start := alignForward(opts.From.UTC(), step)
	end := opts.To.UTC()
	if !start.Before(end) {
		return ReplaySummary{}, errors.New("回放范围为空，请检查 --from/--to")
	}

	var ticks storage.TickStore
	var subs storage.SubscriptionStore
	if opts.FeedFile != "" {
		mem, err := a.loadFeedFile(ctx, opts.FeedFile)
		if err != nil {
			return ReplaySummary{}, err
		}
		ticks, subs = mem, mem
	} else {
		store, _, closeStore, err := a.openBackend(ctx)
		if err != nil {
			return ReplaySummary{}, err
		}
		defer closeStore()
		ticks, subs = store, store
	}

	svc := service.New(service.Deps{
		Ticks:      ticks,
		Alerts:     storage.NewMemoryStore(),
		Subs:       subs,
		Calculator: a.newCalculator(),
		Renderer:   a.newRenderer(),
		Dispatcher: a.newDispatcher(notify.NewLogChannel(a.Logger), nil),
	}, service.Options{
		Cooldown:      a.Config.Alerting.Cooldown,
		AlertsEnabled: true,
	}, a.Logger)

	var summary ReplaySummary
	for at := start; at.Before(end); at = at.Add(step) {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		summary.Steps++
		report, err := svc.Evaluate(ctx, at)
		if err != nil {
			summary.Failed++
			a.Logger.Error().Err(err).Time("at", at).Msg("回放失败")
			continue
		}
		summary.Candidates += report.Candidates
		summary.Admitted += len(report.Admitted)
		summary.Bundles += report.Bundles
		for _, snap := range report.Admitted {
			a.Logger.Info().
				Time("at", at).
				Str("pair", snap.Key.String()).
				Str("price", snap.CurrentPrice.StringFixed(1)).
				Str("average", snap.Average.StringFixed(1)).
				Str("change", notify.FormatChange(snap.ChangePercent())).
				Msg("alert admitted")
		}
	}

	a.Logger.Info().
		Int("steps", summary.Steps).
		Int("failed", summary.Failed).
		Int("admitted", summary.Admitted).
		Int("bundles", summary.Bundles).
		Msg("回放完成")
	if summary.Failed > 0 {
		return summary, fmt.Errorf("%d replay steps failed, see log", summary.Failed)
	}
	return summary, nil
}

// loadFeedFile ingests a saved prices response into a fresh in-memory store.
func (a *App) loadFeedFile(ctx context.Context, path string) (*storage.MemoryStore, error) {
	loc, err := a.feedLocation()
	if err != nil {
		return nil, err
	}
	snap, err := fetcher.NewFile(path, loc).Fetch(ctx)
	if err != nil {
		return nil, err
	}
	mem := a.newMemoryStore()
	ingest := service.New(service.Deps{Ticks: mem, Alerts: mem, Subs: mem}, service.Options{}, a.Logger)
	if _, err := ingest.Ingest(ctx, snap); err != nil {
		return nil, err
	}
	return mem, nil
}

func alignForward(t time.Time, interval time.Duration) time.Time {
	truncated := t.Truncate(interval)
	if truncated.Before(t) {
		return truncated.Add(interval)
	}
	return truncated
}
