package app

import (
	"context"
	"errors"

	"fuel-price-alerts/internal/notify"
	"fuel-price-alerts/internal/service"
	"fuel-price-alerts/internal/storage"
)

// Evaluate runs a single cycle at opts.At. A dry run records admissions in
// memory only and routes notifications to the log.
func (a *App) Evaluate(ctx context.Context, opts EvaluateOptions) (service.Report, error) {
	store, locker, closeStore, err := a.openBackend(ctx)
	if err != nil {
		return service.Report{}, err
	}
	defer closeStore()

	deps := service.Deps{
		Ticks:      store,
		Alerts:     store,
		Subs:       store,
		Locker:     locker,
		Calculator: a.newCalculator(),
		Renderer:   a.newRenderer(),
	}

	if opts.Fetch {
		feed, err := a.newFeed()
		if err != nil {
			return service.Report{}, err
		}
		if feed == nil {
			return service.Report{}, errors.New("feed disabled; cannot use --fetch")
		}
		deps.Feed = feed
	}

	var channel notify.Channel
	if opts.DryRun {
		a.Logger.Warn().Msg("dry-run：告警只写日志，不写入告警记录")
		deps.Alerts = storage.NewMemoryStore()
		channel = notify.NewLogChannel(a.Logger)
		deps.Dispatcher = a.newDispatcher(channel, nil)
	} else {
		channel, err = a.newChannel()
		if err != nil {
			return service.Report{}, err
		}
		quota, closeQuota, err := a.newQuota(ctx)
		if err != nil {
			return service.Report{}, err
		}
		defer closeQuota()
		deps.Dispatcher = a.newDispatcher(channel, quota)
		deps.Operator = a.newOperator(channel)
	}

	svc := service.New(deps, service.Options{
		Cooldown:      a.Config.Alerting.Cooldown,
		LockKey:       a.Config.Scheduler.AdvisoryLockKey,
		AlertsEnabled: a.Config.Alerting.Enabled || opts.DryRun,
	}, a.Logger)

	at := opts.At.UTC()
	report, err := svc.RunCycle(ctx, at)
	if err != nil {
		return report, err
	}

	a.Logger.Info().
		Time("at", at).
		Int("ticks", report.Ingest.Ticks).
		Int("snapshots", report.Snapshots).
		Int("candidates", report.Candidates).
		Int("admitted", len(report.Admitted)).
		Int("bundles", report.Bundles).
		Int("sent", report.Dispatch.Sent).
		Int("failed", report.Dispatch.Failed).
		Msg("evaluation complete")
	return report, nil
}
