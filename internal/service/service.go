package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fuel-price-alerts/internal/dedup"
	"fuel-price-alerts/internal/fetcher"
	"fuel-price-alerts/internal/matcher"
	"fuel-price-alerts/internal/metrics"
	"fuel-price-alerts/internal/notify"
	"fuel-price-alerts/internal/scheduler"
	"fuel-price-alerts/internal/storage"
	"fuel-price-alerts/internal/trend"
)

// Cycle stages, used to label failures.
const (
	StageFetch    = "fetch"
	StageIngest   = "ingest"
	StageEvaluate = "evaluate"
	StageDedup    = "dedup"
	StageMatch    = "match"
	StageDispatch = "dispatch"
	StageLock     = "lock"
)

// ErrCycleSkipped is returned when another process holds the cycle lock.
var ErrCycleSkipped = errors.New("cycle skipped: lock held elsewhere")

// Deps are the collaborators of a Service. Feed, Locker and Operator are optional.
type Deps struct {
	Scheduler  *scheduler.Scheduler
	Feed       fetcher.Feed
	Ticks      storage.TickStore
	Alerts     storage.AlertLog
	Subs       storage.SubscriptionStore
	Locker     storage.AdvisoryLocker
	Calculator *trend.Calculator
	Renderer   *notify.Renderer
	Dispatcher *notify.Dispatcher
	Operator   notify.OperatorNotifier
}

// Options tune a Service.
type Options struct {
	Cooldown      time.Duration
	LockKey       int64
	AlertsEnabled bool
}

// IngestReport summarises one ingestion.
type IngestReport struct {
	Stations int
	Ticks    int
	Rejected int
}

// Report summarises one evaluation cycle.
type Report struct {
	At         time.Time
	Ingest     IngestReport
	Snapshots  int
	Candidates int
	Admitted   []trend.Snapshot
	Bundles    int
	Dispatch   notify.Report
}

// Service orchestrates ingestion, trend detection, and alert dispatch.
type Service struct {
	deps   Deps
	opts   Options
	dedup  *dedup.Deduplicator
	logger zerolog.Logger
}

// New constructs the evaluation service.
func New(deps Deps, opts Options, logger zerolog.Logger) *Service {
	if deps.Calculator == nil {
		deps.Calculator = trend.NewCalculator(trend.DefaultPolicy())
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = deps.Calculator.Policy().Window
	}
	logger = logger.With().Str("component", "service").Logger()

	return &Service{
		deps:   deps,
		opts:   opts,
		dedup:  dedup.New(deps.Alerts, opts.Cooldown, logger),
		logger: logger,
	}
}

// Run begins the periodic evaluation loop.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, s.ProcessCycle)
}

// ProcessCycle runs one cycle under the advisory lock; it is the scheduler callback.
func (s *Service) ProcessCycle(ctx context.Context, at time.Time) error {
	report, err := s.RunCycle(ctx, at)
	if errors.Is(err, ErrCycleSkipped) {
		s.logger.Debug().Time("at", at).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Info().
		Time("at", at).
		Int("ticks", report.Ingest.Ticks).
		Int("candidates", report.Candidates).
		Int("admitted", len(report.Admitted)).
		Int("bundles", report.Bundles).
		Int("sent", report.Dispatch.Sent).
		Int("failed", report.Dispatch.Failed).
		Msg("cycle complete")
	return nil
}

// RunCycle fetches the feed when one is configured, then evaluates at t.
func (s *Service) RunCycle(ctx context.Context, t time.Time) (Report, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return Report{At: t}, s.fail(ctx, t, StageLock, err)
	}
	if !proceed {
		return Report{At: t}, ErrCycleSkipped
	}
	if unlock != nil {
		defer unlock()
	}

	started := time.Now()
	defer func() { metrics.CycleDuration.Observe(time.Since(started).Seconds()) }()

	var ingest IngestReport
	if s.deps.Feed != nil {
		snap, err := s.deps.Feed.Fetch(ctx)
		if err != nil {
			return Report{At: t}, s.fail(ctx, t, StageFetch, err)
		}
		ingest, err = s.Ingest(ctx, snap)
		if err != nil {
			return Report{At: t, Ingest: ingest}, s.fail(ctx, t, StageIngest, err)
		}
	}

	report, err := s.evaluate(ctx, t)
	report.Ingest = ingest
	return report, err
}

// Ingest validates and persists one feed snapshot. Bad rows are dropped and counted.
func (s *Service) Ingest(ctx context.Context, snap fetcher.Snapshot) (IngestReport, error) {
	report := IngestReport{Rejected: len(snap.Rejected)}
	metrics.RowsRejected.WithLabelValues("parse").Add(float64(len(snap.Rejected)))
	for _, row := range snap.Rejected {
		s.logger.Warn().Err(row.Err).Int("row", row.Index).Msg("dropped unparseable feed row")
	}

	stations, badStations := storage.PartitionStations(snap.Stations)
	ticks, badTicks := storage.PartitionTicks(snap.Ticks)
	report.Rejected += len(badStations) + len(badTicks)
	metrics.RowsRejected.WithLabelValues("station").Add(float64(len(badStations)))
	metrics.RowsRejected.WithLabelValues("tick").Add(float64(len(badTicks)))
	for _, row := range badTicks {
		s.logger.Warn().Err(row.Err).Int("row", row.Index).Msg("dropped invalid price tick")
	}

	n, err := s.deps.Ticks.UpsertStations(ctx, stations)
	if err != nil {
		return report, fmt.Errorf("upsert stations: %w", err)
	}
	report.Stations = n

	inserted, err := s.deps.Ticks.AppendTicks(ctx, ticks)
	if err != nil {
		return report, fmt.Errorf("append ticks: %w", err)
	}
	report.Ticks = inserted
	metrics.TicksIngested.Add(float64(inserted))

	s.logger.Info().
		Int("stations", report.Stations).
		Int("ticks", report.Ticks).
		Int("rejected", report.Rejected).
		Msg("ingestion complete")
	return report, nil
}

// Evaluate runs detection, dedup, matching and dispatch at t without fetching.
func (s *Service) Evaluate(ctx context.Context, t time.Time) (Report, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return Report{At: t}, s.fail(ctx, t, StageLock, err)
	}
	if !proceed {
		return Report{At: t}, ErrCycleSkipped
	}
	if unlock != nil {
		defer unlock()
	}
	return s.evaluate(ctx, t)
}

// Snapshots computes the trend snapshot of every series at t.
func (s *Service) Snapshots(ctx context.Context, t time.Time) ([]trend.Snapshot, error) {
	ticks, err := s.deps.Ticks.QueryWindow(ctx, nil, s.deps.Calculator.WindowStart(t), t)
	if err != nil {
		return nil, fmt.Errorf("query window: %w", err)
	}
	return s.deps.Calculator.Compute(ticks, t), nil
}

func (s *Service) evaluate(ctx context.Context, t time.Time) (Report, error) {
	report := Report{At: t}

	snaps, err := s.Snapshots(ctx, t)
	if err != nil {
		return report, s.fail(ctx, t, StageEvaluate, err)
	}
	report.Snapshots = len(snaps)

	candidates := s.deps.Calculator.Candidates(snaps)
	report.Candidates = len(candidates)
	metrics.Candidates.Add(float64(len(candidates)))
	if len(candidates) == 0 {
		s.logger.Debug().Time("at", t).Int("series", len(snaps)).Msg("no candidates")
		return report, nil
	}

	admitted, err := s.dedup.Admit(ctx, candidates, t)
	report.Admitted = admitted
	if err != nil {
		return report, s.fail(ctx, t, StageDedup, err)
	}
	metrics.AlertsAdmitted.Add(float64(len(admitted)))
	if len(admitted) == 0 {
		return report, nil
	}

	bundles, err := s.match(ctx, admitted)
	if err != nil {
		return report, s.fail(ctx, t, StageMatch, err)
	}
	report.Bundles = len(bundles)
	metrics.Bundles.Add(float64(len(bundles)))

	if !s.opts.AlertsEnabled || s.deps.Renderer == nil || s.deps.Dispatcher == nil {
		s.logger.Info().Int("bundles", len(bundles)).Msg("alerting disabled; bundles not dispatched")
		return report, nil
	}

	payloads := s.deps.Renderer.RenderAll(bundles)
	report.Dispatch = s.deps.Dispatcher.Dispatch(ctx, payloads)
	report.Dispatch.Failed += len(bundles) - len(payloads)

	// every attempted send failing means the channel is down; a spent daily quota is not an outage
	if len(payloads) > 0 && report.Dispatch.Sent == 0 {
		var errs []error
		for _, f := range report.Dispatch.Failures {
			if !errors.Is(f.Err, notify.ErrDailyLimit) {
				errs = append(errs, f.Err)
			}
		}
		if len(errs) > 0 {
			return report, s.fail(ctx, t, StageDispatch, errors.Join(errs...))
		}
	}
	return report, nil
}

func (s *Service) match(ctx context.Context, admitted []trend.Snapshot) ([]matcher.Bundle, error) {
	subs, err := s.deps.Subs.ListSubscriptionsForPairs(ctx, trend.Keys(admitted))
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil, nil
	}
	stations, err := s.deps.Ticks.GetStations(ctx, matcher.StationCodes(admitted))
	if err != nil {
		return nil, fmt.Errorf("get stations: %w", err)
	}
	return matcher.Match(admitted, subs, stations), nil
}

// fail records the failure and sends a best-effort operator notice; err is returned wrapped.
func (s *Service) fail(ctx context.Context, t time.Time, stage string, err error) error {
	metrics.CycleFailures.WithLabelValues(stage).Inc()
	wrapped := fmt.Errorf("%s: %w", stage, err)
	s.logger.Error().Err(err).Str("stage", stage).Time("at", t).Msg("cycle failed")

	if s.deps.Operator != nil {
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		incident := notify.Incident{EvaluatedAt: t, Stage: stage, Err: err}
		if nerr := s.deps.Operator.NotifyIncident(notifyCtx, incident); nerr != nil {
			s.logger.Error().Err(nerr).Msg("failed to notify operator")
		}
	}
	return wrapped
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
