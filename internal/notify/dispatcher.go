package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fuel-price-alerts/internal/metrics"
)

const (
	DefaultBatchSize     = 14
	DefaultBatchInterval = time.Second
	DefaultSendTimeout   = 10 * time.Second
)

// Clock abstracts wall time so pacing can be tested without sleeping.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// DispatcherOptions tune delivery pacing.
type DispatcherOptions struct {
	BatchSize     int
	BatchInterval time.Duration
	SendTimeout   time.Duration
	Clock         Clock
	// Quota is optional; nil means unlimited.
	Quota Quota
}

// Failure records one undelivered payload.
type Failure struct {
	UserID string
	To     string
	Err    error
}

// Report summarises a dispatch run.
type Report struct {
	Sent     int
	Failed   int
	Batches  int
	Failures []Failure
}

// Dispatcher sends payloads in rate-limited batches.
type Dispatcher struct {
	channel Channel
	opts    DispatcherOptions
	logger  zerolog.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(channel Channel, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchInterval < 0 {
		opts.BatchInterval = 0
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	return &Dispatcher{
		channel: channel,
		opts:    opts,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch delivers payloads in order, at most BatchSize concurrently. Batches
// start at least BatchInterval apart. A failed send is recorded and never
// retried within the run.
func (d *Dispatcher) Dispatch(ctx context.Context, payloads []Payload) Report {
	var report Report
	var batchStart time.Time

	for start := 0; start < len(payloads); start += d.opts.BatchSize {
		end := start + d.opts.BatchSize
		if end > len(payloads) {
			end = len(payloads)
		}
		batch := payloads[start:end]

		if start > 0 {
			wait := d.opts.BatchInterval - d.opts.Clock.Now().Sub(batchStart)
			if wait > 0 {
				if err := d.opts.Clock.Sleep(ctx, wait); err != nil {
					d.failAll(&report, payloads[start:], err)
					break
				}
			}
		}
		batchStart = d.opts.Clock.Now()

		granted := d.reserve(ctx, batchStart, len(batch))
		d.failAll(&report, batch[granted:], ErrDailyLimit)

		errs := d.sendBatch(ctx, batch[:granted])
		for i, err := range errs {
			if err != nil {
				d.fail(&report, batch[i], err)
				continue
			}
			report.Sent++
			metrics.Notifications.WithLabelValues("sent").Inc()
		}
		report.Batches++

		d.logger.Debug().
			Int("batch", report.Batches).
			Int("size", len(batch)).
			Int("granted", granted).
			Msg("batch dispatched")
	}

	if report.Failed > 0 {
		d.logger.Warn().Int("sent", report.Sent).Int("failed", report.Failed).Msg("dispatch finished with failures")
	} else if report.Sent > 0 {
		d.logger.Info().Int("sent", report.Sent).Int("batches", report.Batches).Msg("dispatch finished")
	}
	return report
}

func (d *Dispatcher) sendBatch(ctx context.Context, batch []Payload) []error {
	errs := make([]error, len(batch))
	var g errgroup.Group
	for i := range batch {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
			defer cancel()
			errs[i] = d.channel.Send(sendCtx, batch[i])
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// reserve fails open: a quota backend error never blocks delivery.
func (d *Dispatcher) reserve(ctx context.Context, now time.Time, n int) int {
	if d.opts.Quota == nil {
		return n
	}
	granted, err := d.opts.Quota.Reserve(ctx, now, n)
	if err != nil {
		d.logger.Warn().Err(err).Msg("quota unavailable; sending without limit")
		return n
	}
	if granted < n {
		d.logger.Warn().Int("requested", n).Int("granted", granted).Msg("daily send limit reached")
	}
	return granted
}

func (d *Dispatcher) fail(report *Report, p Payload, err error) {
	report.Failed++
	report.Failures = append(report.Failures, Failure{UserID: p.UserID.String(), To: p.To, Err: err})
	metrics.Notifications.WithLabelValues("failed").Inc()
	d.logger.Error().Err(err).Str("user_id", p.UserID.String()).Str("to", p.To).Msg("notification failed")
}

func (d *Dispatcher) failAll(report *Report, payloads []Payload, err error) {
	for _, p := range payloads {
		d.fail(report, p, err)
	}
}
