// Package dedup admits anomaly candidates at most once per cooldown window per series.
package dedup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"fuel-price-alerts/internal/storage"
	"fuel-price-alerts/internal/trend"
)

// Deduplicator filters candidates against the alert log.
type Deduplicator struct {
	log      storage.AlertLog
	cooldown time.Duration
	logger   zerolog.Logger
}

// New constructs a Deduplicator.
func New(log storage.AlertLog, cooldown time.Duration, logger zerolog.Logger) *Deduplicator {
	if cooldown <= 0 {
		cooldown = trend.DefaultWindow
	}
	return &Deduplicator{
		log:      log,
		cooldown: cooldown,
		logger:   logger.With().Str("component", "dedup").Logger(),
	}
}

// Admit records an alert at t for every candidate without one in (t-cooldown, t] and
// returns the admitted candidates. A pair that loses a concurrent race is treated as
// already alerted. Store errors abort the call; records written before the error stay.
func (d *Deduplicator) Admit(ctx context.Context, candidates []trend.Snapshot, t time.Time) ([]trend.Snapshot, error) {
	ordered := make([]trend.Snapshot, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Key.Less(ordered[j].Key) })

	admitted := make([]trend.Snapshot, 0, len(ordered))
	seen := make(map[storage.PairKey]struct{}, len(ordered))
	for _, cand := range ordered {
		if _, dup := seen[cand.Key]; dup {
			continue
		}
		seen[cand.Key] = struct{}{}

		ok, err := d.log.TryRecordAlert(ctx, cand.Key, t, d.cooldown)
		if err != nil {
			return admitted, fmt.Errorf("admit %s: %w", cand.Key, err)
		}
		if !ok {
			d.logger.Debug().Str("pair", cand.Key.String()).Time("at", t).Msg("suppressed: alerted within cooldown")
			continue
		}
		admitted = append(admitted, cand)
	}

	d.logger.Info().
		Int("candidates", len(ordered)).
		Int("admitted", len(admitted)).
		Time("at", t).
		Msg("dedup complete")
	return admitted, nil
}
