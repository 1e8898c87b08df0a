// Package trend derives time-weighted price snapshots from raw ticks.
//
// The reference price of a series is not the arithmetic mean of its samples.
// Each tick holds until the next one arrives, so the average integrates the
// step function formed by consecutive ticks over the trailing window.
package trend

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"fuel-price-alerts/internal/storage"
)

const (
	// DefaultWindow is the trailing period the reference price covers.
	DefaultWindow = 7 * 24 * time.Hour
	// DefaultThreshold is the change ratio above which a snapshot becomes a candidate.
	DefaultThreshold = 0.05
	// DefaultAverageFloor bounds the change ratio denominator away from zero.
	DefaultAverageFloor = 1.0
)

// Policy carries the tunable detection values.
type Policy struct {
	Window       time.Duration
	Threshold    decimal.Decimal
	AverageFloor decimal.Decimal
}

// DefaultPolicy returns the production policy.
func DefaultPolicy() Policy {
	return NewPolicy(DefaultWindow, DefaultThreshold, DefaultAverageFloor)
}

// NewPolicy builds a Policy, falling back to defaults for non-positive inputs.
func NewPolicy(window time.Duration, threshold, floor float64) Policy {
	if window <= 0 {
		window = DefaultWindow
	}
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	if floor <= 0 {
		floor = DefaultAverageFloor
	}
	return Policy{
		Window:       window,
		Threshold:    decimal.NewFromFloat(threshold),
		AverageFloor: decimal.NewFromFloat(floor),
	}
}

// PricePoint is one entry of a snapshot's recent price series.
type PricePoint struct {
	Time  time.Time       `json:"time"`
	Price decimal.Decimal `json:"price"`
}

// Snapshot is the derived state of one series at an evaluation instant.
type Snapshot struct {
	Key          storage.PairKey
	EvaluatedAt  time.Time
	CurrentPrice decimal.Decimal
	Average      decimal.Decimal
	ChangeRatio  decimal.Decimal
	RecentPrices []PricePoint
}

// ChangePercent returns the change ratio scaled to percent.
func (s Snapshot) ChangePercent() decimal.Decimal {
	return s.ChangeRatio.Mul(decimal.NewFromInt(100))
}

// Calculator computes snapshots under a policy.
type Calculator struct {
	policy Policy
}

// NewCalculator constructs a Calculator.
func NewCalculator(policy Policy) *Calculator {
	return &Calculator{policy: policy}
}

// Policy exposes the calculator's policy.
func (c *Calculator) Policy() Policy {
	return c.policy
}

// WindowStart returns t minus the window length.
func (c *Calculator) WindowStart(t time.Time) time.Time {
	return t.Add(-c.policy.Window)
}

// Compute builds one snapshot per series that has at least one tick at or before t.
// Input ticks may arrive in any order; ticks after t are ignored and, per series,
// only the latest tick before the window start is kept as the opening value.
func (c *Calculator) Compute(ticks []storage.PriceTick, t time.Time) []Snapshot {
	grouped := make(map[storage.PairKey][]storage.PriceTick)
	for _, tick := range ticks {
		if tick.ObservedAt.After(t) {
			continue
		}
		grouped[tick.Key()] = append(grouped[tick.Key()], tick)
	}

	keys := make([]storage.PairKey, 0, len(grouped))
	for key := range grouped {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	snapshots := make([]Snapshot, 0, len(keys))
	for _, key := range keys {
		if snap, ok := c.snapshot(key, grouped[key], t); ok {
			snapshots = append(snapshots, snap)
		}
	}
	return snapshots
}

func (c *Calculator) snapshot(key storage.PairKey, series []storage.PriceTick, t time.Time) (Snapshot, bool) {
	series = windowSeries(series, c.WindowStart(t))
	if len(series) == 0 {
		return Snapshot{}, false
	}

	current := series[len(series)-1].Price
	average := c.timeWeightedAverage(series, t)

	denominator := decimal.Max(average, c.policy.AverageFloor)
	ratio := current.Sub(average).Div(denominator)

	points := make([]PricePoint, len(series))
	for i, tick := range series {
		points[i] = PricePoint{Time: tick.ObservedAt, Price: tick.Price}
	}

	return Snapshot{
		Key:          key,
		EvaluatedAt:  t,
		CurrentPrice: current,
		Average:      average,
		ChangeRatio:  ratio,
		RecentPrices: points,
	}, true
}

// windowSeries sorts ticks ascending and drops all but the last tick before start.
func windowSeries(series []storage.PriceTick, start time.Time) []storage.PriceTick {
	sorted := make([]storage.PriceTick, len(series))
	copy(sorted, series)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ObservedAt.Before(sorted[j].ObservedAt) })

	first := 0
	for i, tick := range sorted {
		if tick.ObservedAt.Before(start) {
			first = i
		}
	}
	return sorted[first:]
}

// timeWeightedAverage folds the step function over [t-W, t).
//
// Segment i runs from max(ts_i, t-W) to ts_{i+1} (or t for the last tick) and
// contributes price_i times its length. The sum is divided by the covered
// length, which equals W whenever the window opens with a carried-forward tick.
func (c *Calculator) timeWeightedAverage(series []storage.PriceTick, t time.Time) decimal.Decimal {
	start := c.WindowStart(t)

	weighted := decimal.Zero
	var covered time.Duration
	for i, tick := range series {
		segStart := tick.ObservedAt
		if segStart.Before(start) {
			segStart = start
		}
		segEnd := t
		if i+1 < len(series) {
			segEnd = series[i+1].ObservedAt
		}
		width := segEnd.Sub(segStart)
		if width <= 0 {
			continue
		}
		weighted = weighted.Add(tick.Price.Mul(decimal.NewFromInt(int64(width))))
		covered += width
	}

	if covered <= 0 {
		return series[len(series)-1].Price
	}
	return weighted.Div(decimal.NewFromInt(int64(covered)))
}

// Candidates keeps snapshots whose change ratio exceeds the policy threshold.
func (c *Calculator) Candidates(snapshots []Snapshot) []Snapshot {
	out := make([]Snapshot, 0)
	for _, snap := range snapshots {
		if snap.ChangeRatio.GreaterThan(c.policy.Threshold) {
			out = append(out, snap)
		}
	}
	return out
}

// Keys lists the series of the given snapshots.
func Keys(snapshots []Snapshot) []storage.PairKey {
	keys := make([]storage.PairKey, len(snapshots))
	for i, snap := range snapshots {
		keys[i] = snap.Key
	}
	return keys
}
