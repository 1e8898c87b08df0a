// Package matcher joins admitted anomalies with subscriber interest and builds per-user bundles.
package matcher

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fuel-price-alerts/internal/storage"
	"fuel-price-alerts/internal/trend"
)

// Entry is one admitted anomaly as presented to a subscriber.
type Entry struct {
	Station  storage.Station
	Snapshot trend.Snapshot
}

// Key returns the entry's series.
func (e Entry) Key() storage.PairKey {
	return e.Snapshot.Key
}

// StationName falls back to the code when metadata is missing.
func (e Entry) StationName() string {
	if e.Station.Name != "" {
		return e.Station.Name
	}
	return e.Snapshot.Key.StationCode
}

// Bundle is the ranked set of anomalies relevant to one subscriber.
type Bundle struct {
	UserID   uuid.UUID
	Email    string
	Entries  []Entry
	Headline Entry
}

// Match groups admitted anomalies by subscriber. Users without a matching anomaly get no bundle.
// Entries are ordered by change ratio descending, then station code and fuel type ascending;
// the headline is the lowest current price with the same tie-break.
func Match(admitted []trend.Snapshot, subs []storage.Subscription, stations map[string]storage.Station) []Bundle {
	byPair := make(map[storage.PairKey]trend.Snapshot, len(admitted))
	for _, snap := range admitted {
		byPair[snap.Key] = snap
	}

	type group struct {
		email   string
		entries []Entry
		seen    map[storage.PairKey]struct{}
	}
	groups := make(map[uuid.UUID]*group)
	for _, sub := range subs {
		snap, ok := byPair[sub.Key()]
		if !ok {
			continue
		}
		g, ok := groups[sub.UserID]
		if !ok {
			g = &group{email: sub.Email, seen: make(map[storage.PairKey]struct{})}
			groups[sub.UserID] = g
		}
		if _, dup := g.seen[snap.Key]; dup {
			continue
		}
		g.seen[snap.Key] = struct{}{}

		station, ok := stations[snap.Key.StationCode]
		if !ok {
			station = storage.Station{Code: snap.Key.StationCode}
		}
		g.entries = append(g.entries, Entry{Station: station, Snapshot: snap})
	}

	bundles := make([]Bundle, 0, len(groups))
	for userID, g := range groups {
		if len(g.entries) == 0 {
			continue
		}
		Rank(g.entries)
		bundles = append(bundles, Bundle{
			UserID:   userID,
			Email:    g.email,
			Entries:  g.entries,
			Headline: Cheapest(g.entries),
		})
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].UserID.String() < bundles[j].UserID.String() })
	return bundles
}

// Rank sorts entries by change ratio descending with a station/fuel tie-break.
func Rank(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Snapshot, entries[j].Snapshot
		if cmp := a.ChangeRatio.Cmp(b.ChangeRatio); cmp != 0 {
			return cmp > 0
		}
		return a.Key.Less(b.Key)
	})
}

// Cheapest returns the entry with the lowest current price. entries must be non-empty.
func Cheapest(entries []Entry) Entry {
	best := entries[0]
	for _, e := range entries[1:] {
		if lessPrice(e.Snapshot.CurrentPrice, e.Key(), best.Snapshot.CurrentPrice, best.Key()) {
			best = e
		}
	}
	return best
}

func lessPrice(p decimal.Decimal, k storage.PairKey, q decimal.Decimal, l storage.PairKey) bool {
	if cmp := p.Cmp(q); cmp != 0 {
		return cmp < 0
	}
	return k.Less(l)
}

// StationCodes lists the distinct station codes of the given snapshots.
func StationCodes(snapshots []trend.Snapshot) []string {
	seen := make(map[string]struct{}, len(snapshots))
	codes := make([]string, 0, len(snapshots))
	for _, snap := range snapshots {
		if _, ok := seen[snap.Key.StationCode]; ok {
			continue
		}
		seen[snap.Key.StationCode] = struct{}{}
		codes = append(codes, snap.Key.StationCode)
	}
	sort.Strings(codes)
	return codes
}
