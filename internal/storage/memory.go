package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type tickID struct {
	key PairKey
	at  int64
}

// MemoryStore is an in-process implementation used for replays, dry runs and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	opts          options
	stations      map[string]Station
	ticks         map[PairKey][]PriceTick
	tickIndex     map[tickID]struct{}
	alerts        map[PairKey][]time.Time
	alertOrder    []AlertRecord
	subscribers   map[uuid.UUID]Subscriber
	subscriptions map[uuid.UUID][]PairKey
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:          buildOptions(opts),
		stations:      make(map[string]Station),
		ticks:         make(map[PairKey][]PriceTick),
		tickIndex:     make(map[tickID]struct{}),
		alerts:        make(map[PairKey][]time.Time),
		subscribers:   make(map[uuid.UUID]Subscriber),
		subscriptions: make(map[uuid.UUID][]PairKey),
	}
}

// UpsertStations inserts or replaces station metadata.
func (m *MemoryStore) UpsertStations(_ context.Context, batch []Station) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range batch {
		m.stations[st.Code] = st
	}
	return len(batch), nil
}

// AppendTicks inserts unseen ticks for known stations.
func (m *MemoryStore) AppendTicks(_ context.Context, batch []PriceTick) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	touched := make(map[PairKey]struct{})
	for _, tick := range batch {
		if _, ok := m.stations[tick.StationCode]; !ok {
			continue
		}
		tick.ObservedAt = tick.ObservedAt.UTC()
		id := tickID{key: tick.Key(), at: tick.ObservedAt.UnixNano()}
		if _, dup := m.tickIndex[id]; dup {
			continue
		}
		m.tickIndex[id] = struct{}{}
		m.ticks[id.key] = append(m.ticks[id.key], tick)
		touched[id.key] = struct{}{}
		inserted++
	}
	for key := range touched {
		series := m.ticks[key]
		sort.Slice(series, func(i, j int) bool { return series[i].ObservedAt.Before(series[j].ObservedAt) })
	}
	return inserted, nil
}

// QueryWindow mirrors Store.QueryWindow.
func (m *MemoryStore) QueryWindow(_ context.Context, pairs []PairKey, from, to time.Time) ([]PriceTick, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := pairs
	if len(keys) == 0 {
		keys = make([]PairKey, 0, len(m.ticks))
		for key := range m.ticks {
			keys = append(keys, key)
		}
	}

	out := make([]PriceTick, 0)
	for _, key := range keys {
		var carried *PriceTick
		for i, tick := range m.ticks[key] {
			if tick.ObservedAt.Before(from) {
				carried = &m.ticks[key][i]
				continue
			}
			if tick.ObservedAt.After(to) {
				break
			}
			out = append(out, tick)
		}
		if carried != nil {
			out = append(out, *carried)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].ObservedAt.Before(out[j].ObservedAt)
		}
		return out[i].Key().Less(out[j].Key())
	})
	return out, nil
}

// ListTicks returns the raw history of one pair in [from, to).
func (m *MemoryStore) ListTicks(_ context.Context, pair PairKey, from, to time.Time) ([]PriceTick, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PriceTick, 0)
	for _, tick := range m.ticks[pair] {
		if tick.ObservedAt.Before(from) || !tick.ObservedAt.Before(to) {
			continue
		}
		out = append(out, tick)
	}
	return out, nil
}

// GetStations loads metadata for the given codes.
func (m *MemoryStore) GetStations(_ context.Context, codes []string) (map[string]Station, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Station, len(codes))
	for _, code := range codes {
		if st, ok := m.stations[code]; ok {
			out[code] = st
		}
	}
	return out, nil
}

// TryRecordAlert is a compare-and-set on the pair's alert history.
func (m *MemoryStore) TryRecordAlert(_ context.Context, key PairKey, at time.Time, cooldown time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at = at.UTC()
	from := at.Add(-cooldown)
	for _, prev := range m.alerts[key] {
		if prev.After(from) && !prev.After(at) {
			return false, nil
		}
	}
	m.alerts[key] = append(m.alerts[key], at)
	m.alertOrder = append(m.alertOrder, AlertRecord{StationCode: key.StationCode, FuelType: key.FuelType, AlertedAt: at})
	return true, nil
}

// ListRecentAlerts returns records newest first.
func (m *MemoryStore) ListRecentAlerts(_ context.Context, limit int) ([]AlertRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AlertRecord, len(m.alertOrder))
	copy(out, m.alertOrder)
	sort.SliceStable(out, func(i, j int) bool { return out[i].AlertedAt.After(out[j].AlertedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetSubscriptions returns the pairs a user follows.
func (m *MemoryStore) GetSubscriptions(_ context.Context, userID uuid.UUID) ([]PairKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	current := m.subscriptions[userID]
	out := make([]PairKey, len(current))
	copy(out, current)
	return out, nil
}

// SetSubscriptions swaps the user's set under the write lock.
func (m *MemoryStore) SetSubscriptions(_ context.Context, subscriber Subscriber, pairs []PairKey) error {
	pairs, err := NormalizeSubscriptions(pairs, m.opts.subscriptionLimit)
	if err != nil {
		return err
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Less(pairs[j]) })

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range pairs {
		if _, ok := m.stations[key.StationCode]; !ok {
			return fmt.Errorf("%w: unknown station %s", ErrInvalidSubscription, key.StationCode)
		}
	}
	m.subscribers[subscriber.UserID] = subscriber
	m.subscriptions[subscriber.UserID] = pairs
	return nil
}

// ListSubscriptionsForPairs joins subscriptions with subscriber contacts.
func (m *MemoryStore) ListSubscriptionsForPairs(_ context.Context, pairs []PairKey) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[PairKey]struct{}, len(pairs))
	for _, key := range pairs {
		wanted[key] = struct{}{}
	}

	out := make([]Subscription, 0)
	for userID, keys := range m.subscriptions {
		sub := m.subscribers[userID]
		for _, key := range keys {
			if _, ok := wanted[key]; !ok {
				continue
			}
			out = append(out, Subscription{
				UserID:      userID,
				Email:       sub.Email,
				StationCode: key.StationCode,
				FuelType:    key.FuelType,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID.String() < out[j].UserID.String()
		}
		return out[i].Key().Less(out[j].Key())
	})
	return out, nil
}

var (
	_ TickStore         = (*MemoryStore)(nil)
	_ AlertLog          = (*MemoryStore)(nil)
	_ SubscriptionStore = (*MemoryStore)(nil)
)
