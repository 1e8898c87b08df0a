package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fuel-price-alerts/internal/matcher"
	"fuel-price-alerts/internal/storage"
	"fuel-price-alerts/internal/trend"
)

var evalAt = time.Date(2021, 5, 29, 12, 0, 0, 0, time.UTC)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func entry(code, name, fuel string, prices ...string) matcher.Entry {
	ticks := make([]storage.PriceTick, 0, len(prices))
	step := 6 * 24 * time.Hour / time.Duration(len(prices))
	for i, p := range prices {
		ticks = append(ticks, storage.PriceTick{
			StationCode: code,
			FuelType:    fuel,
			Price:       decimal.RequireFromString(p),
			ObservedAt:  evalAt.Add(-6*24*time.Hour + time.Duration(i)*step),
		})
	}
	snap := trend.NewCalculator(trend.DefaultPolicy()).Compute(ticks, evalAt)[0]
	return matcher.Entry{
		Station:  storage.Station{Code: code, Name: name},
		Snapshot: snap,
	}
}

// fakeClock advances only when Sleep is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

// recordingChannel fails sends addressed to any address in failFor.
type recordingChannel struct {
	mu      sync.Mutex
	sent    []string
	failFor map[string]bool
}

func (c *recordingChannel) Send(_ context.Context, p Payload) error {
	if c.failFor[p.To] {
		return errors.New("relay rejected recipient")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, p.To)
	return nil
}

func payloads(n int) []Payload {
	out := make([]Payload, n)
	for i := range out {
		out[i] = Payload{UserID: uuid.New(), To: fmt.Sprintf("user%02d@example.com", i), Subject: "Fuel Price Alert"}
	}
	return out
}
