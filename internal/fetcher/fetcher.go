package fetcher

import (
	"context"

	"fuel-price-alerts/internal/storage"
)

// Snapshot is one pull of the upstream feed after normalisation.
type Snapshot struct {
	Stations []storage.Station
	Ticks    []storage.PriceTick
	// Rejected lists rows that could not be parsed; Index refers to the price rows of the payload.
	Rejected []storage.RejectedRow
}

// Feed retrieves the current station and price listing.
type Feed interface {
	Fetch(ctx context.Context) (Snapshot, error)
}
