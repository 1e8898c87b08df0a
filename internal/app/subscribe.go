package app

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"fuel-price-alerts/internal/storage"
)

// Subscribe replaces a user's subscription set, the CLI twin of PUT /v1/subscriptions.
func (a *App) Subscribe(ctx context.Context, opts SubscribeOptions) ([]storage.PairKey, error) {
	userID, err := uuid.Parse(strings.TrimSpace(opts.UserID))
	if err != nil {
		return nil, fmt.Errorf("invalid --user: %w", err)
	}
	if _, err := mail.ParseAddress(opts.Email); err != nil {
		return nil, fmt.Errorf("invalid --email: %w", err)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("database not configured; cannot store subscriptions")
	}
	defer closeStore()

	sub := storage.Subscriber{UserID: userID, Email: strings.TrimSpace(opts.Email)}
	if err := store.SetSubscriptions(ctx, sub, opts.Pairs); err != nil {
		return nil, err
	}
	saved, err := store.GetSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}
	a.Logger.Info().Str("user_id", userID.String()).Int("pairs", len(saved)).Msg("subscriptions replaced")
	return saved, nil
}

// ParsePair reads a "STATION:FUEL" argument.
func ParsePair(raw string) (storage.PairKey, error) {
	code, fuel, ok := strings.Cut(strings.TrimSpace(raw), ":")
	code, fuel = strings.TrimSpace(code), strings.TrimSpace(fuel)
	if !ok || code == "" || fuel == "" {
		return storage.PairKey{}, fmt.Errorf("pair %q must look like STATION:FUEL", raw)
	}
	return storage.PairKey{StationCode: code, FuelType: fuel}, nil
}
