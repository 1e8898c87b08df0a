package app

import (
	"context"
	"errors"

	"fuel-price-alerts/internal/storage"
)

// Migrate applies pending schema migrations and returns the names applied.
func (a *App) Migrate(ctx context.Context) ([]string, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("database.dsn 未配置，无法执行迁移")
	}
	defer closeStore()

	source, err := storage.MigrationSource(a.Config.Database.MigrationsPath)
	if err != nil {
		return nil, err
	}

	applied, err := store.Migrate(ctx, source)
	if err != nil {
		return applied, err
	}
	if len(applied) == 0 {
		a.Logger.Info().Msg("schema up to date")
	} else {
		a.Logger.Info().Strs("applied", applied).Msg("migrations applied")
	}
	return applied, nil
}
