package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const foreignKeyViolation = "23503"

// DefaultSubscriptionLimit caps the (station, fuel) pairs a subscriber may hold.
const DefaultSubscriptionLimit = 5

const (
	upsertStationSQL = `INSERT INTO stations (
        code,
        brand_id,
        station_id,
        brand,
        name,
        address,
        latitude,
        longitude,
        state
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (code) DO UPDATE
    SET
        brand_id   = EXCLUDED.brand_id,
        station_id = EXCLUDED.station_id,
        brand      = EXCLUDED.brand,
        name       = EXCLUDED.name,
        address    = EXCLUDED.address,
        latitude   = EXCLUDED.latitude,
        longitude  = EXCLUDED.longitude,
        state      = EXCLUDED.state;`

	insertTickSQL = `INSERT INTO price_ticks (
        station_code,
        fuel_type,
        state,
        price,
        observed_at
    )
    SELECT $1::text, $2::text, $3::text, $4::numeric, $5::timestamptz
    WHERE EXISTS (SELECT 1 FROM stations WHERE code = $1::text)
    ON CONFLICT (station_code, fuel_type, observed_at) DO NOTHING;`

	queryWindowSQL = `WITH scope AS (
        SELECT s, f FROM unnest($3::text[], $4::text[]) AS k(s, f)
    ),
    in_window AS (
        SELECT station_code, fuel_type, COALESCE(state, '') AS state, price::text AS price, observed_at
        FROM price_ticks
        WHERE observed_at >= $1
          AND observed_at <= $2
          AND ($5::bool OR (station_code, fuel_type) IN (SELECT s, f FROM scope))
    ),
    carried AS (
        SELECT DISTINCT ON (station_code, fuel_type)
            station_code, fuel_type, COALESCE(state, '') AS state, price::text AS price, observed_at
        FROM price_ticks
        WHERE observed_at < $1
          AND ($5::bool OR (station_code, fuel_type) IN (SELECT s, f FROM scope))
        ORDER BY station_code, fuel_type, observed_at DESC
    )
    SELECT station_code, fuel_type, state, price, observed_at FROM carried
    UNION ALL
    SELECT station_code, fuel_type, state, price, observed_at FROM in_window
    ORDER BY observed_at, station_code, fuel_type;`

	listTicksSQL = `SELECT
        station_code,
        fuel_type,
        COALESCE(state, ''),
        price::text,
        observed_at
    FROM price_ticks
    WHERE station_code = $1
      AND fuel_type = $2
      AND observed_at >= $3
      AND observed_at < $4
    ORDER BY observed_at;`

	getStationsSQL = `SELECT
        code,
        COALESCE(brand_id, ''),
        COALESCE(station_id, ''),
        COALESCE(brand, ''),
        COALESCE(name, ''),
        COALESCE(address, ''),
        COALESCE(latitude, 0),
        COALESCE(longitude, 0),
        COALESCE(state, '')
    FROM stations
    WHERE code = ANY($1::text[]);`

	insertAlertIfQuietSQL = `INSERT INTO alert_log (
        station_code,
        fuel_type,
        alerted_at
    )
    SELECT $1::text, $2::text, $3::timestamptz
    WHERE NOT EXISTS (
        SELECT 1 FROM alert_log
        WHERE station_code = $1::text
          AND fuel_type = $2::text
          AND alerted_at > $4::timestamptz
          AND alerted_at <= $3::timestamptz
    );`

	lockPairSQL = `SELECT pg_advisory_xact_lock(hashtext($1));`

	listRecentAlertsSQL = `SELECT
        station_code,
        fuel_type,
        alerted_at
    FROM alert_log
    ORDER BY alerted_at DESC
    LIMIT $1;`

	upsertSubscriberSQL = `INSERT INTO subscribers (user_id, email)
    VALUES ($1, $2)
    ON CONFLICT (user_id) DO UPDATE SET email = EXCLUDED.email;`

	deleteSubscriptionsSQL = `DELETE FROM subscriptions WHERE user_id = $1;`

	insertSubscriptionSQL = `INSERT INTO subscriptions (user_id, station_code, fuel_type)
    VALUES ($1, $2, $3);`

	listSubscriptionsSQL = `SELECT station_code, fuel_type
    FROM subscriptions
    WHERE user_id = $1
    ORDER BY station_code, fuel_type;`

	listSubscriptionsForPairsSQL = `SELECT
        s.user_id,
        u.email,
        s.station_code,
        s.fuel_type
    FROM subscriptions s
    JOIN subscribers u ON u.user_id = s.user_id
    WHERE (s.station_code, s.fuel_type) IN (
        SELECT k.s, k.f FROM unnest($1::text[], $2::text[]) AS k(s, f)
    )
    ORDER BY s.user_id, s.station_code, s.fuel_type;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// TickStore persists stations and their price observations.
type TickStore interface {
	UpsertStations(ctx context.Context, batch []Station) (int, error)
	AppendTicks(ctx context.Context, batch []PriceTick) (int, error)
	QueryWindow(ctx context.Context, pairs []PairKey, from, to time.Time) ([]PriceTick, error)
	ListTicks(ctx context.Context, pair PairKey, from, to time.Time) ([]PriceTick, error)
	GetStations(ctx context.Context, codes []string) (map[string]Station, error)
}

// AlertLog is the append-only record of admitted alerts.
type AlertLog interface {
	// TryRecordAlert writes a record at `at` unless one exists in (at-cooldown, at].
	TryRecordAlert(ctx context.Context, key PairKey, at time.Time, cooldown time.Duration) (bool, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
}

// SubscriptionStore exposes subscriber interest records.
type SubscriptionStore interface {
	GetSubscriptions(ctx context.Context, userID uuid.UUID) ([]PairKey, error)
	SetSubscriptions(ctx context.Context, subscriber Subscriber, pairs []PairKey) error
	ListSubscriptionsForPairs(ctx context.Context, pairs []PairKey) ([]Subscription, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Option tunes a store.
type Option func(*options)

type options struct {
	subscriptionLimit int
}

// WithSubscriptionLimit overrides DefaultSubscriptionLimit.
func WithSubscriptionLimit(limit int) Option {
	return func(o *options) {
		if limit > 0 {
			o.subscriptionLimit = limit
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{subscriptionLimit: DefaultSubscriptionLimit}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Store is the PostgreSQL implementation of every storage interface.
type Store struct {
	pool *pgxpool.Pool
	opts options
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool, opts ...Option) *Store {
	return &Store{pool: pool, opts: buildOptions(opts)}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session when the pool recycles the connection
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertStations inserts or refreshes station metadata keyed by code.
func (s *Store) UpsertStations(ctx context.Context, batch []Station) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	b := &pgx.Batch{}
	for _, st := range batch {
		b.Queue(upsertStationSQL,
			st.Code,
			st.BrandID,
			st.StationID,
			st.Brand,
			st.Name,
			st.Address,
			st.Latitude,
			st.Longitude,
			st.State,
		)
	}

	affected, err := execBatch(ctx, pool, b)
	if err != nil {
		return affected, fmt.Errorf("upsert stations: %w", err)
	}
	return affected, nil
}

// AppendTicks inserts observations, dropping duplicates and ticks for unknown stations.
func (s *Store) AppendTicks(ctx context.Context, batch []PriceTick) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	b := &pgx.Batch{}
	for _, tick := range batch {
		b.Queue(insertTickSQL,
			tick.StationCode,
			tick.FuelType,
			tick.State,
			tick.Price.String(),
			tick.ObservedAt.UTC(),
		)
	}

	inserted, err := execBatch(ctx, pool, b)
	if err != nil {
		return inserted, fmt.Errorf("append ticks: %w", err)
	}
	return inserted, nil
}

func execBatch(ctx context.Context, pool *pgxpool.Pool, b *pgx.Batch) (int, error) {
	results := pool.SendBatch(ctx, b)
	affected := 0
	for i := 0; i < b.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return affected, err
		}
		affected += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return affected, err
	}
	return affected, nil
}

// QueryWindow returns ticks in [from, to] plus the last tick before from per pair, ascending.
func (s *Store) QueryWindow(ctx context.Context, pairs []PairKey, from, to time.Time) ([]PriceTick, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	stations, fuels := splitPairs(pairs)
	rows, queryErr := pool.Query(ctx, queryWindowSQL, from.UTC(), to.UTC(), stations, fuels, len(pairs) == 0)
	if queryErr != nil {
		return nil, fmt.Errorf("query window: %w", queryErr)
	}
	defer rows.Close()

	return collectTicks(rows)
}

// ListTicks returns the raw history of one pair in [from, to).
func (s *Store) ListTicks(ctx context.Context, pair PairKey, from, to time.Time) ([]PriceTick, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTicksSQL, pair.StationCode, pair.FuelType, from.UTC(), to.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list ticks: %w", queryErr)
	}
	defer rows.Close()

	return collectTicks(rows)
}

// GetStations loads metadata for the given codes.
func (s *Store) GetStations(ctx context.Context, codes []string) (map[string]Station, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	stations := make(map[string]Station, len(codes))
	if len(codes) == 0 {
		return stations, nil
	}

	rows, queryErr := pool.Query(ctx, getStationsSQL, codes)
	if queryErr != nil {
		return nil, fmt.Errorf("get stations: %w", queryErr)
	}
	defer rows.Close()

	for rows.Next() {
		var st Station
		if err := rows.Scan(
			&st.Code,
			&st.BrandID,
			&st.StationID,
			&st.Brand,
			&st.Name,
			&st.Address,
			&st.Latitude,
			&st.Longitude,
			&st.State,
		); err != nil {
			return nil, err
		}
		stations[st.Code] = st
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return stations, nil
}

// TryRecordAlert performs the guarded insert in its own transaction, serialised per pair.
func (s *Store) TryRecordAlert(ctx context.Context, key PairKey, at time.Time, cooldown time.Duration) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin alert tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, lockPairSQL, key.String()); err != nil {
		return false, fmt.Errorf("lock pair %s: %w", key, err)
	}

	at = at.UTC()
	tag, err := tx.Exec(ctx, insertAlertIfQuietSQL, key.StationCode, key.FuelType, at, at.Add(-cooldown))
	if err != nil {
		return false, fmt.Errorf("record alert %s: %w", key, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit alert tx: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListRecentAlerts lists most recent alert records.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		if err := rows.Scan(&rec.StationCode, &rec.FuelType, &rec.AlertedAt); err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// GetSubscriptions returns the pairs a user follows.
func (s *Store) GetSubscriptions(ctx context.Context, userID uuid.UUID) ([]PairKey, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSubscriptionsSQL, userID)
	if queryErr != nil {
		return nil, fmt.Errorf("list subscriptions: %w", queryErr)
	}
	defer rows.Close()

	pairs := make([]PairKey, 0, s.opts.subscriptionLimit)
	for rows.Next() {
		var key PairKey
		if err := rows.Scan(&key.StationCode, &key.FuelType); err != nil {
			return nil, err
		}
		pairs = append(pairs, key)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return pairs, nil
}

// SetSubscriptions replaces the user's set in a single transaction.
func (s *Store) SetSubscriptions(ctx context.Context, subscriber Subscriber, pairs []PairKey) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	pairs, err = NormalizeSubscriptions(pairs, s.opts.subscriptionLimit)
	if err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin subscription tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, upsertSubscriberSQL, subscriber.UserID, subscriber.Email); err != nil {
		return fmt.Errorf("upsert subscriber: %w", err)
	}
	if _, err := tx.Exec(ctx, deleteSubscriptionsSQL, subscriber.UserID); err != nil {
		return fmt.Errorf("delete subscriptions: %w", err)
	}
	for _, key := range pairs {
		if _, err := tx.Exec(ctx, insertSubscriptionSQL, subscriber.UserID, key.StationCode, key.FuelType); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
				return fmt.Errorf("%w: unknown station %s", ErrInvalidSubscription, key.StationCode)
			}
			return fmt.Errorf("insert subscription %s: %w", key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit subscription tx: %w", err)
	}
	return nil
}

// ListSubscriptionsForPairs joins subscriptions with subscriber contacts for the given pairs.
func (s *Store) ListSubscriptionsForPairs(ctx context.Context, pairs []PairKey) ([]Subscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	stations, fuels := splitPairs(pairs)
	rows, queryErr := pool.Query(ctx, listSubscriptionsForPairsSQL, stations, fuels)
	if queryErr != nil {
		return nil, fmt.Errorf("list subscriptions for pairs: %w", queryErr)
	}
	defer rows.Close()

	subs := make([]Subscription, 0)
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.UserID, &sub.Email, &sub.StationCode, &sub.FuelType); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return subs, nil
}

// NormalizeSubscriptions drops duplicate pairs and enforces the cap.
func NormalizeSubscriptions(pairs []PairKey, limit int) ([]PairKey, error) {
	seen := make(map[PairKey]struct{}, len(pairs))
	out := make([]PairKey, 0, len(pairs))
	for _, key := range pairs {
		if key.StationCode == "" || key.FuelType == "" {
			return nil, fmt.Errorf("%w: pair %q is incomplete", ErrInvalidSubscription, key.String())
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	if limit > 0 && len(out) > limit {
		return nil, fmt.Errorf("%w: %d pairs requested, limit is %d", ErrTooManySubscriptions, len(out), limit)
	}
	return out, nil
}

func splitPairs(pairs []PairKey) ([]string, []string) {
	stations := make([]string, len(pairs))
	fuels := make([]string, len(pairs))
	for i, key := range pairs {
		stations[i] = key.StationCode
		fuels[i] = key.FuelType
	}
	return stations, fuels
}

func collectTicks(rows pgx.Rows) ([]PriceTick, error) {
	ticks := make([]PriceTick, 0)
	for rows.Next() {
		tick, err := scanTick(rows)
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, tick)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ticks, nil
}

func scanTick(rows pgx.Rows) (PriceTick, error) {
	var (
		tick     PriceTick
		priceStr string
	)
	if err := rows.Scan(
		&tick.StationCode,
		&tick.FuelType,
		&tick.State,
		&priceStr,
		&tick.ObservedAt,
	); err != nil {
		return PriceTick{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return PriceTick{}, fmt.Errorf("parse price: %w", err)
	}
	tick.Price = price
	tick.ObservedAt = tick.ObservedAt.UTC()
	return tick, nil
}

var (
	_ TickStore         = (*Store)(nil)
	_ AlertLog          = (*Store)(nil)
	_ SubscriptionStore = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
)
