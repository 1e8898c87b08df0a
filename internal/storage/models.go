package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidTick marks a price observation rejected at row level.
	ErrInvalidTick = errors.New("storage: invalid price tick")
	// ErrInvalidStation marks a station record rejected at row level.
	ErrInvalidStation = errors.New("storage: invalid station")
	// ErrTooManySubscriptions is returned when a subscriber exceeds the pair cap.
	ErrTooManySubscriptions = errors.New("storage: too many subscriptions")
	// ErrInvalidSubscription marks an incomplete pair or one naming an unknown station.
	ErrInvalidSubscription = errors.New("storage: invalid subscription")
)

// PairKey identifies a (station, fuel type) series.
type PairKey struct {
	StationCode string
	FuelType    string
}

func (k PairKey) String() string {
	return k.StationCode + "/" + k.FuelType
}

// Less orders keys by station code, then fuel type.
func (k PairKey) Less(other PairKey) bool {
	if k.StationCode != other.StationCode {
		return k.StationCode < other.StationCode
	}
	return k.FuelType < other.FuelType
}

// Station is the upserted metadata for a retail site.
type Station struct {
	Code      string
	BrandID   string
	StationID string
	Brand     string
	Name      string
	Address   string
	Latitude  float64
	Longitude float64
	State     string
}

// PriceTick is a single immutable price observation.
type PriceTick struct {
	StationCode string
	FuelType    string
	State       string
	Price       decimal.Decimal
	ObservedAt  time.Time
}

// Key returns the series the tick belongs to.
func (t PriceTick) Key() PairKey {
	return PairKey{StationCode: t.StationCode, FuelType: t.FuelType}
}

// AlertRecord is an entry of the append-only alert log.
type AlertRecord struct {
	StationCode string
	FuelType    string
	AlertedAt   time.Time
}

// Subscriber is the verified identity supplied by the gateway.
type Subscriber struct {
	UserID uuid.UUID
	Email  string
}

// Subscription links a subscriber to one (station, fuel) pair.
type Subscription struct {
	UserID      uuid.UUID
	Email       string
	StationCode string
	FuelType    string
}

// Key returns the subscribed series.
func (s Subscription) Key() PairKey {
	return PairKey{StationCode: s.StationCode, FuelType: s.FuelType}
}

// ValidateTick checks a single observation before it is written.
func ValidateTick(t PriceTick) error {
	switch {
	case strings.TrimSpace(t.StationCode) == "":
		return fmt.Errorf("%w: missing station code", ErrInvalidTick)
	case strings.TrimSpace(t.FuelType) == "":
		return fmt.Errorf("%w: missing fuel type", ErrInvalidTick)
	case t.ObservedAt.IsZero():
		return fmt.Errorf("%w: missing timestamp for %s/%s", ErrInvalidTick, t.StationCode, t.FuelType)
	case !t.Price.IsPositive():
		return fmt.Errorf("%w: non-positive price %s for %s/%s", ErrInvalidTick, t.Price.String(), t.StationCode, t.FuelType)
	}
	return nil
}

// ValidateStation checks a station record before it is upserted.
func ValidateStation(s Station) error {
	if strings.TrimSpace(s.Code) == "" {
		return fmt.Errorf("%w: missing code", ErrInvalidStation)
	}
	if s.Latitude < -90 || s.Latitude > 90 || s.Longitude < -180 || s.Longitude > 180 {
		return fmt.Errorf("%w: location out of range for %s", ErrInvalidStation, s.Code)
	}
	return nil
}

// RejectedRow describes an input row dropped during ingestion.
type RejectedRow struct {
	Index int
	Err   error
}

// PartitionTicks splits a batch into valid rows and row-level rejects.
func PartitionTicks(batch []PriceTick) ([]PriceTick, []RejectedRow) {
	valid := make([]PriceTick, 0, len(batch))
	var rejected []RejectedRow
	for i, tick := range batch {
		if err := ValidateTick(tick); err != nil {
			rejected = append(rejected, RejectedRow{Index: i, Err: err})
			continue
		}
		tick.ObservedAt = tick.ObservedAt.UTC()
		valid = append(valid, tick)
	}
	return valid, rejected
}

// PartitionStations splits a batch into valid rows and row-level rejects.
func PartitionStations(batch []Station) ([]Station, []RejectedRow) {
	valid := make([]Station, 0, len(batch))
	var rejected []RejectedRow
	for i, station := range batch {
		if err := ValidateStation(station); err != nil {
			rejected = append(rejected, RejectedRow{Index: i, Err: err})
			continue
		}
		valid = append(valid, station)
	}
	return valid, rejected
}
