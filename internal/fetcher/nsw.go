package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"fuel-price-alerts/internal/storage"
)

const (
	defaultTokenURL  = "https://api.onegov.nsw.gov.au/oauth/client_credential/accesstoken?grant_type=client_credentials"
	defaultPricesURL = "https://api.onegov.nsw.gov.au/FuelPriceCheck/v2/fuel/prices"

	requestTimestampLayout = "02/01/2006 03:04:05 PM"
)

// lastupdated arrives as dd/mm/yyyy followed by a 24h or 12h clock.
var lastUpdatedLayouts = []string{
	"02/01/2006 15:04:05",
	"02/01/2006 03:04:05 PM",
	"02/01/2006 15:04",
}

// NSWOptions parameterise the FuelCheck client.
type NSWOptions struct {
	TokenURL          string
	PricesURL         string
	States            []string
	APIKey            string
	BasicAuth         string
	Location          *time.Location
	Timeout           time.Duration
	RequestsPerMinute int
	UserAgent         string
}

// NSW fetches stations and prices from the NSW FuelCheck API.
type NSW struct {
	opts    NSWOptions
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
	now     func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewNSW constructs a FuelCheck client.
func NewNSW(opts NSWOptions, logger zerolog.Logger) (*NSW, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("feed api key is required")
	}
	if strings.TrimSpace(opts.BasicAuth) == "" {
		return nil, errors.New("feed basic auth credential is required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if opts.TokenURL == "" {
		opts.TokenURL = defaultTokenURL
	}
	if opts.PricesURL == "" {
		opts.PricesURL = defaultPricesURL
	}
	if len(opts.States) == 0 {
		opts.States = []string{"NSW"}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	rpm := opts.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}

	return &NSW{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
		logger:  logger.With().Str("component", "nsw_feed").Logger(),
		now:     time.Now,
	}, nil
}

// Fetch obtains a token if needed and downloads the full price listing.
func (n *NSW) Fetch(ctx context.Context) (Snapshot, error) {
	token, err := n.accessToken(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	endpoint, err := url.Parse(n.opts.PricesURL)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse prices url: %w", err)
	}
	query := endpoint.Query()
	query.Set("states", strings.Join(n.opts.States, ","))
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("create prices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", n.opts.APIKey)
	req.Header.Set("transactionid", uuid.NewString())
	req.Header.Set("requesttimestamp", n.now().UTC().Format(requestTimestampLayout))
	n.setUserAgent(req)

	body, err := n.do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch prices: %w", err)
	}

	var payload pricesResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return Snapshot{}, fmt.Errorf("decode prices: %w", err)
	}

	snap := normalise(payload, n.opts.Location)
	n.logger.Info().
		Int("stations", len(snap.Stations)).
		Int("ticks", len(snap.Ticks)).
		Int("rejected", len(snap.Rejected)).
		Msg("feed fetched")
	return snap, nil
}

func (n *NSW) accessToken(ctx context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.token != "" && n.now().Before(n.tokenExpiry) {
		return n.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.opts.TokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Basic "+n.opts.BasicAuth)
	n.setUserAgent(req)

	body, err := n.do(req)
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("decode access token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("token response carried no access_token")
	}

	n.token = tok.AccessToken
	n.tokenExpiry = time.Time{}
	if secs, err := strconv.Atoi(string(tok.ExpiresIn)); err == nil && secs > 60 {
		// refresh a minute early
		n.tokenExpiry = n.now().Add(time.Duration(secs-60) * time.Second)
	}
	n.logger.Debug().Time("expires", n.tokenExpiry).Msg("access token acquired")
	return n.token, nil
}

func (n *NSW) do(req *http.Request) ([]byte, error) {
	if err := n.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, body)
	}
	return body, nil
}

func (n *NSW) setUserAgent(req *http.Request) {
	if ua := strings.TrimSpace(n.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "fuelalerts/1.0")
	}
}

func normalise(payload pricesResponse, loc *time.Location) Snapshot {
	snap := Snapshot{
		Stations: make([]storage.Station, 0, len(payload.Stations)),
		Ticks:    make([]storage.PriceTick, 0, len(payload.Prices)),
	}

	for _, s := range payload.Stations {
		snap.Stations = append(snap.Stations, storage.Station{
			Code:      string(s.Code),
			BrandID:   string(s.BrandID),
			StationID: string(s.StationID),
			Brand:     s.Brand,
			Name:      s.Name,
			Address:   s.Address,
			Latitude:  s.Location.Latitude.Float(),
			Longitude: s.Location.Longitude.Float(),
			State:     s.State,
		})
	}

	for i, p := range payload.Prices {
		price, err := decimal.NewFromString(string(p.Price))
		if err != nil {
			snap.Rejected = append(snap.Rejected, storage.RejectedRow{Index: i, Err: fmt.Errorf("%w: price %q", storage.ErrInvalidTick, string(p.Price))})
			continue
		}
		observed, err := ParseLastUpdated(p.LastUpdated, loc)
		if err != nil {
			snap.Rejected = append(snap.Rejected, storage.RejectedRow{Index: i, Err: fmt.Errorf("%w: %v", storage.ErrInvalidTick, err)})
			continue
		}
		snap.Ticks = append(snap.Ticks, storage.PriceTick{
			StationCode: string(p.StationCode),
			FuelType:    strings.TrimSpace(p.FuelType),
			State:       p.State,
			Price:       price,
			ObservedAt:  observed.UTC(),
		})
	}
	return snap
}

// ParseLastUpdated parses a FuelCheck lastupdated value in loc.
func ParseLastUpdated(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range lastUpdatedLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised lastupdated %q", value)
}

// flexString accepts either a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	*f = flexString(data)
	return nil
}

func (f flexString) Float() float64 {
	v, err := strconv.ParseFloat(string(f), 64)
	if err != nil {
		return 0
	}
	return v
}

type tokenResponse struct {
	AccessToken string     `json:"access_token"`
	ExpiresIn   flexString `json:"expires_in"`
}

type pricesResponse struct {
	Stations []struct {
		BrandID   flexString `json:"brandid"`
		StationID flexString `json:"stationid"`
		Brand     string     `json:"brand"`
		Code      flexString `json:"code"`
		Name      string     `json:"name"`
		Address   string     `json:"address"`
		Location  struct {
			Latitude  flexString `json:"latitude"`
			Longitude flexString `json:"longitude"`
		} `json:"location"`
		State string `json:"state"`
	} `json:"stations"`
	Prices []struct {
		StationCode flexString `json:"stationcode"`
		State       string     `json:"state"`
		FuelType    string     `json:"fueltype"`
		Price       flexString `json:"price"`
		LastUpdated string     `json:"lastupdated"`
	} `json:"prices"`
}

type errorResponse struct {
	ErrorDetails struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errorDetails"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.ErrorDetails.Message != "" {
			return fmt.Errorf("fuelcheck api error (%d): %s", status, apiErr.ErrorDetails.Message)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("fuelcheck api error (%d): %s", status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("fuelcheck api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("fuelcheck api error (%d)", status)
}

var _ Feed = (*NSW)(nil)
