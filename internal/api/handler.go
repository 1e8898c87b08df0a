package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fuel-price-alerts/internal/storage"
	"fuel-price-alerts/internal/trend"
)

type contextKey int

const subscriberKey contextKey = iota

// identity trusts the gateway-supplied headers and rejects requests without them.
func identity(userHeader, emailHeader string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := uuid.Parse(strings.TrimSpace(r.Header.Get(userHeader)))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or malformed "+userHeader)
				return
			}
			sub := storage.Subscriber{UserID: userID, Email: strings.TrimSpace(r.Header.Get(emailHeader))}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subscriberKey, sub)))
		})
	}
}

func subscriberFrom(ctx context.Context) storage.Subscriber {
	sub, _ := ctx.Value(subscriberKey).(storage.Subscriber)
	return sub
}

type handler struct {
	deps   Deps
	logger zerolog.Logger
}

type pairJSON struct {
	StationCode string `json:"stationCode"`
	FuelType    string `json:"fuelType"`
}

type subscriptionsJSON struct {
	UserID        string     `json:"userId,omitempty"`
	Subscriptions []pairJSON `json:"subscriptions"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) getSubscriptions(w http.ResponseWriter, r *http.Request) {
	sub := subscriberFrom(r.Context())
	pairs, err := h.deps.Subs.GetSubscriptions(r.Context(), sub.UserID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", sub.UserID.String()).Msg("get subscriptions failed")
		writeError(w, http.StatusInternalServerError, "internal", "failed to load subscriptions")
		return
	}
	writeJSON(w, http.StatusOK, toJSON(sub.UserID, pairs))
}

func (h *handler) putSubscriptions(w http.ResponseWriter, r *http.Request) {
	sub := subscriberFrom(r.Context())
	if _, err := mail.ParseAddress(sub.Email); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_email", "a valid contact address is required")
		return
	}

	var body subscriptionsJSON
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	pairs := make([]storage.PairKey, 0, len(body.Subscriptions))
	for _, p := range body.Subscriptions {
		pairs = append(pairs, storage.PairKey{StationCode: strings.TrimSpace(p.StationCode), FuelType: strings.TrimSpace(p.FuelType)})
	}

	if err := h.deps.Subs.SetSubscriptions(r.Context(), sub, pairs); err != nil {
		switch {
		case errors.Is(err, storage.ErrTooManySubscriptions):
			writeError(w, http.StatusUnprocessableEntity, "too_many_subscriptions", err.Error())
		case errors.Is(err, storage.ErrInvalidSubscription):
			writeError(w, http.StatusBadRequest, "invalid_subscription", err.Error())
		default:
			h.logger.Error().Err(err).Str("user_id", sub.UserID.String()).Msg("set subscriptions failed")
			writeError(w, http.StatusInternalServerError, "internal", "failed to save subscriptions")
		}
		return
	}

	saved, err := h.deps.Subs.GetSubscriptions(r.Context(), sub.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to load subscriptions")
		return
	}
	writeJSON(w, http.StatusOK, toJSON(sub.UserID, saved))
}

type alertJSON struct {
	StationCode string    `json:"stationCode"`
	FuelType    string    `json:"fuelType"`
	AlertedAt   time.Time `json:"alertedAt"`
}

func (h *handler) recentAlerts(w http.ResponseWriter, r *http.Request) {
	if h.deps.Alerts == nil {
		writeError(w, http.StatusNotFound, "not_available", "alert log not configured")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	records, err := h.deps.Alerts.ListRecentAlerts(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("list alerts failed")
		writeError(w, http.StatusInternalServerError, "internal", "failed to load alerts")
		return
	}
	out := make([]alertJSON, 0, len(records))
	for _, rec := range records {
		out = append(out, alertJSON{StationCode: rec.StationCode, FuelType: rec.FuelType, AlertedAt: rec.AlertedAt})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": out})
}

type trendJSON struct {
	StationCode   string             `json:"stationCode"`
	FuelType      string             `json:"fuelType"`
	Price         string             `json:"price"`
	Average       string             `json:"timeWeightedPrice"`
	ChangePercent string             `json:"changePercent"`
	RecentPrices  []trend.PricePoint `json:"recentPrices"`
}

func (h *handler) trends(w http.ResponseWriter, r *http.Request) {
	if h.deps.Trends == nil {
		writeError(w, http.StatusNotFound, "not_available", "trend evaluation not configured")
		return
	}
	at := time.Now().UTC()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_at", "at must be RFC3339")
			return
		}
		at = parsed.UTC()
	}
	stationFilter := r.URL.Query().Get("station")

	snaps, err := h.deps.Trends.Snapshots(r.Context(), at)
	if err != nil {
		h.logger.Error().Err(err).Msg("trend evaluation failed")
		writeError(w, http.StatusInternalServerError, "internal", "failed to evaluate trends")
		return
	}
	out := make([]trendJSON, 0, len(snaps))
	for _, s := range snaps {
		if stationFilter != "" && s.Key.StationCode != stationFilter {
			continue
		}
		out = append(out, trendJSON{
			StationCode:   s.Key.StationCode,
			FuelType:      s.Key.FuelType,
			Price:         s.CurrentPrice.StringFixed(1),
			Average:       s.Average.StringFixed(1),
			ChangePercent: s.ChangePercent().StringFixed(1),
			RecentPrices:  s.RecentPrices,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"at": at, "trends": out})
}

func toJSON(userID uuid.UUID, pairs []storage.PairKey) subscriptionsJSON {
	out := subscriptionsJSON{UserID: userID.String(), Subscriptions: make([]pairJSON, 0, len(pairs))}
	for _, p := range pairs {
		out.Subscriptions = append(out.Subscriptions, pairJSON{StationCode: p.StationCode, FuelType: p.FuelType})
	}
	return out
}
