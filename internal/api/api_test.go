package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fuel-price-alerts/internal/storage"
	"fuel-price-alerts/internal/trend"
)

type fixedTrends []trend.Snapshot

func (f fixedTrends) Snapshots(context.Context, time.Time) ([]trend.Snapshot, error) {
	return f, nil
}

func newTestRouter(t *testing.T) (http.Handler, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	stations := []storage.Station{{Code: "100"}, {Code: "200"}, {Code: "300"}, {Code: "400"}, {Code: "500"}, {Code: "600"}}
	if _, err := store.UpsertStations(context.Background(), stations); err != nil {
		t.Fatalf("写入站点失败: %v", err)
	}
	trends := fixedTrends{{
		Key:          storage.PairKey{StationCode: "100", FuelType: "E10"},
		CurrentPrice: decimal.RequireFromString("190"),
		Average:      decimal.RequireFromString("153.333"),
		ChangeRatio:  decimal.RequireFromString("0.2391"),
	}}
	return NewRouter(Deps{Subs: store, Alerts: store, Trends: trends}, Options{}, zerolog.Nop()), store
}

func do(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h, _ := newTestRouter(t)
	if rec := do(h, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("健康检查应返回 200, 实际 %d", rec.Code)
	}
}

func TestSubscriptionsRequireIdentity(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := do(h, http.MethodGet, "/v1/subscriptions", "", map[string]string{"X-User-ID": "not-a-uuid"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("无效身份应返回 401, 实际 %d", rec.Code)
	}
}

func TestPutThenGetSubscriptions(t *testing.T) {
	h, _ := newTestRouter(t)
	user := uuid.New().String()
	headers := map[string]string{"X-User-ID": user, "X-User-Email": "driver@example.com"}

	body := `{"subscriptions":[{"stationCode":"200","fuelType":"U91"},{"stationCode":"100","fuelType":"E10"},{"stationCode":"100","fuelType":"E10"}]}`
	rec := do(h, http.MethodPut, "/v1/subscriptions", body, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("保存订阅应成功, 实际 %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(h, http.MethodGet, "/v1/subscriptions", "", headers)
	var got subscriptionsJSON
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if got.UserID != user || len(got.Subscriptions) != 2 || got.Subscriptions[0].StationCode != "100" {
		t.Fatalf("订阅内容不正确: %+v", got)
	}

	// replacing with an empty set clears every subscription
	rec = do(h, http.MethodPut, "/v1/subscriptions", `{"subscriptions":[]}`, headers)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"subscriptions":[]`) {
		t.Fatalf("清空订阅失败: %d %s", rec.Code, rec.Body.String())
	}
}

func TestPutSubscriptionsRejectsTooMany(t *testing.T) {
	h, store := newTestRouter(t)
	user := uuid.New()
	headers := map[string]string{"X-User-ID": user.String(), "X-User-Email": "driver@example.com"}

	body := `{"subscriptions":[` +
		`{"stationCode":"100","fuelType":"E10"},{"stationCode":"200","fuelType":"E10"},{"stationCode":"300","fuelType":"E10"},` +
		`{"stationCode":"400","fuelType":"E10"},{"stationCode":"500","fuelType":"E10"},{"stationCode":"600","fuelType":"E10"}]}`
	rec := do(h, http.MethodPut, "/v1/subscriptions", body, headers)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("超过 5 个订阅应返回 422, 实际 %d", rec.Code)
	}
	if pairs, _ := store.GetSubscriptions(context.Background(), user); len(pairs) != 0 {
		t.Fatalf("被拒绝的请求不应部分写入: %v", pairs)
	}
}

func TestPutSubscriptionsValidation(t *testing.T) {
	h, _ := newTestRouter(t)
	user := uuid.New().String()

	cases := []struct {
		name   string
		email  string
		body   string
		status int
	}{
		{"missing email", "", `{"subscriptions":[]}`, http.StatusBadRequest},
		{"malformed body", "a@example.com", `{"subs":`, http.StatusBadRequest},
		{"unknown station", "a@example.com", `{"subscriptions":[{"stationCode":"999","fuelType":"E10"}]}`, http.StatusBadRequest},
		{"incomplete pair", "a@example.com", `{"subscriptions":[{"stationCode":"100"}]}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := do(h, http.MethodPut, "/v1/subscriptions", tc.body, map[string]string{"X-User-ID": user, "X-User-Email": tc.email})
		if rec.Code != tc.status {
			t.Fatalf("%s: 期望 %d, 实际 %d (%s)", tc.name, tc.status, rec.Code, rec.Body.String())
		}
	}
}

func TestRecentAlerts(t *testing.T) {
	h, store := newTestRouter(t)
	at := time.Date(2021, 5, 29, 12, 0, 0, 0, time.UTC)
	if _, err := store.TryRecordAlert(context.Background(), storage.PairKey{StationCode: "100", FuelType: "E10"}, at, 7*24*time.Hour); err != nil {
		t.Fatalf("写入告警失败: %v", err)
	}

	rec := do(h, http.MethodGet, "/v1/alerts/recent?limit=10", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"stationCode":"100"`) {
		t.Fatalf("应返回最近告警: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(h, http.MethodGet, "/v1/alerts/recent?limit=0", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("非法 limit 应返回 400, 实际 %d", rec.Code)
	}
}

func TestTrends(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := do(h, http.MethodGet, "/v1/trends?at=2021-05-29T12:00:00Z", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("趋势接口应返回 200, 实际 %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"changePercent":"23.9"`) {
		t.Fatalf("趋势内容不正确: %s", rec.Body.String())
	}
	if rec := do(h, http.MethodGet, "/v1/trends?at=yesterday", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("非法时间应返回 400, 实际 %d", rec.Code)
	}
}
