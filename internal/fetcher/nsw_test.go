package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fuel-price-alerts/internal/storage"
)

const samplePrices = `{
  "stations": [
    {"brandid": "1-GPM4-65", "stationid": "1-GPM4-2S", "brand": "Metro Fuel", "code": 1181,
     "name": "Metro Fuel Ultimo", "address": "1 Harris St, Ultimo NSW 2007",
     "location": {"latitude": -33.87, "longitude": 151.19}, "state": "NSW"}
  ],
  "prices": [
    {"stationcode": 1181, "state": "NSW", "fueltype": "E10", "price": 165.9, "lastupdated": "29/05/2021 10:15:00"},
    {"stationcode": "1181", "state": "NSW", "fueltype": "U91", "price": "168.9", "lastupdated": "29/05/2021 10:15:00 AM"},
    {"stationcode": 1181, "state": "NSW", "fueltype": "P98", "price": "n/a", "lastupdated": "29/05/2021 10:15:00"},
    {"stationcode": 1181, "state": "NSW", "fueltype": "DL", "price": 171.9, "lastupdated": "2021-05-29T10:15:00Z"}
  ]
}`

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newFeedServer(t *testing.T, tokenCalls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(tokenCalls, 1)
		if r.Header.Get("Authorization") != "Basic creds" {
			t.Errorf("token 请求应带 Basic 认证, 实际 %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`{"access_token": "abc", "expires_in": "43199"}`))
	})
	mux.HandleFunc("/prices", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer abc" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errorDetails": {"code": "E401", "message": "invalid token"}}`))
			return
		}
		if r.Header.Get("apikey") != "key" || r.Header.Get("transactionid") == "" || r.Header.Get("requesttimestamp") == "" {
			t.Errorf("prices 请求缺少必需头: %v", r.Header)
		}
		if r.URL.Query().Get("states") != "NSW" {
			t.Errorf("states 参数不正确: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(samplePrices))
	})
	return httptest.NewServer(mux)
}

func TestNSWFetchNormalisesRows(t *testing.T) {
	var tokenCalls int32
	srv := newFeedServer(t, &tokenCalls)
	defer srv.Close()

	feed, err := NewNSW(NSWOptions{
		TokenURL:          srv.URL + "/token",
		PricesURL:         srv.URL + "/prices",
		APIKey:            "key",
		BasicAuth:         "creds",
		RequestsPerMinute: 6000,
	}, noopLogger())
	if err != nil {
		t.Fatalf("构造失败: %v", err)
	}

	snap, err := feed.Fetch(context.Background())
	if err != nil {
		t.Fatalf("抓取失败: %v", err)
	}

	if len(snap.Stations) != 1 || snap.Stations[0].Code != "1181" || snap.Stations[0].Latitude != -33.87 {
		t.Fatalf("站点解析不正确: %+v", snap.Stations)
	}
	if len(snap.Ticks) != 2 {
		t.Fatalf("应解析出 2 个价格, 实际 %d", len(snap.Ticks))
	}
	want := time.Date(2021, 5, 29, 10, 15, 0, 0, time.UTC)
	for _, tick := range snap.Ticks {
		if !tick.ObservedAt.Equal(want) {
			t.Fatalf("时间解析不正确: %s", tick.ObservedAt)
		}
	}
	if snap.Ticks[0].Price.String() != "165.9" {
		t.Fatalf("数值价格解析不正确: %s", snap.Ticks[0].Price)
	}
	if len(snap.Rejected) != 2 || snap.Rejected[0].Index != 2 || snap.Rejected[1].Index != 3 {
		t.Fatalf("无效行应被记录: %+v", snap.Rejected)
	}
	if !errors.Is(snap.Rejected[0].Err, storage.ErrInvalidTick) {
		t.Fatalf("拒绝原因应包裹 ErrInvalidTick: %v", snap.Rejected[0].Err)
	}

	if _, err := feed.Fetch(context.Background()); err != nil {
		t.Fatalf("第二次抓取失败: %v", err)
	}
	if atomic.LoadInt32(&tokenCalls) != 1 {
		t.Fatalf("token 未过期时应复用, 实际请求 %d 次", tokenCalls)
	}
}

func TestNSWFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message": "maintenance"}`))
	}))
	defer srv.Close()

	feed, err := NewNSW(NSWOptions{TokenURL: srv.URL, PricesURL: srv.URL, APIKey: "key", BasicAuth: "creds", RequestsPerMinute: 6000}, noopLogger())
	if err != nil {
		t.Fatalf("构造失败: %v", err)
	}
	if _, err := feed.Fetch(context.Background()); err == nil {
		t.Fatal("HTTP 503 应返回错误")
	}
}

func TestNewNSWRequiresCredentials(t *testing.T) {
	if _, err := NewNSW(NSWOptions{BasicAuth: "creds"}, noopLogger()); err == nil {
		t.Fatal("缺少 api key 时应返回错误")
	}
	if _, err := NewNSW(NSWOptions{APIKey: "key"}, noopLogger()); err == nil {
		t.Fatal("缺少 basic auth 时应返回错误")
	}
}

func TestParseLastUpdatedUsesLocation(t *testing.T) {
	sydney := time.FixedZone("AEST", 10*60*60)
	got, err := ParseLastUpdated("29/05/2021 10:15:00", sydney)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if want := time.Date(2021, 5, 29, 0, 15, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("期望 %s, 实际 %s", want, got.UTC())
	}
	if _, err := ParseLastUpdated("yesterday", time.UTC); err == nil {
		t.Fatal("无法识别的格式应报错")
	}
}

func TestFileFeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.json")
	if err := os.WriteFile(path, []byte(samplePrices), 0o600); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	snap, err := NewFile(path, nil).Fetch(context.Background())
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if len(snap.Stations) != 1 || len(snap.Ticks) != 2 {
		t.Fatalf("文件回放结果不正确: %+v", snap)
	}
}
