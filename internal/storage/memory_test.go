package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var base = time.Date(2021, 5, 29, 0, 0, 0, 0, time.UTC)

func tick(code, fuel string, at time.Time, price string) PriceTick {
	return PriceTick{StationCode: code, FuelType: fuel, State: "NSW", Price: decimal.RequireFromString(price), ObservedAt: at}
}

func seededStore(t *testing.T, codes ...string) *MemoryStore {
	t.Helper()
	m := NewMemoryStore()
	stations := make([]Station, 0, len(codes))
	for _, code := range codes {
		stations = append(stations, Station{Code: code, Name: "Station " + code, State: "NSW"})
	}
	if _, err := m.UpsertStations(context.Background(), stations); err != nil {
		t.Fatalf("写入站点失败: %v", err)
	}
	return m
}

func TestAppendTicksIsIdempotent(t *testing.T) {
	m := seededStore(t, "100")
	batch := []PriceTick{
		tick("100", "E10", base, "150.0"),
		tick("100", "E10", base.Add(time.Hour), "151.0"),
		tick("999", "E10", base, "150.0"),
	}

	n, err := m.AppendTicks(context.Background(), batch)
	if err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if n != 2 {
		t.Fatalf("未知站点的行应被跳过, 实际插入 %d", n)
	}

	// same instant in another zone is the same tick
	again := []PriceTick{tick("100", "E10", base.In(time.FixedZone("AEST", 10*3600)), "150.0")}
	n, err = m.AppendTicks(context.Background(), again)
	if err != nil || n != 0 {
		t.Fatalf("重复写入应为空操作, n=%d err=%v", n, err)
	}
}

func TestQueryWindowCarriesOpeningTick(t *testing.T) {
	m := seededStore(t, "100", "200")
	_, err := m.AppendTicks(context.Background(), []PriceTick{
		tick("100", "E10", base.Add(-3*time.Hour), "140.0"),
		tick("100", "E10", base.Add(-2*time.Hour), "145.0"),
		tick("100", "E10", base.Add(time.Hour), "150.0"),
		tick("100", "E10", base.Add(5*time.Hour), "160.0"),
		tick("200", "U91", base.Add(2*time.Hour), "170.0"),
	})
	if err != nil {
		t.Fatalf("写入失败: %v", err)
	}

	got, err := m.QueryWindow(context.Background(), nil, base, base.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("应返回 3 条 (含 1 条窗口前的开盘价), 实际 %d: %+v", len(got), got)
	}
	if !got[0].ObservedAt.Equal(base.Add(-2*time.Hour)) || !got[0].Price.Equal(decimal.RequireFromString("145.0")) {
		t.Fatalf("开盘价应为窗口前最后一条, 实际 %+v", got[0])
	}
	for i := 1; i < len(got); i++ {
		if got[i].ObservedAt.Before(got[i-1].ObservedAt) {
			t.Fatalf("结果应按时间升序: %+v", got)
		}
	}

	only, err := m.QueryWindow(context.Background(), []PairKey{{StationCode: "200", FuelType: "U91"}}, base, base.Add(4*time.Hour))
	if err != nil || len(only) != 1 {
		t.Fatalf("按 pair 过滤失败: %+v err=%v", only, err)
	}
}

func TestListTicksIsHalfOpen(t *testing.T) {
	m := seededStore(t, "100")
	_, _ = m.AppendTicks(context.Background(), []PriceTick{
		tick("100", "E10", base, "150.0"),
		tick("100", "E10", base.Add(time.Hour), "151.0"),
	})
	got, err := m.ListTicks(context.Background(), PairKey{StationCode: "100", FuelType: "E10"}, base, base.Add(time.Hour))
	if err != nil || len(got) != 1 {
		t.Fatalf("区间应为 [from, to), 实际 %+v err=%v", got, err)
	}
}

func TestTryRecordAlertCooldown(t *testing.T) {
	m := NewMemoryStore()
	key := PairKey{StationCode: "100", FuelType: "E10"}
	week := 7 * 24 * time.Hour

	cases := []struct {
		at   time.Time
		want bool
	}{
		{base, true},
		{base.Add(time.Hour), false},
		{base.Add(week - time.Second), false},
		{base.Add(week), true},
	}
	for _, tc := range cases {
		ok, err := m.TryRecordAlert(context.Background(), key, tc.at, week)
		if err != nil {
			t.Fatalf("记录失败: %v", err)
		}
		if ok != tc.want {
			t.Fatalf("在 %s 记录结果应为 %v, 实际 %v", tc.at, tc.want, ok)
		}
	}

	recent, _ := m.ListRecentAlerts(context.Background(), 1)
	if len(recent) != 1 || !recent[0].AlertedAt.Equal(base.Add(week)) {
		t.Fatalf("最近告警应按时间倒序: %+v", recent)
	}
}

func TestSetSubscriptionsRules(t *testing.T) {
	m := seededStore(t, "1", "2", "3", "4", "5", "6")
	sub := Subscriber{UserID: uuid.New(), Email: "driver@example.com"}
	ctx := context.Background()

	six := []PairKey{
		{StationCode: "1", FuelType: "E10"}, {StationCode: "2", FuelType: "E10"}, {StationCode: "3", FuelType: "E10"},
		{StationCode: "4", FuelType: "E10"}, {StationCode: "5", FuelType: "E10"}, {StationCode: "6", FuelType: "E10"},
	}
	if err := m.SetSubscriptions(ctx, sub, six); !errors.Is(err, ErrTooManySubscriptions) {
		t.Fatalf("超过 5 个订阅应被拒绝, 实际 %v", err)
	}

	// duplicates collapse before the cap is applied
	withDup := append([]PairKey{six[0]}, six[:5]...)
	if err := m.SetSubscriptions(ctx, sub, withDup); err != nil {
		t.Fatalf("去重后 5 个订阅应被接受: %v", err)
	}
	got, _ := m.GetSubscriptions(ctx, sub.UserID)
	if len(got) != 5 {
		t.Fatalf("应保存 5 个订阅, 实际 %d", len(got))
	}

	if err := m.SetSubscriptions(ctx, sub, []PairKey{{StationCode: "999", FuelType: "E10"}}); !errors.Is(err, ErrInvalidSubscription) {
		t.Fatalf("未知站点应被拒绝, 实际 %v", err)
	}
	if err := m.SetSubscriptions(ctx, sub, []PairKey{{StationCode: "1"}}); !errors.Is(err, ErrInvalidSubscription) {
		t.Fatalf("不完整的 pair 应被拒绝, 实际 %v", err)
	}
	got, _ = m.GetSubscriptions(ctx, sub.UserID)
	if len(got) != 5 {
		t.Fatalf("失败的替换不应改变已有订阅, 实际 %d", len(got))
	}

	if err := m.SetSubscriptions(ctx, sub, nil); err != nil {
		t.Fatalf("清空订阅失败: %v", err)
	}
	got, _ = m.GetSubscriptions(ctx, sub.UserID)
	if len(got) != 0 {
		t.Fatalf("清空后应无订阅, 实际 %+v", got)
	}
}

func TestSetSubscriptionsConcurrentReplaceIsAtomic(t *testing.T) {
	m := seededStore(t, "1", "2", "3", "4")
	sub := Subscriber{UserID: uuid.New(), Email: "driver@example.com"}
	setA := []PairKey{{StationCode: "1", FuelType: "E10"}, {StationCode: "2", FuelType: "E10"}}
	setB := []PairKey{{StationCode: "3", FuelType: "U91"}, {StationCode: "4", FuelType: "U91"}}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			set := setA
			if i%2 == 1 {
				set = setB
			}
			if err := m.SetSubscriptions(context.Background(), sub, set); err != nil {
				t.Errorf("并发替换失败: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := m.GetSubscriptions(context.Background(), sub.UserID)
	if len(got) != 2 {
		t.Fatalf("最终应恰好是某一次提交的集合, 实际 %+v", got)
	}
	if got[0].FuelType != got[1].FuelType {
		t.Fatalf("两次提交的集合不应交错: %+v", got)
	}
}

func TestListSubscriptionsForPairsJoinsContacts(t *testing.T) {
	m := seededStore(t, "1", "2")
	alice := Subscriber{UserID: uuid.New(), Email: "alice@example.com"}
	bob := Subscriber{UserID: uuid.New(), Email: "bob@example.com"}
	_ = m.SetSubscriptions(context.Background(), alice, []PairKey{{StationCode: "1", FuelType: "E10"}, {StationCode: "2", FuelType: "E10"}})
	_ = m.SetSubscriptions(context.Background(), bob, []PairKey{{StationCode: "2", FuelType: "E10"}})

	got, err := m.ListSubscriptionsForPairs(context.Background(), []PairKey{{StationCode: "2", FuelType: "E10"}})
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("应返回 2 个订阅者, 实际 %+v", got)
	}
	emails := map[string]bool{}
	for _, s := range got {
		emails[s.Email] = true
	}
	if !emails["alice@example.com"] || !emails["bob@example.com"] {
		t.Fatalf("应带上联系邮箱: %+v", got)
	}
}

func TestPartitionTicksRejectsBadRows(t *testing.T) {
	batch := []PriceTick{
		tick("100", "E10", base, "150.0"),
		tick("", "E10", base, "150.0"),
		tick("100", "", base, "150.0"),
		tick("100", "E10", time.Time{}, "150.0"),
		tick("100", "E10", base, "0"),
	}
	valid, rejected := PartitionTicks(batch)
	if len(valid) != 1 || len(rejected) != 4 {
		t.Fatalf("应保留 1 行并拒绝 4 行, 实际 %d/%d", len(valid), len(rejected))
	}
	for i, row := range rejected {
		if row.Index != i+1 || !errors.Is(row.Err, ErrInvalidTick) {
			t.Fatalf("拒绝行信息不正确: %+v", row)
		}
	}
}

func TestPartitionStationsRejectsBadLocation(t *testing.T) {
	valid, rejected := PartitionStations([]Station{
		{Code: "1", Latitude: -33.8, Longitude: 151.2},
		{Code: "2", Latitude: 95},
		{Code: ""},
	})
	if len(valid) != 1 || len(rejected) != 2 || !errors.Is(rejected[0].Err, ErrInvalidStation) {
		t.Fatalf("站点校验不正确: valid=%+v rejected=%+v", valid, rejected)
	}
}
