package matcher

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fuel-price-alerts/internal/storage"
	"fuel-price-alerts/internal/trend"
)

func snap(code, fuel, price, ratio string) trend.Snapshot {
	return trend.Snapshot{
		Key:          storage.PairKey{StationCode: code, FuelType: fuel},
		CurrentPrice: decimal.RequireFromString(price),
		ChangeRatio:  decimal.RequireFromString(ratio),
	}
}

func sub(user uuid.UUID, email, code, fuel string) storage.Subscription {
	return storage.Subscription{UserID: user, Email: email, StationCode: code, FuelType: fuel}
}

func TestMatchSingleAnomalyIsAlsoHeadline(t *testing.T) {
	user := uuid.New()
	subs := []storage.Subscription{
		sub(user, "a@example.com", "100", "E10"),
		sub(user, "a@example.com", "200", "E10"),
	}
	admitted := []trend.Snapshot{snap("200", "E10", "189.9", "0.12")}
	stations := map[string]storage.Station{"200": {Code: "200", Name: "Metro Petroleum"}}

	bundles := Match(admitted, subs, stations)
	if len(bundles) != 1 {
		t.Fatalf("期望 1 个 bundle, 实际 %d", len(bundles))
	}
	b := bundles[0]
	if b.UserID != user || b.Email != "a@example.com" {
		t.Fatalf("bundle 用户信息不正确: %+v", b)
	}
	if len(b.Entries) != 1 {
		t.Fatalf("只应包含 1 个条目, 实际 %d", len(b.Entries))
	}
	if b.Headline.Key() != b.Entries[0].Key() {
		t.Fatal("唯一条目也应是最便宜推荐")
	}
	if b.Entries[0].StationName() != "Metro Petroleum" {
		t.Fatalf("应带上站点名称, 实际 %q", b.Entries[0].StationName())
	}
}

func TestMatchNoAnomalyNoBundle(t *testing.T) {
	user := uuid.New()
	subs := []storage.Subscription{sub(user, "a@example.com", "100", "E10")}
	admitted := []trend.Snapshot{snap("100", "U91", "150", "0.2")}
	if got := Match(admitted, subs, nil); len(got) != 0 {
		t.Fatalf("没有匹配的异常时不应生成 bundle: %+v", got)
	}
}

func TestMatchRanksAndPicksCheapest(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	subs := []storage.Subscription{
		sub(alice, "alice@example.com", "1", "E10"),
		sub(alice, "alice@example.com", "2", "E10"),
		sub(alice, "alice@example.com", "3", "E10"),
		sub(alice, "alice@example.com", "4", "E10"),
		sub(bob, "bob@example.com", "3", "E10"),
	}
	admitted := []trend.Snapshot{
		snap("1", "E10", "180.0", "0.08"),
		snap("2", "E10", "170.0", "0.30"),
		snap("3", "E10", "175.0", "0.08"),
		snap("4", "E10", "170.0", "0.06"),
	}

	bundles := Match(admitted, subs, nil)
	if len(bundles) != 2 {
		t.Fatalf("期望 2 个 bundle, 实际 %d", len(bundles))
	}

	var aliceBundle Bundle
	for _, b := range bundles {
		if b.UserID == alice {
			aliceBundle = b
		}
	}
	order := []string{"2", "1", "3", "4"}
	for i, code := range order {
		if aliceBundle.Entries[i].Key().StationCode != code {
			t.Fatalf("第 %d 个条目应为站点 %s, 实际 %s", i, code, aliceBundle.Entries[i].Key().StationCode)
		}
	}
	// 170.0 ties between stations 2 and 4; lower station code wins
	if aliceBundle.Headline.Key().StationCode != "2" {
		t.Fatalf("最便宜推荐应为站点 2, 实际 %s", aliceBundle.Headline.Key().StationCode)
	}
}

func TestMatchIgnoresDuplicateSubscriptions(t *testing.T) {
	user := uuid.New()
	subs := []storage.Subscription{
		sub(user, "a@example.com", "1", "E10"),
		sub(user, "a@example.com", "1", "E10"),
	}
	bundles := Match([]trend.Snapshot{snap("1", "E10", "150", "0.1")}, subs, nil)
	if len(bundles) != 1 || len(bundles[0].Entries) != 1 {
		t.Fatalf("重复订阅不应产生重复条目: %+v", bundles)
	}
	if bundles[0].Entries[0].StationName() != "1" {
		t.Fatal("缺少站点元数据时应回退到站点编码")
	}
}

func TestStationCodes(t *testing.T) {
	codes := StationCodes([]trend.Snapshot{
		snap("2", "E10", "1", "0"),
		snap("1", "E10", "1", "0"),
		snap("2", "U91", "1", "0"),
	})
	if len(codes) != 2 || codes[0] != "1" || codes[1] != "2" {
		t.Fatalf("站点编码应去重并排序: %v", codes)
	}
}
