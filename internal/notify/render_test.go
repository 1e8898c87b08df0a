package notify

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fuel-price-alerts/internal/matcher"
	"fuel-price-alerts/internal/trend"
)

func TestRenderBuildsHeadlineTableAndChart(t *testing.T) {
	cheap := entry("100", "Metro Petroleum", "E10", "150.0", "150.0", "170.0")
	dear := entry("200", "Ampol Foodary", "E10", "160.0", "160.0", "199.9")
	bundle := matcher.Bundle{
		UserID:   uuid.New(),
		Email:    "driver@example.com",
		Entries:  []matcher.Entry{dear, cheap},
		Headline: cheap,
	}

	r := NewRenderer(RendererOptions{PriceUnit: "c/L", Window: trend.DefaultWindow}, testLogger())
	p, err := r.Render(bundle)
	if err != nil {
		t.Fatalf("渲染失败: %v", err)
	}

	if p.To != "driver@example.com" || p.Subject != "Fuel Price Alert" {
		t.Fatalf("收件人或主题不正确: %+v", p)
	}
	if !strings.Contains(p.HTML, "Go to Metro Petroleum for the cheapest fuel at 170.0c/L") {
		t.Fatalf("HTML 缺少推荐语句:\n%s", p.HTML)
	}
	if !strings.Contains(p.HTML, "<td>Ampol Foodary</td>") || !strings.Contains(p.HTML, "<td>199.9</td>") {
		t.Fatalf("HTML 缺少表格行:\n%s", p.HTML)
	}
	if !strings.Contains(p.HTML, `src="cid:`+ChartContentID+`"`) {
		t.Fatalf("HTML 应引用内联图表:\n%s", p.HTML)
	}
	if !bytes.HasPrefix(p.Chart, []byte("\x89PNG")) {
		t.Fatal("图表应为 PNG")
	}

	var text []map[string]any
	if err := json.Unmarshal([]byte(p.Text), &text); err != nil {
		t.Fatalf("文本部分应为 JSON: %v", err)
	}
	if len(text) != 2 || text[0]["stationCode"] != "200" {
		t.Fatalf("文本部分顺序应与表格一致: %v", text)
	}
}

func TestRenderOmitsChartWhenItCannotBeDrawn(t *testing.T) {
	e := entry("100", "Metro Petroleum", "E10", "150.0", "170.0")
	e.Snapshot.RecentPrices = nil
	bundle := matcher.Bundle{UserID: uuid.New(), Email: "a@example.com", Entries: []matcher.Entry{e}, Headline: e}

	p, err := NewRenderer(RendererOptions{}, testLogger()).Render(bundle)
	if err != nil {
		t.Fatalf("图表失败不应阻止发送: %v", err)
	}
	if p.Chart != nil || strings.Contains(p.HTML, "<img") {
		t.Fatal("无法绘制时应省略图表")
	}
}

func TestRenderDisabledChart(t *testing.T) {
	e := entry("100", "Metro Petroleum", "E10", "150.0", "170.0")
	bundle := matcher.Bundle{UserID: uuid.New(), Email: "a@example.com", Entries: []matcher.Entry{e}, Headline: e}

	p, err := NewRenderer(RendererOptions{DisableChart: true}, testLogger()).Render(bundle)
	if err != nil {
		t.Fatalf("渲染失败: %v", err)
	}
	if p.Chart != nil {
		t.Fatal("关闭图表后不应生成图片")
	}
}

func TestRenderRejectsEmptyBundle(t *testing.T) {
	r := NewRenderer(RendererOptions{}, testLogger())
	if _, err := r.Render(matcher.Bundle{UserID: uuid.New(), Email: "a@example.com"}); err == nil {
		t.Fatal("空 bundle 应报错")
	}
	if got := r.RenderAll([]matcher.Bundle{{UserID: uuid.New()}}); len(got) != 0 {
		t.Fatalf("渲染失败的 bundle 应被跳过: %d", len(got))
	}
}

func TestFormatChange(t *testing.T) {
	cases := map[string]string{
		"23.913": "+23.9%",
		"0":      "0.0%",
		"-4.25":  "-4.3%",
	}
	for in, want := range cases {
		if got := FormatChange(decimal.RequireFromString(in)); got != want {
			t.Fatalf("FormatChange(%s) 期望 %s, 实际 %s", in, want, got)
		}
	}
}
