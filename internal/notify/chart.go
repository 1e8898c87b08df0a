package notify

import (
	"errors"
	"io"
	"time"

	"github.com/wcharczuk/go-chart/v2"

	"fuel-price-alerts/internal/trend"
)

// ChartSeries is one stepped price line.
type ChartSeries struct {
	Name   string
	Points []trend.PricePoint
}

// PriceChart renders stepped price series clipped to [From, To].
type PriceChart struct {
	Series []ChartSeries
	From   time.Time
	To     time.Time
	Width  int
	Height int
	YLabel string
}

// Render writes the chart as PNG.
func (pc PriceChart) Render(w io.Writer) error {
	if !pc.To.After(pc.From) {
		return errors.New("chart range is empty")
	}

	series := make([]chart.Series, 0, len(pc.Series))
	var minY, maxY float64
	seen := false
	for _, s := range pc.Series {
		xs, ys := steps(s.Points, pc.From, pc.To)
		if len(xs) < 2 {
			continue
		}
		for _, y := range ys {
			if !seen || y < minY {
				minY = y
			}
			if !seen || y > maxY {
				maxY = y
			}
			seen = true
		}
		series = append(series, chart.TimeSeries{
			Name:    s.Name,
			XValues: xs,
			YValues: ys,
		})
	}
	if len(series) == 0 {
		return errors.New("no plottable series")
	}

	pad := (maxY - minY) * 0.1
	if pad == 0 {
		pad = 1
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	graph := chart.Chart{
		Width:  pc.Width,
		Height: pc.Height,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
			Range: &chart.ContinuousRange{
				Min: chart.TimeToFloat64(pc.From),
				Max: chart.TimeToFloat64(pc.To),
			},
		},
		YAxis: chart.YAxis{
			Name:           pc.YLabel,
			ValueFormatter: priceFormatter,
			Range: &chart.ContinuousRange{
				Min: minY - pad,
				Max: maxY + pad,
			},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, w)
}

// steps expands ticks into a step line: each price holds until the next tick.
// Points before from are clamped to from and the last price extends to to.
func steps(points []trend.PricePoint, from, to time.Time) ([]time.Time, []float64) {
	xs := make([]time.Time, 0, len(points)*2+1)
	ys := make([]float64, 0, len(points)*2+1)
	for i, p := range points {
		if p.Time.After(to) {
			break
		}
		at := p.Time
		if at.Before(from) {
			at = from
		}
		price := p.Price.InexactFloat64()
		if i > 0 && len(ys) > 0 {
			xs = append(xs, at)
			ys = append(ys, ys[len(ys)-1])
		}
		xs = append(xs, at)
		ys = append(ys, price)
	}
	if len(ys) > 0 && xs[len(xs)-1].Before(to) {
		xs = append(xs, to)
		ys = append(ys, ys[len(ys)-1])
	}
	return xs, ys
}
