package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fuel-price-alerts/internal/matcher"
	"fuel-price-alerts/internal/trend"
)

// ChartContentID is the Content-ID of the inline chart image.
const ChartContentID = "price-chart@fuelalerts"

// Payload is a rendered notification for one subscriber.
type Payload struct {
	UserID  uuid.UUID
	To      string
	Subject string
	HTML    string
	Text    string
	// Chart is a PNG referenced from HTML as cid:ChartContentID; nil when unavailable.
	Chart []byte
}

// RendererOptions configure payload rendering.
type RendererOptions struct {
	Subject      string
	PriceUnit    string
	Window       time.Duration
	ChartWidth   int
	ChartHeight  int
	DisableChart bool
}

// Renderer turns bundles into payloads.
type Renderer struct {
	opts   RendererOptions
	logger zerolog.Logger
}

// NewRenderer constructs a Renderer.
func NewRenderer(opts RendererOptions, logger zerolog.Logger) *Renderer {
	if opts.Subject == "" {
		opts.Subject = "Fuel Price Alert"
	}
	if opts.Window <= 0 {
		opts.Window = trend.DefaultWindow
	}
	if opts.ChartWidth <= 0 {
		opts.ChartWidth = 500
	}
	if opts.ChartHeight <= 0 {
		opts.ChartHeight = 300
	}
	return &Renderer{opts: opts, logger: logger.With().Str("component", "renderer").Logger()}
}

var bodyTemplate = template.Must(template.New("alert").Parse(`<div>Hi, fuel prices are rising.</div>
<div>Go to {{.Headline.Name}} for the cheapest fuel at {{.Headline.Price}}{{.Unit}}.</div>
<table>
    <tr>
        <th>Station</th>
        <th>Fuel Type</th>
        <th>Current Price</th>
        <th>Past Week Average</th>
        <th>% Change</th>
    </tr>
{{- range .Rows}}
    <tr>
        <td>{{.Name}}</td>
        <td>{{.Fuel}}</td>
        <td>{{.Price}}</td>
        <td>{{.Average}}</td>
        <td>{{.Change}}</td>
    </tr>
{{- end}}
</table>
{{- if .ChartSrc}}
<div><img src="{{.ChartSrc}}" alt="Recent prices"/></div>
{{- end}}
`))

type htmlRow struct {
	Name    string
	Fuel    string
	Price   string
	Average string
	Change  string
}

type htmlBody struct {
	Headline htmlRow
	Unit     string
	Rows     []htmlRow
	ChartSrc template.URL
}

// textEntry is the structured fallback carried in the plain-text part.
type textEntry struct {
	StationCode       string             `json:"stationCode"`
	StationName       string             `json:"stationName"`
	FuelType          string             `json:"fuelType"`
	Price             decimal.Decimal    `json:"price"`
	TimeWeightedPrice decimal.Decimal    `json:"timeWeightedPrice"`
	ChangePercent     decimal.Decimal    `json:"changePercent"`
	RecentPrices      []trend.PricePoint `json:"recentPrices"`
}

// Render builds the payload for one bundle.
func (r *Renderer) Render(b matcher.Bundle) (Payload, error) {
	if len(b.Entries) == 0 {
		return Payload{}, fmt.Errorf("bundle for %s has no entries", b.UserID)
	}
	if b.Email == "" {
		return Payload{}, fmt.Errorf("bundle for %s has no contact address", b.UserID)
	}

	payload := Payload{
		UserID:  b.UserID,
		To:      b.Email,
		Subject: r.opts.Subject,
	}

	if !r.opts.DisableChart {
		png, err := r.renderChart(b.Entries)
		if err != nil {
			r.logger.Warn().Err(err).Str("user_id", b.UserID.String()).Msg("chart rendering failed; sending without image")
		} else {
			payload.Chart = png
		}
	}

	body := htmlBody{
		Headline: r.row(b.Headline),
		Unit:     r.opts.PriceUnit,
		Rows:     make([]htmlRow, 0, len(b.Entries)),
	}
	for _, entry := range b.Entries {
		body.Rows = append(body.Rows, r.row(entry))
	}
	if payload.Chart != nil {
		body.ChartSrc = template.URL("cid:" + ChartContentID)
	}

	var html bytes.Buffer
	if err := bodyTemplate.Execute(&html, body); err != nil {
		return Payload{}, fmt.Errorf("render html body: %w", err)
	}
	payload.HTML = html.String()

	text, err := renderText(b.Entries)
	if err != nil {
		return Payload{}, err
	}
	payload.Text = text

	return payload, nil
}

// RenderAll renders every bundle, logging and skipping the ones that fail.
func (r *Renderer) RenderAll(bundles []matcher.Bundle) []Payload {
	payloads := make([]Payload, 0, len(bundles))
	for _, b := range bundles {
		p, err := r.Render(b)
		if err != nil {
			r.logger.Error().Err(err).Str("user_id", b.UserID.String()).Msg("failed to render bundle")
			continue
		}
		payloads = append(payloads, p)
	}
	return payloads
}

func (r *Renderer) row(e matcher.Entry) htmlRow {
	return htmlRow{
		Name:    e.StationName(),
		Fuel:    e.Key().FuelType,
		Price:   e.Snapshot.CurrentPrice.StringFixed(1),
		Average: e.Snapshot.Average.StringFixed(1),
		Change:  FormatChange(e.Snapshot.ChangePercent()),
	}
}

// FormatChange renders a signed percentage with one decimal place.
func FormatChange(pct decimal.Decimal) string {
	sign := ""
	if pct.IsPositive() {
		sign = "+"
	}
	return sign + pct.StringFixed(1) + "%"
}

func renderText(entries []matcher.Entry) (string, error) {
	out := make([]textEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, textEntry{
			StationCode:       e.Key().StationCode,
			StationName:       e.StationName(),
			FuelType:          e.Key().FuelType,
			Price:             e.Snapshot.CurrentPrice,
			TimeWeightedPrice: e.Snapshot.Average,
			ChangePercent:     e.Snapshot.ChangePercent().Round(2),
			RecentPrices:      e.Snapshot.RecentPrices,
		})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("render text body: %w", err)
	}
	return string(data), nil
}

func (r *Renderer) renderChart(entries []matcher.Entry) ([]byte, error) {
	var end time.Time
	for _, e := range entries {
		if e.Snapshot.EvaluatedAt.After(end) {
			end = e.Snapshot.EvaluatedAt
		}
	}
	if end.IsZero() {
		return nil, fmt.Errorf("entries carry no evaluation instant")
	}

	pc := PriceChart{
		From:   end.Add(-r.opts.Window),
		To:     end,
		Width:  r.opts.ChartWidth,
		Height: r.opts.ChartHeight,
		YLabel: "Price (" + r.opts.PriceUnit + ")",
	}
	for _, e := range entries {
		pc.Series = append(pc.Series, ChartSeries{
			Name:   e.StationName() + " " + e.Key().FuelType,
			Points: e.Snapshot.RecentPrices,
		})
	}

	var buf bytes.Buffer
	if err := pc.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
