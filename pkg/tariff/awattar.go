package tariff

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/batcontrol/batcontrol/pkg/config"
	"github.com/batcontrol/batcontrol/pkg/fetch"
	"github.com/batcontrol/batcontrol/pkg/log"
)

var awattarURLs = map[string]string{
	"de": "https://api.awattar.de/v1/marketdata",
	"at": "https://api.awattar.at/v1/marketdata",
}

// Awattar implements Provider for the aWATTar hourly market price API. The
// API needs no authentication; it returns day-ahead spot prices in EUR/MWh
// which are converted to gross EUR/kWh via the configured markup, fees and
// VAT.
type Awattar struct {
	url           string
	markupPercent float64
	feesPerKWH    float64
	vatPercent    float64
	targetRes     int

	fetcher *fetch.Fetcher
	cache   *fetch.Cache[hourlySeries]
	now     func() time.Time
}

// NewAwattar returns an Awattar provider for cfg.Country ("de" or "at").
func NewAwattar(cfg config.TariffConfig, f *fetch.Fetcher, targetRes int) *Awattar {
	url := cfg.URL
	if url == "" {
		url = awattarURLs[cfg.Country]
	}
	return &Awattar{
		url:           url,
		markupPercent: cfg.MarkupPercent,
		feesPerKWH:    cfg.FeesPerKWH,
		vatPercent:    cfg.VATPercent,
		targetRes:     targetRes,
		fetcher:       f,
		cache:         fetch.NewCache[hourlySeries](2),
		now:           time.Now,
	}
}

// Name implements Provider.
func (a *Awattar) Name() string { return "awattar" }

type awattarEntry struct {
	StartTimestamp int64   `json:"start_timestamp"` // unix milliseconds
	EndTimestamp   int64   `json:"end_timestamp"`
	Marketprice    float64 `json:"marketprice"` // EUR/MWh
}

type awattarResponse struct {
	Data []awattarEntry `json:"data"`
}

// GetPrices implements Provider.
func (a *Awattar) GetPrices(ctx context.Context) (map[int]float64, error) {
	now := a.now()
	s, err := cachedSeries(ctx, a.cache, a.Name(), func() (hourlySeries, error) {
		return a.fetchNative(ctx, now)
	})
	if err != nil {
		return nil, err
	}
	return alignPrices(s.reanchor(now), s.resolutionMin, a.targetRes, now), nil
}

// gross converts a raw market price in EUR/kWh to the consumer price:
// markup first, then per-unit fees, then VAT on the total.
func (a *Awattar) gross(raw float64) float64 {
	return (raw*(1+a.markupPercent/100) + a.feesPerKWH) * (1 + a.vatPercent/100)
}

func (a *Awattar) fetchNative(ctx context.Context, now time.Time) (hourlySeries, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", a.url, nil)
	if err != nil {
		return hourlySeries{}, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching awattar prices", slog.String("url", a.url))

	body, err := a.fetcher.GetWithRateLimit(ctx, a.Name(), req)
	if err != nil {
		return hourlySeries{}, err
	}

	var res awattarResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return hourlySeries{}, fmt.Errorf("failed to decode awattar response: %w", err)
	}
	if len(res.Data) == 0 {
		return hourlySeries{}, fmt.Errorf("awattar returned no prices")
	}
	sort.Slice(res.Data, func(i, j int) bool {
		return res.Data[i].StartTimestamp < res.Data[j].StartTimestamp
	})

	anchor := now.Truncate(time.Hour)
	var values []float64
	for _, e := range res.Data {
		start := time.UnixMilli(e.StartTimestamp)
		idx := int(start.Sub(anchor).Hours())
		if idx < 0 {
			continue
		}
		for len(values) <= idx {
			// gaps are filled with the previous hour's price
			if len(values) > 0 {
				values = append(values, values[len(values)-1])
			} else {
				values = append(values, 0)
			}
		}
		values[idx] = a.gross(e.Marketprice / 1000)
	}
	if len(values) == 0 {
		return hourlySeries{}, fmt.Errorf("awattar returned no current or future prices")
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched awattar prices",
		slog.Int("hours", len(values)),
		slog.Time("anchor", anchor),
	)
	return hourlySeries{anchor: anchor, resolutionMin: 60, values: values}, nil
}
