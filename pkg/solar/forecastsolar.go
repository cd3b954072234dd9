package solar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/batcontrol/batcontrol/pkg/config"
	"github.com/batcontrol/batcontrol/pkg/fetch"
	"github.com/batcontrol/batcontrol/pkg/log"
)

const defaultForecastSolarURL = "https://api.forecast.solar"

// ForecastSolar implements Provider against the forecast.solar API. One
// request is made per configured installation and the results are summed.
// The free tier rate-limits aggressively; 429 handling comes from the fetch
// layer and lockouts are respected across installations since they share one
// provider id.
type ForecastSolar struct {
	baseURL       string
	apiKey        string
	installations []config.PVInstallation
	targetRes     int

	fetcher *fetch.Fetcher
	cache   *fetch.Cache[hourlyForecast]
	now     func() time.Time
}

type hourlyForecast struct {
	anchor time.Time
	values []float64
}

// NewForecastSolar returns a provider for all installations in cfg.
func NewForecastSolar(cfg config.SolarConfig, f *fetch.Fetcher, targetRes int) *ForecastSolar {
	return &ForecastSolar{
		baseURL:       defaultForecastSolarURL,
		apiKey:        cfg.APIKey,
		installations: cfg.Installations,
		targetRes:     targetRes,
		fetcher:       f,
		cache:         fetch.NewCache[hourlyForecast](2),
		now:           time.Now,
	}
}

// Name implements Provider.
func (p *ForecastSolar) Name() string { return "forecastsolar" }

type forecastSolarResponse struct {
	Result struct {
		WattHoursPeriod map[string]float64 `json:"watt_hours_period"`
	} `json:"result"`
}

// GetForecast implements Provider.
func (p *ForecastSolar) GetForecast(ctx context.Context) (map[int]float64, error) {
	now := p.now()
	fc, err := p.cache.GetOrFetch(p.Name(), cacheTTL, func() (hourlyForecast, error) {
		return p.fetchAll(ctx, now)
	})
	if err != nil {
		if last, fetchedAt, ok := p.cache.Last(p.Name()); ok {
			log.Ctx(ctx).WarnContext(
				ctx,
				"serving stale solar forecast after fetch failure",
				slog.Time("fetchedAt", fetchedAt),
				slog.Any("error", err),
			)
			fc = last
		} else {
			return nil, err
		}
	}

	hourStart := now.Truncate(time.Hour)
	drop := int(hourStart.Sub(fc.anchor).Hours())
	values := fc.values
	if drop > 0 {
		if drop >= len(values) {
			values = nil
		} else {
			values = values[drop:]
		}
	}
	return alignEnergy(values, p.targetRes, now)
}

// fetchAll sums the forecasts of all installations onto one hour-aligned
// sequence anchored at the current hour.
func (p *ForecastSolar) fetchAll(ctx context.Context, now time.Time) (hourlyForecast, error) {
	anchor := now.Truncate(time.Hour)
	var values []float64
	for _, inst := range p.installations {
		instValues, err := p.fetchInstallation(ctx, inst, anchor)
		if err != nil {
			return hourlyForecast{}, err
		}
		for len(values) < len(instValues) {
			values = append(values, 0)
		}
		for i, v := range instValues {
			values[i] += v
		}
	}
	return hourlyForecast{anchor: anchor, values: values}, nil
}

func (p *ForecastSolar) fetchInstallation(ctx context.Context, inst config.PVInstallation, anchor time.Time) ([]float64, error) {
	u := p.baseURL
	if p.apiKey != "" {
		u += "/" + p.apiKey
	}
	u += fmt.Sprintf("/estimate/%g/%g/%g/%g/%g",
		inst.Latitude, inst.Longitude, inst.Declination, inst.Azimuth, inst.KWp)

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"fetching solar forecast",
		slog.String("installation", inst.Name),
	)

	body, err := p.fetcher.GetWithRateLimit(ctx, p.Name(), req)
	if err != nil {
		return nil, err
	}

	var res forecastSolarResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("failed to decode forecast.solar response: %w", err)
	}

	// keys are local timestamps, each value is the Wh produced in the
	// period ending at that timestamp
	var values []float64
	for k, wh := range res.Result.WattHoursPeriod {
		ts, err := time.ParseInLocation("2006-01-02 15:04:05", k, anchor.Location())
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse forecast.solar timestamp",
				slog.String("value", k), slog.Any("error", err))
			continue
		}
		idx := int(ts.Add(-time.Second).Sub(anchor).Hours())
		if idx < 0 {
			continue
		}
		for len(values) <= idx {
			values = append(values, 0)
		}
		values[idx] += wh
	}
	return values, nil
}
