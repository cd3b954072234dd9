// Package tariff provides electricity price forecasts normalized to the
// engine's interval grid. Every provider returns EUR/kWh per interval with
// index 0 being the current interval.
package tariff

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/batcontrol/batcontrol/pkg/config"
	"github.com/batcontrol/batcontrol/pkg/fetch"
	"github.com/batcontrol/batcontrol/pkg/interval"
	"github.com/batcontrol/batcontrol/pkg/log"
)

// cacheTTL keeps upstream polling polite; market prices only change hourly.
const cacheTTL = 15 * time.Minute

// Provider defines the interface for fetching electricity prices.
type Provider interface {
	// Name identifies the provider in logs and price history.
	Name() string

	// GetPrices returns EUR/kWh per interval at the target resolution,
	// index 0 = current interval.
	GetPrices(ctx context.Context) (map[int]float64, error)
}

// hourlySeries is an hour-aligned native sequence together with the top of
// the hour its index 0 refers to.
type hourlySeries struct {
	anchor        time.Time
	resolutionMin int
	values        []float64
}

// reanchor drops the intervals of s that lie before the hour containing now
// so the result is anchored at the current hour.
func (s hourlySeries) reanchor(now time.Time) []float64 {
	hourStart := now.Truncate(time.Hour)
	drop := int(hourStart.Sub(s.anchor).Minutes()) / s.resolutionMin
	if drop <= 0 {
		return s.values
	}
	if drop >= len(s.values) {
		return nil
	}
	return s.values[drop:]
}

// FromConfig builds the configured tariff provider. The fetcher and its
// rate-limit registry are shared across all providers in the process.
func FromConfig(cfg config.TariffConfig, f *fetch.Fetcher, targetRes int, loc *time.Location) (Provider, error) {
	switch cfg.Type {
	case "awattar":
		return NewAwattar(cfg, f, targetRes), nil
	case "tibber":
		return NewTibber(cfg, f, targetRes, loc), nil
	case "evcc":
		return NewEvcc(cfg, targetRes), nil
	case "tou":
		return NewTimeOfUse(cfg.TOU, targetRes, loc), nil
	}
	return nil, fmt.Errorf("unknown tariff type: %s", cfg.Type)
}

// cachedSeries runs fn through the TTL cache and falls back to the last
// cached payload when the upstream is unreachable or rate limited.
func cachedSeries(ctx context.Context, c *fetch.Cache[hourlySeries], key string, fn func() (hourlySeries, error)) (hourlySeries, error) {
	s, err := c.GetOrFetch(key, cacheTTL, fn)
	if err == nil {
		return s, nil
	}
	if last, fetchedAt, ok := c.Last(key); ok {
		log.Ctx(ctx).WarnContext(
			ctx,
			"serving stale prices after fetch failure",
			slog.String("provider", key),
			slog.Time("fetchedAt", fetchedAt),
			slog.Any("error", err),
		)
		return last, nil
	}
	return hourlySeries{}, err
}

// alignPrices converts a reanchored native series to the target resolution
// and shifts it to the current interval.
func alignPrices(native []float64, nativeRes, targetRes int, now time.Time) map[int]float64 {
	return interval.Align(native, nativeRes, targetRes, interval.KindPrice, now)
}
