// Package solar provides PV production forecasts in Wh per interval with
// index 0 being the current interval.
package solar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/batcontrol/batcontrol/pkg/config"
	"github.com/batcontrol/batcontrol/pkg/fetch"
	"github.com/batcontrol/batcontrol/pkg/interval"
)

// MinHorizonHours is how much forward data a forecast must cover. The
// charge-window rules look a full day ahead; with less than this the engine
// would systematically under-reserve, so a short horizon aborts the tick.
const MinHorizonHours = 18

// ErrShortHorizon is returned when the upstream delivered fewer than
// MinHorizonHours hours of forward data.
var ErrShortHorizon = errors.New("solar forecast horizon too short")

// cacheTTL for cloud solar forecasts; the model updates a few times per hour
// at most.
const cacheTTL = 15 * time.Minute

// Provider defines the interface for fetching PV production forecasts.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string

	// GetForecast returns Wh per interval at the target resolution, index
	// 0 = current interval. Returns ErrShortHorizon when fewer than
	// MinHorizonHours of forward data are available.
	GetForecast(ctx context.Context) (map[int]float64, error)
}

// FromConfig builds the configured solar provider.
func FromConfig(cfg config.SolarConfig, f *fetch.Fetcher, targetRes int, loc *time.Location) (Provider, error) {
	switch cfg.Type {
	case "forecastsolar":
		return NewForecastSolar(cfg, f, targetRes), nil
	case "homeassistant":
		return NewHomeAssistant(cfg.HomeAssistant, targetRes), nil
	case "clearsky":
		return NewClearSky(cfg.Installations, targetRes), nil
	}
	return nil, fmt.Errorf("unknown solar type: %s", cfg.Type)
}

// alignEnergy converts an hour-aligned hourly Wh series to the target
// resolution with linear power interpolation and shifts it to the current
// interval. It enforces the minimum horizon first.
func alignEnergy(hourly []float64, targetRes int, now time.Time) (map[int]float64, error) {
	if len(hourly) < MinHorizonHours {
		return nil, fmt.Errorf("%w: got %d hours, need %d", ErrShortHorizon, len(hourly), MinHorizonHours)
	}
	return interval.Align(hourly, interval.Hourly, targetRes, interval.KindEnergyPower, now), nil
}
