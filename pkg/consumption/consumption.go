// Package consumption provides household load forecasts in Wh per interval
// with index 0 being the current interval.
package consumption

import (
	"context"
	"fmt"
	"time"

	"github.com/batcontrol/batcontrol/pkg/config"
	"github.com/batcontrol/batcontrol/pkg/interval"
	"github.com/batcontrol/batcontrol/pkg/storage"
)

// DefaultHorizonHours is how far ahead the core asks for consumption. It
// matches the longest tariff horizon (two days).
const DefaultHorizonHours = 48

// Provider defines the interface for fetching consumption forecasts.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string

	// GetForecast returns Wh per interval for the next hours hours at the
	// target resolution, index 0 = current interval.
	GetForecast(ctx context.Context, hours int) (map[int]float64, error)
}

// FromConfig builds the configured consumption provider.
func FromConfig(cfg config.ConsumptionConfig, db storage.Database, targetRes int, loc *time.Location) (Provider, error) {
	switch cfg.Source {
	case "history":
		return NewHistory(db, cfg.HistoryDays, targetRes, loc), nil
	case "homeassistant":
		return NewHomeAssistant(cfg.HomeAssistant, targetRes), nil
	}
	return nil, fmt.Errorf("unknown consumption source: %s", cfg.Source)
}

// alignEnergy converts an hour-aligned hourly Wh series to the target
// resolution with an equal split and shifts it to the current interval.
func alignEnergy(hourly []float64, targetRes int, now time.Time) map[int]float64 {
	return interval.Align(hourly, interval.Hourly, targetRes, interval.KindEnergyEqual, now)
}
