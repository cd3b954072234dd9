package consumption

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/batcontrol/batcontrol/pkg/config"
	"github.com/batcontrol/batcontrol/pkg/homeassistant"
	"github.com/batcontrol/batcontrol/pkg/log"
)

// HomeAssistant implements Provider by reading an hourly load forecast from a
// Home Assistant sensor entity, typically produced by an ML load-prediction
// integration. Values are Wh per hour.
type HomeAssistant struct {
	entity    string
	targetRes int
	client    *homeassistant.Client
	now       func() time.Time
}

// NewHomeAssistant returns a provider reading ref.Entity.
func NewHomeAssistant(ref config.HomeAssistantRef, targetRes int) *HomeAssistant {
	return &HomeAssistant{
		entity:    ref.Entity,
		targetRes: targetRes,
		client:    homeassistant.New(ref),
		now:       time.Now,
	}
}

// Name implements Provider.
func (p *HomeAssistant) Name() string { return "homeassistant" }

type haForecastEntry struct {
	Datetime string  `json:"datetime"`
	Value    float64 `json:"value"`
}

// GetForecast implements Provider.
func (p *HomeAssistant) GetForecast(ctx context.Context, hours int) (map[int]float64, error) {
	now := p.now()
	state, err := p.client.GetState(ctx, p.entity)
	if err != nil {
		return nil, err
	}

	var entries []haForecastEntry
	if err := state.Attribute("forecast", &entries); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("entity %s returned an empty forecast", p.entity)
	}

	anchor := now.Truncate(time.Hour)
	values := make([]float64, hours)
	maxIdx := -1
	for _, e := range entries {
		ts, err := time.Parse(time.RFC3339, e.Datetime)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse homeassistant forecast time",
				slog.String("value", e.Datetime), slog.Any("error", err))
			continue
		}
		idx := int(ts.Sub(anchor).Hours())
		if idx < 0 || idx >= hours {
			continue
		}
		values[idx] = e.Value
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	if maxIdx < 0 {
		return nil, fmt.Errorf("entity %s forecast covers no future hours", p.entity)
	}
	// extend a short sensor horizon with its last value; household load is
	// periodic enough that this beats forecasting zero
	for i := maxIdx + 1; i < hours; i++ {
		values[i] = values[maxIdx]
	}
	return alignEnergy(values, p.targetRes, now), nil
}
