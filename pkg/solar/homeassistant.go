package solar

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/batcontrol/batcontrol/pkg/config"
	"github.com/batcontrol/batcontrol/pkg/homeassistant"
	"github.com/batcontrol/batcontrol/pkg/log"
)

// HomeAssistant implements Provider by reading an hourly production forecast
// from a Home Assistant sensor entity (typically an ML-based forecast
// integration). The sensor may report Wh or kWh; the unit is detected on
// first contact and remembered.
type HomeAssistant struct {
	entity    string
	targetRes int
	client    *homeassistant.Client

	mu           sync.Mutex
	unitDetected bool
	unitKWh      bool

	now func() time.Time
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
func (p *HomeAssistant) GetForecast(ctx context.Context) (map[int]float64, error) {
	now := p.now()
	state, err := p.client.GetState(ctx, p.entity)
	if err != nil {
		return nil, err
	}

	var entries []haForecastEntry
	if err := state.Attribute("forecast", &entries); err != nil {
		return nil, err
	}

	scale := p.detectScale(ctx, state, entries)

	anchor := now.Truncate(time.Hour)
	var values []float64
	for _, e := range entries {
		ts, err := time.Parse(time.RFC3339, e.Datetime)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse homeassistant forecast time",
				slog.String("value", e.Datetime), slog.Any("error", err))
			continue
		}
		idx := int(ts.Sub(anchor).Hours())
		if idx < 0 {
			continue
		}
		for len(values) <= idx {
			values = append(values, 0)
		}
		values[idx] = e.Value * scale
	}
	return alignEnergy(values, p.targetRes, now)
}

// detectScale decides once whether the sensor reports kWh and must be scaled
// to Wh. The unit attribute is authoritative; without it, values this small
// for an hourly PV forecast can only be kWh.
func (p *HomeAssistant) detectScale(ctx context.Context, state homeassistant.State, entries []haForecastEntry) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.unitDetected {
		var unit string
		if err := state.Attribute("unit_of_measurement", &unit); err == nil && unit != "" {
			p.unitKWh = strings.EqualFold(unit, "kWh")
		} else {
			var max float64
			for _, e := range entries {
				if e.Value > max {
					max = e.Value
				}
			}
			p.unitKWh = max > 0 && max < 50
		}
		p.unitDetected = true
		log.Ctx(ctx).InfoContext(
			ctx,
			"detected homeassistant solar forecast unit",
			slog.Bool("kwh", p.unitKWh),
		)
	}
	if p.unitKWh {
		return 1000
	}
	return 1
}
