package solar

import (
	"context"
	"math"
	"time"

	"github.com/batcontrol/batcontrol/pkg/config"
	"github.com/sixdouglas/suncalc"
)

// clearSkyDerate accounts for atmosphere, panel orientation and soiling when
// estimating production from sun altitude alone.
const clearSkyDerate = 0.75

// ClearSky implements Provider with a synthetic geometry-only forecast: for
// each hour the sun altitude at the hour's midpoint is computed per
// installation and production is estimated as kWp x sin(altitude), derated.
// It needs no network and serves as the fallback when no forecast service is
// configured.
type ClearSky struct {
	installations []config.PVInstallation
	targetRes     int
	now           func() time.Time
}

// NewClearSky returns the synthetic provider for the given installations.
func NewClearSky(installations []config.PVInstallation, targetRes int) *ClearSky {
	return &ClearSky{
		installations: installations,
		targetRes:     targetRes,
		now:           time.Now,
	}
}

// Name implements Provider.
func (p *ClearSky) Name() string { return "clearsky" }

// GetForecast implements Provider. It synthesizes 48 hours starting at the
// current hour.
func (p *ClearSky) GetForecast(ctx context.Context) (map[int]float64, error) {
	now := p.now()
	anchor := now.Truncate(time.Hour)

	values := make([]float64, 48)
	for h := range values {
		mid := anchor.Add(time.Duration(h)*time.Hour + 30*time.Minute)
		for _, inst := range p.installations {
			pos := suncalc.GetPosition(mid, inst.Latitude, inst.Longitude)
			factor := math.Sin(pos.Altitude)
			if factor <= 0 {
				continue
			}
			values[h] += inst.KWp * 1000 * factor * clearSkyDerate
		}
	}
	return alignEnergy(values, p.targetRes, now)
}
