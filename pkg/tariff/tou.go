package tariff

import (
	"context"
	"time"

	"github.com/batcontrol/batcontrol/pkg/config"
)

// TimeOfUse implements Provider with a synthetic two-tier schedule. It needs
// no network and serves as the fallback when no dynamic tariff is available.
// Zone 1 runs from Zone1StartHour (inclusive) to Zone1EndHour (exclusive) in
// local time and may wrap around midnight; every other hour is zone 2.
type TimeOfUse struct {
	cfg       config.TOUConfig
	targetRes int
	location  *time.Location
	now       func() time.Time
}

// NewTimeOfUse returns the two-tier provider evaluated in loc.
func NewTimeOfUse(cfg config.TOUConfig, targetRes int, loc *time.Location) *TimeOfUse {
	return &TimeOfUse{
		cfg:       cfg,
		targetRes: targetRes,
		location:  loc,
		now:       time.Now,
	}
}

// Name implements Provider.
func (t *TimeOfUse) Name() string { return "tou" }

// priceForHour returns the tier price for the local hour h.
func (t *TimeOfUse) priceForHour(h int) float64 {
	start, end := t.cfg.Zone1StartHour, t.cfg.Zone1EndHour
	var inZone1 bool
	if start <= end {
		inZone1 = h >= start && h < end
	} else {
		// wrap-around zone, e.g. 22:00-06:00
		inZone1 = h >= start || h < end
	}
	if inZone1 {
		return t.cfg.PriceZone1
	}
	return t.cfg.PriceZone2
}

// GetPrices implements Provider. It synthesizes 48 hours of prices starting
// at the current hour.
func (t *TimeOfUse) GetPrices(ctx context.Context) (map[int]float64, error) {
	now := t.now()
	hourStart := now.In(t.location).Truncate(time.Hour)

	values := make([]float64, 48)
	for i := range values {
		values[i] = t.priceForHour(hourStart.Add(time.Duration(i) * time.Hour).In(t.location).Hour())
	}
	return alignPrices(values, 60, t.targetRes, now), nil
}
