package battery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSpecConversions(t *testing.T) {
	s := Spec{
		DesignCapacityWh:   10000,
		MinSOCPercent:      5,
		MaxSOCPercent:      95,
		MaxGridChargeRateW: 5000,
	}

	assert.InDelta(t, 9500, s.MaxCapacityWh(), 1e-9)
	assert.InDelta(t, 7500, s.StoredEnergyWh(75), 1e-9)
	assert.InDelta(t, 7000, s.StoredUsableEnergyWh(75), 1e-9)
	assert.InDelta(t, 2000, s.FreeCapacityWh(75), 1e-9)

	// below the reserve nothing is usable
	assert.Equal(t, 0.0, s.StoredUsableEnergyWh(3))
	// above the ceiling nothing is free
	assert.Equal(t, 0.0, s.FreeCapacityWh(97))
}

func TestStateAt(t *testing.T) {
	s := Spec{DesignCapacityWh: 10000, MinSOCPercent: 5, MaxSOCPercent: 95, MaxGridChargeRateW: 5000, MaxPVChargeRateW: 8000}
	ts := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	state := s.StateAt(ts, 50)
	assert.Equal(t, ts, state.Timestamp)
	assert.Equal(t, 50.0, state.SOC)
	assert.InDelta(t, 5000, state.StoredEnergyWh, 1e-9)
	assert.InDelta(t, 4500, state.StoredUsableEnergyWh, 1e-9)
	assert.InDelta(t, 4500, state.FreeCapacityWh, 1e-9)
	assert.InDelta(t, 9500, state.MaxCapacityWh, 1e-9)
	assert.Equal(t, 5000.0, state.MaxGridChargeRateW)
	assert.Equal(t, 8000.0, state.MaxPVChargeRateW)

	// invariants: 0 <= usable <= stored <= max capacity
	assert.LessOrEqual(t, state.StoredUsableEnergyWh, state.StoredEnergyWh)
	assert.LessOrEqual(t, state.StoredEnergyWh, state.MaxCapacityWh+s.DesignCapacityWh*s.MinSOCPercent/100)
}

func TestPredicates(t *testing.T) {
	s := Spec{DesignCapacityWh: 10000, MinSOCPercent: 5, MaxSOCPercent: 95}
	ts := time.Now()

	high := s.StateAt(ts, 92)
	low := s.StateAt(ts, 40)

	assert.True(t, AboveAlwaysAllowLimit(high, 0.9))
	assert.False(t, AboveAlwaysAllowLimit(low, 0.9))

	assert.True(t, BelowGridChargeLimit(low, 0.8))
	assert.False(t, BelowGridChargeLimit(high, 0.8))
}
