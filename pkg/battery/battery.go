// Package battery holds the SOC/energy conversions shared by the inverter
// drivers and the decision engine. All energies are Wh, SOC is percent
// (0-100).
package battery

import (
	"time"

	"github.com/batcontrol/batcontrol/pkg/types"
)

// Spec describes a battery's design capacity and its configured usable
// window. MinSOCPercent is the reserve the inverter never discharges below;
// MaxSOCPercent is where charging stops.
type Spec struct {
	DesignCapacityWh   float64
	MinSOCPercent      float64
	MaxSOCPercent      float64
	MaxGridChargeRateW float64
	MaxPVChargeRateW   float64
}

// MaxCapacityWh is the usable design capacity: design capacity up to
// MaxSOCPercent.
func (s Spec) MaxCapacityWh() float64 {
	return s.DesignCapacityWh * s.MaxSOCPercent / 100
}

// StoredEnergyWh converts a SOC reading to absolute stored energy.
func (s Spec) StoredEnergyWh(socPercent float64) float64 {
	return s.DesignCapacityWh * socPercent / 100
}

// StoredUsableEnergyWh is the stored energy above the MinSOCPercent reserve.
func (s Spec) StoredUsableEnergyWh(socPercent float64) float64 {
	usable := socPercent - s.MinSOCPercent
	if usable < 0 {
		usable = 0
	}
	return s.DesignCapacityWh * usable / 100
}

// FreeCapacityWh is how much energy fits before MaxSOCPercent.
func (s Spec) FreeCapacityWh(socPercent float64) float64 {
	free := s.MaxSOCPercent - socPercent
	if free < 0 {
		free = 0
	}
	return s.DesignCapacityWh * free / 100
}

// StateAt builds a full snapshot from a SOC reading.
func (s Spec) StateAt(ts time.Time, socPercent float64) types.BatteryState {
	return types.BatteryState{
		Timestamp:            ts,
		SOC:                  socPercent,
		StoredEnergyWh:       s.StoredEnergyWh(socPercent),
		StoredUsableEnergyWh: s.StoredUsableEnergyWh(socPercent),
		FreeCapacityWh:       s.FreeCapacityWh(socPercent),
		MaxCapacityWh:        s.MaxCapacityWh(),
		MaxGridChargeRateW:   s.MaxGridChargeRateW,
		MaxPVChargeRateW:     s.MaxPVChargeRateW,
	}
}

// AboveAlwaysAllowLimit reports whether stored energy exceeds the discharge
// floor expressed as a fraction of max capacity.
func AboveAlwaysAllowLimit(state types.BatteryState, limit float64) bool {
	return state.StoredEnergyWh > limit*state.MaxCapacityWh
}

// BelowGridChargeLimit reports whether the SOC is still under the ceiling
// (fraction) up to which grid charging is permitted.
func BelowGridChargeLimit(state types.BatteryState, limit float64) bool {
	return state.SOC < limit*100
}
