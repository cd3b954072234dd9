package types

import "fmt"

// Parameters are the tunables of the decision engine. They are stable across
// ticks and mutable only through the external control surface; the core
// guards them with a mutex.
type Parameters struct {
	// AlwaysAllowDischargeLimit is the SOC floor (fraction of max capacity)
	// above which discharge is always permitted regardless of price structure.
	AlwaysAllowDischargeLimit float64 `json:"alwaysAllowDischargeLimit" yaml:"always_allow_discharge_limit"`
	// MaxChargingFromGridLimit is the SOC ceiling (fraction) above which the
	// engine refuses to buy from the grid even when prices favor it.
	MaxChargingFromGridLimit float64 `json:"maxChargingFromGridLimit" yaml:"max_charging_from_grid_limit"`
	// MinPriceDifference is the absolute price band in EUR/kWh.
	MinPriceDifference float64 `json:"minPriceDifference" yaml:"min_price_difference"`
	// MinPriceDifferenceRel is the band as a fraction of |current price|.
	MinPriceDifferenceRel float64 `json:"minPriceDifferenceRel" yaml:"min_price_difference_rel"`
	// ChargeRateMultiplier compensates charging losses when translating
	// recharge energy into a grid charge rate.
	ChargeRateMultiplier float64 `json:"chargeRateMultiplier" yaml:"charge_rate_multiplier"`
	// ProductionOffset scales the production forecast (0..2, 1 = unchanged).
	ProductionOffset float64 `json:"productionOffset" yaml:"production_offset"`
	// SoftenPriceDifferenceOnCharging widens the charge evaluation window by
	// requiring the future price to undercut the current one by
	// MinPriceDifference/SoftenFactor before the window is truncated.
	SoftenPriceDifferenceOnCharging bool    `json:"softenPriceDifferenceOnCharging" yaml:"soften_price_difference_on_charging"`
	SoftenPriceDifferenceFactor     float64 `json:"softenPriceDifferenceFactor" yaml:"soften_price_difference_factor"`
	// RoundPriceDigits is the number of decimal digits all price comparisons
	// are rounded to.
	RoundPriceDigits int `json:"roundPriceDigits" yaml:"round_price_digits"`
	// DischargeBlocked is an external block (e.g. during EV fast-charge). It
	// downgrades ALLOW_DISCHARGE to AVOID_DISCHARGE unless the battery is
	// above AlwaysAllowDischargeLimit.
	DischargeBlocked bool `json:"dischargeBlocked" yaml:"-"`
	// LimitPVChargeRateW is the PV charge cap applied when the
	// LIMIT_PV_CHARGE override is active.
	LimitPVChargeRateW float64 `json:"limitPVChargeRateW" yaml:"limit_pv_charge_rate_w"`
}

// DefaultParameters returns the parameters used when the config document
// leaves the battery_control block empty.
func DefaultParameters() Parameters {
	return Parameters{
		AlwaysAllowDischargeLimit:   0.9,
		MaxChargingFromGridLimit:    0.8,
		MinPriceDifference:          0.05,
		MinPriceDifferenceRel:       0.0,
		ChargeRateMultiplier:        1.1,
		ProductionOffset:            1.0,
		SoftenPriceDifferenceFactor: 4.0,
		RoundPriceDigits:            4,
	}
}

// Repair enforces MaxChargingFromGridLimit < AlwaysAllowDischargeLimit by
// lowering the grid limit one percentage point below the discharge floor.
// Without this the engine oscillates between FORCE_CHARGE and
// ALLOW_DISCHARGE. Returns true if a repair was applied; applying Repair
// twice never changes the parameters further.
func (p *Parameters) Repair() bool {
	if p.MaxChargingFromGridLimit < p.AlwaysAllowDischargeLimit {
		return false
	}
	p.MaxChargingFromGridLimit = p.AlwaysAllowDischargeLimit - 0.01
	if p.MaxChargingFromGridLimit < 0 {
		p.MaxChargingFromGridLimit = 0
	}
	return true
}

// Validate rejects parameter combinations the control surface must not accept.
func (p Parameters) Validate() error {
	if p.AlwaysAllowDischargeLimit < 0 || p.AlwaysAllowDischargeLimit > 1 {
		return fmt.Errorf("always allow discharge limit must be between 0 and 1")
	}
	if p.MaxChargingFromGridLimit < 0 || p.MaxChargingFromGridLimit > 1 {
		return fmt.Errorf("max charging from grid limit must be between 0 and 1")
	}
	if p.MinPriceDifference < 0 {
		return fmt.Errorf("min price difference cannot be negative")
	}
	if p.MinPriceDifferenceRel < 0 {
		return fmt.Errorf("relative min price difference cannot be negative")
	}
	if p.ProductionOffset < 0 || p.ProductionOffset > 2 {
		return fmt.Errorf("production offset must be between 0 and 2")
	}
	if p.ChargeRateMultiplier <= 0 {
		return fmt.Errorf("charge rate multiplier must be positive")
	}
	if p.SoftenPriceDifferenceOnCharging && p.SoftenPriceDifferenceFactor <= 0 {
		return fmt.Errorf("soften price difference factor must be positive")
	}
	if p.LimitPVChargeRateW < 0 {
		return fmt.Errorf("limit pv charge rate cannot be negative")
	}
	return nil
}
