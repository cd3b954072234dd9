package types

import (
	"fmt"
	"time"
)

const (
	CurrentDecisionVersion     = 1
	CurrentPriceHistoryVersion = 1
	CurrentEnergyStatsVersion  = 1
)

// Mode represents the operating mode commanded to the inverter. The numeric
// values are part of the external control contract (MQTT/HTTP setters) and
// must not change.
type Mode int

const (
	ModeForceCharge    Mode = -1
	ModeAvoidDischarge Mode = 0
	ModeLimitPVCharge  Mode = 8
	ModeAllowDischarge Mode = 10
)

// ModeFromInt converts a raw external mode value into a Mode.
func ModeFromInt(v int) (Mode, error) {
	switch Mode(v) {
	case ModeForceCharge, ModeAvoidDischarge, ModeLimitPVCharge, ModeAllowDischarge:
		return Mode(v), nil
	}
	return 0, fmt.Errorf("unknown mode value: %d", v)
}

func (m Mode) String() string {
	switch m {
	case ModeForceCharge:
		return "FORCE_CHARGE"
	case ModeAvoidDischarge:
		return "AVOID_DISCHARGE"
	case ModeLimitPVCharge:
		return "LIMIT_PV_CHARGE"
	case ModeAllowDischarge:
		return "ALLOW_DISCHARGE"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// BatteryState is a point-in-time snapshot of the battery as reported by the
// inverter. Energies are Wh, rates are W, SOC is percent (0-100).
type BatteryState struct {
	Timestamp            time.Time `json:"timestamp"`
	SOC                  float64   `json:"soc"`
	StoredEnergyWh       float64   `json:"storedEnergyWh"`
	StoredUsableEnergyWh float64   `json:"storedUsableEnergyWh"`
	FreeCapacityWh       float64   `json:"freeCapacityWh"`
	MaxCapacityWh        float64   `json:"maxCapacityWh"`
	MaxGridChargeRateW   float64   `json:"maxGridChargeRateW"`
	MaxPVChargeRateW     float64   `json:"maxPVChargeRateW"`
}

// DecisionInput bundles everything the decision engine needs for one tick.
// All series are indexed 0..N-1 where index 0 is the current (possibly
// partial) interval. Production and Consumption are Wh per interval, Prices
// are EUR/kWh.
type DecisionInput struct {
	Production     []float64    `json:"production"`
	Consumption    []float64    `json:"consumption"`
	NetConsumption []float64    `json:"netConsumption"`
	Prices         []float64    `json:"prices"`
	Battery        BatteryState `json:"battery"`
}

// Validate checks the series lengths line up and at least the current
// interval is present.
func (in DecisionInput) Validate() error {
	n := len(in.Prices)
	if n < 1 {
		return fmt.Errorf("decision input needs at least one interval")
	}
	if len(in.Production) != n || len(in.Consumption) != n || len(in.NetConsumption) != n {
		return fmt.Errorf(
			"decision input series lengths differ: production=%d consumption=%d net=%d prices=%d",
			len(in.Production), len(in.Consumption), len(in.NetConsumption), n,
		)
	}
	return nil
}

// DecisionOutput is the result of one engine evaluation. ChargeRateW is
// meaningful only for FORCE_CHARGE, LimitPVChargeRateW only for
// LIMIT_PV_CHARGE.
type DecisionOutput struct {
	Mode                     Mode    `json:"mode"`
	ChargeRateW              float64 `json:"chargeRateW"`
	LimitPVChargeRateW       float64 `json:"limitPVChargeRateW"`
	ReservedEnergyWh         float64 `json:"reservedEnergyWh"`
	RequiredRechargeEnergyWh float64 `json:"requiredRechargeEnergyWh"`
	MinDynamicPriceDiff      float64 `json:"minDynamicPriceDiff"`
}

// DecisionReason categorizes why the engine (or an override) picked a mode.
type DecisionReason string

const (
	ReasonAboveAlwaysAllowLimit DecisionReason = "aboveAlwaysAllowLimit"
	ReasonNoReservationNeeded   DecisionReason = "noReservationNeeded"
	ReasonReservedForPeak       DecisionReason = "reservedForPeak"
	ReasonGridChargeCheaper     DecisionReason = "gridChargeCheaper"
	ReasonDischargeBlocked      DecisionReason = "dischargeBlocked"
	ReasonOverride              DecisionReason = "override"
	ReasonForecastMissing       DecisionReason = "forecastMissing"
	ReasonForecastExpired       DecisionReason = "forecastExpired"
)

// Decision is the persisted/published record of one tick's outcome.
type Decision struct {
	Timestamp time.Time      `json:"timestamp"`
	Reason    DecisionReason `json:"reason"`
	DecisionOutput
	Battery     BatteryState `json:"battery"`
	Override    bool         `json:"override,omitempty"`
	Failed      bool         `json:"failed,omitempty"`
	Description string       `json:"description,omitempty"`
}

// PricePoint is one interval of tariff data as stored in history.
type PricePoint struct {
	Provider  string    `json:"provider"`
	TSStart   time.Time `json:"tsStart"`
	TSEnd     time.Time `json:"tsEnd"`
	EURPerKWH float64   `json:"eurPerKWH"`
}

// EnergyStats aggregates one hour of measured household energy. It feeds the
// history-driven consumption forecast.
type EnergyStats struct {
	TSHourStart      time.Time `json:"tsHourStart"`
	ConsumptionWh    float64   `json:"consumptionWh"`
	ProductionWh     float64   `json:"productionWh"`
	NetConsumptionWh float64   `json:"netConsumptionWh"`
}

// Status is the full controller state published after each tick.
type Status struct {
	Timestamp                time.Time    `json:"timestamp"`
	Battery                  BatteryState `json:"battery"`
	Mode                     Mode         `json:"mode"`
	ModeName                 string       `json:"modeName"`
	ChargeRateW              float64      `json:"chargeRateW"`
	LimitPVChargeRateW       float64      `json:"limitPVChargeRateW"`
	ReservedEnergyWh         float64      `json:"reservedEnergyWh"`
	RequiredRechargeEnergyWh float64      `json:"requiredRechargeEnergyWh"`
	MinDynamicPriceDiff      float64      `json:"minDynamicPriceDiff"`
	DischargeBlocked         bool         `json:"dischargeBlocked"`
	Production               []float64    `json:"production"`
	Consumption              []float64    `json:"consumption"`
	NetConsumption           []float64    `json:"netConsumption"`
	Prices                   []float64    `json:"prices"`
}
