// Package inverter talks to the battery inverter. A raw Driver knows the
// device protocol; the Resilient wrapper adds outage tolerance on top and is
// what the rest of the system consumes.
package inverter

import (
	"context"
	"fmt"

	"github.com/batcontrol/batcontrol/pkg/battery"
	"github.com/batcontrol/batcontrol/pkg/config"
	"github.com/batcontrol/batcontrol/pkg/types"
)

// Driver defines the raw device contract. Implementations do not retry or
// cache; that is the Resilient wrapper's job.
type Driver interface {
	// ReadState returns the current battery snapshot.
	ReadState(ctx context.Context) (types.BatteryState, error)

	// SetModeAllowDischarge lets the battery serve household load.
	SetModeAllowDischarge(ctx context.Context) error

	// SetModeAvoidDischarge holds the battery (PV may still charge it).
	SetModeAvoidDischarge(ctx context.Context) error

	// SetModeForceCharge charges from the grid at rateW watts.
	SetModeForceCharge(ctx context.Context, rateW float64) error

	// SetModeLimitPVCharge caps PV charging at rateW watts.
	SetModeLimitPVCharge(ctx context.Context, rateW float64) error

	// Shutdown restores the device configuration captured before the
	// controller took over and releases the connection.
	Shutdown(ctx context.Context) error
}

// specFromConfig maps the inverter config block onto battery conversions.
func specFromConfig(cfg config.InverterConfig) battery.Spec {
	return battery.Spec{
		DesignCapacityWh:   cfg.DesignCapacityWh,
		MinSOCPercent:      cfg.MinSOCPercent,
		MaxSOCPercent:      cfg.MaxSOCPercent,
		MaxGridChargeRateW: cfg.MaxGridChargeRateW,
		MaxPVChargeRateW:   cfg.MaxPVChargeRateW,
	}
}

// FromConfig builds the configured raw driver.
func FromConfig(cfg config.InverterConfig) (Driver, error) {
	switch cfg.Type {
	case "modbus":
		return NewModbus(cfg)
	case "mock":
		return NewMock(specFromConfig(cfg)), nil
	}
	return nil, fmt.Errorf("unknown inverter type: %s", cfg.Type)
}
