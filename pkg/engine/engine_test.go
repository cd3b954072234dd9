package engine

import (
	"context"
	"testing"
	"time"

	"github.com/batcontrol/batcontrol/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func batteryAt(soc, storedWh, usableWh, freeWh float64) types.BatteryState {
	return types.BatteryState{
		Timestamp:            time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		SOC:                  soc,
		StoredEnergyWh:       storedWh,
		StoredUsableEnergyWh: usableWh,
		FreeCapacityWh:       freeWh,
		MaxCapacityWh:        10000,
		MaxGridChargeRateW:   5000,
		MaxPVChargeRateW:     8000,
	}
}

func inputFromNet(battery types.BatteryState, prices, net []float64) types.DecisionInput {
	production := make([]float64, len(net))
	consumption := make([]float64, len(net))
	for i, v := range net {
		if v >= 0 {
			consumption[i] = v
		} else {
			production[i] = -v
		}
	}
	return types.DecisionInput{
		Production:     production,
		Consumption:    consumption,
		NetConsumption: net,
		Prices:         prices,
		Battery:        battery,
	}
}

func atMinute(min int) time.Time {
	return time.Date(2026, 8, 24, 10, min, 0, 0, time.UTC)
}

func TestDecideAboveAlwaysAllowLimit(t *testing.T) {
	params := types.DefaultParameters()
	in := inputFromNet(
		batteryAt(95, 9500, 9000, 500),
		[]float64{0.30, 0.25, 0.20},
		[]float64{500, 600, 700},
	)

	out, reason, err := Decide(context.Background(), in, params, atMinute(0), 60)
	require.NoError(t, err)
	assert.Equal(t, types.ModeAllowDischarge, out.Mode)
	assert.Equal(t, types.ReasonAboveAlwaysAllowLimit, reason)

	// the floor wins over an external discharge block
	params.DischargeBlocked = true
	out, reason, err = Decide(context.Background(), in, params, atMinute(0), 60)
	require.NoError(t, err)
	assert.Equal(t, types.ModeAllowDischarge, out.Mode)
	assert.Equal(t, types.ReasonAboveAlwaysAllowLimit, reason)
}

func TestDecideNoReservationNeeded(t *testing.T) {
	// prices fall by more than the band after the current hour, so the
	// reservation window is empty
	in := inputFromNet(
		batteryAt(20, 2000, 1500, 8000),
		[]float64{0.30, 0.25, 0.20},
		[]float64{500, 500, 500},
	)

	out, reason, err := Decide(context.Background(), in, types.DefaultParameters(), atMinute(0), 60)
	require.NoError(t, err)
	assert.Equal(t, types.ModeAllowDischarge, out.Mode)
	assert.Equal(t, types.ReasonNoReservationNeeded, reason)
	assert.Equal(t, 0.0, out.ReservedEnergyWh)
}

func TestDecideReservedForPeak(t *testing.T) {
	params := types.DefaultParameters()
	params.MinPriceDifferenceRel = 0.2

	in := inputFromNet(
		batteryAt(15, 1500, 1000, 8500),
		[]float64{0.20, 0.25, 0.30},
		[]float64{500, 500, 1000},
	)

	out, reason, err := Decide(context.Background(), in, params, atMinute(0), 60)
	require.NoError(t, err)
	// band = max(0.05, 0.2*0.20) = 0.05; hours 1 and 2 are both pricier
	// than now, nothing is produced, so both reserve in full
	assert.Equal(t, 0.05, out.MinDynamicPriceDiff)
	assert.Equal(t, 1500.0, out.ReservedEnergyWh)
	// hour 2 is the only hour above price[0]+band; stored energy covers it
	assert.Equal(t, 0.0, out.RequiredRechargeEnergyWh)
	assert.Equal(t, types.ModeAvoidDischarge, out.Mode)
	assert.Equal(t, types.ReasonReservedForPeak, reason)
}

func TestDecideGridChargeCheaper(t *testing.T) {
	params := types.DefaultParameters()
	params.MinPriceDifferenceRel = 0.2

	in := inputFromNet(
		batteryAt(15, 600, 100, 8500),
		[]float64{0.20, 0.25, 0.30},
		[]float64{500, 500, 1000},
	)

	out, reason, err := Decide(context.Background(), in, params, atMinute(0), 60)
	require.NoError(t, err)
	assert.Equal(t, types.ModeForceCharge, out.Mode)
	assert.Equal(t, types.ReasonGridChargeCheaper, reason)
	// hour 2 needs 1000 Wh, 100 Wh is usable: recharge 900 Wh over the
	// full hour at multiplier 1.1
	assert.Equal(t, 900.0, out.RequiredRechargeEnergyWh)
	assert.Equal(t, 990.0, out.ChargeRateW)
}

func TestDecideDischargeBlocked(t *testing.T) {
	params := types.DefaultParameters()
	params.DischargeBlocked = true

	in := inputFromNet(
		batteryAt(20, 2000, 1500, 8000),
		[]float64{0.30, 0.25, 0.20},
		[]float64{500, 500, 500},
	)

	out, reason, err := Decide(context.Background(), in, params, atMinute(0), 60)
	require.NoError(t, err)
	assert.Equal(t, types.ModeAvoidDischarge, out.Mode)
	assert.Equal(t, types.ReasonDischargeBlocked, reason)
	assert.Equal(t, 0.0, out.ChargeRateW)
}

func TestDecideChargeRateFloor(t *testing.T) {
	params := types.DefaultParameters()

	// small deficit: 150 Wh over a full hour would be 165 W, below the
	// minimum worthwhile rate
	in := inputFromNet(
		batteryAt(10, 500, 0, 9000),
		[]float64{0.20, 0.30},
		[]float64{0, 150},
	)

	out, _, err := Decide(context.Background(), in, params, atMinute(0), 60)
	require.NoError(t, err)
	require.Equal(t, types.ModeForceCharge, out.Mode)
	assert.Equal(t, float64(MinChargeRateW), out.ChargeRateW)
}

func TestDecideChargeRateCap(t *testing.T) {
	params := types.DefaultParameters()

	in := inputFromNet(
		batteryAt(10, 500, 0, 9000),
		[]float64{0.20, 0.30},
		[]float64{0, 8000},
	)

	out, _, err := Decide(context.Background(), in, params, atMinute(0), 60)
	require.NoError(t, err)
	require.Equal(t, types.ModeForceCharge, out.Mode)
	assert.Equal(t, 5000.0, out.ChargeRateW, "rate must be capped at the inverter's grid charge limit")
}

func TestDecideGridChargeGatedBySOC(t *testing.T) {
	params := types.DefaultParameters() // grid limit 0.8

	// same deficit as the grid-charge scenario, but the battery is already
	// at 85%
	in := inputFromNet(
		batteryAt(85, 8500, 100, 1000),
		[]float64{0.20, 0.25, 0.30},
		[]float64{500, 500, 1000},
	)

	out, reason, err := Decide(context.Background(), in, params, atMinute(0), 60)
	require.NoError(t, err)
	assert.Equal(t, types.ModeAvoidDischarge, out.Mode)
	assert.Equal(t, types.ReasonReservedForPeak, reason)
}

func TestDecideMinChargeEnergyThreshold(t *testing.T) {
	params := types.DefaultParameters()

	// 80 Wh deficit is below the 100 Wh minimum, not worth a charge cycle
	in := inputFromNet(
		batteryAt(10, 500, 0, 9000),
		[]float64{0.20, 0.30},
		[]float64{0, 80},
	)

	out, _, err := Decide(context.Background(), in, params, atMinute(0), 60)
	require.NoError(t, err)
	assert.Equal(t, types.ModeAvoidDischarge, out.Mode)
}

func TestDecideIntraIntervalScaling(t *testing.T) {
	params := types.DefaultParameters()

	// hour 0 produces 1000 Wh over the full hour; hour 1 needs 800 Wh
	battery := batteryAt(10, 800, 300, 5000)
	prices := []float64{0.20, 0.30}
	net := []float64{-1000, 800}

	t.Run("full interval covers the peak", func(t *testing.T) {
		in := inputFromNet(battery, prices, net)
		out, reason, err := Decide(context.Background(), in, params, atMinute(0), 60)
		require.NoError(t, err)
		assert.Equal(t, types.ModeAllowDischarge, out.Mode)
		assert.Equal(t, types.ReasonNoReservationNeeded, reason)
		assert.Equal(t, 0.0, out.ReservedEnergyWh)
	})

	t.Run("at minute 45 only a quarter remains", func(t *testing.T) {
		in := inputFromNet(battery, prices, net)
		out, _, err := Decide(context.Background(), in, params, atMinute(45), 60)
		require.NoError(t, err)
		// 250 Wh of remaining production leaves 550 Wh to reserve,
		// more than the 300 Wh usable
		assert.Equal(t, 550.0, out.ReservedEnergyWh)
		assert.Equal(t, types.ModeForceCharge, out.Mode)
		// 500 Wh deficit crammed into the remaining quarter hour
		assert.Equal(t, 2200.0, out.ChargeRateW)
	})
}

func TestDecideProductionConsumedOnce(t *testing.T) {
	params := types.DefaultParameters()

	// two expensive hours share one production hour; 600 Wh covers the
	// later peak fully and the earlier one only partially
	in := inputFromNet(
		batteryAt(20, 2000, 100, 8000),
		[]float64{0.20, 0.30, 0.30},
		[]float64{-600, 500, 400},
	)

	out, _, err := Decide(context.Background(), in, params, atMinute(0), 60)
	require.NoError(t, err)
	// latest-first: hour 2 takes 400 from hour 0's production, hour 1
	// takes the remaining 200 and reserves 300
	assert.Equal(t, 300.0, out.ReservedEnergyWh)
}

func TestDecideWindowTruncation(t *testing.T) {
	params := types.DefaultParameters()

	// the cheap hour at index 2 truncates the window: the expensive hour 3
	// behind it must not reserve anything
	in := inputFromNet(
		batteryAt(20, 2000, 1500, 8000),
		[]float64{0.30, 0.35, 0.20, 0.50},
		[]float64{500, 500, 500, 2000},
	)

	out, _, err := Decide(context.Background(), in, params, atMinute(0), 60)
	require.NoError(t, err)
	assert.Equal(t, 500.0, out.ReservedEnergyWh, "only hour 1 is inside the window")
	assert.Equal(t, types.ModeAllowDischarge, out.Mode)
}

func TestDecidePriceRounding(t *testing.T) {
	params := types.DefaultParameters() // 4 digits

	// 0.30004 rounds to 0.3000: not strictly above the current price, so
	// nothing is reserved
	in := inputFromNet(
		batteryAt(20, 2000, 1500, 8000),
		[]float64{0.30, 0.30004},
		[]float64{500, 500},
	)

	out, _, err := Decide(context.Background(), in, params, atMinute(0), 60)
	require.NoError(t, err)
	assert.Equal(t, 0.0, out.ReservedEnergyWh)
	assert.Equal(t, types.ModeAllowDischarge, out.Mode)
}

func TestDecideSoftenedChargeWindow(t *testing.T) {
	params := types.DefaultParameters()
	in := inputFromNet(
		batteryAt(10, 500, 0, 9000),
		// hour 1 sits just under the current price; hour 2 is expensive
		[]float64{0.20, 0.19, 0.40},
		[]float64{0, 0, 1000},
	)

	// without softening the window truncates at hour 1
	out, _, err := Decide(context.Background(), in, params, atMinute(0), 60)
	require.NoError(t, err)
	assert.Equal(t, types.ModeAvoidDischarge, out.Mode)
	assert.Equal(t, 0.0, out.RequiredRechargeEnergyWh)

	// softened threshold 0.20-0.05/4 = 0.1875 keeps hour 1 in the window
	params.SoftenPriceDifferenceOnCharging = true
	out, _, err = Decide(context.Background(), in, params, atMinute(0), 60)
	require.NoError(t, err)
	assert.Equal(t, types.ModeForceCharge, out.Mode)
	assert.Equal(t, 1000.0, out.RequiredRechargeEnergyWh)
}

func TestDecideRechargeClampedToFreeCapacity(t *testing.T) {
	params := types.DefaultParameters()

	in := inputFromNet(
		batteryAt(70, 7000, 200, 300),
		[]float64{0.20, 0.40},
		[]float64{0, 5000},
	)

	out, _, err := Decide(context.Background(), in, params, atMinute(0), 60)
	require.NoError(t, err)
	require.Equal(t, types.ModeForceCharge, out.Mode)
	assert.Equal(t, 300.0, out.RequiredRechargeEnergyWh)
}

func TestDecideInvalidInput(t *testing.T) {
	params := types.DefaultParameters()

	_, _, err := Decide(context.Background(), types.DecisionInput{}, params, atMinute(0), 60)
	assert.Error(t, err)

	in := inputFromNet(batteryAt(50, 5000, 4500, 4500), []float64{0.2, 0.3}, []float64{100, 100})
	in.Production = in.Production[:1]
	_, _, err = Decide(context.Background(), in, params, atMinute(0), 60)
	assert.Error(t, err)
}

func TestDecideRepairsContradictoryLimits(t *testing.T) {
	params := types.DefaultParameters()
	params.AlwaysAllowDischargeLimit = 0.7
	params.MaxChargingFromGridLimit = 0.8

	// the grid limit is repaired down to 0.69; at 69.5% the battery would
	// still charge under the configured 0.8 but must not under the repaired
	// limit
	in := inputFromNet(
		batteryAt(69.5, 6950, 100, 2550),
		[]float64{0.20, 0.25, 0.30},
		[]float64{500, 500, 1000},
	)

	out, _, err := Decide(context.Background(), in, params, atMinute(0), 60)
	require.NoError(t, err)
	assert.Equal(t, types.ModeAvoidDischarge, out.Mode)
}
