// Package engine implements the per-tick decision heuristic: given aligned
// forecasts and the battery state, pick the operating mode and, for grid
// charging, the rate.
package engine

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/batcontrol/batcontrol/pkg/battery"
	"github.com/batcontrol/batcontrol/pkg/log"
	"github.com/batcontrol/batcontrol/pkg/types"
)

const (
	// MinChargeRateW is the lowest grid charge rate worth commanding;
	// below this inverters run at poor efficiency.
	MinChargeRateW = 500
	// minChargeEnergyWh is the smallest recharge worth starting at all.
	minChargeEnergyWh = 100
)

// Decide evaluates one tick. All input series are indexed with 0 = the
// current interval; resolutionMinutes is the grid the series are on. The
// returned reason explains the mode for logs and history.
func Decide(ctx context.Context, in types.DecisionInput, params types.Parameters, now time.Time, resolutionMinutes int) (types.DecisionOutput, types.DecisionReason, error) {
	if err := in.Validate(); err != nil {
		return types.DecisionOutput{}, "", err
	}
	params.Repair()

	n := len(in.Prices)
	prices := make([]float64, n)
	for i, p := range in.Prices {
		prices[i] = roundPrice(p, params.RoundPriceDigits)
	}

	// only the remaining part of the current interval is actionable
	net := make([]float64, n)
	copy(net, in.NetConsumption)
	net[0] *= remainingIntervalFraction(now, resolutionMinutes)

	consumption := make([]float64, n)
	production := make([]float64, n)
	for h, v := range net {
		consumption[h] = math.Max(v, 0)
		production[h] = math.Max(-v, 0)
	}

	minDyn := roundPrice(
		math.Max(params.MinPriceDifference, params.MinPriceDifferenceRel*math.Abs(prices[0])),
		params.RoundPriceDigits,
	)

	out := types.DecisionOutput{MinDynamicPriceDiff: minDyn}

	// discharge permission
	if battery.AboveAlwaysAllowLimit(in.Battery, params.AlwaysAllowDischargeLimit) {
		out.Mode = types.ModeAllowDischarge
		return out, types.ReasonAboveAlwaysAllowLimit, nil
	}

	reserved := reservedEnergy(prices, consumption, production, minDyn)
	out.ReservedEnergyWh = reserved

	allowedByReservation := in.Battery.StoredUsableEnergyWh > reserved
	if allowedByReservation && !params.DischargeBlocked {
		out.Mode = types.ModeAllowDischarge
		return out, types.ReasonNoReservationNeeded, nil
	}

	// charge from grid
	required := requiredEnergy(prices, consumption, production, minDyn, params)

	recharge := required - in.Battery.StoredUsableEnergyWh
	if recharge < 0 {
		recharge = 0
	}
	// clamp to what actually fits; recomputed into a fresh variable so the
	// unclamped need stays available for logging
	clampedRecharge := recharge
	if clampedRecharge > in.Battery.FreeCapacityWh {
		clampedRecharge = in.Battery.FreeCapacityWh
	}
	out.RequiredRechargeEnergyWh = clampedRecharge

	if battery.BelowGridChargeLimit(in.Battery, params.MaxChargingFromGridLimit) && clampedRecharge > minChargeEnergyWh {
		rate := (clampedRecharge / remainingHourFraction(now)) * params.ChargeRateMultiplier
		if rate < MinChargeRateW {
			rate = MinChargeRateW
		}
		if in.Battery.MaxGridChargeRateW > 0 && rate > in.Battery.MaxGridChargeRateW {
			rate = in.Battery.MaxGridChargeRateW
		}
		out.Mode = types.ModeForceCharge
		out.ChargeRateW = math.Round(rate)
		log.Ctx(ctx).DebugContext(
			ctx,
			"grid charge decided",
			slog.Float64("requiredWh", required),
			slog.Float64("rechargeWh", clampedRecharge),
			slog.Float64("rateW", out.ChargeRateW),
		)
		return out, types.ReasonGridChargeCheaper, nil
	}

	out.Mode = types.ModeAvoidDischarge
	if allowedByReservation && params.DischargeBlocked {
		return out, types.ReasonDischargeBlocked, nil
	}
	return out, types.ReasonReservedForPeak, nil
}

// reservedEnergy computes how much stored energy must be held back for
// upcoming hours that are more expensive than now.
//
// The window ends at the first hour that is cheaper than now by at least
// minDyn: from there the battery can be refilled cheaply, so nothing beyond
// it needs reserving. Within the window, hours pricier than now are walked
// latest-first and each covers its demand from production of earlier hours
// before claiming storage; production used once is gone.
func reservedEnergy(prices, consumption, production []float64, minDyn float64) float64 {
	end := len(prices)
	for h := 1; h < len(prices); h++ {
		if prices[h] <= prices[0]-minDyn {
			end = h
			break
		}
	}

	prod := make([]float64, end)
	copy(prod, production[:end])

	var reserved float64
	for h := end - 1; h >= 1; h-- {
		if prices[h] <= prices[0] {
			continue
		}
		need := consumption[h]
		for hp := h - 1; hp >= 0 && need > 0; hp-- {
			used := math.Min(need, prod[hp])
			need -= used
			prod[hp] -= used
		}
		reserved += need
	}
	return reserved
}

// requiredEnergy computes the demand of upcoming high-price hours that
// neither production nor storage will cover, i.e. what a grid charge now
// would have to provide.
//
// The window ends at the first hour no more expensive than now (optionally
// softened); high hours are walked nearest-first and offset against
// production between now and then.
func requiredEnergy(prices, consumption, production []float64, minDyn float64, params types.Parameters) float64 {
	threshold := prices[0]
	if params.SoftenPriceDifferenceOnCharging {
		threshold = prices[0] - params.MinPriceDifference/params.SoftenPriceDifferenceFactor
	}
	end := len(prices)
	for h := 1; h < len(prices); h++ {
		if prices[h] <= threshold {
			end = h
			break
		}
	}

	prod := make([]float64, end)
	copy(prod, production[:end])

	var required float64
	for h := 1; h < end; h++ {
		if prices[h] <= prices[0]+minDyn {
			continue
		}
		need := consumption[h]
		for hp := 1; hp < h && need > 0; hp++ {
			used := math.Min(need, prod[hp])
			need -= used
			prod[hp] -= used
		}
		required += need
	}
	return required
}

// remainingIntervalFraction is the unelapsed share of the interval
// containing now.
func remainingIntervalFraction(now time.Time, resolutionMinutes int) float64 {
	elapsed := float64((now.Minute()%resolutionMinutes)*60 + now.Second())
	return 1 - elapsed/float64(resolutionMinutes*60)
}

// remainingHourFraction is the unelapsed share of the hour containing now.
func remainingHourFraction(now time.Time) float64 {
	elapsed := float64(now.Minute()*60 + now.Second())
	return 1 - elapsed/3600
}

func roundPrice(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}
