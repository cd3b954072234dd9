// Package core runs the control loop: each tick it assembles forecasts,
// reads the battery, asks the engine for a mode, programs the inverter and
// publishes the result.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/batcontrol/batcontrol/pkg/config"
	"github.com/batcontrol/batcontrol/pkg/consumption"
	"github.com/batcontrol/batcontrol/pkg/engine"
	"github.com/batcontrol/batcontrol/pkg/inverter"
	"github.com/batcontrol/batcontrol/pkg/log"
	"github.com/batcontrol/batcontrol/pkg/solar"
	"github.com/batcontrol/batcontrol/pkg/storage"
	"github.com/batcontrol/batcontrol/pkg/tariff"
	"github.com/batcontrol/batcontrol/pkg/types"
)

// Publisher receives the controller state after every tick. The HTTP live
// hub and the MQTT publisher implement it.
type Publisher interface {
	PublishStatus(ctx context.Context, st types.Status)
	PublishDecision(ctx context.Context, d types.Decision)
}

// Override is a one-shot external mode request consumed by the next tick.
type Override struct {
	Mode  types.Mode
	RateW float64
}

// Core owns the tick loop and all mutable controller state.
type Core struct {
	cfg config.Config
	loc *time.Location

	tariff      tariff.Provider
	solar       solar.Provider
	consumption consumption.Provider
	inverter    inverter.Driver
	db          storage.Database

	paramsMu sync.RWMutex
	params   types.Parameters

	overrideMu       sync.Mutex
	override         *Override
	forceChargeRateW float64

	statusMu   sync.RWMutex
	lastStatus *types.Status

	// forecast degradation tracking
	forecastFailedSince time.Time
	lastMode            types.Mode
	modeKnown           bool

	publishers []Publisher
	now        func() time.Time
}

// New assembles a Core from already-constructed providers.
func New(cfg config.Config, t tariff.Provider, s solar.Provider, c consumption.Provider, inv inverter.Driver, db storage.Database) *Core {
	params := cfg.BatteryControl
	params.Repair()
	return &Core{
		cfg:         cfg,
		loc:         cfg.Location(),
		tariff:      t,
		solar:       s,
		consumption: c,
		inverter:    inv,
		db:          db,
		params:      params,
		now:         time.Now,
	}
}

// AddPublisher registers a post-tick publisher. Not safe after Run started.
func (c *Core) AddPublisher(p Publisher) {
	c.publishers = append(c.publishers, p)
}

// Parameters returns a copy of the current engine parameters.
func (c *Core) Parameters() types.Parameters {
	c.paramsMu.RLock()
	defer c.paramsMu.RUnlock()
	return c.params
}

// UpdateParameters applies mutate to a copy of the parameters, validates the
// result and installs it. On validation failure the previous parameters stay
// in effect.
func (c *Core) UpdateParameters(mutate func(*types.Parameters)) (types.Parameters, error) {
	c.paramsMu.Lock()
	defer c.paramsMu.Unlock()
	next := c.params
	mutate(&next)
	if err := next.Validate(); err != nil {
		return c.params, err
	}
	next.Repair()
	c.params = next
	return next, nil
}

// SetOverride arms a one-shot mode override for the next tick.
func (c *Core) SetOverride(mode types.Mode, rateW float64) error {
	if rateW < 0 {
		return fmt.Errorf("override rate cannot be negative")
	}
	c.overrideMu.Lock()
	defer c.overrideMu.Unlock()
	c.override = &Override{Mode: mode, RateW: rateW}
	return nil
}

// SetForceChargeRate sets the rate used by subsequent FORCE_CHARGE overrides
// that don't carry their own.
func (c *Core) SetForceChargeRate(rateW float64) error {
	if rateW < 0 {
		return fmt.Errorf("charge rate cannot be negative")
	}
	c.overrideMu.Lock()
	defer c.overrideMu.Unlock()
	c.forceChargeRateW = rateW
	return nil
}

func (c *Core) takeOverride() *Override {
	c.overrideMu.Lock()
	defer c.overrideMu.Unlock()
	o := c.override
	c.override = nil
	if o != nil && o.Mode == types.ModeForceCharge && o.RateW == 0 {
		o.RateW = c.forceChargeRateW
	}
	return o
}

// Status returns the state published after the most recent tick.
func (c *Core) Status() (types.Status, bool) {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	if c.lastStatus == nil {
		return types.Status{}, false
	}
	return *c.lastStatus, true
}

// prefetchLead is how long before an aligned boundary the provider caches
// are refreshed.
const prefetchLead = 30 * time.Second

// Run executes ticks aligned to the evaluation interval until ctx is
// canceled. It returns a non-nil error only for terminal conditions; the
// inverter is restored to its pre-run configuration on the way out.
func (c *Core) Run(ctx context.Context) error {
	ctx = log.Component(ctx, "core")
	interval := time.Duration(c.cfg.EvaluationIntervalMinutes) * time.Minute

	// run one tick immediately so the inverter is in a known state before
	// the first aligned boundary
	if err := c.tickLogged(ctx); err != nil {
		c.shutdown(ctx)
		return err
	}

	for {
		next := c.now().Truncate(interval).Add(interval)
		// warm the provider caches ahead of the boundary so expired
		// entries don't stall the tick on upstream I/O
		var prefetch *time.Timer
		if lead := next.Add(-prefetchLead).Sub(c.now()); lead > 0 {
			prefetch = time.AfterFunc(lead, func() {
				c.prefetchForecasts(ctx)
			})
		}
		timer := time.NewTimer(next.Sub(c.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			if prefetch != nil {
				prefetch.Stop()
			}
			c.shutdown(ctx)
			return nil
		case <-timer.C:
		}
		if prefetch != nil {
			prefetch.Stop()
		}
		if err := c.tickLogged(ctx); err != nil {
			c.shutdown(ctx)
			return err
		}
	}
}

// prefetchForecasts pulls all providers once to refresh their caches. Errors
// are tolerated; the tick itself handles a failing provider.
func (c *Core) prefetchForecasts(ctx context.Context) {
	if _, _, _, err := c.gatherForecasts(ctx); err != nil {
		log.Ctx(ctx).DebugContext(ctx, "forecast prefetch failed", slog.Any("error", err))
	}
}

// tickLogged runs one tick, swallowing everything except terminal outages.
func (c *Core) tickLogged(ctx context.Context) error {
	err := c.tick(ctx)
	if err == nil {
		return nil
	}
	var oerr *inverter.OutageError
	if errors.As(err, &oerr) {
		return err
	}
	log.Ctx(ctx).ErrorContext(ctx, "tick failed", slog.Any("error", err))
	return nil
}

func (c *Core) shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.inverter.Shutdown(shutdownCtx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to shut down inverter", slog.Any("error", err))
	}
}

// tick is one full evaluation. Order matters: forecasts first, then the
// battery read, then the decision, then the inverter write, then publication.
func (c *Core) tick(ctx context.Context) error {
	now := c.now().In(c.loc)
	params := c.Parameters()

	prices, production, consumed, ferr := c.gatherForecasts(ctx)

	state, err := c.inverter.ReadState(ctx)
	if err != nil {
		return fmt.Errorf("failed to read battery state: %w", err)
	}

	var decision types.Decision
	var in types.DecisionInput
	forecastsOK := ferr == nil
	if ferr != nil {
		decision = c.degradedDecision(ctx, now, state, ferr)
	} else {
		c.forecastFailedSince = time.Time{}

		// the offset is applied once here so the published arrays and the
		// persisted stats keep net = consumption - production
		net := make([]float64, len(prices))
		for i := range prices {
			production[i] *= params.ProductionOffset
			net[i] = consumed[i] - production[i]
		}
		in = types.DecisionInput{
			Production:     production,
			Consumption:    consumed,
			NetConsumption: net,
			Prices:         prices,
			Battery:        state,
		}

		if o := c.takeOverride(); o != nil {
			decision = c.overrideDecision(ctx, now, state, params, o)
		} else {
			out, reason, derr := engine.Decide(ctx, in, params, now, c.cfg.TargetResolutionMinutes)
			if derr != nil {
				return fmt.Errorf("decision failed: %w", derr)
			}
			decision = types.Decision{
				Timestamp:      now,
				Reason:         reason,
				DecisionOutput: out,
				Battery:        state,
			}
		}

		c.persistForecast(ctx, now, prices, production, consumed, in.NetConsumption)
	}

	if err := c.apply(ctx, decision); err != nil {
		var oerr *inverter.OutageError
		if errors.As(err, &oerr) {
			return err
		}
		decision.Failed = true
		decision.Description = err.Error()
		log.Ctx(ctx).ErrorContext(ctx, "failed to apply decision", slog.Any("error", err))
	} else {
		c.lastMode = decision.Mode
		c.modeKnown = true
	}

	if err := c.db.InsertDecision(ctx, decision); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist decision", slog.Any("error", err))
	}
	if forecastsOK {
		c.publishStatus(ctx, now, state, params, decision, in)
	}
	for _, p := range c.publishers {
		p.PublishDecision(ctx, decision)
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"tick complete",
		slog.String("mode", decision.Mode.String()),
		slog.String("reason", string(decision.Reason)),
		slog.Float64("soc", state.SOC),
		slog.Float64("chargeRateW", decision.ChargeRateW),
	)
	return nil
}

// degradedDecision applies the forecast failure policy: hold the last mode
// within the tolerance window, then fall back to letting the battery work.
func (c *Core) degradedDecision(ctx context.Context, now time.Time, state types.BatteryState, ferr error) types.Decision {
	if c.forecastFailedSince.IsZero() {
		c.forecastFailedSince = now
	}
	tolerance := time.Duration(c.cfg.ForecastErrorToleranceSeconds) * time.Second
	elapsed := now.Sub(c.forecastFailedSince)

	d := types.Decision{
		Timestamp:   now,
		Battery:     state,
		Description: ferr.Error(),
	}
	if c.modeKnown && elapsed <= tolerance {
		d.Mode = c.lastMode
		d.Reason = types.ReasonForecastMissing
		log.Ctx(ctx).WarnContext(
			ctx,
			"forecasts unavailable, holding mode",
			slog.String("mode", d.Mode.String()),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", ferr),
		)
		return d
	}
	d.Mode = types.ModeAllowDischarge
	d.Reason = types.ReasonForecastExpired
	log.Ctx(ctx).ErrorContext(
		ctx,
		"forecasts unavailable past tolerance, defaulting to discharge",
		slog.Duration("elapsed", elapsed),
		slog.Any("error", ferr),
	)
	return d
}

func (c *Core) overrideDecision(ctx context.Context, now time.Time, state types.BatteryState, params types.Parameters, o *Override) types.Decision {
	d := types.Decision{
		Timestamp: now,
		Reason:    types.ReasonOverride,
		Battery:   state,
		Override:  true,
	}
	d.Mode = o.Mode
	switch o.Mode {
	case types.ModeForceCharge:
		d.ChargeRateW = o.RateW
		if d.ChargeRateW <= 0 {
			d.ChargeRateW = engine.MinChargeRateW
		}
		if state.MaxGridChargeRateW > 0 && d.ChargeRateW > state.MaxGridChargeRateW {
			d.ChargeRateW = state.MaxGridChargeRateW
		}
	case types.ModeLimitPVCharge:
		d.LimitPVChargeRateW = o.RateW
		if d.LimitPVChargeRateW <= 0 {
			d.LimitPVChargeRateW = params.LimitPVChargeRateW
		}
		if d.LimitPVChargeRateW <= 0 {
			d.LimitPVChargeRateW = state.MaxPVChargeRateW
		}
	}
	log.Ctx(ctx).InfoContext(ctx, "applying override", slog.String("mode", o.Mode.String()))
	return d
}

// apply programs the inverter with the decided mode.
func (c *Core) apply(ctx context.Context, d types.Decision) error {
	switch d.Mode {
	case types.ModeAllowDischarge:
		return c.inverter.SetModeAllowDischarge(ctx)
	case types.ModeAvoidDischarge:
		return c.inverter.SetModeAvoidDischarge(ctx)
	case types.ModeForceCharge:
		return c.inverter.SetModeForceCharge(ctx, d.ChargeRateW)
	case types.ModeLimitPVCharge:
		return c.inverter.SetModeLimitPVCharge(ctx, d.LimitPVChargeRateW)
	}
	return fmt.Errorf("unknown mode %d", d.Mode)
}

// gatherForecasts pulls all three providers and trims them to the longest
// horizon they all cover. Providers cache internally, so calling them every
// tick is cheap.
func (c *Core) gatherForecasts(ctx context.Context) (prices, production, consumed []float64, err error) {
	priceMap, err := c.tariff.GetPrices(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("tariff forecast: %w", err)
	}
	prodMap, err := c.solar.GetForecast(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("solar forecast: %w", err)
	}
	consMap, err := c.consumption.GetForecast(ctx, consumption.DefaultHorizonHours)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("consumption forecast: %w", err)
	}

	n := contiguousLen(priceMap)
	if m := contiguousLen(prodMap); m < n {
		n = m
	}
	if m := contiguousLen(consMap); m < n {
		n = m
	}
	if n < 1 {
		return nil, nil, nil, fmt.Errorf("forecast horizons do not overlap")
	}

	prices = make([]float64, n)
	production = make([]float64, n)
	consumed = make([]float64, n)
	for i := 0; i < n; i++ {
		prices[i] = priceMap[i]
		production[i] = prodMap[i]
		consumed[i] = consMap[i]
	}
	return prices, production, consumed, nil
}

func contiguousLen(m map[int]float64) int {
	n := 0
	for {
		if _, ok := m[n]; !ok {
			return n
		}
		n++
	}
}

// persistForecast records the tariff curve and the current interval's energy
// estimate; the latter feeds the history-based consumption forecast.
func (c *Core) persistForecast(ctx context.Context, now time.Time, prices, production, consumed, net []float64) {
	res := time.Duration(c.cfg.TargetResolutionMinutes) * time.Minute
	base := now.Truncate(res)
	for i, p := range prices {
		point := types.PricePoint{
			Provider:  c.tariff.Name(),
			TSStart:   base.Add(time.Duration(i) * res),
			TSEnd:     base.Add(time.Duration(i+1) * res),
			EURPerKWH: p,
		}
		if err := c.db.UpsertPrice(ctx, point); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to persist price", slog.Any("error", err))
			return
		}
	}

	stats := types.EnergyStats{
		TSHourStart:      now.Truncate(time.Hour),
		ConsumptionWh:    consumed[0],
		ProductionWh:     production[0],
		NetConsumptionWh: net[0],
	}
	if err := c.db.UpsertEnergyStats(ctx, stats); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist energy stats", slog.Any("error", err))
	}
}

func (c *Core) publishStatus(ctx context.Context, now time.Time, state types.BatteryState, params types.Parameters, d types.Decision, in types.DecisionInput) {
	st := types.Status{
		Timestamp:                now,
		Battery:                  state,
		Mode:                     d.Mode,
		ModeName:                 d.Mode.String(),
		ChargeRateW:              d.ChargeRateW,
		LimitPVChargeRateW:       d.LimitPVChargeRateW,
		ReservedEnergyWh:         d.ReservedEnergyWh,
		RequiredRechargeEnergyWh: d.RequiredRechargeEnergyWh,
		MinDynamicPriceDiff:      d.MinDynamicPriceDiff,
		DischargeBlocked:         params.DischargeBlocked,
		Production:               in.Production,
		Consumption:              in.Consumption,
		NetConsumption:           in.NetConsumption,
		Prices:                   in.Prices,
	}
	c.statusMu.Lock()
	c.lastStatus = &st
	c.statusMu.Unlock()
	for _, p := range c.publishers {
		p.PublishStatus(ctx, st)
	}
}
