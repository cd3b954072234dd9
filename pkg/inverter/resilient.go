package inverter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/batcontrol/batcontrol/pkg/battery"
	"github.com/batcontrol/batcontrol/pkg/config"
	"github.com/batcontrol/batcontrol/pkg/log"
	"github.com/batcontrol/batcontrol/pkg/types"
)

// defaultSafeSOC is assumed when the device is unreachable and no cached
// reading exists yet.
const defaultSafeSOC = 50

// OutageError is returned once the device has been unreachable longer than
// the configured tolerance. It is fatal: the process exits non-zero so the
// supervisor can restart into a clean state.
type OutageError struct {
	Elapsed time.Duration
}

func (e *OutageError) Error() string {
	return fmt.Sprintf("inverter unreachable for %s", e.Elapsed.Round(time.Second))
}

type facadeState int

const (
	// stateUninitialized: no successful write yet; failures re-raise
	// immediately so misconfiguration fails fast at startup.
	stateUninitialized facadeState = iota
	stateHealthy
	stateDegraded
)

// Resilient wraps a raw Driver and absorbs transient outages, e.g. inverter
// firmware updates: reads are served from the last good value, failures only
// escalate once the outage tolerance is exhausted, and repeated attempts are
// spaced by a backoff so a rebooting device isn't hammered.
type Resilient struct {
	driver Driver
	spec   battery.Spec

	outageTolerance time.Duration
	retryBackoff    time.Duration

	mu           sync.Mutex
	state        facadeState
	firstFailure time.Time
	backoffUntil time.Time
	cached       *types.BatteryState

	now func() time.Time
}

// NewResilient wraps driver with the tolerances from cfg.
func NewResilient(driver Driver, cfg config.InverterConfig) *Resilient {
	return &Resilient{
		driver:          driver,
		spec:            specFromConfig(cfg),
		outageTolerance: time.Duration(cfg.OutageToleranceSeconds) * time.Second,
		retryBackoff:    time.Duration(cfg.RetryBackoffSeconds) * time.Second,
		now:             time.Now,
	}
}

// ReadState returns the battery snapshot, falling back to the cached value
// (or a safe default) while the device is unreachable.
func (r *Resilient) ReadState(ctx context.Context) (types.BatteryState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == stateDegraded && r.now().Before(r.backoffUntil) {
		return r.cachedOrDefaultLocked(ctx)
	}

	state, err := r.driver.ReadState(ctx)
	if err == nil {
		r.recoverLocked(ctx)
		r.cached = &state
		return state, nil
	}

	if r.state == stateUninitialized {
		return types.BatteryState{}, fmt.Errorf("inverter read failed before initialization: %w", err)
	}
	if terr := r.failLocked(ctx, err); terr != nil {
		return types.BatteryState{}, terr
	}
	return r.cachedOrDefaultLocked(ctx)
}

func (r *Resilient) cachedOrDefaultLocked(ctx context.Context) (types.BatteryState, error) {
	if r.cached != nil {
		return *r.cached, nil
	}
	log.Ctx(ctx).WarnContext(
		ctx,
		"no cached battery state, assuming safe default soc",
		slog.Float64("soc", defaultSafeSOC),
	)
	return r.spec.StateAt(r.now(), defaultSafeSOC), nil
}

// write runs one mode command through the state machine. The first
// successful write completes initialization.
func (r *Resilient) write(ctx context.Context, name string, fn func(context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == stateDegraded && r.now().Before(r.backoffUntil) {
		// writes have no cache; report the ongoing outage but keep the
		// terminal clock running
		if now := r.now(); now.Sub(r.firstFailure) > r.outageTolerance {
			return &OutageError{Elapsed: now.Sub(r.firstFailure)}
		}
		return fmt.Errorf("inverter in backoff, skipped %s", name)
	}

	err := fn(ctx)
	if err == nil {
		if r.state == stateUninitialized {
			log.Ctx(ctx).InfoContext(ctx, "inverter initialized", slog.String("command", name))
		}
		r.recoverLocked(ctx)
		r.state = stateHealthy
		return nil
	}

	if r.state == stateUninitialized {
		return fmt.Errorf("inverter %s failed before initialization: %w", name, err)
	}
	if terr := r.failLocked(ctx, err); terr != nil {
		return terr
	}
	return fmt.Errorf("inverter %s failed: %w", name, err)
}

// recoverLocked resets the failure tracking after any successful call.
func (r *Resilient) recoverLocked(ctx context.Context) {
	if r.state == stateDegraded {
		log.Ctx(ctx).InfoContext(
			ctx,
			"inverter recovered",
			slog.Duration("outage", r.now().Sub(r.firstFailure)),
		)
		r.state = stateHealthy
	}
	r.firstFailure = time.Time{}
	r.backoffUntil = time.Time{}
}

// failLocked records a failure, enters Degraded/backoff and returns an
// OutageError once the tolerance is exhausted.
func (r *Resilient) failLocked(ctx context.Context, err error) error {
	now := r.now()
	if r.firstFailure.IsZero() {
		r.firstFailure = now
	}
	r.state = stateDegraded
	r.backoffUntil = now.Add(r.retryBackoff)

	elapsed := now.Sub(r.firstFailure)
	if elapsed > r.outageTolerance {
		log.Ctx(ctx).ErrorContext(
			ctx,
			"inverter outage tolerance exhausted",
			slog.Duration("elapsed", elapsed),
			slog.Any("error", err),
		)
		return &OutageError{Elapsed: elapsed}
	}
	log.Ctx(ctx).WarnContext(
		ctx,
		"inverter call failed, degraded",
		slog.Duration("elapsed", elapsed),
		slog.Duration("backoff", r.retryBackoff),
		slog.Any("error", err),
	)
	return nil
}

// SetModeAllowDischarge implements the Driver write contract.
func (r *Resilient) SetModeAllowDischarge(ctx context.Context) error {
	return r.write(ctx, "set_mode_allow_discharge", r.driver.SetModeAllowDischarge)
}

// SetModeAvoidDischarge implements the Driver write contract.
func (r *Resilient) SetModeAvoidDischarge(ctx context.Context) error {
	return r.write(ctx, "set_mode_avoid_discharge", r.driver.SetModeAvoidDischarge)
}

// SetModeForceCharge implements the Driver write contract.
func (r *Resilient) SetModeForceCharge(ctx context.Context, rateW float64) error {
	return r.write(ctx, "set_mode_force_charge", func(ctx context.Context) error {
		return r.driver.SetModeForceCharge(ctx, rateW)
	})
}

// SetModeLimitPVCharge implements the Driver write contract.
func (r *Resilient) SetModeLimitPVCharge(ctx context.Context, rateW float64) error {
	return r.write(ctx, "set_mode_limit_pv_charge", func(ctx context.Context) error {
		return r.driver.SetModeLimitPVCharge(ctx, rateW)
	})
}

// Shutdown restores and closes the underlying device.
func (r *Resilient) Shutdown(ctx context.Context) error {
	return r.driver.Shutdown(ctx)
}
