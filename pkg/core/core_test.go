package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/batcontrol/batcontrol/pkg/config"
	"github.com/batcontrol/batcontrol/pkg/inverter"
	"github.com/batcontrol/batcontrol/pkg/storage"
	"github.com/batcontrol/batcontrol/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTariff struct {
	prices map[int]float64
	err    error
	calls  int
}

func (s *stubTariff) Name() string { return "stub" }

func (s *stubTariff) GetPrices(ctx context.Context) (map[int]float64, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.prices, nil
}

type stubSolar struct {
	forecast map[int]float64
}

func (s *stubSolar) Name() string { return "stub" }

func (s *stubSolar) GetForecast(ctx context.Context) (map[int]float64, error) {
	return s.forecast, nil
}

type stubConsumption struct {
	forecast map[int]float64
}

func (s *stubConsumption) Name() string { return "stub" }

func (s *stubConsumption) GetForecast(ctx context.Context, hours int) (map[int]float64, error) {
	return s.forecast, nil
}

func flat(n int, v float64) map[int]float64 {
	m := make(map[int]float64, n)
	for i := 0; i < n; i++ {
		m[i] = v
	}
	return m
}

func testCoreConfig() config.Config {
	return config.Config{
		Timezone:                      "UTC",
		EvaluationIntervalMinutes:     3,
		TargetResolutionMinutes:       60,
		ForecastErrorToleranceSeconds: 600,
		Inverter: config.InverterConfig{
			Type:                   "mock",
			DesignCapacityWh:       10000,
			MinSOCPercent:          5,
			MaxSOCPercent:          95,
			MaxGridChargeRateW:     5000,
			OutageToleranceSeconds: 24 * 60,
			RetryBackoffSeconds:    60,
		},
		BatteryControl: types.DefaultParameters(),
	}
}

func newTestCore(t *testing.T) (*Core, *inverter.Mock, *stubTariff, *time.Time) {
	t.Helper()
	cfg := testCoreConfig()
	mock, err := inverter.FromConfig(cfg.Inverter)
	require.NoError(t, err)
	m := mock.(*inverter.Mock)

	// falling prices with no reservations: engine picks ALLOW_DISCHARGE
	tar := &stubTariff{prices: map[int]float64{0: 0.30, 1: 0.25, 2: 0.20}}
	c := New(cfg, tar, &stubSolar{forecast: flat(3, 0)}, &stubConsumption{forecast: flat(3, 500)}, m, storage.NewMemory())

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, m, tar, &now
}

func TestTickDecidesAndApplies(t *testing.T) {
	ctx := context.Background()
	c, mock, _, _ := newTestCore(t)

	require.NoError(t, c.tick(ctx))

	mode, _ := mock.LastCommand()
	assert.Equal(t, types.ModeAllowDischarge, mode)

	st, ok := c.Status()
	require.True(t, ok)
	assert.Equal(t, types.ModeAllowDischarge, st.Mode)
	assert.Equal(t, 50.0, st.Battery.SOC)
	assert.Len(t, st.Prices, 3)

	history, err := c.db.GetDecisionHistory(ctx, time.Time{}, c.now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.ReasonNoReservationNeeded, history[0].Reason)
	assert.False(t, history[0].Failed)

	prices, err := c.db.GetPriceHistory(ctx, time.Time{}, c.now().Add(4*time.Hour))
	require.NoError(t, err)
	assert.Len(t, prices, 3)
	assert.Equal(t, "stub", prices[0].Provider)
}

func TestTickOverrideConsumedOnce(t *testing.T) {
	ctx := context.Background()
	c, mock, _, _ := newTestCore(t)

	require.NoError(t, c.SetOverride(types.ModeForceCharge, 1500))
	require.NoError(t, c.tick(ctx))

	mode, rate := mock.LastCommand()
	assert.Equal(t, types.ModeForceCharge, mode)
	assert.Equal(t, 1500.0, rate)

	// next tick the engine is back in charge
	require.NoError(t, c.tick(ctx))
	mode, _ = mock.LastCommand()
	assert.Equal(t, types.ModeAllowDischarge, mode)
}

func TestTickOverrideUsesConfiguredChargeRate(t *testing.T) {
	ctx := context.Background()
	c, mock, _, _ := newTestCore(t)

	require.NoError(t, c.SetForceChargeRate(2500))
	require.NoError(t, c.SetOverride(types.ModeForceCharge, 0))
	require.NoError(t, c.tick(ctx))

	mode, rate := mock.LastCommand()
	assert.Equal(t, types.ModeForceCharge, mode)
	assert.Equal(t, 2500.0, rate)
}

func TestTickForecastDegradation(t *testing.T) {
	ctx := context.Background()
	c, mock, tar, now := newTestCore(t)
	t0 := *now

	// a good tick establishes the last mode
	require.NoError(t, c.tick(ctx))
	mode, _ := mock.LastCommand()
	require.Equal(t, types.ModeAllowDischarge, mode)

	// switch the engine outcome so holding is observable
	c.paramsMu.Lock()
	c.params.DischargeBlocked = true
	c.paramsMu.Unlock()
	*now = t0.Add(3 * time.Minute)
	require.NoError(t, c.tick(ctx))
	mode, _ = mock.LastCommand()
	require.Equal(t, types.ModeAvoidDischarge, mode)

	// forecasts fail: within tolerance the mode is held
	tar.err = fmt.Errorf("tariff api down")
	*now = t0.Add(6 * time.Minute)
	require.NoError(t, c.tick(ctx))
	mode, _ = mock.LastCommand()
	assert.Equal(t, types.ModeAvoidDischarge, mode)

	// past the tolerance the battery is allowed to work
	*now = t0.Add(20 * time.Minute)
	require.NoError(t, c.tick(ctx))
	mode, _ = mock.LastCommand()
	assert.Equal(t, types.ModeAllowDischarge, mode)

	history, err := c.db.GetDecisionHistory(ctx, time.Time{}, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, types.ReasonForecastMissing, history[2].Reason)
	assert.Equal(t, types.ReasonForecastExpired, history[3].Reason)
}

func TestTickRecordsFailedApply(t *testing.T) {
	ctx := context.Background()
	c, mock, _, _ := newTestCore(t)

	mock.FailWrites(true)
	require.NoError(t, c.tick(ctx))

	history, err := c.db.GetDecisionHistory(ctx, time.Time{}, c.now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Failed)
}

func TestTickAppliesProductionOffset(t *testing.T) {
	ctx := context.Background()
	cfg := testCoreConfig()
	cfg.BatteryControl.ProductionOffset = 0.8

	mock, err := inverter.FromConfig(cfg.Inverter)
	require.NoError(t, err)
	tar := &stubTariff{prices: map[int]float64{0: 0.30, 1: 0.25, 2: 0.20}}
	c := New(cfg, tar, &stubSolar{forecast: flat(3, 1000)}, &stubConsumption{forecast: flat(3, 600)}, mock, storage.NewMemory())
	c.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, c.tick(ctx))

	st, ok := c.Status()
	require.True(t, ok)
	require.Len(t, st.Production, 3)
	assert.InDelta(t, 800, st.Production[0], 1e-9)
	for i := range st.NetConsumption {
		assert.InDelta(t, st.Consumption[i]-st.Production[i], st.NetConsumption[i], 1e-9)
	}

	stats, err := c.db.GetEnergyHistory(ctx, time.Time{}, c.now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.InDelta(t, 800, stats[0].ProductionWh, 1e-9)
	assert.InDelta(t, stats[0].ConsumptionWh-stats[0].ProductionWh, stats[0].NetConsumptionWh, 1e-9)
}

func TestPrefetchForecasts(t *testing.T) {
	ctx := context.Background()
	c, _, tar, _ := newTestCore(t)

	c.prefetchForecasts(ctx)
	assert.Equal(t, 1, tar.calls)

	// provider failures are tolerated; the tick re-checks on its own
	tar.err = fmt.Errorf("tariff api down")
	c.prefetchForecasts(ctx)
	assert.Equal(t, 2, tar.calls)
}

func TestUpdateParametersRejectsInvalid(t *testing.T) {
	c, _, _, _ := newTestCore(t)

	_, err := c.UpdateParameters(func(p *types.Parameters) {
		p.AlwaysAllowDischargeLimit = 1.5
	})
	require.Error(t, err)
	assert.Equal(t, 0.9, c.Parameters().AlwaysAllowDischargeLimit)

	updated, err := c.UpdateParameters(func(p *types.Parameters) {
		p.MinPriceDifference = 0.08
	})
	require.NoError(t, err)
	assert.Equal(t, 0.08, updated.MinPriceDifference)
	assert.Equal(t, 0.08, c.Parameters().MinPriceDifference)
}

func TestUpdateParametersRepairsLimits(t *testing.T) {
	c, _, _, _ := newTestCore(t)

	updated, err := c.UpdateParameters(func(p *types.Parameters) {
		p.AlwaysAllowDischargeLimit = 0.7
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.69, updated.MaxChargingFromGridLimit, 1e-9)
}
