package interval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsamplePowerLinear(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, UpsamplePowerLinear(nil))
	})
	t.Run("ramp", func(t *testing.T) {
		// 1000 Wh this hour ramping to 2000 Wh next hour. Quarter energies
		// interpolate the power at each quarter boundary.
		got := UpsamplePowerLinear([]float64{1000, 2000})
		require.Len(t, got, 8)
		assert.InDelta(t, 250, got[0], 1e-9)
		assert.InDelta(t, 312.5, got[1], 1e-9)
		assert.InDelta(t, 375, got[2], 1e-9)
		assert.InDelta(t, 437.5, got[3], 1e-9)
		// last hour extrapolates flat
		assert.InDelta(t, 500, got[4], 1e-9)
		assert.InDelta(t, 500, got[7], 1e-9)
	})
	t.Run("single hour stays flat", func(t *testing.T) {
		got := UpsamplePowerLinear([]float64{800})
		require.Len(t, got, 4)
		for _, q := range got {
			assert.InDelta(t, 200, q, 1e-9)
		}
	})
}

func TestUpsampleEqual(t *testing.T) {
	got := UpsampleEqual([]float64{400, 100})
	require.Len(t, got, 8)
	assert.Equal(t, []float64{100, 100, 100, 100, 25, 25, 25, 25}, got)
	assert.Nil(t, UpsampleEqual(nil))
}

func TestReplicateHourly(t *testing.T) {
	got := ReplicateHourly([]float64{0.25, 0.30})
	assert.Equal(t, []float64{0.25, 0.25, 0.25, 0.25, 0.30, 0.30, 0.30, 0.30}, got)
	assert.Nil(t, ReplicateHourly(nil))
}

func TestDownsampleRoundTrips(t *testing.T) {
	t.Run("equal split then sum", func(t *testing.T) {
		hourly := []float64{400, 100, 0, 2500}
		assert.InDeltaSlice(t, hourly, DownsampleHourlySum(UpsampleEqual(hourly)), 1e-9)
	})
	t.Run("replicate then avg", func(t *testing.T) {
		prices := []float64{0.25, -0.01, 0.31}
		assert.InDeltaSlice(t, prices, DownsampleHourlyAvg(ReplicateHourly(prices)), 1e-9)
	})
	t.Run("partial trailing hour", func(t *testing.T) {
		sum := DownsampleHourlySum([]float64{100, 100, 100, 100, 50, 50})
		require.Len(t, sum, 2)
		assert.InDelta(t, 400, sum[0], 1e-9)
		assert.InDelta(t, 100, sum[1], 1e-9)

		avg := DownsampleHourlyAvg([]float64{0.2, 0.2, 0.2, 0.2, 0.4, 0.6})
		require.Len(t, avg, 2)
		assert.InDelta(t, 0.2, avg[0], 1e-9)
		assert.InDelta(t, 0.5, avg[1], 1e-9)
	})
	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, DownsampleHourlySum(nil))
		assert.Nil(t, DownsampleHourlyAvg(nil))
	})
}

func TestShiftToCurrentInterval(t *testing.T) {
	seq := []float64{1, 2, 3, 4, 5, 6, 7, 8}

	t.Run("quarter resolution mid hour", func(t *testing.T) {
		// At 10:20 with 15-minute resolution, index 0 must become the
		// 10:15-10:30 interval.
		now := time.Date(2026, 8, 24, 10, 20, 0, 0, time.UTC)
		got := ShiftToCurrentInterval(seq, now, Quarter)
		require.Len(t, got, 7)
		assert.Equal(t, 2.0, got[0])
	})
	t.Run("hourly resolution never drops", func(t *testing.T) {
		now := time.Date(2026, 8, 24, 10, 59, 0, 0, time.UTC)
		assert.Equal(t, seq, ShiftToCurrentInterval(seq, now, Hourly))
	})
	t.Run("top of hour is a no-op", func(t *testing.T) {
		now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
		assert.Equal(t, seq, ShiftToCurrentInterval(seq, now, Quarter))
	})
	t.Run("drop exceeding length", func(t *testing.T) {
		now := time.Date(2026, 8, 24, 10, 50, 0, 0, time.UTC)
		assert.Nil(t, ShiftToCurrentInterval([]float64{1, 2}, now, Quarter))
	})
}

func TestCurrentIntervalInHour(t *testing.T) {
	assert.Equal(t, 1, CurrentIntervalInHour(time.Date(2026, 8, 24, 10, 20, 0, 0, time.UTC), Quarter))
	assert.Equal(t, 3, CurrentIntervalInHour(time.Date(2026, 8, 24, 10, 45, 0, 0, time.UTC), Quarter))
	assert.Equal(t, 0, CurrentIntervalInHour(time.Date(2026, 8, 24, 10, 45, 0, 0, time.UTC), Hourly))
}

func TestAlign(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 20, 0, 0, time.UTC)

	t.Run("prices hourly to quarter", func(t *testing.T) {
		got := Align([]float64{0.25, 0.30}, Hourly, Quarter, KindPrice, now)
		// one quarter of the current hour already elapsed
		require.Len(t, got, 7)
		assert.Equal(t, 0.25, got[0])
		assert.Equal(t, 0.30, got[4])
	})
	t.Run("energy quarter to hourly", func(t *testing.T) {
		got := Align([]float64{100, 100, 100, 100, 50, 50, 50, 50}, Quarter, Hourly, KindEnergyEqual, now)
		require.Len(t, got, 2)
		assert.InDelta(t, 400, got[0], 1e-9)
		assert.InDelta(t, 200, got[1], 1e-9)
	})
	t.Run("same resolution passes through", func(t *testing.T) {
		got := Align([]float64{1, 2, 3}, Hourly, Hourly, KindEnergyEqual, now)
		assert.Equal(t, map[int]float64{0: 1, 1: 2, 2: 3}, got)
	})
}
