// Package interval converts forecast series between the two supported grid
// resolutions (60 and 15 minutes) and aligns hour-anchored sequences to the
// interval containing "now". Index 0 of every aligned series is the current
// interval.
package interval

import "time"

// Supported grid resolutions.
const (
	Hourly  = 60
	Quarter = 15
)

// QuartersPerHour is how many 15-minute intervals make up one hour.
const QuartersPerHour = 4

// UpsamplePowerLinear converts an hour-aligned energy series (Wh per hour)
// into quarter-hour energies by treating each hourly value as the average
// power of that hour and linearly interpolating power across quarter
// boundaries toward the next hour. The last hour extrapolates flat. This
// keeps solar ramps smooth; an equal split produces step artefacts that
// mislead the shifting rules.
func UpsamplePowerLinear(hourly []float64) []float64 {
	if len(hourly) == 0 {
		return nil
	}
	out := make([]float64, 0, len(hourly)*QuartersPerHour)
	for h, p := range hourly {
		next := p
		if h+1 < len(hourly) {
			next = hourly[h+1]
		}
		for q := 0; q < QuartersPerHour; q++ {
			power := p + (next-p)*float64(q)/float64(QuartersPerHour)
			out = append(out, power*0.25)
		}
	}
	return out
}

// UpsampleEqual splits each hourly value evenly across its four quarters.
// Used for consumption and any series without meaningful intra-hour shape.
func UpsampleEqual(hourly []float64) []float64 {
	if len(hourly) == 0 {
		return nil
	}
	out := make([]float64, 0, len(hourly)*QuartersPerHour)
	for _, v := range hourly {
		q := v / QuartersPerHour
		out = append(out, q, q, q, q)
	}
	return out
}

// ReplicateHourly copies each hourly value into its four quarters. Used for
// prices, which are per-kWh and therefore identical across the hour.
func ReplicateHourly(hourly []float64) []float64 {
	if len(hourly) == 0 {
		return nil
	}
	out := make([]float64, 0, len(hourly)*QuartersPerHour)
	for _, v := range hourly {
		out = append(out, v, v, v, v)
	}
	return out
}

// DownsampleHourlySum integrates quarter-hour energies into hourly energies.
// A trailing partial hour is summed from the quarters available.
func DownsampleHourlySum(quarters []float64) []float64 {
	if len(quarters) == 0 {
		return nil
	}
	out := make([]float64, 0, (len(quarters)+QuartersPerHour-1)/QuartersPerHour)
	for i := 0; i < len(quarters); i += QuartersPerHour {
		var sum float64
		for j := i; j < i+QuartersPerHour && j < len(quarters); j++ {
			sum += quarters[j]
		}
		out = append(out, sum)
	}
	return out
}

// DownsampleHourlyAvg averages quarter-hour prices into hourly prices. A
// trailing partial hour averages the quarters available.
func DownsampleHourlyAvg(quarters []float64) []float64 {
	if len(quarters) == 0 {
		return nil
	}
	out := make([]float64, 0, (len(quarters)+QuartersPerHour-1)/QuartersPerHour)
	for i := 0; i < len(quarters); i += QuartersPerHour {
		var sum float64
		n := 0
		for j := i; j < i+QuartersPerHour && j < len(quarters); j++ {
			sum += quarters[j]
			n++
		}
		out = append(out, sum/float64(n))
	}
	return out
}

// CurrentIntervalInHour returns the index, within the current hour, of the
// interval containing now for the given resolution in minutes.
func CurrentIntervalInHour(now time.Time, resolutionMinutes int) int {
	return now.Minute() / resolutionMinutes
}

// ShiftToCurrentInterval re-anchors an hour-aligned sequence so index 0 is
// the interval containing now. Intervals of the current hour that already
// elapsed are dropped. Shifting again at the same instant is a no-op beyond
// the first call only when now sits at the start of an interval; callers
// shift exactly once per fetch.
func ShiftToCurrentInterval(seq []float64, now time.Time, resolutionMinutes int) []float64 {
	drop := CurrentIntervalInHour(now, resolutionMinutes)
	if drop <= 0 {
		return seq
	}
	if drop >= len(seq) {
		return nil
	}
	return seq[drop:]
}
