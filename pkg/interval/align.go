package interval

import "time"

// SeriesKind selects the resolution-conversion rule for a series.
type SeriesKind int

const (
	// KindPrice replicates across quarters going down in resolution and
	// averages going up.
	KindPrice SeriesKind = iota
	// KindEnergyEqual splits energy evenly into quarters and sums going up.
	KindEnergyEqual
	// KindEnergyPower interpolates power linearly into quarters and sums
	// going up. Used for solar.
	KindEnergyPower
)

// Align converts an hour-anchored native-resolution sequence to the target
// resolution and shifts it so index 0 is the interval containing now. The
// input must be anchored at the top of the hour containing now.
func Align(native []float64, nativeRes, targetRes int, kind SeriesKind, now time.Time) map[int]float64 {
	seq := native
	switch {
	case nativeRes == Hourly && targetRes == Quarter:
		switch kind {
		case KindPrice:
			seq = ReplicateHourly(native)
		case KindEnergyEqual:
			seq = UpsampleEqual(native)
		case KindEnergyPower:
			seq = UpsamplePowerLinear(native)
		}
	case nativeRes == Quarter && targetRes == Hourly:
		if kind == KindPrice {
			seq = DownsampleHourlyAvg(native)
		} else {
			seq = DownsampleHourlySum(native)
		}
	}
	seq = ShiftToCurrentInterval(seq, now, targetRes)
	out := make(map[int]float64, len(seq))
	for i, v := range seq {
		out[i] = v
	}
	return out
}
