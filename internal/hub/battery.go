package hub

import "math"

const (
	voltsEmpty = 3.30
	voltsFull  = 4.20
)

// BatteryPercent normalizes a raw battery reading. Values in [0,100] are
// already a percentage. Values in [2.5,5.5] are volts, mapped linearly from
// [3.30,4.20] to [0,100] and clamped. Anything else is unavailable.
func BatteryPercent(raw float64) (int, bool) {
	if math.IsNaN(raw) {
		return 0, false
	}
	// 2.5..5.5 overlaps the percent range; the hub reports whole percents,
	// so only non-integral readings in that window are read as volts.
	if raw >= 2.5 && raw <= 5.5 && raw != math.Trunc(raw) {
		return voltsToPercent(raw), true
	}
	if raw >= 0 && raw <= 100 {
		return int(math.Round(raw)), true
	}
	return 0, false
}

func voltsToPercent(v float64) int {
	v = math.Max(voltsEmpty, math.Min(v, voltsFull))
	return int(math.Round((v - voltsEmpty) / (voltsFull - voltsEmpty) * 100))
}

// LowBattery reports whether raw is at or below threshold percent.
// ok is false when the reading cannot be normalized.
func LowBattery(raw float64, threshold int) (low bool, ok bool) {
	pct, ok := BatteryPercent(raw)
	if !ok {
		return false, false
	}
	return pct <= threshold, true
}
