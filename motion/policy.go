package motion

import (
	"math"
	"time"
)

// driveCommand picks the bang-bang command for an error: MaxDrive far from the target,
// MinDrive within MinDriveDistance, signed like the error.
func driveCommand(e float64, t Tuning) float64 {
	if e == 0 {
		return 0
	}
	magnitude := t.MaxDrive
	if math.Abs(e) <= t.MinDriveDistance {
		magnitude = t.MinDrive
	}
	return math.Copysign(magnitude, e)
}

// shapeCommand applies the dead zone and dither to a slew limited command and clamps the
// result to the actuator range.
func shapeCommand(x, e float64, now time.Time, t Tuning) float64 {
	if math.Abs(e) <= t.DeadZone {
		return 0
	}
	x += t.DitherAmpl * dither(now, t.DitherFreq)
	return math.Max(-1, math.Min(1, x))
}

// dither is a unit sine at freq Hz over wall clock seconds.
func dither(now time.Time, freq float64) float64 {
	seconds := float64(now.UnixMilli()) / 1000.0
	return math.Sin(2 * math.Pi * freq * seconds)
}
