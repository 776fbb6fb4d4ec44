package motion

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
)

// minSettleLookback is the shortest settle window that rides out scheduler jitter.
const minSettleLookback = 150 * time.Millisecond

// Tuning holds the per-axis constants of the control policy. Distances are in the axis units
// (inches for linear, degrees for angular) and rates in units per second.
type Tuning struct {
	// MaxDrive is applied while the error is beyond MinDriveDistance.
	MaxDrive float64 `json:"max_drive"`
	// MinDrive is applied inside MinDriveDistance. It has to overcome static friction or the
	// axis stalls short of the dead zone.
	MinDrive         float64 `json:"min_drive"`
	MinDriveDistance float64 `json:"min_drive_distance"`
	DeadZone         float64 `json:"dead_zone"`

	DitherAmpl float64 `json:"dither_amplitude"`
	DitherFreq float64 `json:"dither_frequency_hz"`

	SettleLookback time.Duration `json:"settle_lookback"`
	StoppedRate    float64       `json:"stopped_rate"`
	// HangupLookback is how long the rate must stay below StoppedRate before a linear move is
	// declared stalled. Zero disables stall detection, which is required for angular moves.
	HangupLookback time.Duration `json:"hangup_lookback"`

	SlewRate float64 `json:"slew_rate_per_sec"`

	// BreakawayDrive is the measured drive needed to start the axis from rest, if known.
	BreakawayDrive float64 `json:"breakaway_drive,omitempty"`
	// Timeout bounds a whole move when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// DefaultLinearTuning returns the drive-straight constants.
func DefaultLinearTuning() Tuning {
	return Tuning{
		MaxDrive:         1.0,
		MinDrive:         0.35,
		MinDriveDistance: 26.0,
		DeadZone:         0.5,
		DitherAmpl:       0.07,
		DitherFreq:       8.0,
		SettleLookback:   150 * time.Millisecond,
		StoppedRate:      0.2,
		HangupLookback:   800 * time.Millisecond,
		SlewRate:         3.0,
	}
}

// DefaultAngularTuning returns the turn-in-place constants.
func DefaultAngularTuning() Tuning {
	return Tuning{
		MaxDrive:         0.9,
		MinDrive:         0.4,
		MinDriveDistance: 40.0,
		DeadZone:         1.0,
		DitherAmpl:       0.12,
		DitherFreq:       4.0,
		SettleLookback:   150 * time.Millisecond,
		StoppedRate:      2.0,
		SlewRate:         3.0,
	}
}

// DefaultTuning returns the defaults for kind.
func DefaultTuning(kind Kind) Tuning {
	if kind == Angular {
		return DefaultAngularTuning()
	}
	return DefaultLinearTuning()
}

// NewConfigValidationError returns an error specifying the path to the offending config.
func NewConfigValidationError(path string, err error) error {
	return errors.Wrapf(err, "error validating %q", path)
}

// Validate checks the tuning for a kind of move. Hazards that are legal but likely to misbehave
// are returned as warnings instead of errors; nothing is clamped.
func (t Tuning) Validate(path string, kind Kind) ([]string, error) {
	fail := func(format string, args ...interface{}) ([]string, error) {
		return nil, NewConfigValidationError(path, errors.Errorf(format, args...))
	}

	for name, v := range map[string]float64{
		"max_drive":           t.MaxDrive,
		"min_drive":           t.MinDrive,
		"min_drive_distance":  t.MinDriveDistance,
		"dead_zone":           t.DeadZone,
		"dither_amplitude":    t.DitherAmpl,
		"dither_frequency_hz": t.DitherFreq,
		"stopped_rate":        t.StoppedRate,
		"slew_rate_per_sec":   t.SlewRate,
		"breakaway_drive":     t.BreakawayDrive,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fail("%s must be a finite number", name)
		}
	}

	switch {
	case t.MaxDrive <= 0 || t.MaxDrive > 1:
		return fail("max_drive must be in (0, 1], got %v", t.MaxDrive)
	case t.MinDrive <= 0 || t.MinDrive > t.MaxDrive:
		return fail("min_drive must be in (0, max_drive], got %v", t.MinDrive)
	case t.MinDriveDistance < 0:
		return fail("min_drive_distance must not be negative, got %v", t.MinDriveDistance)
	case t.DeadZone < 0:
		return fail("dead_zone must not be negative, got %v", t.DeadZone)
	case t.DitherAmpl < 0 || t.DitherFreq < 0:
		return fail("dither amplitude and frequency must not be negative")
	case t.SettleLookback <= 0:
		return fail("settle_lookback must be positive, got %v", t.SettleLookback)
	case t.StoppedRate <= 0:
		return fail("stopped_rate must be positive, got %v", t.StoppedRate)
	case t.SlewRate <= 0:
		return fail("slew_rate_per_sec must be positive, got %v", t.SlewRate)
	case t.Timeout < 0:
		return fail("timeout must not be negative, got %v", t.Timeout)
	}

	switch kind {
	case Linear:
		if t.HangupLookback <= t.SettleLookback {
			return fail("hangup_lookback (%v) must be longer than settle_lookback (%v)", t.HangupLookback, t.SettleLookback)
		}
	case Angular:
		if t.HangupLookback != 0 {
			return fail("angular moves have no hangup detector, hangup_lookback must be 0")
		}
	default:
		return fail("unknown move kind %v", kind)
	}

	var warnings []string
	if t.BreakawayDrive > 0 && t.MinDrive < t.BreakawayDrive {
		warnings = append(warnings, fmt.Sprintf(
			"%s: min_drive %v is below the breakaway drive %v; the axis can stall inside min_drive_distance",
			path, t.MinDrive, t.BreakawayDrive))
	}
	if t.SettleLookback < minSettleLookback {
		warnings = append(warnings, fmt.Sprintf(
			"%s: settle_lookback %v is under %v and may settle on scheduler jitter", path, t.SettleLookback, minSettleLookback))
	}
	if t.DitherAmpl >= t.MinDrive {
		warnings = append(warnings, fmt.Sprintf(
			"%s: dither_amplitude %v reaches min_drive %v and can reverse the command", path, t.DitherAmpl, t.MinDrive))
	}
	if kind == Angular && t.Timeout == 0 {
		warnings = append(warnings, fmt.Sprintf("%s: angular moves have no stall detection and no timeout", path))
	}
	return warnings, nil
}
