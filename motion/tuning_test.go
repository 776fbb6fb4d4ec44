package motion

import (
	"math"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestDefaultTuningValid(t *testing.T) {
	warnings, err := DefaultLinearTuning().Validate("linear", Linear)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, warnings, test.ShouldBeEmpty)

	warnings, err = DefaultAngularTuning().Validate("angular", Angular)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, warnings, test.ShouldHaveLength, 1)
	test.That(t, warnings[0], test.ShouldContainSubstring, "no timeout")

	angular := DefaultAngularTuning()
	angular.Timeout = 5 * time.Second
	warnings, err = angular.Validate("angular", Angular)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, warnings, test.ShouldBeEmpty)

	test.That(t, DefaultTuning(Angular), test.ShouldResemble, DefaultAngularTuning())
	test.That(t, DefaultTuning(Linear), test.ShouldResemble, DefaultLinearTuning())
}

func TestTuningErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		kind   Kind
		modify func(*Tuning)
		err    string
	}{
		{"zero max drive", Linear, func(t *Tuning) { t.MaxDrive = 0 }, "max_drive"},
		{"max drive over 1", Linear, func(t *Tuning) { t.MaxDrive = 1.2 }, "max_drive"},
		{"min drive over max", Linear, func(t *Tuning) { t.MinDrive = 1.1; t.MaxDrive = 1 }, "min_drive"},
		{"zero min drive", Angular, func(t *Tuning) { t.MinDrive = 0 }, "min_drive"},
		{"negative dead zone", Linear, func(t *Tuning) { t.DeadZone = -1 }, "dead_zone"},
		{"negative min drive distance", Linear, func(t *Tuning) { t.MinDriveDistance = -1 }, "min_drive_distance"},
		{"negative dither", Linear, func(t *Tuning) { t.DitherAmpl = -0.1 }, "dither"},
		{"zero settle lookback", Linear, func(t *Tuning) { t.SettleLookback = 0 }, "settle_lookback"},
		{"zero stopped rate", Linear, func(t *Tuning) { t.StoppedRate = 0 }, "stopped_rate"},
		{"zero slew rate", Angular, func(t *Tuning) { t.SlewRate = 0 }, "slew_rate_per_sec"},
		{"nan slew rate", Linear, func(t *Tuning) { t.SlewRate = math.NaN() }, "finite"},
		{"negative timeout", Linear, func(t *Tuning) { t.Timeout = -time.Second }, "timeout"},
		{"hangup shorter than settle", Linear, func(t *Tuning) { t.HangupLookback = 100 * time.Millisecond }, "hangup_lookback"},
		{"angular hangup", Angular, func(t *Tuning) { t.HangupLookback = time.Second }, "no hangup detector"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tuning := DefaultTuning(tc.kind)
			tc.modify(&tuning)
			_, err := tuning.Validate("drive.tuning", tc.kind)
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.err)
			test.That(t, err.Error(), test.ShouldContainSubstring, `"drive.tuning"`)
		})
	}
}

func TestTuningWarnings(t *testing.T) {
	tuning := DefaultLinearTuning()
	tuning.BreakawayDrive = 0.4
	tuning.SettleLookback = 50 * time.Millisecond
	tuning.DitherAmpl = 0.35

	warnings, err := tuning.Validate("linear", Linear)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, warnings, test.ShouldHaveLength, 3)
	test.That(t, warnings[0], test.ShouldContainSubstring, "breakaway")
	test.That(t, warnings[1], test.ShouldContainSubstring, "scheduler jitter")
	test.That(t, warnings[2], test.ShouldContainSubstring, "reverse the command")

	// the hazardous value is kept as given
	test.That(t, tuning.MinDrive, test.ShouldEqual, 0.35)
}
