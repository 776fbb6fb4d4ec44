package motion_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/drivectl/control"
	"go.viam.com/drivectl/logging"
	"go.viam.com/drivectl/motion"
	"go.viam.com/drivectl/sim"
)

var _ motion.Base = (*sim.Base)(nil)

func newSimDrive(t *testing.T, cfg motion.DriveConfig) (*motion.Drive, *sim.Base) {
	t.Helper()
	logger := logging.NewTestLogger(t)
	base, err := sim.NewBase(logger.Sublogger("sim"), sim.DefaultConfig(), nil)
	test.That(t, err, test.ShouldBeNil)
	d, err := motion.NewDrive(logger, base, cfg)
	test.That(t, err, test.ShouldBeNil)
	return d, base
}

func TestDriveStraightReaches(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d, base := newSimDrive(t, motion.DriveConfig{})

	res, err := d.MoveStraight(ctx, 100)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Outcome, test.ShouldEqual, motion.OutcomeReached)
	test.That(t, res.Kind, test.ShouldEqual, motion.Linear)
	test.That(t, res.ID, test.ShouldNotBeEmpty)
	test.That(t, res.Setpoint, test.ShouldEqual, 100)
	test.That(t, res.Final, test.ShouldAlmostEqual, 100, 0.6)
	test.That(t, res.Duration, test.ShouldBeGreaterThan, time.Second)

	test.That(t, base.LinearDrive(), test.ShouldEqual, 0)
	test.That(t, base.AlignmentLocked(), test.ShouldBeFalse)

	// controllers are reused: a second move is relative to where the first ended
	res, err = d.MoveStraight(ctx, -20)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Outcome, test.ShouldEqual, motion.OutcomeReached)
	test.That(t, res.Final, test.ShouldAlmostEqual, 80, 1.2)
}

func TestDriveStraightShort(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d, _ := newSimDrive(t, motion.DriveConfig{})

	res, err := d.MoveStraight(ctx, 3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Outcome, test.ShouldEqual, motion.OutcomeReached)
	test.That(t, res.Final, test.ShouldAlmostEqual, 3, 0.6)
}

func TestDriveStraightObstructed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d, base := newSimDrive(t, motion.DriveConfig{})
	base.SetObstruction(40)

	res, err := d.MoveStraight(ctx, 100)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Outcome, test.ShouldEqual, motion.OutcomeStalledOut)
	test.That(t, res.Final, test.ShouldEqual, 40)
	test.That(t, base.LinearDrive(), test.ShouldEqual, 0)

	c, err := d.Controller(motion.Linear)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.State(), test.ShouldEqual, motion.StateStalledOut)
}

func TestDriveTurn(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d, base := newSimDrive(t, motion.DriveConfig{})

	for _, degrees := range []float64{90, -90} {
		start, err := base.AngularPosition(ctx)
		test.That(t, err, test.ShouldBeNil)
		res, err := d.Turn(ctx, degrees)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.Outcome, test.ShouldEqual, motion.OutcomeReached)
		test.That(t, res.Kind, test.ShouldEqual, motion.Angular)
		test.That(t, res.Final-start, test.ShouldAlmostEqual, degrees, 1.2)
		test.That(t, base.AngularDrive(), test.ShouldEqual, 0)
	}
}

// stuckBase never turns, however hard it is driven.
type stuckBase struct {
	*sim.Base
}

func (stuckBase) AngularPosition(ctx context.Context) (float64, error) { return 0, nil }
func (stuckBase) AngularVelocity(ctx context.Context) (float64, error) { return 0, nil }

func TestTurnNeverStallsOut(t *testing.T) {
	logger := logging.NewTestLogger(t)
	simBase, err := sim.NewBase(logger, sim.DefaultConfig(), nil)
	test.That(t, err, test.ShouldBeNil)
	base := stuckBase{simBase}

	t.Run("until cancelled", func(t *testing.T) {
		d, err := motion.NewDrive(logger, base, motion.DriveConfig{})
		test.That(t, err, test.ShouldBeNil)

		ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
		defer cancel()
		res, err := d.Turn(ctx, 90)
		test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)
		test.That(t, res.Outcome, test.ShouldEqual, motion.OutcomeInterrupted)
		test.That(t, simBase.AngularDrive(), test.ShouldEqual, 0)
	})

	t.Run("until timeout", func(t *testing.T) {
		angular := motion.DefaultAngularTuning()
		angular.Timeout = time.Second
		d, err := motion.NewDrive(logger, base, motion.DriveConfig{Angular: angular})
		test.That(t, err, test.ShouldBeNil)

		res, err := d.Turn(context.Background(), 90)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.Outcome, test.ShouldEqual, motion.OutcomeInterrupted)
		test.That(t, res.Duration, test.ShouldBeGreaterThanOrEqualTo, time.Second)
		test.That(t, simBase.AngularDrive(), test.ShouldEqual, 0)
	})
}

func TestDriveFeedbackFailure(t *testing.T) {
	d, base := newSimDrive(t, motion.DriveConfig{})

	done := make(chan struct{})
	var res motion.Result
	var err error
	go func() {
		defer close(done)
		res, err = d.MoveStraight(context.Background(), 100)
	}()

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, base.LinearDrive(), test.ShouldBeGreaterThan, 0.5)
	})
	base.FailFeedback(errors.New("encoder unplugged"))
	<-done

	test.That(t, res.Outcome, test.ShouldEqual, motion.OutcomeInterrupted)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "encoder unplugged")
	test.That(t, base.LinearDrive(), test.ShouldEqual, 0)
	test.That(t, base.AlignmentLocked(), test.ShouldBeFalse)

	c, cErr := d.Controller(motion.Linear)
	test.That(t, cErr, test.ShouldBeNil)
	test.That(t, c.State(), test.ShouldEqual, motion.StateInterrupted)
	test.That(t, c.Err(), test.ShouldNotBeNil)

	// a failed move does not poison the controller
	base.FailFeedback(nil)
	res, err = d.MoveStraight(context.Background(), 5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Outcome, test.ShouldEqual, motion.OutcomeReached)
}

func TestDrivePreemption(t *testing.T) {
	d, base := newSimDrive(t, motion.DriveConfig{})

	done := make(chan struct{})
	var first motion.Result
	var firstErr error
	go func() {
		defer close(done)
		first, firstErr = d.MoveStraight(context.Background(), 500)
	}()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, base.LinearDrive(), test.ShouldBeGreaterThan, 0.5)
	})

	second, err := d.Turn(context.Background(), 45)
	<-done
	test.That(t, first.Outcome, test.ShouldEqual, motion.OutcomeInterrupted)
	test.That(t, errors.Is(firstErr, context.Canceled), test.ShouldBeTrue)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, second.Outcome, test.ShouldEqual, motion.OutcomeReached)
	test.That(t, base.LinearDrive(), test.ShouldEqual, 0)
	test.That(t, d.IsMoving(), test.ShouldBeFalse)
}

func TestDriveStop(t *testing.T) {
	d, base := newSimDrive(t, motion.DriveConfig{})

	done := make(chan struct{})
	var res motion.Result
	go func() {
		defer close(done)
		res, _ = d.MoveStraight(context.Background(), 500)
	}()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, d.IsMoving(), test.ShouldBeTrue)
		test.That(tb, base.LinearDrive(), test.ShouldBeGreaterThan, 0)
	})

	test.That(t, d.Stop(context.Background()), test.ShouldBeNil)
	<-done
	test.That(t, res.Outcome, test.ShouldEqual, motion.OutcomeInterrupted)
	test.That(t, base.LinearDrive(), test.ShouldEqual, 0)
	test.That(t, base.AngularDrive(), test.ShouldEqual, 0)
	test.That(t, d.IsMoving(), test.ShouldBeFalse)

	// stopping an idle drive is harmless
	test.That(t, d.Stop(context.Background()), test.ShouldBeNil)

	// stop releases the drive for the next move
	res, err := d.MoveStraight(context.Background(), 5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Outcome, test.ShouldEqual, motion.OutcomeReached)
	test.That(t, d.IsMoving(), test.ShouldBeFalse)
}

func TestDriveSamples(t *testing.T) {
	recorder := control.NewRecorder(1024)
	var shown []string
	display := control.DisplayFunc(func(key string, value float64) {
		if len(shown) == 0 || shown[len(shown)-1] != key {
			shown = append(shown, key)
		}
	})
	d, _ := newSimDrive(t, motion.DriveConfig{LoggingKey: "bench", Sink: recorder, Display: display})

	res, err := d.Move(context.Background(), motion.MoveRequest{ID: "m1", Kind: motion.Linear, TargetDelta: 10})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.ID, test.ShouldEqual, "m1")

	samples := recorder.Samples()
	test.That(t, samples, test.ShouldNotBeEmpty)
	for _, s := range samples {
		test.That(t, s.Stream, test.ShouldEqual, "bench_straight_m1")
		test.That(t, s.Setpoint, test.ShouldEqual, 10)
		test.That(t, math.Abs(s.Error-(s.Setpoint-s.Feedback)), test.ShouldBeLessThan, 1e-9)
	}
	test.That(t, shown, test.ShouldResemble, []string{"bench_straight_m1"})

	stats := recorder.Stats()
	test.That(t, stats.Ticks, test.ShouldEqual, len(samples))
	test.That(t, stats.Mean, test.ShouldBeGreaterThan, 0)
}

func TestDriveRejectsBadTuning(t *testing.T) {
	logger := logging.NewTestLogger(t)
	base, err := sim.NewBase(logger, sim.DefaultConfig(), nil)
	test.That(t, err, test.ShouldBeNil)

	linear := motion.DefaultLinearTuning()
	linear.MaxDrive = 2
	_, err = motion.NewDrive(logger, base, motion.DriveConfig{Linear: linear})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "max_drive")

	_, err = motion.NewDrive(logger, nil, motion.DriveConfig{})
	test.That(t, err, test.ShouldNotBeNil)

	d, err := motion.NewDrive(logger, base, motion.DriveConfig{})
	test.That(t, err, test.ShouldBeNil)
	_, err = d.Move(context.Background(), motion.MoveRequest{Kind: motion.Kind(7), TargetDelta: 1})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestControllerLifecycle(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	base, err := sim.NewBase(logger, sim.DefaultConfig(), nil)
	test.That(t, err, test.ShouldBeNil)
	c, err := motion.NewLinearController(logger, base, motion.ControllerConfig{Tuning: motion.DefaultLinearTuning()})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.State(), test.ShouldEqual, motion.StateIdle)
	test.That(t, c.Kind(), test.ShouldEqual, motion.Linear)

	req := motion.MoveRequest{ID: "one", Kind: motion.Linear, TargetDelta: 200}
	test.That(t, c.Start(ctx, req), test.ShouldBeNil)
	test.That(t, c.State(), test.ShouldEqual, motion.StateRunning)
	test.That(t, c.Request(), test.ShouldResemble, req)
	test.That(t, c.Setpoint(), test.ShouldEqual, 200)
	test.That(t, base.AlignmentLocked(), test.ShouldBeTrue)
	test.That(t, errors.Is(c.Start(ctx, req), motion.ErrMoveRunning), test.ShouldBeTrue)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, c.LastOutput(), test.ShouldBeGreaterThan, 0.3)
		test.That(tb, c.LastRate(), test.ShouldBeGreaterThan, 0)
	})
	test.That(t, c.IsFinished(), test.ShouldBeFalse)
	test.That(t, c.Outcome(), test.ShouldEqual, motion.OutcomeUnknown)

	test.That(t, c.Cancel(ctx), test.ShouldBeNil)
	test.That(t, c.State(), test.ShouldEqual, motion.StateInterrupted)
	test.That(t, c.Outcome(), test.ShouldEqual, motion.OutcomeInterrupted)
	test.That(t, c.IsFinished(), test.ShouldBeTrue)
	test.That(t, c.LastOutput(), test.ShouldEqual, 0)
	test.That(t, base.LinearDrive(), test.ShouldEqual, 0)
	test.That(t, base.AlignmentLocked(), test.ShouldBeFalse)

	// ending twice is harmless
	test.That(t, c.End(ctx), test.ShouldBeNil)
	test.That(t, c.Cancel(ctx), test.ShouldBeNil)

	// a terminal controller starts fresh
	outcome, err := motion.Run(ctx, c, motion.MoveRequest{ID: "two", Kind: motion.Linear, TargetDelta: -5}, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, outcome, test.ShouldEqual, motion.OutcomeReached)
	test.That(t, c.State(), test.ShouldEqual, motion.StateReached)
	test.That(t, c.Request().ID, test.ShouldEqual, "two")
}

func TestDriveDebugMode(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	base, err := sim.NewBase(logger, sim.DefaultConfig(), nil)
	test.That(t, err, test.ShouldBeNil)
	d, err := motion.NewDrive(logger, base, motion.DriveConfig{})
	test.That(t, err, test.ShouldBeNil)

	res, err := d.MoveStraight(context.Background(), 5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Outcome, test.ShouldEqual, motion.OutcomeReached)
	test.That(t, logs.FilterMessage("move progress").Len(), test.ShouldEqual, 0)

	ctx := logging.EnableDebugMode(context.Background(), "bench")
	res, err = d.MoveStraight(ctx, 5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Outcome, test.ShouldEqual, motion.OutcomeReached)
	progress := logs.FilterMessage("move progress").All()
	test.That(t, progress, test.ShouldNotBeEmpty)
	test.That(t, progress[0].ContextMap()["debug"], test.ShouldEqual, "bench")
	test.That(t, progress[0].ContextMap()["id"], test.ShouldEqual, res.ID)
	test.That(t, logs.FilterMessage("move finished").Len(), test.ShouldEqual, 2)
}
