// Package motion drives a base through single-axis relative moves using a periodic control loop,
// a bang-bang policy with dither and a dead zone, and settling based completion and stall checks.
package motion

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.viam.com/drivectl/control"
	"go.viam.com/drivectl/logging"
)

// DefaultPeriod is the control loop period (100Hz).
const DefaultPeriod = 10 * time.Millisecond

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Period time.Duration
	Tuning Tuning
	// LoggingKey enables per-tick samples and the live error display when non-empty.
	LoggingKey string
	Sink       control.SampleSink
	Display    control.Display
	Clock      clock.Clock
}

// Controller runs moves on one axis of a base. It is persistent: the loop, the slew limiter and
// the settling windows are built once and re-armed for every move.
type Controller struct {
	kind   Kind
	axis   axis
	tuning Tuning
	logger logging.Logger
	clock  clock.Clock
	key    string

	loop    *control.Loop
	limiter *control.SlewLimiter
	settle  *control.SettlingWindow
	hangup  *control.SettlingWindow

	lastOutput atomic.Float64
	lastRate   atomic.Float64

	mu      sync.Mutex
	state   State
	outcome Outcome
	req     MoveRequest
	started time.Time
	err     error
}

// NewLinearController returns a Controller that drives straight with stall detection.
func NewLinearController(logger logging.Logger, base Base, cfg ControllerConfig) (*Controller, error) {
	return newController(logger, Linear, linearAxis{base}, cfg)
}

// NewAngularController returns a Controller that turns in place. It has no stall detection.
func NewAngularController(logger logging.Logger, base Base, cfg ControllerConfig) (*Controller, error) {
	return newController(logger, Angular, angularAxis{base}, cfg)
}

func newController(logger logging.Logger, kind Kind, ax axis, cfg ControllerConfig) (*Controller, error) {
	warnings, err := cfg.Tuning.Validate(kind.String(), kind)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		logger.Warn(w)
	}
	if cfg.Period == 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	c := &Controller{
		kind:   kind,
		axis:   ax,
		tuning: cfg.Tuning,
		logger: logger,
		clock:  cfg.Clock,
		key:    cfg.LoggingKey,
	}

	if c.limiter, err = control.NewSlewLimiter(cfg.Tuning.SlewRate); err != nil {
		return nil, err
	}
	if c.settle, err = control.NewSettlingWindow(cfg.Tuning.SettleLookback, cfg.Tuning.DeadZone); err != nil {
		return nil, err
	}
	if kind == Linear {
		if c.hangup, err = control.NewSettlingWindow(cfg.Tuning.HangupLookback, cfg.Tuning.StoppedRate); err != nil {
			return nil, err
		}
	}

	opts := []control.LoopOption{control.WithClock(cfg.Clock)}
	if cfg.Sink != nil {
		opts = append(opts, control.WithSampleSink(cfg.Sink))
	}
	if cfg.Display != nil {
		opts = append(opts, control.WithDisplay(cfg.Display))
	}
	if c.loop, err = control.NewLoop(logger.Sublogger("loop"), control.LoopConfig{Period: cfg.Period}, c, opts...); err != nil {
		return nil, err
	}
	return c, nil
}

// Kind returns the axis this controller moves.
func (c *Controller) Kind() Kind {
	return c.kind
}

// Tuning returns the constants the controller was built with.
func (c *Controller) Tuning() Tuning {
	return c.tuning
}

// Start begins a move: the setpoint is the current position plus the requested delta.
func (c *Controller) Start(ctx context.Context, req MoveRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Kind != c.kind {
		return errors.Wrapf(ErrKindMismatch, "%s request on %s controller", req.Kind, c.kind)
	}
	if c.state == StateRunning {
		return ErrMoveRunning
	}
	if math.IsNaN(req.TargetDelta) || math.IsInf(req.TargetDelta, 0) {
		return errors.Errorf("move target must be finite, got %v", req.TargetDelta)
	}

	pos, err := c.axis.position(ctx)
	if err != nil {
		return errors.Wrap(err, "reading start position")
	}
	setpoint := pos + req.TargetDelta

	now := c.clock.Now()
	c.rearm(now)

	c.loop.SetSetpoint(setpoint)
	c.loop.SetLoggingKey(c.streamKey(req.ID))
	c.axis.engage()
	if err := c.loop.Start(); err != nil {
		c.axis.release()
		return err
	}

	c.req = req
	c.started = now
	c.state = StateRunning
	c.outcome = OutcomeUnknown
	c.err = nil
	c.logger.Infow("move started",
		"id", req.ID, "kind", c.kind.String(), "delta", req.TargetDelta, "start", pos, "setpoint", setpoint)
	return nil
}

// rearm clears the limiter, windows and last readings left by a previous move. The loop must
// not be running.
func (c *Controller) rearm(now time.Time) {
	c.limiter.Reset(0, now)
	c.settle.Reset()
	if c.hangup != nil {
		c.hangup.Reset()
	}
	c.lastOutput.Store(0)
	c.lastRate.Store(0)
}

func (c *Controller) streamKey(id string) string {
	if c.key == "" || id == "" {
		return c.key
	}
	return fmt.Sprintf("%s_%s", c.key, id)
}

// Feedback returns the axis position. Called by the control loop.
func (c *Controller) Feedback(ctx context.Context) (float64, error) {
	return c.axis.position(ctx)
}

// SetError turns the loop error into a drive command and feeds the settling windows. Called by
// the control loop on every tick and once with 0 when the loop stops.
func (c *Controller) SetError(ctx context.Context, e float64) error {
	now := c.clock.Now()
	c.settle.Set(e, now)

	x := driveCommand(e, c.tuning)
	x = c.limiter.Limit(x, now)
	x = shapeCommand(x, e, now, c.tuning)
	c.axis.drive(x)
	c.lastOutput.Store(x)

	rate, err := c.axis.rate(ctx)
	if err != nil {
		return errors.Wrap(err, "reading rate")
	}
	c.lastRate.Store(rate)
	if c.hangup != nil {
		c.hangup.Set(rate, now)
	}
	return nil
}

// IsFinished reports whether the move has an outcome. It is meant to be polled by the caller on
// its own cadence; the first detected outcome is latched.
func (c *Controller) IsFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.outcome != OutcomeUnknown {
		return true
	}
	if c.state != StateRunning {
		return c.state.Terminal()
	}

	switch {
	case c.loop.Err() != nil:
		c.outcome = OutcomeInterrupted
	case c.settle.IsSettled() && math.Abs(c.lastRate.Load()) < c.tuning.StoppedRate:
		c.outcome = OutcomeReached
	case c.hangup != nil && c.hangup.IsSettled():
		c.outcome = OutcomeStalledOut
	default:
		return false
	}
	return true
}

// End leaves the running state: the loop is stopped, the axis commanded to 0 and the alignment
// lock released. A move without an outcome ends as interrupted.
func (c *Controller) End(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endLocked()
}

// Cancel interrupts the move unless an outcome was already detected, then ends it.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return nil
	}
	if c.outcome == OutcomeUnknown {
		c.outcome = OutcomeInterrupted
	}
	return c.endLocked()
}

func (c *Controller) endLocked() error {
	if c.state != StateRunning {
		return nil
	}
	if c.outcome == OutcomeUnknown {
		c.outcome = OutcomeInterrupted
	}

	stopErr := c.loop.Stop()
	c.axis.drive(0)
	c.lastOutput.Store(0)
	c.axis.release()

	c.state = stateFor(c.outcome)
	c.err = multierr.Combine(c.err, stopErr)
	c.logger.Infow("move finished",
		"id", c.req.ID,
		"kind", c.kind.String(),
		"outcome", c.outcome.String(),
		"setpoint", c.loop.Setpoint(),
		"duration", c.clock.Since(c.started),
		"overruns", c.loop.Overruns(),
		"error", c.err)
	return stopErr
}

// Outcome returns how the last move ended, OutcomeUnknown while it is still running.
func (c *Controller) Outcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Request returns the last move request.
func (c *Controller) Request() MoveRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.req
}

// Err returns the failure that ended the last move, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return c.loop.Err()
}

// Setpoint returns the absolute target of the current or last move.
func (c *Controller) Setpoint() float64 {
	return c.loop.Setpoint()
}

// LastOutput returns the most recent command sent to the axis.
func (c *Controller) LastOutput() float64 {
	return c.lastOutput.Load()
}

// LastRate returns the most recent rate reading taken by the loop.
func (c *Controller) LastRate() float64 {
	return c.lastRate.Load()
}

// Settled reports the settle window snapshot.
func (c *Controller) Settled() bool {
	return c.settle.IsSettled()
}

// HungUp reports the hangup window snapshot. Always false for angular controllers.
func (c *Controller) HungUp() bool {
	return c.hangup != nil && c.hangup.IsSettled()
}
