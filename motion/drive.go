package motion

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/drivectl/control"
	"go.viam.com/drivectl/logging"
	"go.viam.com/drivectl/operation"
)

// DriveConfig configures a Drive.
type DriveConfig struct {
	Period     time.Duration
	PollPeriod time.Duration
	Linear     Tuning
	Angular    Tuning
	// LoggingKey enables per-tick samples when non-empty. Linear moves log under
	// LoggingKey_straight and angular moves under LoggingKey_turn, each suffixed by the move ID.
	LoggingKey string
	Sink       control.SampleSink
	Display    control.Display
	Clock      clock.Clock
}

// Result describes a finished move.
type Result struct {
	ID       string
	Kind     Kind
	Outcome  Outcome
	Setpoint float64
	// Final is the axis position read after the move ended.
	Final    float64
	Duration time.Duration
}

// Drive runs relative moves on a base, one at a time. Starting a move preempts the one in
// progress, which ends interrupted.
type Drive struct {
	logger logging.Logger
	base   Base
	clock  clock.Clock
	poll   time.Duration

	linear  *Controller
	angular *Controller

	opMgr operation.SingleOperationManager
}

// NewDrive builds the persistent controllers for both axes of base.
func NewDrive(logger logging.Logger, base Base, cfg DriveConfig) (*Drive, error) {
	if base == nil {
		return nil, errors.New("drive needs a base")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Linear == (Tuning{}) {
		cfg.Linear = DefaultLinearTuning()
	}
	if cfg.Angular == (Tuning{}) {
		cfg.Angular = DefaultAngularTuning()
	}

	ctrlCfg := func(t Tuning, key string) ControllerConfig {
		cc := ControllerConfig{Period: cfg.Period, Tuning: t, Sink: cfg.Sink, Display: cfg.Display, Clock: cfg.Clock}
		if cfg.LoggingKey != "" {
			cc.LoggingKey = cfg.LoggingKey + "_" + key
		}
		return cc
	}

	linear, err := NewLinearController(logger.Sublogger("linear"), base, ctrlCfg(cfg.Linear, "straight"))
	if err != nil {
		return nil, errors.Wrap(err, "building linear controller")
	}
	angular, err := NewAngularController(logger.Sublogger("angular"), base, ctrlCfg(cfg.Angular, "turn"))
	if err != nil {
		return nil, errors.Wrap(err, "building angular controller")
	}

	return &Drive{
		logger:  logger,
		base:    base,
		clock:   cfg.Clock,
		poll:    cfg.PollPeriod,
		linear:  linear,
		angular: angular,
	}, nil
}

// MoveStraight drives distance along the current heading.
func (d *Drive) MoveStraight(ctx context.Context, distance float64) (Result, error) {
	return d.Move(ctx, MoveRequest{Kind: Linear, TargetDelta: distance})
}

// Turn rotates in place by degrees.
func (d *Drive) Turn(ctx context.Context, degrees float64) (Result, error) {
	return d.Move(ctx, MoveRequest{Kind: Angular, TargetDelta: degrees})
}

// Move runs req to completion, preempting any move in progress and waiting for it to end. A
// request without an ID gets a random one.
func (d *Drive) Move(ctx context.Context, req MoveRequest) (Result, error) {
	ctx, done := d.opMgr.New(ctx)
	defer done()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	res := Result{ID: req.ID, Kind: req.Kind}

	c, err := d.controller(req.Kind)
	if err != nil {
		return res, err
	}

	if err := ctx.Err(); err != nil {
		res.Outcome = OutcomeInterrupted
		return res, err
	}

	start := d.clock.Now()
	res.Outcome, err = Run(ctx, c, req, d.poll)
	res.Duration = d.clock.Since(start)
	res.Setpoint = c.Setpoint()
	final, posErr := c.axis.position(context.WithoutCancel(ctx))
	if posErr != nil {
		return res, multierr.Combine(err, errors.Wrap(posErr, "reading final position"))
	}
	res.Final = final
	return res, err
}

// Stop interrupts the move in progress, if any, and commands both axes to neutral.
func (d *Drive) Stop(ctx context.Context) error {
	_, done := d.opMgr.New(ctx)
	defer done()
	d.base.SetLinearDrive(0)
	d.base.SetAngularDrive(0)
	d.base.SetAlignmentLock(false)
	return nil
}

// IsMoving reports whether a move is in progress.
func (d *Drive) IsMoving() bool {
	return d.opMgr.OpRunning()
}

// Controller returns the persistent controller for kind.
func (d *Drive) Controller(kind Kind) (*Controller, error) {
	return d.controller(kind)
}

func (d *Drive) controller(kind Kind) (*Controller, error) {
	switch kind {
	case Linear:
		return d.linear, nil
	case Angular:
		return d.angular, nil
	default:
		return nil, errors.Errorf("unknown move kind %v", kind)
	}
}
