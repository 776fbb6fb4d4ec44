// Package sim implements a simulated differential drive base for exercising motion controllers
// without hardware.
//
// Each axis responds to its drive command with a first order lag toward drive*max rate. A drive
// below the breakaway level does not move an axis at rest, and an axis with no effective drive
// brakes with a shorter time constant. State is advanced lazily from the clock whenever the base
// is commanded or read.
package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"go.viam.com/drivectl/logging"
)

// restRate is the speed below which an undriven axis is considered stopped.
const restRate = 1e-3

// Config describes the simulated plant.
type Config struct {
	// MaxSpeed is the linear speed at full drive, in inches per second.
	MaxSpeed float64 `json:"max_speed_ips"`
	// MaxTurnRate is the turn rate at full drive, in degrees per second.
	MaxTurnRate       float64       `json:"max_turn_rate_dps"`
	DriveTimeConstant time.Duration `json:"drive_time_constant"`
	BrakeTimeConstant time.Duration `json:"brake_time_constant"`
	// Breakaway is the smallest drive magnitude that starts an axis from rest.
	Breakaway float64 `json:"breakaway"`

	// Obstructed blocks forward linear travel past Obstruction.
	Obstructed  bool    `json:"obstructed"`
	Obstruction float64 `json:"obstruction"`
}

// DefaultConfig returns a base that behaves like a small indoor robot.
func DefaultConfig() Config {
	return Config{
		MaxSpeed:          60,
		MaxTurnRate:       180,
		DriveTimeConstant: 60 * time.Millisecond,
		BrakeTimeConstant: 15 * time.Millisecond,
		Breakaway:         0.15,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg Config) Validate() error {
	if cfg.MaxSpeed <= 0 || cfg.MaxTurnRate <= 0 {
		return errors.New("max speed and turn rate must be positive")
	}
	if cfg.DriveTimeConstant <= 0 || cfg.BrakeTimeConstant <= 0 {
		return errors.New("time constants must be positive")
	}
	if cfg.Breakaway < 0 || cfg.Breakaway > 1 {
		return errors.Errorf("breakaway must be in [0, 1], got %v", cfg.Breakaway)
	}
	return nil
}

type axisState struct {
	drive    float64
	position float64
	velocity float64
}

// Base is a simulated base. It is safe for concurrent use.
type Base struct {
	cfg    Config
	clock  clock.Clock
	logger logging.Logger

	mu          sync.Mutex
	last        time.Time
	linear      axisState
	angular     axisState
	aligned     bool
	feedbackErr error
	commands    int
}

// NewBase returns a base at rest at the origin. A nil logger logs through the global logger.
func NewBase(logger logging.Logger, cfg Config, clk clock.Clock) (*Base, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Global().Sublogger("sim")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Base{cfg: cfg, clock: clk, logger: logger, last: clk.Now()}, nil
}

// SetLinearDrive commands the linear axis.
func (b *Base) SetLinearDrive(x float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	b.linear.drive = clamp(x)
	b.commands++
}

// SetAngularDrive commands the angular axis.
func (b *Base) SetAngularDrive(x float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	b.angular.drive = clamp(x)
	b.commands++
}

// SetAlignmentLock records whether heading hold is engaged.
func (b *Base) SetAlignmentLock(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.aligned != enabled {
		b.logger.Debugw("alignment lock", "enabled", enabled)
	}
	b.aligned = enabled
}

// LinearPosition returns the distance travelled in inches.
func (b *Base) LinearPosition(ctx context.Context) (float64, error) {
	return b.read(func() float64 { return b.linear.position })
}

// LinearVelocity returns the linear speed in inches per second.
func (b *Base) LinearVelocity(ctx context.Context) (float64, error) {
	return b.read(func() float64 { return b.linear.velocity })
}

// AngularPosition returns the heading in degrees.
func (b *Base) AngularPosition(ctx context.Context) (float64, error) {
	return b.read(func() float64 { return b.angular.position })
}

// AngularVelocity returns the turn rate in degrees per second.
func (b *Base) AngularVelocity(ctx context.Context) (float64, error) {
	return b.read(func() float64 { return b.angular.velocity })
}

func (b *Base) read(get func() float64) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.feedbackErr != nil {
		return 0, b.feedbackErr
	}
	b.advance()
	return get(), nil
}

// FailFeedback makes every subsequent feedback read return err. A nil err restores feedback.
func (b *Base) FailFeedback(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.feedbackErr = err
}

// SetObstruction blocks forward linear travel past position.
func (b *Base) SetObstruction(position float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	b.cfg.Obstructed = true
	b.cfg.Obstruction = position
}

// ClearObstruction removes the obstruction.
func (b *Base) ClearObstruction() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	b.cfg.Obstructed = false
}

// LinearDrive returns the last linear command.
func (b *Base) LinearDrive() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.linear.drive
}

// AngularDrive returns the last angular command.
func (b *Base) AngularDrive() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.angular.drive
}

// AlignmentLocked reports whether heading hold is engaged.
func (b *Base) AlignmentLocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aligned
}

// Commands returns how many drive commands have been received.
func (b *Base) Commands() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commands
}

// advance integrates both axes up to now. Callers hold mu.
func (b *Base) advance() {
	now := b.clock.Now()
	dt := now.Sub(b.last).Seconds()
	b.last = now
	if dt <= 0 {
		return
	}
	b.step(&b.linear, b.cfg.MaxSpeed, dt)
	b.step(&b.angular, b.cfg.MaxTurnRate, dt)
	if b.cfg.Obstructed && b.linear.position >= b.cfg.Obstruction {
		b.linear.position = b.cfg.Obstruction
		b.linear.velocity = 0
	}
}

func (b *Base) step(a *axisState, maxRate, dt float64) {
	effective := a.drive
	if math.Abs(a.drive) < b.cfg.Breakaway && math.Abs(a.velocity) <= restRate {
		effective = 0
	}

	tc := b.cfg.DriveTimeConstant
	if effective == 0 {
		tc = b.cfg.BrakeTimeConstant
	}
	// exact response of a first order lag to a constant target over dt
	target := effective * maxRate
	decay := math.Exp(-dt / tc.Seconds())
	a.position += target*dt + (a.velocity-target)*tc.Seconds()*(1-decay)
	a.velocity = target + (a.velocity-target)*decay
	if effective == 0 && math.Abs(a.velocity) < restRate {
		a.velocity = 0
	}
}

func clamp(x float64) float64 {
	return math.Max(-1, math.Min(1, x))
}
