package motion

import "context"

// Actuator accepts drive commands in [-1, 1]. Commands are fire-and-forget.
type Actuator interface {
	SetLinearDrive(x float64)
	SetAngularDrive(x float64)
	// SetAlignmentLock holds heading while driving straight.
	SetAlignmentLock(enabled bool)
}

// Feedback reports position and rate for both axes. Implementations must be safe to call from
// the control loop goroutine.
type Feedback interface {
	LinearPosition(ctx context.Context) (float64, error)
	LinearVelocity(ctx context.Context) (float64, error)
	AngularPosition(ctx context.Context) (float64, error)
	AngularVelocity(ctx context.Context) (float64, error)
}

// Base is a drive base that can be both commanded and measured.
type Base interface {
	Actuator
	Feedback
}

// axis binds a Controller to one degree of freedom of a Base.
type axis interface {
	position(ctx context.Context) (float64, error)
	rate(ctx context.Context) (float64, error)
	drive(x float64)
	engage()
	release()
}

type linearAxis struct {
	base Base
}

func (a linearAxis) position(ctx context.Context) (float64, error) { return a.base.LinearPosition(ctx) }
func (a linearAxis) rate(ctx context.Context) (float64, error)     { return a.base.LinearVelocity(ctx) }
func (a linearAxis) drive(x float64)                               { a.base.SetLinearDrive(x) }
func (a linearAxis) engage()                                       { a.base.SetAlignmentLock(true) }
func (a linearAxis) release()                                      { a.base.SetAlignmentLock(false) }

type angularAxis struct {
	base Base
}

func (a angularAxis) position(ctx context.Context) (float64, error) { return a.base.AngularPosition(ctx) }
func (a angularAxis) rate(ctx context.Context) (float64, error)     { return a.base.AngularVelocity(ctx) }
func (a angularAxis) drive(x float64)                               { a.base.SetAngularDrive(x) }
func (a angularAxis) engage()                                       {}
func (a angularAxis) release()                                      {}
