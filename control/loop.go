// Package control implements the periodic feedback loop used to drive a single axis, along with
// the slew limiter and settling window that shape and judge its output.
package control

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/drivectl/logging"
)

// minLoopPeriod caps the loop at 200Hz.
const minLoopPeriod = 5 * time.Millisecond

// ErrLoopRunning is returned by Start when the loop goroutine is already active.
var ErrLoopRunning = errors.New("control loop already running")

// Controllable is driven by a Loop. Both methods are called from the loop goroutine.
type Controllable interface {
	// Feedback returns the current value of the controlled quantity.
	Feedback(ctx context.Context) (float64, error)
	// SetError hands the controller setpoint - feedback for this tick.
	SetError(ctx context.Context, err float64) error
}

// LoopConfig holds the loop config.
type LoopConfig struct {
	Period   time.Duration
	Setpoint float64
}

// Validate rejects periods that are not positive or faster than 200Hz.
func (cfg LoopConfig) Validate() error {
	if cfg.Period <= 0 {
		return errors.Errorf("loop period must be positive, got %v", cfg.Period)
	}
	if cfg.Period < minLoopPeriod {
		return errors.Errorf("loop period %v is shorter than the %v minimum", cfg.Period, minLoopPeriod)
	}
	return nil
}

// LoopOption configures optional Loop collaborators.
type LoopOption func(*Loop)

// WithClock sets the time source, defaulting to the wall clock.
func WithClock(c clock.Clock) LoopOption {
	return func(l *Loop) { l.clock = c }
}

// WithSampleSink sets where per-tick samples go while logging is enabled.
func WithSampleSink(sink SampleSink) LoopOption {
	return func(l *Loop) { l.sink = sink }
}

// WithDisplay sets where the live error value goes while logging is enabled.
func WithDisplay(d Display) LoopOption {
	return func(l *Loop) { l.display = d }
}

// WithLoggingKey enables sample logging under key. An empty key disables it.
func WithLoggingKey(key string) LoopOption {
	return func(l *Loop) { l.loggingKey.Store(key) }
}

// Loop calls a Controllable at a fixed period on its own goroutine. The period is best effort:
// a tick that overruns is followed immediately by the next one, with no catch-up.
type Loop struct {
	period  time.Duration
	user    Controllable
	logger  logging.Logger
	clock   clock.Clock
	sink    SampleSink
	display Display

	setpoint   atomic.Float64
	loggingKey atomic.String
	overruns   atomic.Int64

	stopMu                  sync.Mutex
	mu                      sync.Mutex
	running                 bool
	cancel                  context.CancelFunc
	done                    chan struct{}
	err                     error
	activeBackgroundWorkers sync.WaitGroup
}

// NewLoop constructs a stopped loop bound to user.
func NewLoop(logger logging.Logger, cfg LoopConfig, user Controllable, opts ...LoopOption) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errors.New("control loop needs a controllable")
	}
	if logger == nil {
		logger = logging.NewBlankLogger("loop")
	}
	done := make(chan struct{})
	close(done)
	l := &Loop{
		period: cfg.Period,
		user:   user,
		logger: logger,
		clock:  clock.New(),
		done:   done,
	}
	l.setpoint.Store(cfg.Setpoint)
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Start starts the loop goroutine.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrLoopRunning
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.err = nil
	l.overruns.Store(0)
	l.running = true

	l.logger.Debugw("starting control loop", "period", l.period, "setpoint", l.setpoint.Load())
	l.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer l.activeBackgroundWorkers.Done()
		defer close(done)
		l.run(cancelCtx)
	})
	return nil
}

// Stop cancels the loop, waits for its goroutine to exit and then calls SetError(0) once so the
// plant is left at neutral. It returns the error that ended the loop early, if any. Calling Stop
// on a loop that is not running does nothing.
func (l *Loop) Stop() error {
	l.stopMu.Lock()
	defer l.stopMu.Unlock()

	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.cancel()
	l.mu.Unlock()

	l.activeBackgroundWorkers.Wait()
	zeroErr := l.zero(context.Background())

	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = false
	l.logger.Debug("control loop stopped")
	return multierr.Combine(l.err, zeroErr)
}

// SetSetpoint changes the setpoint used by subsequent ticks. Safe from any goroutine.
func (l *Loop) SetSetpoint(setpoint float64) {
	l.setpoint.Store(setpoint)
}

// Setpoint returns the current setpoint.
func (l *Loop) Setpoint() float64 {
	return l.setpoint.Load()
}

// SetLoggingKey enables sample logging under key; an empty key disables it.
func (l *Loop) SetLoggingKey(key string) {
	l.loggingKey.Store(key)
}

// Running reports whether Start was called without a matching Stop.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Done is closed once the current loop goroutine has exited, either from Stop or a failure.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Err returns the failure that ended the loop, or nil.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Overruns returns how many ticks exceeded the period since Start.
func (l *Loop) Overruns() int64 {
	return l.overruns.Load()
}

// Period returns the configured tick period.
func (l *Loop) Period() time.Duration {
	return l.period
}

func (l *Loop) run(ctx context.Context) {
	// ticks are never cancelled mid flight; cancellation is observed between ticks
	tickCtx := context.WithoutCancel(ctx)

	var timer *clock.Timer
	var overrun time.Duration
	for {
		if ctx.Err() != nil {
			return
		}

		start := l.clock.Now()
		if err := l.tick(tickCtx, start, overrun); err != nil {
			l.fail(tickCtx, err)
			return
		}

		overrun = 0
		wait := l.period - l.clock.Since(start)
		if wait <= 0 {
			if wait < 0 {
				overrun = -wait
				l.overruns.Inc()
			}
			continue
		}

		if timer == nil {
			timer = l.clock.Timer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (l *Loop) tick(ctx context.Context, now time.Time, overrun time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in control loop tick: %v", r)
		}
	}()

	setpoint := l.setpoint.Load()
	feedback, err := l.user.Feedback(ctx)
	if err != nil {
		return errors.Wrap(err, "reading feedback")
	}
	e := setpoint - feedback

	if key := l.loggingKey.Load(); key != "" {
		if l.display != nil {
			l.display.Show(key, e)
		}
		if l.sink != nil {
			l.sink.Record(Sample{Stream: key, Time: now, Setpoint: setpoint, Feedback: feedback, Error: e, Overrun: overrun})
		}
	}

	if err := l.user.SetError(ctx, e); err != nil {
		return errors.Wrap(err, "applying error")
	}
	return nil
}

func (l *Loop) fail(ctx context.Context, err error) {
	l.logger.Errorw("control loop failed, commanding neutral", "error", err)
	err = multierr.Combine(err, l.zero(ctx))
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *Loop) zero(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic while zeroing output: %v", r)
		}
	}()
	return errors.Wrap(l.user.SetError(ctx, 0), "zeroing output")
}
