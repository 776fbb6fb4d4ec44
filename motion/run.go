package motion

import (
	"context"
	"time"

	"go.opencensus.io/trace"
	"go.uber.org/multierr"

	"go.viam.com/drivectl/logging"
)

// DefaultPollPeriod is how often Run checks a move for completion.
const DefaultPollPeriod = 20 * time.Millisecond

// Run executes one move to completion on c: it starts the move, polls IsFinished every poll and
// ends the move. Cancelling ctx, or exceeding the tuning's Timeout, interrupts the move. A
// stalled move is reported through the outcome, not as an error. A ctx in debug mode logs the
// progress of the move on every poll.
func Run(ctx context.Context, c *Controller, req MoveRequest, poll time.Duration) (Outcome, error) {
	ctx, span := trace.StartSpan(ctx, "motion::Run")
	defer span.End()
	span.AddAttributes(
		trace.StringAttribute("move_id", req.ID),
		trace.StringAttribute("kind", req.Kind.String()),
		trace.Float64Attribute("target_delta", req.TargetDelta),
	)

	if poll <= 0 {
		poll = DefaultPollPeriod
	}
	if err := c.Start(ctx, req); err != nil {
		span.SetStatus(trace.Status{Code: trace.StatusCodeFailedPrecondition, Message: err.Error()})
		return OutcomeUnknown, err
	}

	var deadline <-chan time.Time
	if timeout := c.tuning.Timeout; timeout > 0 {
		timer := c.clock.Timer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := c.clock.Ticker(poll)
	defer ticker.Stop()

	debugKey := logging.GetName(ctx)
	var err error
loop:
	for !c.IsFinished() {
		select {
		case <-ctx.Done():
			err = multierr.Combine(ctx.Err(), c.Cancel(context.Background()))
			break loop
		case <-deadline:
			c.logger.Warnw("move timed out", "id", req.ID, "kind", req.Kind.String(), "timeout", c.tuning.Timeout)
			err = c.Cancel(ctx)
			break loop
		case <-ticker.C:
			if debugKey != "" {
				c.logger.Infow("move progress",
					"debug", debugKey,
					"id", req.ID,
					"setpoint", c.Setpoint(),
					"output", c.LastOutput(),
					"rate", c.LastRate(),
					"settled", c.Settled(),
					"hung_up", c.HungUp())
			}
		}
	}
	if err == nil {
		err = c.End(ctx)
	}

	outcome := c.Outcome()
	span.AddAttributes(trace.StringAttribute("outcome", outcome.String()))
	if err != nil {
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: err.Error()})
	}
	return outcome, err
}
