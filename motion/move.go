package motion

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind selects the axis a move acts on.
type Kind int

const (
	// Linear moves drive straight by a distance.
	Linear Kind = iota
	// Angular moves turn in place by an angle.
	Angular
)

func (k Kind) String() string {
	switch k {
	case Linear:
		return "linear"
	case Angular:
		return "angular"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MoveRequest asks for a relative move. It is immutable for the life of the move.
type MoveRequest struct {
	// ID identifies the move in logs and sample streams. Supplied by the caller.
	ID          string
	Kind        Kind
	TargetDelta float64
}

// Outcome is how a move ended.
type Outcome int

const (
	// OutcomeUnknown means the move has not finished.
	OutcomeUnknown Outcome = iota
	// OutcomeReached means the axis settled at the target and stopped.
	OutcomeReached
	// OutcomeStalledOut means motion ceased before the target was reached.
	OutcomeStalledOut
	// OutcomeInterrupted means the move was preempted, cancelled or lost its feedback.
	OutcomeInterrupted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnknown:
		return "unknown"
	case OutcomeReached:
		return "reached"
	case OutcomeStalledOut:
		return "stalled_out"
	case OutcomeInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// State is the controller lifecycle: Idle -> Running -> one of the terminal states.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateReached
	StateStalledOut
	StateInterrupted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateReached:
		return "reached"
	case StateStalledOut:
		return "stalled_out"
	case StateInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s ends a move.
func (s State) Terminal() bool {
	return s == StateReached || s == StateStalledOut || s == StateInterrupted
}

func stateFor(o Outcome) State {
	switch o {
	case OutcomeReached:
		return StateReached
	case OutcomeStalledOut:
		return StateStalledOut
	default:
		return StateInterrupted
	}
}

var (
	// ErrMoveRunning is returned when starting a controller that is already running a move.
	ErrMoveRunning = errors.New("a move is already running on this axis")
	// ErrKindMismatch is returned when a request targets the other axis.
	ErrKindMismatch = errors.New("move kind does not match controller axis")
)
