package control

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// SlewLimiter bounds how fast a scalar command may change between calls. It is a stateful
// filter with a single owner; concurrent calls are not supported.
//
// A limiter without a time base (freshly constructed and never Reset) holds its last output,
// initially 0, on the first call to Limit; that call only records the timestamp. Controllers
// call Reset at move start so the first tick is already limited from a known output.
type SlewLimiter struct {
	maxRatePerSec float64
	lastOutput    float64
	lastTime      time.Time
	hasTime       bool
}

// NewSlewLimiter returns a limiter allowing at most maxRatePerSec change per second.
func NewSlewLimiter(maxRatePerSec float64) (*SlewLimiter, error) {
	if maxRatePerSec <= 0 || math.IsNaN(maxRatePerSec) || math.IsInf(maxRatePerSec, 0) {
		return nil, errors.Errorf("slew rate must be a positive finite number, got %v", maxRatePerSec)
	}
	return &SlewLimiter{maxRatePerSec: maxRatePerSec}, nil
}

// Limit moves the output toward target by no more than maxRatePerSec * (now - last call).
func (s *SlewLimiter) Limit(target float64, now time.Time) float64 {
	if !s.hasTime {
		s.lastTime = now
		s.hasTime = true
		return s.lastOutput
	}

	dt := now.Sub(s.lastTime).Seconds()
	if dt < 0 {
		dt = 0
	}
	maxStep := s.maxRatePerSec * dt

	out := target
	switch delta := target - s.lastOutput; {
	case delta > maxStep:
		out = s.lastOutput + maxStep
	case delta < -maxStep:
		out = s.lastOutput - maxStep
	}

	s.lastOutput = out
	s.lastTime = now
	return out
}

// Reset re-arms the limiter at output as of now.
func (s *SlewLimiter) Reset(output float64, now time.Time) {
	s.lastOutput = output
	s.lastTime = now
	s.hasTime = true
}

// Output returns the last value produced by Limit (or set by Reset).
func (s *SlewLimiter) Output() float64 {
	return s.lastOutput
}

// MaxRate returns the configured rate limit in units per second.
func (s *SlewLimiter) MaxRate() float64 {
	return s.maxRatePerSec
}
