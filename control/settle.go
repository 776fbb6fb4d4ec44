package control

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const defaultWindowCapacity = 64

type windowSample struct {
	t time.Time
	v float64
}

// SettlingWindow reports whether every sample over a trailing time window stayed within a
// threshold. The window is settled only once its samples span the whole lookback, so an empty
// or freshly reset window is never settled.
//
// Set is meant to be called by a single producer (the loop goroutine). IsSettled reads a
// snapshot published by Set and is safe from any goroutine.
type SettlingWindow struct {
	lookback  time.Duration
	threshold float64

	mu    sync.Mutex
	buf   []windowSample
	start int
	n     int

	settled atomic.Bool
}

// NewSettlingWindow returns a window over lookback that accepts |value| <= threshold.
func NewSettlingWindow(lookback time.Duration, threshold float64) (*SettlingWindow, error) {
	if lookback <= 0 {
		return nil, errors.Errorf("settling lookback must be positive, got %v", lookback)
	}
	if threshold < 0 || math.IsNaN(threshold) {
		return nil, errors.Errorf("settling threshold must not be negative, got %v", threshold)
	}
	return &SettlingWindow{
		lookback:  lookback,
		threshold: threshold,
		buf:       make([]windowSample, defaultWindowCapacity),
	}, nil
}

// Set appends a sample taken at now and drops samples that no longer affect the window.
func (w *SettlingWindow) Set(value float64, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.push(windowSample{t: now, v: value})

	// keep the newest sample at or before the cutoff; it is the one spanning the window start
	cutoff := now.Add(-w.lookback)
	for w.n > 1 && !w.at(1).t.After(cutoff) {
		w.pop()
	}

	w.settled.Store(w.evaluate())
}

// IsSettled reports whether the samples span the lookback and all are within threshold.
func (w *SettlingWindow) IsSettled() bool {
	return w.settled.Load()
}

// Reset discards all samples.
func (w *SettlingWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.start = 0
	w.n = 0
	w.settled.Store(false)
}

// Len returns the number of retained samples.
func (w *SettlingWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Lookback returns the window length.
func (w *SettlingWindow) Lookback() time.Duration {
	return w.lookback
}

// Threshold returns the magnitude every sample must stay within.
func (w *SettlingWindow) Threshold() float64 {
	return w.threshold
}

func (w *SettlingWindow) evaluate() bool {
	if w.n == 0 {
		return false
	}
	if w.at(w.n-1).t.Sub(w.at(0).t) < w.lookback {
		return false
	}
	for i := 0; i < w.n; i++ {
		if math.Abs(w.at(i).v) > w.threshold {
			return false
		}
	}
	return true
}

func (w *SettlingWindow) at(i int) windowSample {
	return w.buf[(w.start+i)%len(w.buf)]
}

func (w *SettlingWindow) push(s windowSample) {
	if w.n == len(w.buf) {
		grown := make([]windowSample, 2*len(w.buf))
		for i := 0; i < w.n; i++ {
			grown[i] = w.at(i)
		}
		w.buf = grown
		w.start = 0
	}
	w.buf[(w.start+w.n)%len(w.buf)] = s
	w.n++
}

func (w *SettlingWindow) pop() {
	w.start = (w.start + 1) % len(w.buf)
	w.n--
}
