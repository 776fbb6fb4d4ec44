package control

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"go.viam.com/drivectl/logging"
)

// Sample is the per-tick record a Loop emits when logging is enabled.
type Sample struct {
	// Stream is the logging key the loop was running under.
	Stream   string
	Time     time.Time
	Setpoint float64
	Feedback float64
	Error    float64
	// Overrun is how much the previous tick exceeded the loop period, zero when on time.
	Overrun time.Duration
}

// SampleSink receives one Sample per tick. Record is called from the loop goroutine and should
// return quickly; a slow sink shows up as tick overruns.
type SampleSink interface {
	Record(s Sample)
}

// Display receives the live error value of a loop under its logging key.
type Display interface {
	Show(key string, value float64)
}

// DisplayFunc adapts a function to a Display.
type DisplayFunc func(key string, value float64)

// Show calls f(key, value).
func (f DisplayFunc) Show(key string, value float64) {
	f(key, value)
}

// LoggerSink writes samples to a logger at debug level.
type LoggerSink struct {
	Logger logging.Logger
	start  time.Time
}

// Record logs the sample with milliseconds since the first recorded sample.
func (ls *LoggerSink) Record(s Sample) {
	if ls.start.IsZero() {
		ls.start = s.Time
	}
	ls.Logger.Debugw("sample",
		"stream", s.Stream,
		"ms", s.Time.Sub(ls.start).Milliseconds(),
		"setpoint", s.Setpoint,
		"feedback", s.Feedback,
		"overrun", s.Overrun)
}

// Recorder keeps the most recent samples in a fixed size ring.
type Recorder struct {
	mu      sync.Mutex
	samples []Sample
	next    int
	full    bool
}

// NewRecorder returns a Recorder holding up to capacity samples.
func NewRecorder(capacity int) *Recorder {
	if capacity < 1 {
		capacity = 1
	}
	return &Recorder{samples: make([]Sample, capacity)}
}

// Record stores s, overwriting the oldest sample when full.
func (r *Recorder) Record(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = s
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.full = true
	}
}

// Samples returns the retained samples, oldest first.
func (r *Recorder) Samples() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Sample(nil), r.samples[:r.next]...)
	}
	out := make([]Sample, 0, len(r.samples))
	out = append(out, r.samples[r.next:]...)
	return append(out, r.samples[:r.next]...)
}

// Reset drops all samples.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = 0
	r.full = false
}

// TickStats summarizes the intervals between recorded samples.
type TickStats struct {
	Ticks    int
	Mean     time.Duration
	StdDev   time.Duration
	Max      time.Duration
	Overruns int
}

// Stats computes tick interval statistics over the retained samples.
func (r *Recorder) Stats() TickStats {
	samples := r.Samples()
	st := TickStats{Ticks: len(samples)}
	if len(samples) < 2 {
		return st
	}
	intervals := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		dt := samples[i].Time.Sub(samples[i-1].Time)
		intervals = append(intervals, float64(dt))
		if dt > st.Max {
			st.Max = dt
		}
	}
	for _, s := range samples {
		if s.Overrun > 0 {
			st.Overruns++
		}
	}
	if len(intervals) == 1 {
		st.Mean = time.Duration(intervals[0])
		return st
	}
	mean, std := stat.MeanStdDev(intervals, nil)
	st.Mean = time.Duration(mean)
	st.StdDev = time.Duration(std)
	return st
}

type multiSink []SampleSink

func (m multiSink) Record(s Sample) {
	for _, sink := range m {
		sink.Record(s)
	}
}

// MultiSink fans a sample out to every non-nil sink.
func MultiSink(sinks ...SampleSink) SampleSink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
