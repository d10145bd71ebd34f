// Package perfstats measures how long the phases of frame processing take, so that it's
// easy to compare the cost of tensor preparation, inference, and colorization on different hardware.
package perfstats

import (
	"sync/atomic"
	"time"
)

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// MovingAverage is an exponential moving average of a duration, which can be updated
// from many threads without a lock.
type MovingAverage struct {
	ns atomic.Int64
}

// Add a sample
func (m *MovingAverage) Update(v time.Duration) {
	// We don't bother about strict correctness here, with CompareAndSwap,
	// because this is just sampled stats, and it's OK to miss one or two samples.
	vn := v.Nanoseconds()
	if m.ns.Load() == 0 {
		m.ns.Store(vn)
	} else {
		m.ns.Store((m.ns.Load()*63 + vn) >> 6)
	}
}

// Time since 'start' is added as a sample
func (m *MovingAverage) Since(start time.Time) {
	m.Update(time.Since(start))
}

func (m *MovingAverage) Get() time.Duration {
	return time.Duration(m.ns.Load())
}
