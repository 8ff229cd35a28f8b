package services

import "time"

// Clock returns monotonic seconds in the sample time base.
type Clock func() float64

// NewMonotonicClock returns a clock that starts at zero now. time.Since reads
// the monotonic reading, so wall clock steps do not affect it.
func NewMonotonicClock() Clock {
	start := time.Now()
	return func() float64 {
		return time.Since(start).Seconds()
	}
}
