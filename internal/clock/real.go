package clock

import "time"

// Real schedules callbacks on the runtime timer heap.
type Real struct{}

// NewReal returns the wall/monotonic clock.
func NewReal() Real {
	return Real{}
}

// Now returns time.Now, which carries a monotonic reading.
func (Real) Now() time.Time {
	return time.Now()
}

// Schedule converts the absolute deadline to a delay at call time.
// Each callback runs on its own goroutine.
func (Real) Schedule(at time.Time, f func()) Timer {
	return time.AfterFunc(time.Until(at), f)
}
