// Package clock provides absolute-deadline callback scheduling.
// The real implementation is backed by time.AfterFunc.
// The fake implementation only moves when a test advances it.
package clock

import "time"

// Timer is a pending callback returned by Schedule.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the
	// callback already ran or was already stopped.
	Stop() bool
}

// Clock reads the current monotonic time and runs callbacks at absolute deadlines.
type Clock interface {
	Now() time.Time

	// Schedule runs f once at the absolute time at. Deadlines in the past
	// run as soon as possible.
	Schedule(at time.Time, f func()) Timer
}
