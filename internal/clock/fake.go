package clock

import (
	"sync"
	"time"
)

// Fake is a test clock. Time only moves through Advance and AdvanceTo, and
// due callbacks run synchronously on the advancing goroutine in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*fakeTimer
}

type fakeTimer struct {
	clock *Fake
	at    time.Time
	seq   uint64
	fn    func()
	done  bool
}

// NewFake creates a Fake starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Schedule registers fn to run once the clock reaches at.
func (f *Fake) Schedule(at time.Time, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{clock: f, at: at, seq: f.seq, fn: fn}
	f.pending = append(f.pending, t)
	return t
}

// Stop removes the timer if it has not run yet.
func (t *fakeTimer) Stop() bool {
	f := t.clock
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	f.remove(t)
	return true
}

// Advance moves the clock forward by d, running every callback that falls due.
func (f *Fake) Advance(d time.Duration) {
	f.AdvanceTo(f.Now().Add(d))
}

// AdvanceTo moves the clock to target, running due callbacks in order.
// Before each callback the clock is set to that callback's deadline, so
// callbacks that schedule further work see the time they were due.
// Callbacks scheduled during the advance run too if they fall due before target.
func (f *Fake) AdvanceTo(target time.Time) {
	for {
		f.mu.Lock()
		next := f.earliest(target)
		if next == nil {
			if target.After(f.now) {
				f.now = target
			}
			f.mu.Unlock()
			return
		}
		next.done = true
		f.remove(next)
		if next.at.After(f.now) {
			f.now = next.at
		}
		f.mu.Unlock()

		next.fn()
	}
}

// Pending returns the number of callbacks waiting to run.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// earliest returns the first due timer, ties broken by scheduling order.
// Caller must hold f.mu.
func (f *Fake) earliest(target time.Time) *fakeTimer {
	var best *fakeTimer
	for _, t := range f.pending {
		if t.at.After(target) {
			continue
		}
		if best == nil || t.at.Before(best.at) || (t.at.Equal(best.at) && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

// Caller must hold f.mu.
func (f *Fake) remove(t *fakeTimer) {
	for i, p := range f.pending {
		if p == t {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return
		}
	}
}
