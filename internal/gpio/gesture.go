package gpio

import (
	"fmt"
	"sync"
	"time"

	"github.com/sweeney/gate-relay/internal/clock"
)

// Gesture is a recognised button pattern.
type Gesture int

const (
	GestureShort Gesture = iota + 1
	GestureLong
	GestureDouble
)

func (g Gesture) String() string {
	switch g {
	case GestureShort:
		return "short"
	case GestureLong:
		return "long"
	case GestureDouble:
		return "double"
	}
	return fmt.Sprintf("Gesture(%d)", int(g))
}

// GestureConfig holds the timings that separate gestures.
type GestureConfig struct {
	// LongPress is how long the button must be held for a long gesture.
	LongPress time.Duration
	// DoubleWindow is how long after a short press a second one counts as a
	// double. Zero disables doubles and reports short presses on release.
	DoubleWindow time.Duration
}

// DefaultGestureConfig returns timings that suit a hand-held remote.
func DefaultGestureConfig() GestureConfig {
	return GestureConfig{
		LongPress:    time.Second,
		DoubleWindow: 400 * time.Millisecond,
	}
}

// GestureDetector turns button edges into gestures. Feed its Edge method to
// a Button.
//
// A press held for LongPress is reported as long as soon as the time is up.
// Two short presses within DoubleWindow are a double. A short press with no
// follow-up is reported once the window closes.
type GestureDetector struct {
	clock clock.Clock
	cfg   GestureConfig
	emit  func(Gesture)

	mu        sync.Mutex
	down      bool
	longFired bool
	taps      int
	gen       uint64
	timer     clock.Timer
}

// NewGestureDetector calls emit for every recognised gesture. emit may run
// on a timer goroutine and must not block.
func NewGestureDetector(clk clock.Clock, cfg GestureConfig, emit func(Gesture)) *GestureDetector {
	return &GestureDetector{clock: clk, cfg: cfg, emit: emit}
}

// Edge is an EdgeHandler.
func (d *GestureDetector) Edge(pressed bool) {
	var g Gesture
	d.mu.Lock()
	if pressed {
		d.press()
	} else {
		g = d.release()
	}
	d.mu.Unlock()
	if g != 0 {
		d.emit(g)
	}
}

// Caller must hold d.mu.
func (d *GestureDetector) press() {
	if d.down {
		return
	}
	d.down = true
	d.longFired = false
	gen := d.rearm()
	d.timer = d.clock.Schedule(d.clock.Now().Add(d.cfg.LongPress), func() {
		d.expire(gen, true)
	})
}

// Caller must hold d.mu.
func (d *GestureDetector) release() Gesture {
	if !d.down {
		return 0
	}
	d.down = false
	gen := d.rearm()
	if d.longFired {
		d.taps = 0
		return 0
	}
	d.taps++
	switch {
	case d.taps >= 2:
		d.taps = 0
		return GestureDouble
	case d.cfg.DoubleWindow <= 0:
		d.taps = 0
		return GestureShort
	}
	d.timer = d.clock.Schedule(d.clock.Now().Add(d.cfg.DoubleWindow), func() {
		d.expire(gen, false)
	})
	return 0
}

// rearm cancels the pending timer. Caller must hold d.mu.
func (d *GestureDetector) rearm() uint64 {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return d.gen
}

// expire runs when the long-press or double-press window ends.
func (d *GestureDetector) expire(gen uint64, long bool) {
	var g Gesture
	d.mu.Lock()
	if gen == d.gen {
		d.timer = nil
		switch {
		case long && d.down:
			d.longFired = true
			d.taps = 0
			g = GestureLong
		case !long && !d.down && d.taps == 1:
			d.taps = 0
			g = GestureShort
		}
	}
	d.mu.Unlock()
	if g != 0 {
		d.emit(g)
	}
}

// Stop cancels any pending gesture.
func (d *GestureDetector) Stop() {
	d.mu.Lock()
	d.rearm()
	d.taps = 0
	d.down = false
	d.mu.Unlock()
}
