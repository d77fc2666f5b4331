package entrance

import (
	"sync"
	"testing"
	"time"

	"github.com/sweeney/gate-relay/internal/clock"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeOutput records relay writes.
type fakeOutput struct {
	mu     sync.Mutex
	on     bool
	writes []bool
	err    error
}

func (f *fakeOutput) Set(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, on)
	if f.err != nil {
		return f.err
	}
	f.on = on
	return nil
}

func (f *fakeOutput) isOn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on
}

type sentUplink struct {
	Port     uint8
	Payload  []byte
	Priority time.Duration
	At       time.Time
}

// fakeEgress records uplinks with the fake clock's time.
type fakeEgress struct {
	mu    sync.Mutex
	clock *clock.Fake
	sent  []sentUplink
	err   error
}

func (f *fakeEgress) Send(port uint8, payload []byte, priority time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentUplink{Port: port, Payload: payload, Priority: priority, At: f.clock.Now()})
	return nil
}

func (f *fakeEgress) uplinks() []sentUplink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentUplink(nil), f.sent...)
}

func (f *fakeEgress) reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

type harness struct {
	ctrl    *Controller
	clock   *clock.Fake
	egress  *fakeEgress
	outputs []*fakeOutput
	reports []StatusReport
	dropped []Command
}

func testConfig() Config {
	return Config{
		Movement:          2 * time.Second,
		AutoClose:         true,
		AutoCloseInterval: 10 * time.Second,
		MomentaryPulse:    500 * time.Millisecond,
		ReportInterval:    30 * time.Second,
		UplinkPriority:    500 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg Config, n int) *harness {
	t.Helper()
	clk := clock.NewFake(t0)
	h := &harness{
		clock:  clk,
		egress: &fakeEgress{clock: clk},
	}
	specs := make([]ChannelSpec, n)
	for i := range specs {
		out := &fakeOutput{}
		h.outputs = append(h.outputs, out)
		specs[i] = ChannelSpec{Port: uint8(0x80 + i), Output: out}
	}
	h.ctrl = NewController(cfg, clk, h.egress, specs, Hooks{
		Report:  func(r StatusReport) { h.reports = append(h.reports, r) },
		Dropped: func(_ int, cmd Command) { h.dropped = append(h.dropped, cmd) },
	})
	t.Cleanup(h.ctrl.Stop)
	return h
}

func (h *harness) status(t *testing.T, id int) ChannelStatus {
	t.Helper()
	s, err := h.ctrl.Status(id)
	if err != nil {
		t.Fatalf("status %d: %v", id, err)
	}
	return s
}

func (h *harness) command(t *testing.T, id int, cmd Command) {
	t.Helper()
	if err := h.ctrl.HandleCommand(id, cmd); err != nil {
		t.Fatalf("%s on channel %d: %v", cmd, id, err)
	}
}

// driveTo brings channel 0 to a settled or auto-closing resting state
// through real commands and elapsed time.
func (h *harness) driveTo(t *testing.T, want State) {
	t.Helper()
	cfg := h.ctrl.cfg
	switch want {
	case StateClosed:
	case StateMoving:
		h.command(t, 0, CmdToggle)
	case StateHoldOpen:
		h.command(t, 0, CmdHoldOpen)
		h.clock.Advance(cfg.Movement)
	case StateMomentaryOpen:
		if !cfg.AutoClose {
			t.Fatal("MOMENTARY_OPEN is not reachable without auto close")
		}
		h.command(t, 0, CmdMomentaryOpen)
		h.clock.Advance(cfg.Movement)
	}
	if got := h.status(t, 0).State; got != want {
		t.Fatalf("driveTo: got %s, want %s", got, want)
	}
}

func (h *harness) lastReport() StatusReport {
	if len(h.reports) == 0 {
		return StatusReport{}
	}
	return h.reports[len(h.reports)-1]
}
