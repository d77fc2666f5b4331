package entrance

import (
	"testing"
	"time"

	"github.com/sweeney/gate-relay/internal/clock"
	"pgregory.net/rapid"
)

// TestControllerInvariants drives random command and time interleavings
// across two channels and checks the per-channel invariants after every step.
func TestControllerInvariants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := Config{
			Movement:          time.Duration(rapid.IntRange(1, 20).Draw(rt, "movement_s")) * time.Second,
			AutoClose:         rapid.Bool().Draw(rt, "auto_close"),
			AutoCloseInterval: time.Duration(rapid.IntRange(1, 60).Draw(rt, "auto_close_s")) * time.Second,
			MomentaryPulse:    time.Duration(rapid.IntRange(100, 2000).Draw(rt, "pulse_ms")) * time.Millisecond,
			ReportInterval:    30 * time.Second,
			UplinkPriority:    500 * time.Millisecond,
		}
		clk := clock.NewFake(t0)
		last := map[int]State{}
		ctrl := NewController(cfg, clk, nil, []ChannelSpec{{Port: 0x80}, {Port: 0x81}}, Hooks{
			Report: func(r StatusReport) { last[r.Channel] = r.State },
		})
		defer ctrl.Stop()
		ctrl.Start()

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.IntRange(0, 1).Draw(rt, "channel")
			if rapid.Bool().Draw(rt, "advance") {
				ms := rapid.IntRange(0, 30000).Draw(rt, "ms")
				clk.Advance(time.Duration(ms) * time.Millisecond)
			} else {
				cmd := rapid.SampledFrom([]Command{CmdToggle, CmdClose, CmdMomentaryOpen, CmdHoldOpen}).Draw(rt, "cmd")
				before, _ := ctrl.Status(id)
				err := ctrl.HandleCommand(id, cmd)
				after, _ := ctrl.Status(id)

				if before.State == StateMoving {
					if err != ErrMoving {
						rt.Fatalf("command while moving returned %v", err)
					}
					if after.State != before.State || after.Next != before.Next || !after.Due.Equal(before.Due) || after.Armed != before.Armed {
						rt.Fatalf("command while moving changed channel: %+v -> %+v", before, after)
					}
				} else if err != nil {
					rt.Fatalf("unexpected error %v", err)
				}
			}

			for ch := 0; ch < 2; ch++ {
				s, _ := ctrl.Status(ch)
				if !s.State.valid() {
					rt.Fatalf("channel %d in invalid state %d", ch, s.State)
				}
				if s.Armed != (s.State != s.Next) {
					rt.Fatalf("channel %d: armed=%v but %s -> %s", ch, s.Armed, s.State, s.Next)
				}
				if s.Armed == s.Due.IsZero() {
					rt.Fatalf("channel %d: armed=%v with due %v", ch, s.Armed, s.Due)
				}
				if s.Armed && s.Due.Before(clk.Now()) {
					rt.Fatalf("channel %d: deadline %v already passed at %v", ch, s.Due, clk.Now())
				}
				if !cfg.AutoClose && s.State == StateMomentaryOpen {
					rt.Fatalf("channel %d: MOMENTARY_OPEN without auto close", ch)
				}
				if last[ch] != s.State {
					rt.Fatalf("channel %d: last report %s, state %s", ch, last[ch], s.State)
				}
			}
		}
	})
}
