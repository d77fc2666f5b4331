package internal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sweeney/gate-relay/internal/clock"
	"github.com/sweeney/gate-relay/internal/entrance"
	"github.com/sweeney/gate-relay/internal/gpio"
	"github.com/sweeney/gate-relay/internal/ingress"
	"github.com/sweeney/gate-relay/internal/mqtt"
	"github.com/sweeney/gate-relay/internal/status"
	"github.com/sweeney/gate-relay/internal/web"
)

var start = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

// signalingHandler reports each dispatched command so tests can wait for
// the dispatcher goroutine.
type signalingHandler struct {
	h    ingress.Handler
	done chan error
}

func (s *signalingHandler) HandleCommand(id int, cmd entrance.Command) error {
	err := s.h.HandleCommand(id, cmd)
	s.done <- err
	return err
}

// rig is the daemon wired with fakes: downlinks and button presses go
// through the ingress queue, uplinks land in the fake link.
type rig struct {
	t       *testing.T
	clock   *clock.Fake
	link    *mqtt.FakeLink
	outputs []*gpio.FakeOutput
	buttons []*gpio.FakeButton
	queue   *ingress.Queue
	ctrl    *entrance.Controller
	tracker *status.Tracker
	covers  *mqtt.CoverBridge
	done    chan error
}

func newRig(t *testing.T, cfg entrance.Config, names ...string) *rig {
	t.Helper()
	r := &rig{
		t:     t,
		clock: clock.NewFake(start),
		queue: ingress.NewQueue(8),
		done:  make(chan error, 8),
	}

	infos := make([]status.ChannelInfo, len(names))
	specs := make([]entrance.ChannelSpec, len(names))
	for i, name := range names {
		out := gpio.NewFakeOutput()
		r.outputs = append(r.outputs, out)
		port := uint8(0x80 + i)
		specs[i] = entrance.ChannelSpec{Name: name, Port: port, Output: out}
		infos[i] = status.ChannelInfo{Name: name, Port: port}
	}
	r.tracker = status.NewTracker(start, status.Config{}, infos)

	r.link = mqtt.NewFakeLink(nil)
	coverSpecs := make([]mqtt.CoverSpec, len(names))
	for i, name := range names {
		coverSpecs[i] = mqtt.CoverSpec{Channel: i, UniqueID: name, DeviceClass: "gate"}
	}
	r.covers = mqtt.NewCoverBridge(r.link, "", mqtt.CoverDevice{ID: "rig"}, coverSpecs, func(id int, cmd entrance.Command) {
		r.queue.Enqueue(ingress.Request{Channel: id, Command: cmd, Source: ingress.SourceHomeAssistant})
	})
	r.ctrl = entrance.NewController(cfg, r.clock, r.link, specs, entrance.Hooks{
		Report: func(rep entrance.StatusReport) {
			r.tracker.RecordReport(rep)
			r.covers.Update(rep)
		},
		Dropped: func(id int, _ entrance.Command) {
			r.tracker.RecordDropped(id)
		},
	})
	r.link.SetDownlinkHandler(func(port uint8, payload []byte) {
		r.queue.Downlink(r.ctrl, port, payload)
	})

	for i := range names {
		id := i
		r.buttons = append(r.buttons, gpio.NewFakeButton(func(pressed bool) {
			if pressed {
				r.queue.Enqueue(ingress.Request{Channel: id, Command: entrance.CmdToggle, Source: ingress.SourceButton})
			}
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	go r.queue.Run(ctx, &signalingHandler{h: r.ctrl, done: r.done})
	t.Cleanup(func() {
		cancel()
		r.ctrl.Stop()
	})

	r.ctrl.Start()
	if err := r.covers.Start(); err != nil {
		t.Fatalf("covers: %v", err)
	}
	return r
}

// downlink delivers a command frame on port and waits until it is handled.
func (r *rig) downlink(port uint8, cmd entrance.Command) error {
	r.t.Helper()
	frame := fmt.Sprintf(`{"fPort":%d,"data":%q}`, port, base64.StdEncoding.EncodeToString([]byte{byte(cmd)}))
	if err := r.link.Deliver([]byte(frame)); err != nil {
		r.t.Fatalf("deliver: %v", err)
	}
	return r.wait()
}

func (r *rig) wait() error {
	r.t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(2 * time.Second):
		r.t.Fatal("command was not dispatched")
		return nil
	}
}

func (r *rig) uplinkStates(port uint8) []entrance.State {
	var out []entrance.State
	for _, u := range r.link.SentUplinks() {
		if u.Port == port {
			out = append(out, entrance.State(u.Payload[0]))
		}
	}
	return out
}

func (r *rig) state(id int) entrance.State {
	s, err := r.ctrl.Status(id)
	if err != nil {
		r.t.Fatalf("status: %v", err)
	}
	return s.State
}

func integrationConfig() entrance.Config {
	return entrance.Config{
		Movement:          15 * time.Second,
		AutoClose:         true,
		AutoCloseInterval: 60 * time.Second,
		MomentaryPulse:    500 * time.Millisecond,
		ReportInterval:    30 * time.Second,
		UplinkPriority:    500 * time.Millisecond,
	}
}

func equalStates(a, b []entrance.State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TestIntegrationDownlinkCycle follows a momentary open from downlink to
// auto close and checks the uplinks on the channel's port.
func TestIntegrationDownlinkCycle(t *testing.T) {
	r := newRig(t, integrationConfig(), "gate")

	if err := r.downlink(0x80, entrance.CmdMomentaryOpen); err != nil {
		t.Fatalf("command: %v", err)
	}
	if !r.outputs[0].IsOn() {
		t.Error("expected relay pulsed on")
	}
	r.clock.Advance(500 * time.Millisecond)
	if r.outputs[0].IsOn() {
		t.Error("expected relay released after pulse")
	}

	r.clock.Advance(15 * time.Second) // reaches MOMENTARY_OPEN
	r.clock.Advance(60 * time.Second) // auto close starts
	r.clock.Advance(15 * time.Second) // closed

	got := r.uplinkStates(0x80)
	want := []entrance.State{
		entrance.StateClosed, // startup
		entrance.StateMoving,
		entrance.StateMomentaryOpen,
		entrance.StateMoving,
		entrance.StateClosed,
	}
	// Periodic reports fall in between; keep only changes.
	var changes []entrance.State
	for i, s := range got {
		if i == 0 || s != got[i-1] {
			changes = append(changes, s)
		}
	}
	if !equalStates(changes, want) {
		t.Errorf("uplink states: got %v, want %v", changes, want)
	}
	if r.state(0) != entrance.StateClosed {
		t.Errorf("final state: got %s, want CLOSED", r.state(0))
	}

	snap := r.tracker.Snapshot()
	if snap.Channels[0].State != entrance.StateClosed {
		t.Errorf("tracker state: got %s, want CLOSED", snap.Channels[0].State)
	}
}

func TestIntegrationUplinkFrame(t *testing.T) {
	r := newRig(t, integrationConfig(), "gate")

	ups := r.link.SentUplinks()
	if len(ups) != 1 {
		t.Fatalf("expected 1 startup uplink, got %d", len(ups))
	}
	var f mqtt.Frame
	if err := json.Unmarshal(ups[0].Frame, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.FPort != 0x80 {
		t.Errorf("fPort: got %d, want 128", f.FPort)
	}
	if f.Data != base64.StdEncoding.EncodeToString([]byte{byte(entrance.StateClosed)}) {
		t.Errorf("data: got %q", f.Data)
	}
	if f.PriorityMs != 500 {
		t.Errorf("priorityMs: got %d, want 500", f.PriorityMs)
	}
}

func TestIntegrationDroppedWhileMoving(t *testing.T) {
	r := newRig(t, integrationConfig(), "gate")

	if err := r.downlink(0x80, entrance.CmdToggle); err != nil {
		t.Fatalf("first command: %v", err)
	}
	before := len(r.link.SentUplinks())

	r.buttons[0].Press()
	if err := r.wait(); !errors.Is(err, entrance.ErrMoving) {
		t.Errorf("button while moving: got %v, want ErrMoving", err)
	}
	if len(r.link.SentUplinks()) != before {
		t.Error("dropped command produced an uplink")
	}
	if got := r.tracker.Snapshot().Channels[0].Dropped; got != 1 {
		t.Errorf("tracker dropped: got %d, want 1", got)
	}

	// Not replayed once movement ends.
	r.clock.Advance(15 * time.Second)
	if r.state(0) != entrance.StateMomentaryOpen {
		t.Errorf("state: got %s, want MOMENTARY_OPEN", r.state(0))
	}
}

func TestIntegrationChannelsIndependent(t *testing.T) {
	r := newRig(t, integrationConfig(), "gate", "garage")

	if err := r.downlink(0x81, entrance.CmdHoldOpen); err != nil {
		t.Fatalf("command: %v", err)
	}
	if r.state(0) != entrance.StateClosed {
		t.Errorf("gate: got %s, want CLOSED", r.state(0))
	}
	if r.state(1) != entrance.StateMoving {
		t.Errorf("garage: got %s, want MOVING", r.state(1))
	}
	if !r.outputs[1].IsOn() || r.outputs[0].IsOn() {
		t.Error("expected only garage relay energized")
	}

	r.clock.Advance(15 * time.Second)
	if r.state(1) != entrance.StateHoldOpen {
		t.Errorf("garage: got %s, want HOLD_OPEN", r.state(1))
	}
	// Hold open keeps the relay energized.
	if !r.outputs[1].IsOn() {
		t.Error("expected garage relay held")
	}
	if got := r.uplinkStates(0x80); !equalStates(got, []entrance.State{entrance.StateClosed}) {
		t.Errorf("gate uplinks: got %v", got)
	}
}

func TestIntegrationIgnoredDownlinks(t *testing.T) {
	r := newRig(t, integrationConfig(), "gate")

	frames := []string{
		`{"fPort":144,"data":"AQ=="}`, // unmapped port
		`{"fPort":128,"data":""}`,     // empty payload
		`{"fPort":128,"data":"CQ=="}`, // unknown command 9
	}
	for _, f := range frames {
		if err := r.link.Deliver([]byte(f)); err != nil {
			t.Fatalf("deliver %s: %v", f, err)
		}
	}
	if err := r.link.Deliver([]byte(`not json`)); err == nil {
		t.Error("expected decode error for garbage frame")
	}

	select {
	case err := <-r.done:
		t.Errorf("unexpected dispatch: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if r.state(0) != entrance.StateClosed {
		t.Errorf("state: got %s, want CLOSED", r.state(0))
	}
}

func TestIntegrationPeriodicReports(t *testing.T) {
	r := newRig(t, integrationConfig(), "gate")

	r.clock.Advance(90 * time.Second)
	got := r.uplinkStates(0x80)
	if len(got) != 4 { // startup + 30s, 60s, 90s
		t.Fatalf("uplinks: got %d, want 4", len(got))
	}
	if got := r.tracker.Snapshot().Channels[0].Reports; got != 4 {
		t.Errorf("tracker reports: got %d, want 4", got)
	}
}

func TestIntegrationHTTPCommand(t *testing.T) {
	r := newRig(t, integrationConfig(), "gate")
	srv := web.New(":0", r.tracker, r.queue)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/command?channel=0&cmd=hold", "", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202", resp.StatusCode)
	}
	if err := r.wait(); err != nil {
		t.Fatalf("command: %v", err)
	}

	resp, err = http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sj.Status.Channels[0].State != "MOVING" {
		t.Errorf("state: got %q, want MOVING", sj.Status.Channels[0].State)
	}
}

func TestIntegrationStartupAndShutdownEvents(t *testing.T) {
	r := newRig(t, integrationConfig(), "gate")

	snap := r.tracker.Snapshot()
	if err := r.link.PublishSystem(mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var sj status.StatusJSON
	if err := json.Unmarshal(r.link.SystemPayloads[0], &sj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sj.Status.Event != "STARTUP" {
		t.Errorf("event: got %q", sj.Status.Event)
	}
	// Start reported before the event was built.
	if sj.Status.Channels[0].State != "CLOSED" {
		t.Errorf("state: got %q, want CLOSED", sj.Status.Channels[0].State)
	}
}

func TestIntegrationHomeAssistantCover(t *testing.T) {
	r := newRig(t, integrationConfig(), "driveway_gate")
	const base = "homeassistant/cover/driveway_gate"

	if r.link.LastRetained(base+"/config") == nil {
		t.Fatal("cover not announced")
	}
	if got := string(r.link.LastRetained(base + "/state")); got != mqtt.CoverClosed {
		t.Fatalf("initial state: got %q", got)
	}

	if !r.link.Inject(base+"/command", []byte("OPEN")) {
		t.Fatal("command topic not subscribed")
	}
	if err := r.wait(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if r.state(0) != entrance.StateMoving {
		t.Fatalf("state: got %s, want MOVING", r.state(0))
	}

	r.clock.Advance(15 * time.Second)
	r.link.Inject(base+"/command", []byte("CLOSE"))
	if err := r.wait(); err != nil {
		t.Fatalf("close: %v", err)
	}
	r.clock.Advance(15 * time.Second)

	got := r.link.RetainedOn(base + "/state")
	want := []string{"closed", "opening", "open", "closing", "closed"}
	if len(got) != len(want) {
		t.Fatalf("cover states: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("cover states: got %v, want %v", got, want)
		}
	}
}

func TestIntegrationButtonGestures(t *testing.T) {
	r := newRig(t, integrationConfig(), "gate")

	gestures := map[gpio.Gesture]entrance.Command{
		gpio.GestureShort:  entrance.CmdMomentaryOpen,
		gpio.GestureLong:   entrance.CmdHoldOpen,
		gpio.GestureDouble: entrance.CmdClose,
	}
	d := gpio.NewGestureDetector(r.clock, gpio.DefaultGestureConfig(), func(g gpio.Gesture) {
		r.queue.Enqueue(ingress.Request{Channel: 0, Command: gestures[g], Source: ingress.SourceButton})
	})
	t.Cleanup(d.Stop)
	remote := gpio.NewFakeButton(d.Edge)

	// Long press opens and holds.
	remote.Down()
	r.clock.Advance(time.Second)
	if err := r.wait(); err != nil {
		t.Fatalf("long press: %v", err)
	}
	remote.Up()
	r.clock.Advance(15 * time.Second)
	if r.state(0) != entrance.StateHoldOpen {
		t.Fatalf("after long press: got %s, want HOLD_OPEN", r.state(0))
	}

	// Double press closes.
	remote.Press()
	r.clock.Advance(100 * time.Millisecond)
	remote.Press()
	if err := r.wait(); err != nil {
		t.Fatalf("double press: %v", err)
	}
	r.clock.Advance(15 * time.Second)
	if r.state(0) != entrance.StateClosed {
		t.Fatalf("after double press: got %s, want CLOSED", r.state(0))
	}

	// Short press opens momentarily once the double window closes.
	remote.Press()
	r.clock.Advance(400 * time.Millisecond)
	if err := r.wait(); err != nil {
		t.Fatalf("short press: %v", err)
	}
	r.clock.Advance(15 * time.Second)
	if r.state(0) != entrance.StateMomentaryOpen {
		t.Fatalf("after short press: got %s, want MOMENTARY_OPEN", r.state(0))
	}
}
