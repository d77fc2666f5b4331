// Package status provides a thread-safe status tracker for the gate-relay daemon.
// It is fed by the controller's report hooks and read by the HTTP server and
// the MQTT lifecycle events.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/gate-relay/internal/entrance"
)

// NetworkInfo contains network state as written by pi-helper.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	MovementMs       int64
	AutoClose        bool
	AutoCloseMs      int64
	PulseMs          int64
	ReportIntervalMs int64
	Broker           string
	Prefix           string
	HTTPAddr         string
}

// ChannelInfo is the last known state of one relay channel.
type ChannelInfo struct {
	Name       string
	Port       uint8
	State      entrance.State
	LastReport time.Time
	Reports    int
	Dropped    int
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Channels      []ChannelInfo
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker for the given channels. Channel states start
// UNKNOWN until their first report.
func NewTracker(startTime time.Time, cfg Config, channels []ChannelInfo) *Tracker {
	chs := make([]ChannelInfo, len(channels))
	copy(chs, channels)
	return &Tracker{
		snap: Snapshot{
			Channels:  chs,
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// RecordReport stores a status report. Reports for unknown channels are ignored.
// Safe to call from the controller's report hook.
func (t *Tracker) RecordReport(r entrance.StatusReport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.Channel < 0 || r.Channel >= len(t.snap.Channels) {
		return
	}
	ch := &t.snap.Channels[r.Channel]
	ch.State = r.State
	ch.LastReport = r.At
	ch.Reports++
}

// RecordDropped counts a command dropped while channel id was moving.
func (t *Tracker) RecordDropped(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.snap.Channels) {
		return
	}
	t.snap.Channels[id].Dropped++
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Channels = make([]ChannelInfo, len(t.snap.Channels))
	copy(s.Channels, t.snap.Channels)
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
