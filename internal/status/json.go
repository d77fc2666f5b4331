package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string        `json:"event,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Channels      []ChannelJSON `json:"channels"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartTime     string        `json:"start_time"`
	Timestamp     string        `json:"timestamp"`
	MQTT          MQTTStatus    `json:"mqtt"`
	Network       *NetworkJSON  `json:"network,omitempty"`
	Config        ConfigJSON    `json:"config"`
}

// ChannelJSON is the JSON representation of one relay channel.
type ChannelJSON struct {
	Name       string `json:"name"`
	Port       uint8  `json:"port"`
	State      string `json:"state"`
	LastReport string `json:"last_report,omitempty"`
	Reports    int    `json:"reports"`
	Dropped    int    `json:"dropped_commands"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
	Prefix    string `json:"prefix"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	MovementMs       int64  `json:"movement_ms"`
	AutoClose        bool   `json:"auto_close"`
	AutoCloseMs      int64  `json:"auto_close_interval_ms"`
	PulseMs          int64  `json:"momentary_pulse_ms"`
	ReportIntervalMs int64  `json:"report_interval_ms"`
	HTTPAddr         string `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	channels := make([]ChannelJSON, 0, len(snap.Channels))
	for _, ch := range snap.Channels {
		cj := ChannelJSON{
			Name:    ch.Name,
			Port:    ch.Port,
			State:   ch.State.String(),
			Reports: ch.Reports,
			Dropped: ch.Dropped,
		}
		if !ch.LastReport.IsZero() {
			cj.LastReport = ch.LastReport.UTC().Format(time.RFC3339)
		}
		channels = append(channels, cj)
	}

	inner := StatusInner{
		Channels:      channels,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT: MQTTStatus{
			Connected: snap.MQTTConnected,
			Broker:    snap.Config.Broker,
			Prefix:    snap.Config.Prefix,
		},
		Config: ConfigJSON{
			MovementMs:       snap.Config.MovementMs,
			AutoClose:        snap.Config.AutoClose,
			AutoCloseMs:      snap.Config.AutoCloseMs,
			PulseMs:          snap.Config.PulseMs,
			ReportIntervalMs: snap.Config.ReportIntervalMs,
			HTTPAddr:         snap.Config.HTTPAddr,
		},
	}
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
