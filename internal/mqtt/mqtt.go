// Package mqtt carries the radio link over MQTT, with abstraction for testing.
//
// Frames use the network-server JSON shape: the LoRaWAN port in "fPort"
// and the application payload base64-encoded in "data".
package mqtt

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultPrefix is the topic prefix used when none is configured.
const DefaultPrefix = "gate-relay"

// Topics are the MQTT topics of one controller.
type Topics struct {
	// Up carries status uplinks.
	Up string
	// Down carries command downlinks.
	Down string
	// System carries lifecycle events.
	System string
}

// NewTopics derives the topics under prefix.
func NewTopics(prefix string) Topics {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Topics{
		Up:     prefix + "/up",
		Down:   prefix + "/down",
		System: prefix + "/system",
	}
}

// Link sends uplinks and lifecycle events to the broker.
type Link interface {
	// Send queues an uplink on port. It must not block; delivery failures
	// are retried by the link, not the caller.
	Send(port uint8, payload []byte, priority time.Duration) error

	// PublishSystem sends a lifecycle event.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// TopicLink gives integrations access to topics outside the controller's
// own prefix.
type TopicLink interface {
	// PublishRetained queues a retained QoS 1 message. It must not block.
	PublishRetained(topic string, payload []byte) error

	// Subscribe delivers every message on topic to handler, including after
	// a reconnect.
	Subscribe(topic string, handler MessageHandler) error
}

// MessageHandler receives a raw message. It runs on the MQTT client's
// callback goroutine and must not block.
type MessageHandler func(topic string, payload []byte)

// DownlinkHandler receives every decoded downlink. It runs on the MQTT
// client's callback goroutine and must not block.
type DownlinkHandler func(port uint8, payload []byte)

// Frame is the JSON envelope of uplinks and downlinks.
type Frame struct {
	FPort      uint8  `json:"fPort"`
	Data       string `json:"data"`
	PriorityMs int64  `json:"priorityMs,omitempty"`
}

// FormatUplink creates the JSON frame for an uplink.
func FormatUplink(port uint8, payload []byte, priority time.Duration) ([]byte, error) {
	return json.Marshal(Frame{
		FPort:      port,
		Data:       base64.StdEncoding.EncodeToString(payload),
		PriorityMs: priority.Milliseconds(),
	})
}

var errNoPort = errors.New("frame has no fPort")

// ParseDownlink decodes a downlink frame into its port and raw payload.
func ParseDownlink(raw []byte) (uint8, []byte, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.FPort == 0 {
		return 0, nil, errNoPort
	}
	data, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return 0, nil, fmt.Errorf("decode data: %w", err)
	}
	return f.FPort, data, nil
}

// SystemEvent represents a lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT", "OFFLINE"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// SystemPayload is the payload for events that carry no status snapshot (LWT).
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
