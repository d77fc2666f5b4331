package mqtt

import (
	"sync"
	"time"
)

// Uplink is a recorded Send call.
type Uplink struct {
	Port     uint8
	Payload  []byte
	Priority time.Duration
	Frame    []byte
}

// Retained is a recorded PublishRetained call.
type Retained struct {
	Topic   string
	Payload []byte
}

// FakeLink records uplinks and system events for test assertions, and
// delivers scripted downlinks to its handler.
type FakeLink struct {
	mu sync.Mutex

	// Uplinks contains all uplinks that were sent.
	Uplinks []Uplink

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// RetainedMessages contains all retained publishes, in order.
	RetainedMessages []Retained

	// SendError, if set, will be returned by Send.
	SendError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool

	onDownlink DownlinkHandler
	subs       map[string]MessageHandler
}

// NewFakeLink creates a FakeLink that passes downlinks to onDownlink.
func NewFakeLink(onDownlink DownlinkHandler) *FakeLink {
	return &FakeLink{onDownlink: onDownlink}
}

// SetDownlinkHandler replaces the downlink handler.
func (f *FakeLink) SetDownlinkHandler(h DownlinkHandler) {
	f.mu.Lock()
	f.onDownlink = h
	f.mu.Unlock()
}

// Deliver simulates a raw downlink frame arriving from the broker.
func (f *FakeLink) Deliver(raw []byte) error {
	port, data, err := ParseDownlink(raw)
	if err != nil {
		return err
	}
	f.mu.Lock()
	h := f.onDownlink
	f.mu.Unlock()
	if h != nil {
		h(port, data)
	}
	return nil
}

// Send records the uplink.
func (f *FakeLink) Send(port uint8, payload []byte, priority time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendError != nil {
		return f.SendError
	}

	frame, err := FormatUplink(port, payload, priority)
	if err != nil {
		return err
	}
	f.Uplinks = append(f.Uplinks, Uplink{
		Port:     port,
		Payload:  append([]byte(nil), payload...),
		Priority: priority,
		Frame:    frame,
	})
	return nil
}

// PublishSystem records the system event.
func (f *FakeLink) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}

	f.SystemEvents = append(f.SystemEvents, event)

	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemPayloads = append(f.SystemPayloads, payload)
	return nil
}

// PublishRetained records the message.
func (f *FakeLink) PublishRetained(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RetainedMessages = append(f.RetainedMessages, Retained{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

// Subscribe registers handler for messages passed to Inject on topic.
func (f *FakeLink) Subscribe(topic string, handler MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[string]MessageHandler)
	}
	f.subs[topic] = handler
	return nil
}

// Inject simulates a message arriving on topic. It reports whether anything
// was subscribed.
func (f *FakeLink) Inject(topic string, payload []byte) bool {
	f.mu.Lock()
	h := f.subs[topic]
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(topic, payload)
	return true
}

// LastRetained returns the newest retained payload on topic, or nil.
func (f *FakeLink) LastRetained(topic string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.RetainedMessages) - 1; i >= 0; i-- {
		if f.RetainedMessages[i].Topic == topic {
			return f.RetainedMessages[i].Payload
		}
	}
	return nil
}

// RetainedOn returns every retained payload published on topic, as strings.
func (f *FakeLink) RetainedOn(topic string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.RetainedMessages {
		if m.Topic == topic {
			out = append(out, string(m.Payload))
		}
	}
	return out
}

// SentUplinks returns a copy of the recorded uplinks.
func (f *FakeLink) SentUplinks() []Uplink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Uplink(nil), f.Uplinks...)
}

// Close marks the link as closed.
func (f *FakeLink) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// IsConnected reports whether the fake link is "connected".
func (f *FakeLink) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// Reset clears recorded uplinks and events.
func (f *FakeLink) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Uplinks = nil
	f.SystemEvents = nil
	f.SystemPayloads = nil
	f.RetainedMessages = nil
	f.Closed = false
	f.SendError = nil
	f.PublishSystemError = nil
	f.Connected = false
}
