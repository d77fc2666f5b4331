package mqtt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/sweeney/gate-relay/internal/entrance"
)

// DefaultDiscoveryPrefix is Home Assistant's MQTT discovery prefix.
const DefaultDiscoveryPrefix = "homeassistant"

// Home Assistant cover states.
const (
	CoverOpen    = "open"
	CoverOpening = "opening"
	CoverClosed  = "closed"
	CoverClosing = "closing"
)

// CoverSpec exposes one channel as a Home Assistant cover.
type CoverSpec struct {
	Channel  int
	UniqueID string
	// Name is shown in Home Assistant. Empty derives it from UniqueID.
	Name        string
	DeviceClass string
	// OpenCommand is sent for an "open" request. Zero means MOMENTARY_OPEN.
	OpenCommand entrance.Command
}

// CoverDevice describes the controller in discovery messages.
type CoverDevice struct {
	ID           string
	Manufacturer string
	Model        string
	SWVersion    string
}

// CoverCommandHandler receives commands from Home Assistant. It runs on the
// MQTT callback goroutine and must not block.
type CoverCommandHandler func(channel int, cmd entrance.Command)

// CoverBridge mirrors channel state reports as Home Assistant MQTT covers
// and turns cover commands into entrance commands.
type CoverBridge struct {
	link      TopicLink
	prefix    string
	device    CoverDevice
	onCommand CoverCommandHandler

	mu     sync.Mutex
	covers []*cover
	byID   map[int]*cover
}

type cover struct {
	spec  CoverSpec
	base  string
	last  entrance.State
	shown string
}

// NewCoverBridge creates a bridge for specs under the discovery prefix.
func NewCoverBridge(link TopicLink, prefix string, device CoverDevice, specs []CoverSpec, onCommand CoverCommandHandler) *CoverBridge {
	if prefix == "" {
		prefix = DefaultDiscoveryPrefix
	}
	b := &CoverBridge{
		link:      link,
		prefix:    prefix,
		device:    device,
		onCommand: onCommand,
		byID:      make(map[int]*cover),
	}
	for _, s := range specs {
		if s.OpenCommand == 0 {
			s.OpenCommand = entrance.CmdMomentaryOpen
		}
		if s.Name == "" {
			s.Name = displayName(s.UniqueID)
		}
		c := &cover{
			spec: s,
			base: prefix + "/cover/" + s.UniqueID,
			// Channels start CLOSED.
			last: entrance.StateClosed,
		}
		b.covers = append(b.covers, c)
		b.byID[s.Channel] = c
	}
	return b
}

// Start subscribes to each cover's command topic and to Home Assistant's
// status topic, then announces every cover.
func (b *CoverBridge) Start() error {
	var errs []error
	for _, c := range b.covers {
		if err := b.link.Subscribe(c.base+"/command", b.commandHandler(c)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.link.Subscribe(b.prefix+"/status", b.handleStatus); err != nil {
		errs = append(errs, err)
	}
	if err := b.Announce(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Announce publishes the retained discovery config of every cover and
// repeats the last published state.
func (b *CoverBridge) Announce() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, c := range b.covers {
		cfg, err := b.discovery(c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := b.link.PublishRetained(c.base+"/config", cfg); err != nil {
			errs = append(errs, fmt.Errorf("announce %s: %w", c.spec.UniqueID, err))
		}
		if c.shown != "" {
			b.publishState(c, c.shown)
		}
	}
	return errors.Join(errs...)
}

// Update publishes the cover state for a channel report. Only changes of the
// Home Assistant state are published. It does not call back into the
// controller, so it can be used as a report hook.
func (b *CoverBridge) Update(r entrance.StatusReport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.byID[r.Channel]
	if !ok {
		return
	}
	s := coverState(c.last, r.State, c.shown)
	c.last = r.State
	if s == "" || s == c.shown {
		return
	}
	c.shown = s
	b.publishState(c, s)
}

// State returns the last published state of channel's cover.
func (b *CoverBridge) State(channel int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.byID[channel]; ok {
		return c.shown
	}
	return ""
}

// Caller must hold b.mu.
func (b *CoverBridge) publishState(c *cover, s string) {
	if err := b.link.PublishRetained(c.base+"/state", []byte(s)); err != nil {
		log.Printf("homeassistant: %s: publish state %s: %v", c.spec.UniqueID, s, err)
	}
}

// coverState maps a channel state to a cover state. MOVING is reported as
// opening when it follows CLOSED and closing otherwise; a repeated MOVING
// keeps the direction already shown.
func coverState(prev, cur entrance.State, shown string) string {
	switch cur {
	case entrance.StateMoving:
		switch prev {
		case entrance.StateClosed:
			return CoverOpening
		case entrance.StateMoving:
			return shown
		}
		return CoverClosing
	case entrance.StateMomentaryOpen, entrance.StateHoldOpen:
		return CoverOpen
	case entrance.StateClosed:
		return CoverClosed
	}
	return ""
}

func (b *CoverBridge) commandHandler(c *cover) MessageHandler {
	return func(topic string, payload []byte) {
		var cmd entrance.Command
		switch strings.ToLower(string(bytes.TrimSpace(payload))) {
		case "open":
			cmd = c.spec.OpenCommand
		case "close":
			cmd = entrance.CmdClose
		default:
			log.Printf("homeassistant: unknown command %q on %s", payload, topic)
			return
		}
		log.Printf("homeassistant: %s %s", c.spec.UniqueID, cmd)
		if b.onCommand != nil {
			b.onCommand(c.spec.Channel, cmd)
		}
	}
}

// handleStatus re-announces when Home Assistant comes back online.
func (b *CoverBridge) handleStatus(_ string, payload []byte) {
	if strings.EqualFold(string(bytes.TrimSpace(payload)), "online") {
		if err := b.Announce(); err != nil {
			log.Printf("homeassistant: re-announce: %v", err)
		}
	}
}

type discoveryDevice struct {
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	SerialNumber string   `json:"serial_number,omitempty"`
	Identifiers  []string `json:"identifiers"`
}

type discoveryOrigin struct {
	Name      string `json:"name"`
	SWVersion string `json:"sw_version,omitempty"`
}

type discoveryConfig struct {
	Device       discoveryDevice `json:"device"`
	Origin       discoveryOrigin `json:"origin"`
	DeviceClass  string          `json:"device_class,omitempty"`
	Name         string          `json:"name"`
	UniqueID     string          `json:"unique_id"`
	Base         string          `json:"~"`
	CommandTopic string          `json:"command_topic"`
	StateTopic   string          `json:"state_topic"`
	// PayloadStop is always null: the relays cannot stop mid-travel.
	PayloadStop *string `json:"payload_stop"`
}

// Caller must hold b.mu.
func (b *CoverBridge) discovery(c *cover) ([]byte, error) {
	msg := discoveryConfig{
		Device: discoveryDevice{
			Manufacturer: b.device.Manufacturer,
			Model:        b.device.Model,
			SWVersion:    b.device.SWVersion,
			SerialNumber: b.device.ID,
			Identifiers:  []string{b.device.ID},
		},
		Origin: discoveryOrigin{
			Name:      "gate-relay",
			SWVersion: b.device.SWVersion,
		},
		DeviceClass:  c.spec.DeviceClass,
		Name:         c.spec.Name,
		UniqueID:     c.spec.UniqueID,
		Base:         c.base,
		CommandTopic: "~/command",
		StateTopic:   "~/state",
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal discovery for %s: %w", c.spec.UniqueID, err)
	}
	return data, nil
}

// displayName turns "driveway_gate" into "Driveway gate".
func displayName(uid string) string {
	s := strings.ReplaceAll(uid, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
