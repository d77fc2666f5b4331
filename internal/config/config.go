// Package config loads the gate-relay daemon configuration.
//
// Values are layered: built-in defaults, then the YAML file, then the
// process environment (optionally seeded from a .env file).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/sweeney/gate-relay/internal/entrance"
	"github.com/sweeney/gate-relay/internal/gpio"
	"github.com/sweeney/gate-relay/internal/mqtt"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GATE_"

// Config is the complete daemon configuration.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Entrance  EntranceConfig  `yaml:"entrance"`
	Channels  []ChannelConfig `yaml:"channels"`
	GPIO      GPIOConfig      `yaml:"gpio"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Heartbeat Duration        `yaml:"heartbeat"`
	QueueSize int             `yaml:"queue_size"`

	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
}

// HomeAssistantConfig exposes every channel as a Home Assistant MQTT cover.
type HomeAssistantConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// DeviceID identifies the controller in Home Assistant. Empty falls
	// back to mqtt.client_id, then to "gate-relay".
	DeviceID string `yaml:"device_id,omitempty"`
}

// MQTTConfig holds the broker connection settings.
type MQTTConfig struct {
	Broker     string `yaml:"broker"`
	ClientID   string `yaml:"client_id"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Prefix     string `yaml:"prefix"`
	OutboxSize int    `yaml:"outbox_size"`
}

// EntranceConfig holds the mechanical timings shared by every channel.
type EntranceConfig struct {
	Movement          Duration `yaml:"movement"`
	AutoClose         bool     `yaml:"auto_close"`
	AutoCloseInterval Duration `yaml:"auto_close_interval"`
	MomentaryPulse    Duration `yaml:"momentary_pulse"`
	ReportInterval    Duration `yaml:"report_interval"`
	UplinkPriority    Duration `yaml:"uplink_priority"`
}

// ChannelConfig describes one relay channel.
type ChannelConfig struct {
	Name string `yaml:"name"`
	// Port is the downlink/uplink port. Zero means 0x80 plus the channel index.
	Port          uint8  `yaml:"port"`
	RelayPin      int    `yaml:"relay_pin"`
	ButtonPin     *int   `yaml:"button_pin,omitempty"`
	ButtonCommand string `yaml:"button_command,omitempty"`
	// ButtonGestures replaces ButtonCommand with one command per gesture.
	ButtonGestures *GestureCommands `yaml:"button_gestures,omitempty"`
	ReportInterval Duration         `yaml:"report_interval,omitempty"`

	// Home Assistant cover settings. UniqueID defaults to the name.
	UniqueID    string `yaml:"unique_id,omitempty"`
	DeviceClass string `yaml:"device_class,omitempty"`
	OpenCommand string `yaml:"open_command,omitempty"`
}

// GestureCommands maps button gestures to command names. Empty entries
// ignore the gesture.
type GestureCommands struct {
	Short  string `yaml:"short,omitempty"`
	Long   string `yaml:"long,omitempty"`
	Double string `yaml:"double,omitempty"`
}

// GPIOConfig selects the GPIO chip and line polarity.
type GPIOConfig struct {
	Chip           string   `yaml:"chip"`
	ActiveLow      bool     `yaml:"active_low"`
	ButtonDebounce Duration `yaml:"button_debounce"`
	// Gesture timings, used by channels with button_gestures.
	LongPress    Duration `yaml:"long_press"`
	DoubleWindow Duration `yaml:"double_window"`
}

// HTTPConfig configures the status server. An empty Addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures the optional rotating log file.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns the built-in configuration: one gate channel.
func Default() *Config {
	ec := entrance.DefaultConfig()
	gc := gpio.DefaultGestureConfig()
	btn := gpio.PinButton0
	return &Config{
		MQTT: MQTTConfig{
			Broker:     "tcp://192.168.1.200:1883",
			Prefix:     mqtt.DefaultPrefix,
			OutboxSize: mqtt.DefaultOutboxSize,
		},
		Entrance: EntranceConfig{
			Movement:          Duration(ec.Movement),
			AutoClose:         ec.AutoClose,
			AutoCloseInterval: Duration(ec.AutoCloseInterval),
			MomentaryPulse:    Duration(ec.MomentaryPulse),
			ReportInterval:    Duration(ec.ReportInterval),
			UplinkPriority:    Duration(ec.UplinkPriority),
		},
		Channels: []ChannelConfig{
			{Name: "gate", RelayPin: gpio.PinRelay0, ButtonPin: &btn, ButtonCommand: "momentary_open"},
		},
		GPIO: GPIOConfig{
			Chip:           gpio.DefaultChip,
			ButtonDebounce: Duration(50 * time.Millisecond),
			LongPress:      Duration(gc.LongPress),
			DoubleWindow:   Duration(gc.DoubleWindow),
		},
		HTTP:      HTTPConfig{Addr: ":80"},
		Log:       LogConfig{MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28},
		Heartbeat: Duration(15 * time.Minute),
		HomeAssistant: HomeAssistantConfig{
			DiscoveryPrefix: mqtt.DefaultDiscoveryPrefix,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path
// (skipped when path is empty) and the environment. If envFile is not empty
// it is loaded into the environment first; variables already set win.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.fillPorts()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides cfg with GATE_* variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = Duration(d)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("MQTT_BROKER", &cfg.MQTT.Broker)
	str("MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	str("MQTT_USERNAME", &cfg.MQTT.Username)
	str("MQTT_PASSWORD", &cfg.MQTT.Password)
	str("MQTT_PREFIX", &cfg.MQTT.Prefix)
	str("HTTP_ADDR", &cfg.HTTP.Addr)
	str("LOG_FILE", &cfg.Log.File)
	str("GPIO_CHIP", &cfg.GPIO.Chip)
	boolean("GPIO_ACTIVE_LOW", &cfg.GPIO.ActiveLow)
	boolean("AUTO_CLOSE", &cfg.Entrance.AutoClose)
	boolean("HA_ENABLED", &cfg.HomeAssistant.Enabled)
	str("HA_DISCOVERY_PREFIX", &cfg.HomeAssistant.DiscoveryPrefix)
	dur("MOVEMENT", &cfg.Entrance.Movement)
	dur("AUTO_CLOSE_INTERVAL", &cfg.Entrance.AutoCloseInterval)
	dur("MOMENTARY_PULSE", &cfg.Entrance.MomentaryPulse)
	dur("REPORT_INTERVAL", &cfg.Entrance.ReportInterval)
	dur("HEARTBEAT", &cfg.Heartbeat)

	return errors.Join(errs...)
}

// defaultPorts is how many channels can take DefaultPortBase+index without
// wrapping past 0xff.
const defaultPorts = 256 - int(entrance.DefaultPortBase)

func (c *Config) fillPorts() {
	for i := range c.Channels {
		if c.Channels[i].Port == 0 && i < defaultPorts {
			c.Channels[i].Port = entrance.DefaultPortBase + uint8(i)
		}
	}
}

// Validate reports every problem found in c.
func (c *Config) Validate() error {
	var errs []error
	if c.Entrance.Movement <= 0 {
		errs = append(errs, errors.New("entrance.movement must be positive"))
	}
	if c.Entrance.MomentaryPulse <= 0 {
		errs = append(errs, errors.New("entrance.momentary_pulse must be positive"))
	}
	if c.Entrance.AutoClose && c.Entrance.AutoCloseInterval <= 0 {
		errs = append(errs, errors.New("entrance.auto_close_interval must be positive when auto_close is set"))
	}
	if c.Entrance.ReportInterval < 0 {
		errs = append(errs, errors.New("entrance.report_interval must not be negative"))
	}
	if c.Heartbeat < 0 {
		errs = append(errs, errors.New("heartbeat must not be negative"))
	}
	if len(c.Channels) == 0 {
		errs = append(errs, errors.New("at least one channel is required"))
	}
	if c.MQTT.Prefix == "" {
		errs = append(errs, errors.New("mqtt.prefix must not be empty"))
	}

	ports := make(map[uint8]int)
	pins := make(map[int]string)
	uids := make(map[string]string)
	usesGestures := false
	for i, ch := range c.Channels {
		name := ch.Name
		if name == "" {
			name = fmt.Sprintf("channel %d", i)
		}
		port := ch.Port
		if port == 0 {
			if i >= defaultPorts {
				errs = append(errs, fmt.Errorf("%s: no default port past channel %d, set port", name, defaultPorts-1))
			}
			port = entrance.DefaultPortBase + uint8(i)
		}
		if j, dup := ports[port]; dup {
			errs = append(errs, fmt.Errorf("%s: port %d already used by channel %d", name, port, j))
		} else {
			ports[port] = i
		}
		if ch.RelayPin < 0 {
			errs = append(errs, fmt.Errorf("%s: relay_pin must not be negative", name))
		} else if other, dup := pins[ch.RelayPin]; dup {
			errs = append(errs, fmt.Errorf("%s: relay_pin %d already used by %s", name, ch.RelayPin, other))
		} else {
			pins[ch.RelayPin] = name
		}
		if ch.ButtonPin != nil {
			if other, dup := pins[*ch.ButtonPin]; dup {
				errs = append(errs, fmt.Errorf("%s: button_pin %d already used by %s", name, *ch.ButtonPin, other))
			} else {
				pins[*ch.ButtonPin] = name
			}
			switch {
			case ch.ButtonGestures != nil && ch.ButtonCommand != "":
				errs = append(errs, fmt.Errorf("%s: set button_command or button_gestures, not both", name))
			case ch.ButtonGestures != nil:
				if _, err := ch.Gestures(); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", name, err))
				}
				usesGestures = true
			default:
				if _, ok := entrance.ParseCommandName(ch.ButtonCommand); !ok {
					errs = append(errs, fmt.Errorf("%s: unknown button_command %q", name, ch.ButtonCommand))
				}
			}
		}
		if c.HomeAssistant.Enabled {
			uid := ch.coverID(i)
			if other, dup := uids[uid]; dup {
				errs = append(errs, fmt.Errorf("%s: unique_id %q already used by %s", name, uid, other))
			}
			uids[uid] = name
			if ch.OpenCommand != "" {
				if _, ok := entrance.ParseCommandName(ch.OpenCommand); !ok {
					errs = append(errs, fmt.Errorf("%s: unknown open_command %q", name, ch.OpenCommand))
				}
			}
		}
		if ch.ReportInterval < 0 {
			errs = append(errs, fmt.Errorf("%s: report_interval must not be negative", name))
		}
	}
	if usesGestures {
		if c.GPIO.LongPress <= 0 {
			errs = append(errs, errors.New("gpio.long_press must be positive"))
		}
		if c.GPIO.DoubleWindow < 0 {
			errs = append(errs, errors.New("gpio.double_window must not be negative"))
		}
	}
	if c.HomeAssistant.Enabled && c.HomeAssistant.DiscoveryPrefix == "" {
		errs = append(errs, errors.New("homeassistant.discovery_prefix must not be empty"))
	}
	return errors.Join(errs...)
}

// ControllerConfig converts the timings for the controller.
func (c *Config) ControllerConfig() entrance.Config {
	return entrance.Config{
		Movement:          c.Entrance.Movement.D(),
		AutoClose:         c.Entrance.AutoClose,
		AutoCloseInterval: c.Entrance.AutoCloseInterval.D(),
		MomentaryPulse:    c.Entrance.MomentaryPulse.D(),
		ReportInterval:    c.Entrance.ReportInterval.D(),
		UplinkPriority:    c.Entrance.UplinkPriority.D(),
	}
}

// LinkConfig converts the broker settings for the link.
func (c *Config) LinkConfig() mqtt.Config {
	return mqtt.Config{
		Broker:     c.MQTT.Broker,
		ClientID:   c.MQTT.ClientID,
		Username:   c.MQTT.Username,
		Password:   c.MQTT.Password,
		Prefix:     c.MQTT.Prefix,
		OutboxSize: c.MQTT.OutboxSize,
	}
}

// Command returns the command the channel's button sends.
func (ch ChannelConfig) Command() (entrance.Command, bool) {
	return entrance.ParseCommandName(ch.ButtonCommand)
}

// Gestures returns the command for each configured gesture, or nil if the
// channel's button does not use gestures.
func (ch ChannelConfig) Gestures() (map[gpio.Gesture]entrance.Command, error) {
	if ch.ButtonGestures == nil {
		return nil, nil
	}
	m := make(map[gpio.Gesture]entrance.Command)
	var errs []error
	for g, name := range map[gpio.Gesture]string{
		gpio.GestureShort:  ch.ButtonGestures.Short,
		gpio.GestureLong:   ch.ButtonGestures.Long,
		gpio.GestureDouble: ch.ButtonGestures.Double,
	} {
		if name == "" {
			continue
		}
		cmd, ok := entrance.ParseCommandName(name)
		if !ok {
			errs = append(errs, fmt.Errorf("unknown button_gestures.%s command %q", g, name))
			continue
		}
		m[g] = cmd
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, errors.New("button_gestures needs at least one gesture")
	}
	return m, nil
}

// GestureConfig converts the gesture timings for the detector.
func (c *Config) GestureConfig() gpio.GestureConfig {
	return gpio.GestureConfig{
		LongPress:    c.GPIO.LongPress.D(),
		DoubleWindow: c.GPIO.DoubleWindow.D(),
	}
}

func (ch ChannelConfig) coverID(i int) string {
	if ch.UniqueID != "" {
		return ch.UniqueID
	}
	if ch.Name != "" {
		return ch.Name
	}
	return fmt.Sprintf("relay%d", i)
}

// Covers describes every channel as a Home Assistant cover.
func (c *Config) Covers() []mqtt.CoverSpec {
	specs := make([]mqtt.CoverSpec, len(c.Channels))
	for i, ch := range c.Channels {
		s := mqtt.CoverSpec{
			Channel:     i,
			UniqueID:    ch.coverID(i),
			DeviceClass: ch.DeviceClass,
		}
		if s.DeviceClass == "" {
			s.DeviceClass = "gate"
		}
		if cmd, ok := entrance.ParseCommandName(ch.OpenCommand); ok {
			s.OpenCommand = cmd
		}
		specs[i] = s
	}
	return specs
}

// CoverDevice identifies the controller in Home Assistant.
func (c *Config) CoverDevice(version string) mqtt.CoverDevice {
	id := c.HomeAssistant.DeviceID
	if id == "" {
		id = c.MQTT.ClientID
	}
	if id == "" {
		id = "gate-relay"
	}
	return mqtt.CoverDevice{
		ID:           id,
		Manufacturer: "gate-relay",
		Model:        "Entrance relay controller",
		SWVersion:    version,
	}
}

// Marshal renders c as YAML with secrets masked.
func (c *Config) Marshal() ([]byte, error) {
	cp := *c
	if cp.MQTT.Password != "" {
		cp.MQTT.Password = strings.Repeat("*", 8)
	}
	return yaml.Marshal(&cp)
}
