// Command gate-relay drives gate and garage door relays from radio downlinks,
// push buttons and HTTP, and reports each entrance's state over MQTT.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sweeney/gate-relay/internal/clock"
	"github.com/sweeney/gate-relay/internal/config"
	"github.com/sweeney/gate-relay/internal/entrance"
	"github.com/sweeney/gate-relay/internal/gpio"
	"github.com/sweeney/gate-relay/internal/ingress"
	"github.com/sweeney/gate-relay/internal/mqtt"
	"github.com/sweeney/gate-relay/internal/status"
	"github.com/sweeney/gate-relay/internal/web"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// statusRefresh is how often the tracker's MQTT connectivity is refreshed.
const statusRefresh = 5 * time.Second

type options struct {
	configPath  string
	envFile     string
	printConfig bool
	// Overrides applied only when the flag was given.
	logFile   *string
	httpAddr  *string
	heartbeat *time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "YAML config file (defaults only if empty)")
	flag.StringVar(&opts.envFile, "env-file", "", "Load environment variables from this .env file")
	flag.BoolVar(&opts.printConfig, "print-config", false, "Print the effective configuration and exit")
	logFile := flag.String("log-file", "", "Also write logs to this file, rotated")
	httpAddr := flag.String("http", ":80", "HTTP status address (empty to disable)")
	heartbeat := flag.Duration("heartbeat", 15*time.Minute, "Heartbeat interval (0 to disable)")

	flag.Parse()

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-file":
			opts.logFile = logFile
		case "http":
			opts.httpAddr = httpAddr
		case "heartbeat":
			opts.heartbeat = heartbeat
		}
	})

	if err := run(opts); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath, opts.envFile)
	if err != nil {
		return nil, err
	}
	if opts.logFile != nil {
		cfg.Log.File = *opts.logFile
	}
	if opts.httpAddr != nil {
		cfg.HTTP.Addr = *opts.httpAddr
	}
	if opts.heartbeat != nil {
		cfg.Heartbeat = config.Duration(*opts.heartbeat)
		if *opts.heartbeat < 0 {
			return nil, fmt.Errorf("invalid config: heartbeat must not be negative")
		}
	}
	return cfg, nil
}

func run(opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if opts.printConfig {
		out, err := cfg.Marshal()
		if err != nil {
			return fmt.Errorf("print config: %w", err)
		}
		os.Stdout.Write(out)
		return nil
	}

	if closeLog := setupLogging(cfg.Log); closeLog != nil {
		defer closeLog.Close()
	}

	// Initialize relay outputs
	specs := make([]entrance.ChannelSpec, 0, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		out, err := gpio.NewRealOutput(cfg.GPIO.Chip, ch.RelayPin, cfg.GPIO.ActiveLow)
		if err != nil {
			return fmt.Errorf("init relay %d (%s): %w", i, ch.Name, err)
		}
		defer out.Close()
		specs = append(specs, entrance.ChannelSpec{
			Name:           ch.Name,
			Port:           ch.Port,
			Output:         out,
			ReportInterval: ch.ReportInterval.D(),
		})
	}

	tracker := status.NewTracker(time.Now(), statusConfig(cfg), channelInfo(cfg))
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	queue := ingress.NewQueue(cfg.QueueSize)
	ports := newPortMap(cfg.Channels)

	// Initialize MQTT
	link, err := mqtt.NewRealLink(cfg.LinkConfig(), func(port uint8, payload []byte) {
		queue.Downlink(ports, port, payload)
	})
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer link.Close()

	var covers *mqtt.CoverBridge
	if cfg.HomeAssistant.Enabled {
		covers = mqtt.NewCoverBridge(link, cfg.HomeAssistant.DiscoveryPrefix, cfg.CoverDevice(version), cfg.Covers(),
			func(id int, cmd entrance.Command) {
				queue.Enqueue(ingress.Request{Channel: id, Command: cmd, Source: ingress.SourceHomeAssistant})
			})
	}

	clk := clock.NewReal()
	ctrl := entrance.NewController(cfg.ControllerConfig(), clk, link, specs, entrance.Hooks{
		Report: reportHook(tracker, covers),
		Dropped: func(id int, _ entrance.Command) {
			tracker.RecordDropped(id)
		},
	})

	defer ctrl.Stop()

	// The dispatcher stops before the controller does.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Run(ctx, ctrl)

	// Initialize buttons
	for i, ch := range cfg.Channels {
		if ch.ButtonPin == nil {
			continue
		}
		onEdge, stop, err := buttonHandler(clk, cfg.GestureConfig(), i, ch, queue.Enqueue)
		if err != nil {
			return err
		}
		defer stop()
		btn, err := gpio.NewRealButton(cfg.GPIO.Chip, *ch.ButtonPin, cfg.GPIO.ButtonDebounce.D(), onEdge)
		if err != nil {
			return fmt.Errorf("init button %d (%s): %w", i, ch.Name, err)
		}
		defer btn.Close()
	}

	ctrl.Start()

	if covers != nil {
		if err := covers.Start(); err != nil {
			log.Printf("homeassistant: %v", err)
		} else {
			log.Printf("homeassistant: announced %d covers under %s", len(cfg.Channels), cfg.HomeAssistant.DiscoveryPrefix)
		}
	}

	// Publish startup event with full status snapshot
	tracker.SetMQTTConnected(link.IsConnected())
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := link.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	// Start HTTP status server
	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, queue)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", cfg.HTTP.Addr)
	}

	log.Printf("started: channels=%d movement=%v auto_close=%v broker=%s heartbeat=%v",
		len(specs), cfg.Entrance.Movement.D(), cfg.Entrance.AutoClose, cfg.MQTT.Broker, cfg.Heartbeat.D())

	var heartbeatC <-chan time.Time
	if cfg.Heartbeat > 0 {
		hb := time.NewTicker(cfg.Heartbeat.D())
		defer hb.Stop()
		heartbeatC = hb.C
	}
	refresh := time.NewTicker(statusRefresh)
	defer refresh.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(link, link, tracker, time.Now, refresh.C, heartbeatC, sigCh)
}

// runLoop publishes lifecycle events until a shutdown signal arrives.
// Commands and timed transitions run on their own goroutines.
func runLoop(link mqtt.Link, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, now func() time.Time, refresh, heartbeat <-chan time.Time, sig <-chan os.Signal) error {
	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "SHUTDOWN",
				Reason:    signalName,
				Retained:  true,
			}
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				event.RawPayload = status.FormatStatusEvent(tracker.Snapshot(), "SHUTDOWN", signalName)
			}
			if err := link.PublishSystem(event); err != nil {
				log.Printf("failed to publish shutdown event: %v", err)
			} else {
				log.Printf("published shutdown event")
			}
			return nil

		case <-refresh:
			if tracker != nil && mqttStatus != nil {
				tracker.SetMQTTConnected(mqttStatus.IsConnected())
			}

		case <-heartbeat:
			hbEvent := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "HEARTBEAT",
			}
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				// Refresh network info for heartbeat
				if net := readNetworkInfo(); net != nil {
					tracker.SetNetwork(net)
				}
				snap := tracker.Snapshot()
				log.Printf("heartbeat: uptime=%v channels=%s", snap.Uptime().Truncate(time.Second), summarize(snap.Channels))
				hbEvent.RawPayload = status.FormatStatusEvent(snap, "HEARTBEAT", "")
			}
			if err := link.PublishSystem(hbEvent); err != nil {
				log.Printf("heartbeat publish error: %v", err)
			}
		}
	}
}

func summarize(chs []status.ChannelInfo) string {
	s := ""
	for i, ch := range chs {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%s=%s", ch.Name, ch.State)
	}
	return s
}

// reportHook feeds channel reports to the tracker and, if enabled, the Home
// Assistant covers.
func reportHook(tracker *status.Tracker, covers *mqtt.CoverBridge) func(entrance.StatusReport) {
	if covers == nil {
		return tracker.RecordReport
	}
	return func(r entrance.StatusReport) {
		tracker.RecordReport(r)
		covers.Update(r)
	}
}

// buttonHandler returns the edge handler for a channel's button. A plain
// button enqueues its command on every press; a button with gestures
// enqueues the command bound to each recognised gesture. stop cancels any
// pending gesture.
func buttonHandler(clk clock.Clock, gc gpio.GestureConfig, id int, ch config.ChannelConfig, enqueue func(ingress.Request) bool) (onEdge gpio.EdgeHandler, stop func(), err error) {
	gestures, err := ch.Gestures()
	if err != nil {
		return nil, nil, fmt.Errorf("button %d (%s): %w", id, ch.Name, err)
	}
	if gestures == nil {
		cmd, ok := ch.Command()
		if !ok {
			return nil, nil, fmt.Errorf("button %d (%s): unknown command %q", id, ch.Name, ch.ButtonCommand)
		}
		onEdge = func(pressed bool) {
			if pressed {
				enqueue(ingress.Request{Channel: id, Command: cmd, Source: ingress.SourceButton})
			}
		}
		return onEdge, func() {}, nil
	}

	d := gpio.NewGestureDetector(clk, gc, func(g gpio.Gesture) {
		cmd, ok := gestures[g]
		if !ok {
			return
		}
		log.Printf("button %d (%s): %s press, %s", id, ch.Name, g, cmd)
		enqueue(ingress.Request{Channel: id, Command: cmd, Source: ingress.SourceButton})
	})
	return d.Edge, d.Stop, nil
}

// portMap resolves downlink ports from the configuration, so downlinks
// can be routed before the controller exists.
type portMap map[uint8]int

func newPortMap(chs []config.ChannelConfig) portMap {
	m := make(portMap, len(chs))
	for i, ch := range chs {
		m[ch.Port] = i
	}
	return m
}

func (m portMap) ChannelForPort(port uint8) (int, bool) {
	id, ok := m[port]
	return id, ok
}

func statusConfig(cfg *config.Config) status.Config {
	return status.Config{
		MovementMs:       cfg.Entrance.Movement.D().Milliseconds(),
		AutoClose:        cfg.Entrance.AutoClose,
		AutoCloseMs:      cfg.Entrance.AutoCloseInterval.D().Milliseconds(),
		PulseMs:          cfg.Entrance.MomentaryPulse.D().Milliseconds(),
		ReportIntervalMs: cfg.Entrance.ReportInterval.D().Milliseconds(),
		Broker:           cfg.MQTT.Broker,
		Prefix:           cfg.MQTT.Prefix,
		HTTPAddr:         cfg.HTTP.Addr,
	}
}

func channelInfo(cfg *config.Config) []status.ChannelInfo {
	chs := make([]status.ChannelInfo, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		chs[i] = status.ChannelInfo{Name: ch.Name, Port: ch.Port}
		if chs[i].Name == "" {
			chs[i].Name = fmt.Sprintf("relay%d", i)
		}
	}
	return chs
}

// setupLogging tees the standard logger into a rotating file when one is
// configured. The returned closer is nil if no file is used.
func setupLogging(lc config.LogConfig) io.Closer {
	if lc.File == "" {
		return nil
	}
	lj := &lumberjack.Logger{
		Filename:   lc.File,
		MaxSize:    lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAgeDays,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, lj))
	return lj
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
