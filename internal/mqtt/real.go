package mqtt

import (
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// DefaultOutboxSize bounds the uplinks kept while the broker is unreachable.
const DefaultOutboxSize = 64

// Config configures the broker connection.
type Config struct {
	Broker     string
	ClientID   string // empty derives "gate-relay-<random>"
	Username   string
	Password   string
	Prefix     string
	OutboxSize int
}

// RealLink talks to an actual MQTT broker.
type RealLink struct {
	client     paho.Client
	topics     Topics
	onDownlink DownlinkHandler
	pub        *publisher

	mu   sync.Mutex
	subs map[string]MessageHandler
}

// NewRealLink connects to the broker and subscribes to downlinks.
// If the broker is unreachable the link keeps retrying in the background
// and uplinks are held in the outbox until it connects.
func NewRealLink(cfg Config, onDownlink DownlinkHandler) (*RealLink, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "gate-relay-" + uuid.NewString()[:8]
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = DefaultOutboxSize
	}

	l := &RealLink{
		topics:     NewTopics(cfg.Prefix),
		onDownlink: onDownlink,
		subs:       make(map[string]MessageHandler),
	}

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "OFFLINE",
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(l.topics.System, will, 1, true).
		SetOnConnectHandler(l.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		})

	l.client = paho.NewClient(opts)
	l.pub = newPublisher(cfg.OutboxSize, l.publish, l.client.IsConnectionOpen)
	l.pub.start()

	token := l.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		log.Printf("mqtt: broker %s not reachable yet, retrying in background", cfg.Broker)
		return l, nil
	}
	if err := token.Error(); err != nil {
		l.pub.stop()
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return l, nil
}

// onConnect subscribes to downlinks and replays anything buffered while offline.
func (l *RealLink) onConnect(c paho.Client) {
	log.Printf("mqtt: connected, subscribing to %s", l.topics.Down)
	c.Subscribe(l.topics.Down, 1, l.handleMessage)

	l.mu.Lock()
	for topic, h := range l.subs {
		c.Subscribe(topic, 1, wrapHandler(h))
	}
	l.mu.Unlock()

	if n := l.pub.pending(); n > 0 {
		log.Printf("mqtt: replaying %d buffered messages", n)
	}
	l.pub.kick()
}

func (l *RealLink) handleMessage(_ paho.Client, msg paho.Message) {
	port, data, err := ParseDownlink(msg.Payload())
	if err != nil {
		log.Printf("mqtt: bad downlink on %s: %v", msg.Topic(), err)
		return
	}
	if l.onDownlink != nil {
		l.onDownlink(port, data)
	}
}

// Send queues an uplink without waiting for the broker. Uplinks are
// published in the order they were sent; while disconnected they are
// buffered and replayed on reconnect.
func (l *RealLink) Send(port uint8, payload []byte, priority time.Duration) error {
	frame, err := FormatUplink(port, payload, priority)
	if err != nil {
		return fmt.Errorf("format uplink: %w", err)
	}
	// QoS 0 (at-most-once), not retained
	l.pub.enqueue(pendingMsg{topic: l.topics.Up, payload: frame})
	return nil
}

// PublishSystem sends a lifecycle event and waits for the broker.
func (l *RealLink) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	// QoS 1 (at-least-once) for lifecycle events
	token := l.client.Publish(l.topics.System, 1, event.Retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish system timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish system: %w", err)
	}
	return nil
}

func (l *RealLink) publish(m pendingMsg) {
	token := l.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(5 * time.Second) {
		log.Printf("mqtt: publish to %s timed out", m.topic)
		return
	}
	if err := token.Error(); err != nil {
		log.Printf("mqtt: publish to %s: %v", m.topic, err)
	}
}

// PublishRetained queues a retained message behind any pending uplinks.
func (l *RealLink) PublishRetained(topic string, payload []byte) error {
	l.pub.enqueue(pendingMsg{topic: topic, payload: payload, qos: 1, retained: true})
	return nil
}

// Subscribe registers handler for topic. The subscription is renewed on
// every reconnect.
func (l *RealLink) Subscribe(topic string, handler MessageHandler) error {
	l.mu.Lock()
	l.subs[topic] = handler
	l.mu.Unlock()

	if !l.client.IsConnectionOpen() {
		return nil
	}
	token := l.client.Subscribe(topic, 1, wrapHandler(handler))
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func wrapHandler(h MessageHandler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		h(msg.Topic(), msg.Payload())
	}
}

// IsConnected reports whether the broker connection is up.
func (l *RealLink) IsConnected() bool {
	return l.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (l *RealLink) Close() error {
	l.pub.stop()
	l.client.Disconnect(1000) // 1 second timeout
	return nil
}
