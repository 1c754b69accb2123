package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/hr-sensor/internal/logic"
)

// Options configures a RealPublisher.
type Options struct {
	Broker      string
	ClientID    string
	Topic       string
	SystemTopic string
	// BufferSize bounds readings held while the broker is unreachable.
	BufferSize int
	// MaxAge drops buffered readings older than this at replay time.
	// Zero replays everything still in the buffer.
	MaxAge time.Duration
}

// RealPublisher publishes to an actual MQTT broker.
type RealPublisher struct {
	client      paho.Client
	topic       string
	systemTopic string
	logger      *slog.Logger
	maxAge      time.Duration
	now         func() time.Time

	mu       sync.Mutex
	buf      *ringBuffer
	controls map[string]func()
}

// NewRealPublisher creates a publisher for the given broker. A broker that is
// not reachable yet is not an error: the client keeps retrying in the
// background and readings are buffered meanwhile.
func NewRealPublisher(o Options, logger *slog.Logger) *RealPublisher {
	if o.Topic == "" {
		o.Topic = Topic
	}
	if o.SystemTopic == "" {
		o.SystemTopic = TopicSystem
	}

	p := &RealPublisher{
		topic:       o.Topic,
		systemTopic: o.SystemTopic,
		logger:      logger,
		maxAge:      o.MaxAge,
		now:         time.Now,
		buf:         newRingBuffer(o.BufferSize),
		controls:    make(map[string]func()),
	}

	will, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "SHUTDOWN", Reason: "LWT"})

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(o.SystemTopic, will, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		logger.Warn("mqtt broker not reachable yet, buffering", "broker", o.Broker)
	} else if err := token.Error(); err != nil {
		logger.Warn("mqtt connect failed, retrying in background", "broker", o.Broker, "error", err)
	}

	return p
}

// Publish sends a reading envelope. While disconnected the envelope is
// buffered and replayed on reconnect.
func (p *RealPublisher) Publish(reading logic.Reading) error {
	payload, err := FormatEnvelope(reading)
	if err != nil {
		return fmt.Errorf("format envelope: %w", err)
	}

	msg := bufferedMsg{topic: p.topic, payload: payload, qos: 0}
	if !p.client.IsConnectionOpen() {
		p.buffer(msg)
		return nil
	}

	// QoS 0 (at-most-once), not retained
	if err := p.send(msg); err != nil {
		p.buffer(msg)
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// PublishSystem sends a lifecycle event to the system topic.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	// QoS 1 (at-least-once); lifecycle events are rare and should arrive.
	if err := p.send(bufferedMsg{topic: p.systemTopic, payload: payload, qos: 1, retained: event.Retained}); err != nil {
		return fmt.Errorf("publish system: %w", err)
	}
	return nil
}

// SubscribeControl calls fn for every message on topic. The subscription is
// restored after every reconnect.
func (p *RealPublisher) SubscribeControl(topic string, fn func()) error {
	p.mu.Lock()
	p.controls[topic] = fn
	p.mu.Unlock()

	if !p.client.IsConnectionOpen() {
		// onConnect subscribes once the broker is reachable.
		return nil
	}
	return p.subscribe(topic, fn)
}

// IsConnected reports whether the client is connected to the broker.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Buffered returns how many readings are waiting for the broker.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second quiesce
	return nil
}

func (p *RealPublisher) send(msg bufferedMsg) error {
	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(5 * time.Second) {
		return errors.New("timeout")
	}
	return token.Error()
}

func (p *RealPublisher) buffer(msg bufferedMsg) {
	if msg.queued.IsZero() {
		msg.queued = p.now()
	}
	p.mu.Lock()
	dropped := p.buf.push(msg)
	n := p.buf.dropped
	p.mu.Unlock()
	if dropped && n == 1 {
		p.logger.Warn("mqtt buffer full, dropping oldest readings")
	}
}

func (p *RealPublisher) subscribe(topic string, fn func()) error {
	token := p.client.Subscribe(topic, 1, func(_ paho.Client, _ paho.Message) {
		fn()
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// onConnect restores control subscriptions and replays buffered readings.
// paho runs it on its own goroutine.
func (p *RealPublisher) onConnect(_ paho.Client) {
	p.mu.Lock()
	controls := make(map[string]func(), len(p.controls))
	for t, fn := range p.controls {
		controls[t] = fn
	}
	pending, expired := p.buf.drainSince(p.replayCutoff())
	p.mu.Unlock()

	p.logger.Info("mqtt connected", "replaying", len(pending), "expired", expired)

	for topic, fn := range controls {
		if err := p.subscribe(topic, fn); err != nil {
			p.logger.Error("control subscribe failed", "topic", topic, "error", err)
		}
	}

	for i, msg := range pending {
		if err := p.send(msg); err != nil {
			p.logger.Warn("replay failed, re-buffering", "error", err)
			for _, rest := range pending[i:] {
				p.buffer(rest)
			}
			return
		}
	}
}

// replayCutoff is the oldest queue time still worth replaying.
func (p *RealPublisher) replayCutoff() time.Time {
	if p.maxAge <= 0 {
		return time.Time{}
	}
	return p.now().Add(-p.maxAge)
}

var (
	_ Publisher        = (*RealPublisher)(nil)
	_ ConnectionStatus = (*RealPublisher)(nil)
)
