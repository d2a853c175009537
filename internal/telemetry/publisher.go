package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}

// Config selects the broker and the payload format.
type Config struct {
	Broker   string
	Topic    string
	ClientID string
	Encoding string
	QoS      byte
}

const queueLen = 64

// MQTTPublisher queues events and publishes them from its own goroutine
// under <topic>/<event type>.
type MQTTPublisher struct {
	client  mqtt.Client
	topic   string
	qos     byte
	encoder Encoder
	queue   chan Event
	dropped uint64
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewMQTTPublisher connects to the broker.
func NewMQTTPublisher(cfg Config) (*MQTTPublisher, error) {
	enc, err := NewEncoder(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.WithError(err).Warn("MQTT connection lost")
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.WithField("broker", cfg.Broker).Info("Connected to MQTT broker")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return newPublisher(client, cfg, enc), nil
}

func newPublisher(client mqtt.Client, cfg Config, enc Encoder) *MQTTPublisher {
	return &MQTTPublisher{
		client:  client,
		topic:   strings.TrimSuffix(cfg.Topic, "/"),
		qos:     cfg.QoS,
		encoder: enc,
		queue:   make(chan Event, queueLen),
	}
}

// Publish queues e. Events are dropped while the queue is full.
func (p *MQTTPublisher) Publish(e Event) {
	select {
	case p.queue <- e:
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
	}
}

// Dropped returns the number of events lost to a full queue.
func (p *MQTTPublisher) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Run publishes queued events until ctx is cancelled.
func (p *MQTTPublisher) Run(ctx context.Context) {
	p.wg.Add(1)
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-p.queue:
			p.send(e)
		}
	}
}

func (p *MQTTPublisher) send(e Event) {
	payload, err := p.encoder.Encode(e)
	if err != nil {
		log.WithError(err).WithField("event", e.Type).Warn("Failed to encode telemetry event")
		return
	}
	topic := p.topic + "/" + e.Type
	token := p.client.Publish(topic, p.qos, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		log.WithField("topic", topic).Warn("Telemetry publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		log.WithError(err).WithField("topic", topic).Warn("Telemetry publish failed")
	}
}

// Close waits for Run to return and disconnects.
func (p *MQTTPublisher) Close() {
	p.wg.Wait()
	p.client.Disconnect(250)
}
