package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/gluk-w/swaplive/internal/logging"
)

// Publisher delivers an encoded report somewhere.
type Publisher interface {
	Publish(payload []byte) error
}

// MQTTPublisher sends reports to a broker topic at QoS 0.
type MQTTPublisher struct {
	broker   string
	clientID string
	topic    string
	client   mqtt.Client
	log      *logrus.Entry

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

func NewMQTTPublisher(broker, clientID, topic string) *MQTTPublisher {
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	return &MQTTPublisher{
		broker:   broker,
		clientID: clientID,
		topic:    topic,
		log:      logging.For("telemetry"),
	}
}

// Connect dials the broker. The client keeps reconnecting on its own after
// the first successful connection.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.broker)
	opts.SetClientID(p.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		p.setConnected(true)
		p.log.WithField("broker", p.broker).Info("MQTT connected")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.setConnected(false)
		p.log.WithError(err).Warn("MQTT connection lost, reconnecting")
	}

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()

	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connect to %s timed out", p.broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", p.broker, err)
	}
	p.setConnected(true)
	return nil
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *MQTTPublisher) Publish(payload []byte) error {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	if !connected || p.client == nil {
		p.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := p.client.Publish(p.topic, 0, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		p.countError()
		return fmt.Errorf("mqtt publish timeout")
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("mqtt publish: %w", err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	return nil
}

func (p *MQTTPublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

// Counts returns published and failed message totals.
func (p *MQTTPublisher) Counts() (published, failed uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.published, p.errors
}

func (p *MQTTPublisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	p.setConnected(false)
}
