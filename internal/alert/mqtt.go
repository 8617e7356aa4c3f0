package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttQoS            byte = 1
	defaultMQTTTimeout      = 5 * time.Second
)

// Publisher is the part of mqtt.Client the sink needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes alerts as JSON on <prefix>/<role>. A publish the broker
// has not acknowledged within timeout fails; while the client reconnects paho
// holds QoS 1 tokens open indefinitely.
type MQTTSink struct {
	publisher Publisher
	prefix    string
	timeout   time.Duration
}

func NewMQTTSink(publisher Publisher, prefix string, timeout time.Duration) *MQTTSink {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "frontdesk/alerts"
	}
	if timeout <= 0 {
		timeout = defaultMQTTTimeout
	}
	return &MQTTSink{publisher: publisher, prefix: prefix, timeout: timeout}
}

func (s *MQTTSink) Topic(a Alert) string {
	return s.prefix + "/" + string(a.Role)
}

func (s *MQTTSink) Deliver(ctx context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	token := s.publisher.Publish(s.Topic(a), mqttQoS, false, data)
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("publish %s: no acknowledgement after %s", s.Topic(a), s.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", s.Topic(a), err)
	}
	return nil
}

// DialMQTT connects to broker with a unique client id derived from name.
func DialMQTT(broker, name string, timeout time.Duration) (mqtt.Client, error) {
	clientID := fmt.Sprintf("%s-%d", name, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	opts = opts.SetOrderMatters(false).SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connect to mqtt broker %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", broker, err)
	}
	return client, nil
}
