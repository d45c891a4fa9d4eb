package monitoring

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the broker connection used by MQTTReporter.
type MQTTConfig struct {
	Broker   string // e.g. tcp://localhost:1883
	ClientID string
	Topic    string
	Username string
	Password string
}

// publisher is the subset of mqtt.Client the reporter needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTReporter publishes each report as JSON on a topic with QoS 0.
type MQTTReporter struct {
	client  publisher
	topic   string
	timeout time.Duration
}

// DialMQTT connects to the broker and returns a reporter publishing to
// cfg.Topic. The client reconnects automatically after the first connect.
func DialMQTT(cfg MQTTConfig) (*MQTTReporter, func(), error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetKeepAlive(60 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		Logf("[mqtt] connection lost: %v", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, nil, fmt.Errorf("mqtt connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}
	Logf("[mqtt] connected to %s as %s", cfg.Broker, cfg.ClientID)

	closeFn := func() { client.Disconnect(250) }
	return NewMQTTReporter(client, cfg.Topic), closeFn, nil
}

// NewMQTTReporter wraps an already-connected client.
func NewMQTTReporter(client publisher, topic string) *MQTTReporter {
	return &MQTTReporter{client: client, topic: topic, timeout: 5 * time.Second}
}

func (m *MQTTReporter) Report(r Report) {
	payload, err := json.Marshal(r)
	if err != nil {
		Logf("[mqtt] marshal report: %v", err)
		return
	}
	token := m.client.Publish(m.topic, 0, false, payload)
	go func() {
		if !token.WaitTimeout(m.timeout) {
			Logf("[mqtt] publish %s: timeout", m.topic)
			return
		}
		if err := token.Error(); err != nil {
			Logf("[mqtt] publish %s: %v", m.topic, err)
		}
	}()
}
