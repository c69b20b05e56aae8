// Package telemetry publishes instrument readings and state changes
// to an MQTT broker, for dashboards and recorders to pick up.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	Broker    string
	Username  string
	Password  string
	TopicRoot string
}

// Sample is one voltage reading published under <root>/readings/<ch>.
type Sample struct {
	Time    time.Time `json:"time"`
	Channel int       `json:"channel"`
	Voltage float64   `json:"voltage"`
}

// stateMsg is published under <root>/state on every state change.
type stateMsg struct {
	State   string `json:"state"`
	Outputs []bool `json:"outputs"`
}

// client is the slice of mqtt.Client the publisher needs.
type client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type Publisher struct {
	client client
	root   string
	logger log.FieldLogger
}

// NewPublisher connects to the MQTT broker and returns a publisher.
func NewPublisher(cfg Config, logger log.FieldLogger) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.SetClientID("psud")
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)

	mqttClient := mqtt.NewClient(opts)
	if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}

	return &Publisher{
		client: mqttClient,
		root:   cfg.TopicRoot,
		logger: logger.WithField("component", "telemetry"),
	}, nil
}

// PublishSample publishes one voltage reading. Publishing is
// best-effort; failures are logged, never returned.
func (p *Publisher) PublishSample(s Sample) {
	topic := fmt.Sprintf("%s/readings/%d", p.root, s.Channel)
	p.publish(topic, s)
}

// PublishState publishes the connection state and per-channel output
// states, retained so late subscribers see the current state.
func (p *Publisher) PublishState(state string, outputs []bool) {
	p.publishRetained(p.root+"/state", stateMsg{State: state, Outputs: outputs})
}

func (p *Publisher) publish(topic string, v any) {
	p.publishMsg(topic, v, false)
}

func (p *Publisher) publishRetained(topic string, v any) {
	p.publishMsg(topic, v, true)
}

func (p *Publisher) publishMsg(topic string, v any, retained bool) {
	if !p.client.IsConnected() {
		return
	}

	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Errorf("Failed to marshal telemetry message: %v", err)
		return
	}

	if token := p.client.Publish(topic, 0, retained, payload); token.Wait() && token.Error() != nil {
		p.logger.Warnf("Failed to publish to %s: %v", topic, token.Error())
	}
}

func (p *Publisher) Close() {
	p.client.Disconnect(100)
}
