package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ppgtriage/config"
	"ppgtriage/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// mqttPublisher is the part of mqtt.Client the publisher uses.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// statusMessage is the retained payload on <prefix>/<patient>/state.
type statusMessage struct {
	PatientID  string             `json:"patient_id"`
	State      models.TriageState `json:"state"`
	Candidate  models.TriageState `json:"candidate"`
	Override   bool               `json:"override"`
	Suppressed bool               `json:"suppressed"`
	Reason     string             `json:"reason"`
	Timestamp  time.Time          `json:"timestamp"`
}

// StatusPublisher keeps the current triage state and link status of every
// patient as retained MQTT messages, so late subscribers see the latest
// value.
type StatusPublisher struct {
	client  mqttPublisher
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
	closeFn func()
}

// NewStatusPublisher connects to cfg.MQTTBroker.
func NewStatusPublisher(cfg *config.Config, logger *zap.Logger) (*StatusPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTTBroker)
	opts.SetClientID(cfg.MQTTClientID)
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
	}
	if cfg.MQTTPassword != "" {
		opts.SetPassword(cfg.MQTTPassword)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", cfg.MQTTBroker))
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	} else if !client.IsConnected() {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.MQTTBroker)
	}

	p := newStatusPublisher(client, cfg.MQTTTopicPrefix, logger)
	p.closeFn = func() { client.Disconnect(250) }
	return p, nil
}

func newStatusPublisher(client mqttPublisher, prefix string, logger *zap.Logger) *StatusPublisher {
	return &StatusPublisher{
		client:  client,
		prefix:  prefix,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

func (p *StatusPublisher) topic(patientID, leaf string) string {
	return fmt.Sprintf("%s/%s/%s", p.prefix, patientID, leaf)
}

// NotifyTriage retains the patient's current state.
func (p *StatusPublisher) NotifyTriage(_ context.Context, event models.TriageEvent) error {
	return p.publish(p.topic(event.PatientID, "state"), statusMessage{
		PatientID:  event.PatientID,
		State:      event.To,
		Candidate:  event.Candidate,
		Override:   event.Override,
		Suppressed: event.Suppressed,
		Reason:     event.Reason,
		Timestamp:  event.Timestamp,
	})
}

// NotifyLink retains the patient's device link status.
func (p *StatusPublisher) NotifyLink(_ context.Context, event models.LinkEvent) error {
	return p.publish(p.topic(event.PatientID, "link"), event)
}

func (p *StatusPublisher) publish(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	token := p.client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("timed out publishing to topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	p.logger.Debug("Published status", zap.String("topic", topic))
	return nil
}

// Close disconnects from the broker.
func (p *StatusPublisher) Close() {
	if p.closeFn != nil {
		p.closeFn()
	}
}
