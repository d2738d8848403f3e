// Package events publishes enroll and verify outcomes for downstream
// observers (dashboards, home automation, audit sinks).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Event is one auth outcome.
type Event struct {
	RequestID string    `json:"request_id"`
	Flow      string    `json:"flow"`
	Username  string    `json:"username"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason"`
	Distance  *float64  `json:"distance,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// MQTTConfig holds the broker connection settings.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// MQTTPublisher publishes events as JSON to <prefix>/<flow>.
type MQTTPublisher struct {
	client mqtt.Client
	prefix string
	logger *zap.Logger
}

// ConnectMQTT connects to the broker and returns a publisher.
func ConnectMQTT(cfg MQTTConfig, logger *zap.Logger) (*MQTTPublisher, error) {
	logger = logger.Named("mqtt_publisher")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.Broker, token.Error())
	}
	logger.Info("connected to mqtt broker", zap.String("broker", cfg.Broker))
	return NewMQTTPublisher(client, cfg.TopicPrefix, logger), nil
}

// NewMQTTPublisher wraps an already connected client.
func NewMQTTPublisher(client mqtt.Client, prefix string, logger *zap.Logger) *MQTTPublisher {
	return &MQTTPublisher{client: client, prefix: strings.TrimSuffix(prefix, "/"), logger: logger}
}

// Topic returns the topic an event of the given flow is published to.
func (p *MQTTPublisher) Topic(flow string) string {
	return p.prefix + "/" + flow
}

// Publish sends event with QoS 1 and waits for the broker until ctx is done.
func (p *MQTTPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	token := p.client.Publish(p.Topic(event.Flow), 1, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish to %s: %w", p.Topic(event.Flow), err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
