package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/openambit/ambit-sync/internal/config"
)

const publishTimeout = 10 * time.Second

// MQTTClient publishes documents to a broker with QoS 1. The broker PUBACK
// is the acknowledgment.
type MQTTClient struct {
	client mqtt.Client
	prefix string
}

// NewMQTTClient creates a client for the broker. Connect must be called
// before documents can be delivered.
func NewMQTTClient(cfg *config.MQTTConfig) *MQTTClient {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetCleanSession(false)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT client connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.Broker).Msg("MQTT connection lost")
	})

	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "ambit"
	}

	return &MQTTClient{
		client: mqtt.NewClient(opts),
		prefix: prefix,
	}
}

// Connect connects to the broker
func (c *MQTTClient) Connect(ctx context.Context) error {
	token := c.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect to MQTT broker: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker
func (c *MQTTClient) Close() {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

// Topic returns the topic a document is published on
func (c *MQTTClient) Topic(doc *Document) string {
	return fmt.Sprintf("%s/%s/logs/%d", c.prefix, doc.Serial, doc.LogID)
}

// Submit publishes the document and waits for the broker acknowledgment
func (c *MQTTClient) Submit(ctx context.Context, doc *Document) (string, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", permanent("marshal document: %v", err)
	}

	topic := c.Topic(doc)
	token := c.client.Publish(topic, 1, false, payload)

	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		return "", transient("publish %s: timeout", topic)
	case <-ctx.Done():
		return "", transient("publish %s: %v", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return "", transient("publish %s: %v", topic, err)
	}

	return doc.Key(), nil
}
