// Package mqttin feeds reader events published over MQTT into the ingest
// pipeline.
package mqttin

import (
	"context"
	"errors"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"rfidgw/internal/ingest"
	"rfidgw/internal/metrics"
	"rfidgw/internal/payload"
)

// TransportMQTT labels payloads received over MQTT.
const TransportMQTT = "mqtt"

// Ingester is the part of the ingest service a subscriber needs.
type Ingester interface {
	IngestJSON(ctx context.Context, body []byte) (ingest.Summary, error)
}

type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Connect opens an auto-reconnecting client with a clean session.
func Connect(o Options) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
	}
	if o.Password != "" {
		opts.SetPassword(o.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", o.Broker, token.Error())
	}
	return client, nil
}

type Subscriber struct {
	client  mqtt.Client
	topic   string
	qos     byte
	ing     Ingester
	metrics *metrics.Registry
	logger  *zap.Logger
}

// NewSubscriber subscribes at QoS 1; readers resend until acknowledged and
// duplicates are absorbed by the event id.
func NewSubscriber(client mqtt.Client, topic string, ing Ingester, m *metrics.Registry, logger *zap.Logger) *Subscriber {
	return &Subscriber{client: client, topic: topic, qos: 1, ing: ing, metrics: m, logger: logger}
}

// Start subscribes to the topic filter. Messages are ingested with ctx until
// Stop is called.
func (s *Subscriber) Start(ctx context.Context) error {
	token := s.client.Subscribe(s.topic, s.qos, s.handler(ctx))
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, token.Error())
	}
	s.logger.Info("mqtt subscribed", zap.String("topic", s.topic))
	return nil
}

// Stop unsubscribes and disconnects.
func (s *Subscriber) Stop() {
	if token := s.client.Unsubscribe(s.topic); token.Wait() && token.Error() != nil {
		s.logger.Warn("mqtt unsubscribe failed", zap.String("topic", s.topic), zap.Error(token.Error()))
	}
	s.client.Disconnect(250)
}

func (s *Subscriber) handler(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		s.handle(ctx, msg)
	}
}

func (s *Subscriber) handle(ctx context.Context, msg mqtt.Message) {
	s.metrics.IngressMessages.WithLabelValues(TransportMQTT).Inc()
	sum, err := s.ing.IngestJSON(ctx, msg.Payload())
	if err != nil {
		level := s.logger.Warn
		if errors.Is(err, payload.ErrEmpty) {
			level = s.logger.Debug
		}
		level("mqtt payload rejected", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	if sum.Errors > 0 {
		s.logger.Warn("mqtt payload partially failed",
			zap.String("topic", msg.Topic()),
			zap.Strings("error_tags", sum.ErrorTags),
		)
	}
}
