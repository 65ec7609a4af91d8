// Package kafka publishes processed webhook events to a Kafka topic so
// downstream services (notifications, analytics) can react to grants and plan
// changes.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/tribebuild/tribehooks/pkg/access"
	"github.com/tribebuild/tribehooks/pkg/billing"
)

// DefaultDeliveryTimeout is how long Publish waits for the broker to acknowledge a message.
const DefaultDeliveryTimeout = 2 * time.Second

// Producer is the subset of *kafka.Producer used by Publisher.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// Config configures a Publisher.
type Config struct {
	// Topic receives one message per processed webhook event (required)
	Topic string

	// FlushTimeoutMs bounds Close (default 5000)
	FlushTimeoutMs int

	// DeliveryTimeout bounds the wait for a delivery report in Publish
	// (default DefaultDeliveryTimeout)
	DeliveryTimeout time.Duration

	Logger access.Logger
}

// Publisher sends billing.WebhookEvent values as JSON messages.
type Publisher struct {
	producer Producer
	config   Config
	logger   access.Logger
}

// NewProducer creates a librdkafka producer for the comma-separated brokers.
func NewProducer(brokers string) (*kafka.Producer, error) {
	if brokers == "" {
		return nil, errors.New("kafka brokers are required")
	}
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"acks":               "all",
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return p, nil
}

// New creates a Publisher.
func New(producer Producer, config Config) (*Publisher, error) {
	if producer == nil {
		return nil, errors.New("kafka producer is required")
	}
	if config.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if config.FlushTimeoutMs <= 0 {
		config.FlushTimeoutMs = 5000
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if config.Logger == nil {
		config.Logger = &access.NoopLogger{}
	}
	return &Publisher{producer: producer, config: config, logger: config.Logger}, nil
}

// Callback returns the Publisher as a billing.WebhookCallback.
func (p *Publisher) Callback() billing.WebhookCallback {
	return p.Publish
}

// Publish produces event and waits up to DeliveryTimeout for its delivery report.
// A message whose report has not arrived by then may still be delivered later.
func (p *Publisher) Publish(ctx context.Context, event billing.WebhookEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	topic := p.config.Topic
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.Provider + ":" + event.EventID),
		Value:          value,
		Headers: []kafka.Header{
			{Key: "provider", Value: []byte(event.Provider)},
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}

	delivery := make(chan kafka.Event, 1)
	if err := p.producer.Produce(msg, delivery); err != nil {
		return fmt.Errorf("failed to produce event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.DeliveryTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		return fmt.Errorf("waiting for delivery report: %w", ctx.Err())
	case ev := <-delivery:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery report: %v", ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("event delivery failed: %w", m.TopicPartition.Error)
		}
	}

	p.logger.Debug("webhook event published",
		access.F("topic", topic), access.F("provider", event.Provider), access.F("event_id", event.EventID))
	return nil
}

// Close flushes outstanding messages and closes the producer.
func (p *Publisher) Close() {
	if left := p.producer.Flush(p.config.FlushTimeoutMs); left > 0 {
		p.logger.Warn("kafka messages not delivered before close", access.F("count", left))
	}
	p.producer.Close()
}
