package events

import (
	"context"
	"encoding/json"
	"fmt"

	"coinalert/internal/logger"
	"coinalert/internal/models"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const flushTimeoutMs = 5000

// KafkaPublisher produces fired-alert events keyed by user id
type KafkaPublisher struct {
	producer *kafka.Producer
	topic    string
	log      *zap.Logger
}

// NewKafkaPublisher creates a producer for brokers (comma separated)
func NewKafkaPublisher(brokers, topic string, log *zap.Logger) (*KafkaPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "all",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	k := &KafkaPublisher{producer: p, topic: topic, log: logger.OrNop(log)}
	go k.watchDeliveries()
	return k, nil
}

// Publish enqueues the event; delivery failures are reported asynchronously in the log
func (k *KafkaPublisher) Publish(_ context.Context, event models.AlertEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}

	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.UserID),
		Value:          value,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce alert event: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the producer
func (k *KafkaPublisher) Close() {
	if remaining := k.producer.Flush(flushTimeoutMs); remaining > 0 {
		k.log.Warn("Kafka producer closed with undelivered events", zap.Int("remaining", remaining))
	}
	k.producer.Close()
}

func (k *KafkaPublisher) watchDeliveries() {
	for e := range k.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				k.log.Error("Alert event delivery failed",
					zap.String("key", string(ev.Key)),
					zap.Error(ev.TopicPartition.Error),
				)
			}
		case kafka.Error:
			k.log.Warn("Kafka producer error", zap.Error(ev))
		}
	}
}
