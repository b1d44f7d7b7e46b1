package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"coinalert/internal/logger"
	"coinalert/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// AlertsChannel is the Redis channel fired alerts are published on
const AlertsChannel = "price_alerts"

// Broadcaster publishes fired alerts to Redis so every instance's SSE clients see them
type Broadcaster struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
}

// NewBroadcaster creates a broadcaster on the default alerts channel
func NewBroadcaster(client *redis.Client, log *zap.Logger) *Broadcaster {
	return &Broadcaster{client: client, channel: AlertsChannel, log: logger.OrNop(log)}
}

// Publish sends the event to the alerts channel
func (b *Broadcaster) Publish(ctx context.Context, event models.AlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish alert event: %w", err)
	}
	b.log.Debug("Alert event published to Redis",
		zap.String("user_id", event.UserID),
		zap.String("coin_id", event.CoinID),
	)
	return nil
}

// Subscriber represents a subscription to the alerts channel
type Subscriber struct {
	pubsub *redis.PubSub
}

// Subscribe subscribes to the alerts channel and waits for the confirmation
func (b *Broadcaster) Subscribe(ctx context.Context) (*Subscriber, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	b.log.Info("Subscribed to Redis channel", zap.String("channel", b.channel))
	return &Subscriber{pubsub: pubsub}, nil
}

// Receive waits for and decodes the next event
func (s *Subscriber) Receive(ctx context.Context) (models.AlertEvent, error) {
	var event models.AlertEvent
	msg, err := s.pubsub.ReceiveMessage(ctx)
	if err != nil {
		return event, err
	}
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		return event, fmt.Errorf("failed to decode alert event: %w", err)
	}
	return event, nil
}

// Close closes the subscription
func (s *Subscriber) Close() error {
	return s.pubsub.Close()
}
