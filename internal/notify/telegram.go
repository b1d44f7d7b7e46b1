// Package notify delivers alert messages to chat users.
package notify

import (
	"context"
	"errors"
	"fmt"

	"coinalert/internal/logger"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	tb "gopkg.in/tucnak/telebot.v2"
)

// ErrDelivery is returned when a message could not be delivered
var ErrDelivery = errors.New("notification delivery failed")

var notificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Notifications sent to users by result",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(notificationsTotal)
}

// Sender is the subset of the telebot client used to deliver messages
type Sender interface {
	Send(to tb.Recipient, what interface{}, options ...interface{}) (*tb.Message, error)
}

// ChatID addresses a Telegram chat by its identifier
type ChatID string

// Recipient implements tb.Recipient
func (c ChatID) Recipient() string {
	return string(c)
}

// Telegram sends markdown messages through a bot
type Telegram struct {
	sender Sender
	log    *zap.Logger
}

// NewTelegram creates a notifier on top of a bot client
func NewTelegram(sender Sender, log *zap.Logger) *Telegram {
	return &Telegram{sender: sender, log: logger.OrNop(log)}
}

// Notify sends message to the chat identified by userID
func (t *Telegram) Notify(ctx context.Context, userID, message string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}

	if _, err := t.sender.Send(ChatID(userID), message, tb.ModeMarkdown); err != nil {
		notificationsTotal.WithLabelValues("failed").Inc()
		t.log.Warn("Failed to send notification", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}

	notificationsTotal.WithLabelValues("sent").Inc()
	return nil
}
