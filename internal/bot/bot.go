// Package bot connects the command service to Telegram.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"coinalert/internal/commands"
	"coinalert/internal/config"
	"coinalert/internal/logger"

	"go.uber.org/zap"
	tb "gopkg.in/tucnak/telebot.v2"
)

// commandTimeout bounds the work done for a single chat message
const commandTimeout = 20 * time.Second

// Dispatcher runs a named command and returns the reply
type Dispatcher interface {
	Dispatch(ctx context.Context, caller commands.Caller, command string, args []string) string
}

// Limiter decides whether a user may run another command
type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, time.Duration, error)
}

var botCommands = []tb.Command{
	{Text: "start", Description: "Register and show help"},
	{Text: "help", Description: "List commands"},
	{Text: "price", Description: "Current price of a coin"},
	{Text: "add", Description: "Add a coin to your watch-list"},
	{Text: "remove", Description: "Remove a coin from your watch-list"},
	{Text: "watchlist", Description: "Prices of your watched coins"},
	{Text: "alert", Description: "Notify me when a coin reaches a price"},
	{Text: "alerts", Description: "List pending alerts"},
	{Text: "delalert", Description: "Delete alerts on a coin"},
}

// Handler turns a chat message into a reply. It does not depend on a live bot.
type Handler struct {
	service Dispatcher
	limiter Limiter
	log     *zap.Logger
}

// NewHandler creates a handler. A nil limiter disables rate limiting.
func NewHandler(service Dispatcher, limiter Limiter, log *zap.Logger) *Handler {
	return &Handler{service: service, limiter: limiter, log: logger.OrNop(log)}
}

// Respond returns the reply for command sent by sender with the raw payload
func (h *Handler) Respond(ctx context.Context, sender *tb.User, command, payload string) string {
	caller := commands.Caller{
		ID:          strconv.FormatInt(sender.ID, 10),
		DisplayName: displayName(sender),
	}

	if h.limiter != nil {
		allowed, retryAfter, err := h.limiter.Allow(ctx, caller.ID)
		if err != nil {
			// limiter outages never block users
			h.log.Warn("Rate limiter unavailable", zap.String("user_id", caller.ID), zap.Error(err))
		} else if !allowed {
			return fmt.Sprintf("🐢 You're sending commands too fast. Try again in %d seconds.", retryAfterSeconds(retryAfter))
		}
	}

	return h.service.Dispatch(ctx, caller, command, strings.Fields(payload))
}

// Bot is a long-polling Telegram bot
type Bot struct {
	client  *tb.Bot
	handler *Handler
	log     *zap.Logger
}

// New creates the Telegram client and registers every command
func New(cfg config.TelegramConfig, handler *Handler, log *zap.Logger) (*Bot, error) {
	log = logger.OrNop(log)
	poller := tb.NewMiddlewarePoller(&tb.LongPoller{Timeout: cfg.PollTimeout}, func(u *tb.Update) bool {
		return u.Message == nil || u.Message.Sender != nil
	})

	client, err := tb.NewBot(tb.Settings{
		Token:  cfg.Token,
		Poller: poller,
		Reporter: func(err error) {
			log.Warn("Telegram poller error", zap.Error(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	if err := client.SetCommands(botCommands); err != nil {
		log.Warn("Failed to publish command list", zap.Error(err))
	}

	b := &Bot{client: client, handler: handler, log: log}
	for _, cmd := range botCommands {
		client.Handle("/"+cmd.Text, b.handle(cmd.Text))
	}
	return b, nil
}

// Client exposes the underlying client so notifications share the same connection
func (b *Bot) Client() *tb.Bot {
	return b.client
}

// Start begins polling in the background
func (b *Bot) Start() {
	b.log.Info("Telegram bot polling", zap.String("username", b.client.Me.Username))
	go b.client.Start()
}

// Stop ends polling
func (b *Bot) Stop() {
	b.client.Stop()
}

func (b *Bot) handle(command string) func(*tb.Message) {
	return func(m *tb.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		reply := b.handler.Respond(ctx, m.Sender, command, m.Payload)
		if err := sendReply(b.client, m.Chat, reply); err != nil {
			b.log.Warn("Failed to send reply",
				zap.String("command", command),
				zap.Int64("chat_id", m.Chat.ID),
				zap.Error(err),
			)
		}
	}
}

// Sender is the part of the telebot client used to answer commands
type Sender interface {
	Send(to tb.Recipient, what interface{}, options ...interface{}) (*tb.Message, error)
}

var markdownStripper = strings.NewReplacer("\\_", "_", "\\*", "*", "\\`", "`", "\\[", "[", "*", "")

// sendReply sends text as Markdown. When Telegram rejects the markup the reply is sent
// again as plain text so the user always gets an answer.
func sendReply(s Sender, to tb.Recipient, text string) error {
	_, err := s.Send(to, text, tb.ModeMarkdown)
	if err == nil || !strings.Contains(err.Error(), "can't parse entities") {
		return err
	}
	_, err = s.Send(to, markdownStripper.Replace(text))
	return err
}

func displayName(u *tb.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}

func retryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
