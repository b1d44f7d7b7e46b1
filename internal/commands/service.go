// Package commands implements the chat commands independently of the chat transport.
package commands

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"coinalert/internal/logger"
	"coinalert/internal/models"
	"coinalert/internal/notify"
	"coinalert/internal/pricesource"
	"coinalert/internal/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var (
	// ErrInvalidInput is returned for malformed arguments
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnknownCoin is returned when the price source has no price for a coin
	ErrUnknownCoin = errors.New("unknown coin")
)

var commandsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "commands_total",
		Help: "Chat commands handled by command and result",
	},
	[]string{"command", "result"},
)

func init() {
	prometheus.MustRegister(commandsTotal)
}

// Store is the part of the user store used by interactive commands
type Store interface {
	GetOrCreate(ctx context.Context, id, displayName string) (*models.User, error)
	AddFavorite(ctx context.Context, id, coinID string) (bool, error)
	RemoveFavorite(ctx context.Context, id, coinID string) (bool, error)
	AddAlert(ctx context.Context, id string, alert models.Alert) error
	RemoveAlertsForCoin(ctx context.Context, id, coinID string) (int, error)
}

// Resolver maps a ticker to a canonical coin id
type Resolver interface {
	Resolve(input string) string
}

// PriceFetcher fetches a batch of prices
type PriceFetcher interface {
	FetchPrices(ctx context.Context, ids []string) (models.PriceSnapshot, error)
}

// PriceCache holds recently fetched prices
type PriceCache interface {
	Get(ctx context.Context, ids []string) models.PriceSnapshot
	Put(ctx context.Context, snapshot models.PriceSnapshot)
}

// Caller identifies who sent a command
type Caller struct {
	ID          string
	DisplayName string
}

// replyError carries the text shown to the user alongside its category
type replyError struct {
	kind  error
	reply string
}

func (e *replyError) Error() string { return e.kind.Error() + ": " + e.reply }
func (e *replyError) Unwrap() error { return e.kind }

func invalidInput(format string, args ...any) error {
	return &replyError{kind: ErrInvalidInput, reply: fmt.Sprintf(format, args...)}
}

func unknownCoin(coinID string) error {
	return &replyError{
		kind:  ErrUnknownCoin,
		reply: fmt.Sprintf("❓ I couldn't find a price for %s. Check the symbol and try again.", notify.Bold(coinID)),
	}
}

// ErrorReply turns a command error into the message shown to the user
func ErrorReply(err error) string {
	var re *replyError
	switch {
	case errors.As(err, &re):
		return re.reply
	case errors.Is(err, pricesource.ErrRateLimited):
		return "⏳ The price service is busy right now. Please try again in a minute."
	case errors.Is(err, pricesource.ErrUnavailable):
		return "⚠️ Prices are unavailable right now. Please try again later."
	default:
		return "⚠️ Something went wrong. Please try again later."
	}
}

// Service handles chat commands
type Service struct {
	store    Store
	resolver Resolver
	prices   PriceFetcher
	cache    PriceCache
	log      *zap.Logger
}

// Option configures a Service
type Option func(*Service)

// WithPriceCache answers price lookups from c before asking the price source
func WithPriceCache(c PriceCache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// NewService creates the command service
func NewService(store Store, resolver Resolver, prices PriceFetcher, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		resolver: resolver,
		prices:   prices,
		log:      logger.OrNop(log),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dispatch runs a command by name and always returns a reply
func (s *Service) Dispatch(ctx context.Context, caller Caller, command string, args []string) string {
	ctx, span := tracing.Tracer().Start(ctx, "commands."+command)
	defer span.End()
	span.SetAttributes(attribute.String("user_id", caller.ID))

	reply, err := s.run(ctx, caller, command, args)
	if err == nil {
		commandsTotal.WithLabelValues(command, "ok").Inc()
		return reply
	}

	var re *replyError
	if errors.As(err, &re) {
		commandsTotal.WithLabelValues(command, "rejected").Inc()
	} else {
		commandsTotal.WithLabelValues(command, "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Error("Command failed",
			zap.String("command", command),
			zap.String("user_id", caller.ID),
			zap.Strings("args", args),
			zap.String("trace_id", tracing.TraceID(ctx)),
			zap.Error(err),
		)
	}
	return ErrorReply(err)
}

func (s *Service) run(ctx context.Context, caller Caller, command string, args []string) (string, error) {
	switch command {
	case "start":
		return s.Start(ctx, caller)
	case "help":
		return Help(), nil
	case "price":
		return s.Price(ctx, args)
	case "add":
		return s.Add(ctx, caller, args)
	case "remove":
		return s.Remove(ctx, caller, args)
	case "watchlist":
		return s.Watchlist(ctx, caller)
	case "alert":
		return s.SetAlert(ctx, caller, args)
	case "alerts":
		return s.ListAlerts(ctx, caller)
	case "delalert":
		return s.DeleteAlerts(ctx, caller, args)
	}
	return "", invalidInput("Unknown command. Send /help to see what I can do.")
}

// Start registers the caller and greets them
func (s *Service) Start(ctx context.Context, caller Caller) (string, error) {
	if _, err := s.store.GetOrCreate(ctx, caller.ID, caller.DisplayName); err != nil {
		return "", err
	}
	name := notify.EscapeMarkdown(caller.DisplayName)
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("👋 Hi %s! I track crypto prices and tell you when they hit your targets.\n\n%s", name, Help()), nil
}

// Help lists the available commands
func Help() string {
	return strings.Join([]string{
		"*Commands*",
		"/price <symbol> - current USD price",
		"/add <symbol> - add a coin to your watch-list",
		"/remove <symbol> - remove a coin from your watch-list",
		"/watchlist - prices of the coins you watch",
		"/alert <symbol> <price> - notify me when the price reaches a target",
		"/alerts - list your pending alerts",
		"/delalert <symbol> - delete your alerts on a coin",
	}, "\n")
}

// Price replies with the current price of one coin
func (s *Service) Price(ctx context.Context, args []string) (string, error) {
	symbol, err := oneArg(args, "/price <symbol>")
	if err != nil {
		return "", err
	}
	coinID := s.resolver.Resolve(symbol)

	price, err := s.currentPrice(ctx, coinID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("💰 %s: %s", notify.Bold(coinID), notify.FormatUSD(price)), nil
}

// Add puts a coin on the caller's watch-list after checking it has a price
func (s *Service) Add(ctx context.Context, caller Caller, args []string) (string, error) {
	symbol, err := oneArg(args, "/add <symbol>")
	if err != nil {
		return "", err
	}
	coinID := s.resolver.Resolve(symbol)

	if _, err := s.currentPrice(ctx, coinID); err != nil {
		return "", err
	}
	if _, err := s.store.GetOrCreate(ctx, caller.ID, caller.DisplayName); err != nil {
		return "", err
	}
	added, err := s.store.AddFavorite(ctx, caller.ID, coinID)
	if err != nil {
		return "", err
	}
	if !added {
		return fmt.Sprintf("%s is already in your watch-list.", notify.Bold(coinID)), nil
	}
	return fmt.Sprintf("✅ Added %s to your watch-list.", notify.Bold(coinID)), nil
}

// Remove takes a coin off the caller's watch-list
func (s *Service) Remove(ctx context.Context, caller Caller, args []string) (string, error) {
	symbol, err := oneArg(args, "/remove <symbol>")
	if err != nil {
		return "", err
	}
	coinID := s.resolver.Resolve(symbol)

	if _, err := s.store.GetOrCreate(ctx, caller.ID, caller.DisplayName); err != nil {
		return "", err
	}
	removed, err := s.store.RemoveFavorite(ctx, caller.ID, coinID)
	if err != nil {
		return "", err
	}
	if !removed {
		return fmt.Sprintf("%s is not in your watch-list.", notify.Bold(coinID)), nil
	}
	return fmt.Sprintf("🗑 Removed %s from your watch-list.", notify.Bold(coinID)), nil
}

// Watchlist prices every coin on the caller's watch-list with a single fetch
func (s *Service) Watchlist(ctx context.Context, caller Caller) (string, error) {
	user, err := s.store.GetOrCreate(ctx, caller.ID, caller.DisplayName)
	if err != nil {
		return "", err
	}
	if len(user.Favorites) == 0 {
		return "Your watch-list is empty. Use /add <symbol> to add coins.", nil
	}

	snapshot, err := s.lookupPrices(ctx, user.Favorites)
	if err != nil {
		return "", err
	}

	lines := []string{"📋 *Your watch-list*"}
	for _, coinID := range user.Favorites {
		price := "n/a"
		if p, ok := snapshot.Price(coinID); ok {
			price = notify.FormatUSD(p)
		}
		lines = append(lines, fmt.Sprintf("• %s: %s", notify.Bold(coinID), price))
	}
	return strings.Join(lines, "\n"), nil
}

// SetAlert creates a one-shot alert. The direction is fixed by the price at creation.
func (s *Service) SetAlert(ctx context.Context, caller Caller, args []string) (string, error) {
	const usage = "/alert <symbol> <price>"
	if len(args) != 2 {
		return "", invalidInput("Usage: %s", usage)
	}
	target, err := parsePrice(args[1])
	if err != nil {
		return "", invalidInput("%s is not a valid price. Usage: %s", notify.EscapeMarkdown(strconv.Quote(args[1])), usage)
	}
	coinID := s.resolver.Resolve(args[0])

	current, err := s.currentPrice(ctx, coinID)
	if err != nil {
		return "", err
	}
	alert, err := models.NewAlert(coinID, target, current)
	if err != nil {
		return "", invalidInput("The target price must be positive.")
	}

	if _, err := s.store.GetOrCreate(ctx, caller.ID, caller.DisplayName); err != nil {
		return "", err
	}
	if err := s.store.AddAlert(ctx, caller.ID, alert); err != nil {
		return "", err
	}

	s.log.Info("Alert created",
		zap.String("user_id", caller.ID),
		zap.String("alert_id", alert.ID),
		zap.String("coin_id", coinID),
		zap.Float64("target_price", target),
		zap.String("direction", string(alert.Direction)),
	)

	verb := "rises above"
	if alert.Direction == models.DirectionBelow {
		verb = "falls below"
	}
	return fmt.Sprintf("⏰ Alert set: I'll notify you when %s %s %s (now %s).",
		notify.Bold(coinID), verb, notify.FormatUSD(target), notify.FormatUSD(current)), nil
}

// ListAlerts shows the caller's pending alerts in creation order
func (s *Service) ListAlerts(ctx context.Context, caller Caller) (string, error) {
	user, err := s.store.GetOrCreate(ctx, caller.ID, caller.DisplayName)
	if err != nil {
		return "", err
	}
	if !user.HasActiveAlerts() {
		return "You have no pending alerts. Use /alert <symbol> <price> to create one.", nil
	}

	lines := []string{"⏰ *Your alerts*"}
	for i, a := range user.Alerts {
		lines = append(lines, fmt.Sprintf("%d. %s %s %s", i+1, notify.Bold(a.CoinID), a.Direction, notify.FormatUSD(a.TargetPrice)))
	}
	return strings.Join(lines, "\n"), nil
}

// DeleteAlerts removes every pending alert the caller has on a coin
func (s *Service) DeleteAlerts(ctx context.Context, caller Caller, args []string) (string, error) {
	symbol, err := oneArg(args, "/delalert <symbol>")
	if err != nil {
		return "", err
	}
	coinID := s.resolver.Resolve(symbol)

	if _, err := s.store.GetOrCreate(ctx, caller.ID, caller.DisplayName); err != nil {
		return "", err
	}
	removed, err := s.store.RemoveAlertsForCoin(ctx, caller.ID, coinID)
	if err != nil {
		return "", err
	}
	if removed == 0 {
		return fmt.Sprintf("You have no alerts on %s.", notify.Bold(coinID)), nil
	}
	return fmt.Sprintf("🗑 Deleted %d alert(s) on %s.", removed, notify.Bold(coinID)), nil
}

func (s *Service) currentPrice(ctx context.Context, coinID string) (float64, error) {
	snapshot, err := s.lookupPrices(ctx, []string{coinID})
	if err != nil {
		return 0, err
	}
	price, ok := snapshot.Price(coinID)
	if !ok {
		return 0, unknownCoin(coinID)
	}
	return price, nil
}

// lookupPrices serves what it can from the cache and fetches the rest in one call
func (s *Service) lookupPrices(ctx context.Context, ids []string) (models.PriceSnapshot, error) {
	snapshot := models.PriceSnapshot{}
	if s.cache != nil {
		snapshot = s.cache.Get(ctx, ids)
	}

	missing := lo.Filter(lo.Uniq(ids), func(id string, _ int) bool {
		_, ok := snapshot[id]
		return !ok
	})
	if len(missing) == 0 {
		return snapshot, nil
	}

	fresh, err := s.prices.FetchPrices(ctx, missing)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Put(ctx, fresh)
	}
	for id, price := range fresh {
		snapshot[id] = price
	}
	return snapshot, nil
}

func oneArg(args []string, usage string) (string, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", invalidInput("Usage: %s", usage)
	}
	return args[0], nil
}

// maxTargetPrice bounds targets to amounts a coin can plausibly reach
const maxTargetPrice = 1e12

// parsePrice accepts "50000", "50,000" and "$50000.5"
func parsePrice(raw string) (float64, error) {
	cleaned := strings.NewReplacer(",", "", "$", "").Replace(strings.TrimSpace(raw))
	price, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 || price > maxTargetPrice {
		return 0, models.ErrInvalidPrice
	}
	return price, nil
}
