// Package alerts evaluates pending price alerts against a batched price snapshot.
package alerts

import (
	"context"
	"slices"
	"time"

	"coinalert/internal/logger"
	"coinalert/internal/models"
	"coinalert/internal/notify"
	"coinalert/internal/tracing"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Store is what a tick needs from persistence
type Store interface {
	FindWithActiveAlerts(ctx context.Context) ([]*models.User, error)
	RemoveAlerts(ctx context.Context, userID string, alertIDs []string) error
}

// PriceFetcher returns a sparse price snapshot for a batch of coin ids
type PriceFetcher interface {
	FetchPrices(ctx context.Context, ids []string) (models.PriceSnapshot, error)
}

// Notifier delivers a message to a single user
type Notifier interface {
	Notify(ctx context.Context, userID, message string) error
}

// Publisher receives an event for every fired alert
type Publisher interface {
	Publish(ctx context.Context, event models.AlertEvent) error
}

// Status summarises how far a tick got
type Status string

const (
	// StatusIdle means no user had pending alerts
	StatusIdle Status = "idle"
	// StatusAborted means nothing was sent and nothing was written
	StatusAborted Status = "aborted"
	// StatusCompleted means every user was fully processed
	StatusCompleted Status = "completed"
	// StatusPartial means at least one user had a notify or persistence failure
	StatusPartial Status = "partial"
)

// FiredAlert pairs an alert with the price that fired it
type FiredAlert struct {
	Alert models.Alert
	Price float64
}

// UserResult is the outcome of a tick for one user
type UserResult struct {
	UserID       string
	Fired        []FiredAlert
	Remaining    []models.Alert
	NotifyErrors []error
	SaveErr      error
}

// Saved reports whether the fired alerts were removed from the store
func (r UserResult) Saved() bool {
	return len(r.Fired) > 0 && r.SaveErr == nil
}

// TickResult is the outcome of one evaluator run
type TickResult struct {
	Status    Status
	Err       error
	Users     []UserResult
	StartedAt time.Time
	Duration  time.Duration
}

// FiredCount returns the number of alerts that fired
func (r TickResult) FiredCount() int {
	return lo.SumBy(r.Users, func(u UserResult) int { return len(u.Fired) })
}

// NotifiedCount returns the number of notifications delivered
func (r TickResult) NotifiedCount() int {
	return lo.SumBy(r.Users, func(u UserResult) int { return len(u.Fired) - len(u.NotifyErrors) })
}

// SavedCount returns the number of users whose record was written
func (r TickResult) SavedCount() int {
	return lo.CountBy(r.Users, func(u UserResult) bool { return u.Saved() })
}

// Classify splits alerts into fired and remaining, keeping the original order.
// Alerts on coins missing from the snapshot always remain.
func Classify(alerts []models.Alert, snapshot models.PriceSnapshot) ([]FiredAlert, []models.Alert) {
	var fired []FiredAlert
	remaining := make([]models.Alert, 0, len(alerts))

	for _, alert := range alerts {
		price, ok := snapshot.Price(alert.CoinID)
		if ok && alert.Triggered(price) {
			fired = append(fired, FiredAlert{Alert: alert, Price: price})
			continue
		}
		remaining = append(remaining, alert)
	}
	return fired, remaining
}

// RequiredCoinIDs returns the sorted union of coin ids referenced by the users' alerts
func RequiredCoinIDs(users []*models.User) []string {
	ids := lo.Uniq(lo.FlatMap(users, func(u *models.User, _ int) []string {
		return lo.Map(u.Alerts, func(a models.Alert, _ int) string { return a.CoinID })
	}))
	slices.Sort(ids)
	return ids
}

// Evaluator runs alert ticks
type Evaluator struct {
	store     Store
	prices    PriceFetcher
	notifier  Notifier
	publisher Publisher
	log       *zap.Logger
	now       func() time.Time
}

// Option configures an Evaluator
type Option func(*Evaluator)

// WithPublisher sends an event for every fired alert to p
func WithPublisher(p Publisher) Option {
	return func(e *Evaluator) {
		e.publisher = p
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		e.now = now
	}
}

// NewEvaluator creates an evaluator
func NewEvaluator(store Store, prices PriceFetcher, notifier Notifier, log *zap.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:    store,
		prices:   prices,
		notifier: notifier,
		log:      logger.OrNop(log),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tick loads every user with pending alerts, fetches all needed prices in one call,
// notifies users whose alerts fired and removes those alerts from the store.
// A failure before classification aborts the tick without side effects; failures for
// one user never affect another.
func (e *Evaluator) Tick(ctx context.Context) TickResult {
	ctx, span := tracing.Tracer().Start(ctx, "alerts.Tick")
	defer span.End()

	result := TickResult{StartedAt: e.now()}
	defer func() {
		result.Duration = e.now().Sub(result.StartedAt)
		observeTick(result)
		span.SetAttributes(
			attribute.String("status", string(result.Status)),
			attribute.Int("users", len(result.Users)),
			attribute.Int("fired", result.FiredCount()),
		)
		if result.Err != nil {
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, result.Err.Error())
		}
	}()

	log := e.log.With(zap.String("trace_id", tracing.TraceID(ctx)))

	users, err := e.store.FindWithActiveAlerts(ctx)
	if err != nil {
		log.Error("Failed to load users with alerts", zap.Error(err))
		result.Status, result.Err = StatusAborted, err
		return result
	}
	if len(users) == 0 {
		result.Status = StatusIdle
		return result
	}

	ids := RequiredCoinIDs(users)
	snapshot, err := e.prices.FetchPrices(ctx, ids)
	if err != nil {
		log.Warn("Price fetch failed, skipping tick",
			zap.Int("users", len(users)),
			zap.Int("coins", len(ids)),
			zap.Error(err),
		)
		result.Status, result.Err = StatusAborted, err
		return result
	}

	result.Status = StatusCompleted
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			log.Warn("Tick interrupted", zap.Int("unprocessed_users", len(users)-len(result.Users)), zap.Error(err))
			result.Status, result.Err = StatusPartial, err
			break
		}

		ur := e.processUser(ctx, log, user, snapshot)
		if len(ur.NotifyErrors) > 0 || ur.SaveErr != nil {
			result.Status = StatusPartial
		}
		result.Users = append(result.Users, ur)
	}

	log.Info("Alert tick finished",
		zap.String("status", string(result.Status)),
		zap.Int("users", len(users)),
		zap.Int("coins", len(ids)),
		zap.Int("priced", len(snapshot)),
		zap.Int("fired", result.FiredCount()),
	)
	return result
}

func (e *Evaluator) processUser(ctx context.Context, log *zap.Logger, user *models.User, snapshot models.PriceSnapshot) UserResult {
	fired, remaining := Classify(user.Alerts, snapshot)
	ur := UserResult{UserID: user.ID, Fired: fired, Remaining: remaining}
	if len(fired) == 0 {
		return ur
	}

	log = log.With(zap.String("user_id", user.ID))
	for _, f := range fired {
		if err := e.notifier.Notify(ctx, user.ID, notify.AlertMessage(f.Alert, f.Price)); err != nil {
			log.Warn("Alert notification lost",
				zap.String("alert_id", f.Alert.ID),
				zap.String("coin_id", f.Alert.CoinID),
				zap.Error(err),
			)
			ur.NotifyErrors = append(ur.NotifyErrors, err)
		}
		e.publish(ctx, log, user.ID, f)
	}

	firedIDs := lo.Map(fired, func(f FiredAlert, _ int) string { return f.Alert.ID })
	if err := e.store.RemoveAlerts(ctx, user.ID, firedIDs); err != nil {
		log.Error("Failed to persist fired alerts", zap.Strings("alert_ids", firedIDs), zap.Error(err))
		ur.SaveErr = err
	}
	return ur
}

func (e *Evaluator) publish(ctx context.Context, log *zap.Logger, userID string, f FiredAlert) {
	if e.publisher == nil {
		return
	}
	event := models.AlertEvent{
		UserID:      userID,
		AlertID:     f.Alert.ID,
		CoinID:      f.Alert.CoinID,
		TargetPrice: f.Alert.TargetPrice,
		Price:       f.Price,
		Direction:   f.Alert.Direction,
		Timestamp:   e.now().UTC(),
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		log.Warn("Failed to publish alert event", zap.String("alert_id", f.Alert.ID), zap.Error(err))
	}
}
