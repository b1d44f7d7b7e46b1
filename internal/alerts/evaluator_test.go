package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coinalert/internal/database"
	"coinalert/internal/models"
	"coinalert/internal/pricesource"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu       sync.Mutex
	users    []*models.User
	findErr  error
	saveErrs map[string]error
	removed  map[string][]string
}

func (f *fakeStore) FindWithActiveAlerts(context.Context) ([]*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.users, nil
}

func (f *fakeStore) RemoveAlerts(_ context.Context, userID string, alertIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.saveErrs[userID]; err != nil {
		return err
	}
	if f.removed == nil {
		f.removed = make(map[string][]string)
	}
	f.removed[userID] = append(f.removed[userID], alertIDs...)
	return nil
}

func (f *fakeStore) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed)
}

type fakePrices struct {
	snapshot models.PriceSnapshot
	err      error
	calls    [][]string
}

func (f *fakePrices) FetchPrices(_ context.Context, ids []string) (models.PriceSnapshot, error) {
	f.calls = append(f.calls, ids)
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshot, nil
}

type sentMessage struct {
	userID  string
	message string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[string]bool
}

func (f *fakeNotifier) Notify(_ context.Context, userID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[userID] {
		return errors.New("bot was blocked by the user")
	}
	f.sent = append(f.sent, sentMessage{userID: userID, message: message})
	return nil
}

type fakePublisher struct {
	events []models.AlertEvent
}

func (f *fakePublisher) Publish(_ context.Context, event models.AlertEvent) error {
	f.events = append(f.events, event)
	return nil
}

func mustAlert(t *testing.T, coinID string, target, current float64) models.Alert {
	t.Helper()
	a, err := models.NewAlert(coinID, target, current)
	require.NoError(t, err)
	return a
}

func TestClassify(t *testing.T) {
	below := models.Alert{ID: "1", CoinID: "bitcoin", TargetPrice: 50000, Direction: models.DirectionBelow}
	above := models.Alert{ID: "2", CoinID: "ethereum", TargetPrice: 4000, Direction: models.DirectionAbove}
	missing := models.Alert{ID: "3", CoinID: "solana", TargetPrice: 1, Direction: models.DirectionAbove}

	fired, remaining := Classify(
		[]models.Alert{below, above, missing},
		models.PriceSnapshot{"bitcoin": 49000, "ethereum": 3500},
	)

	require.Len(t, fired, 1)
	assert.Equal(t, "1", fired[0].Alert.ID)
	assert.Equal(t, 49000.0, fired[0].Price)
	assert.Equal(t, []models.Alert{above, missing}, remaining)

	fired, remaining = Classify(nil, models.PriceSnapshot{"bitcoin": 1})
	assert.Empty(t, fired)
	assert.Empty(t, remaining)
}

func TestClassify_InclusiveBoundary(t *testing.T) {
	alerts := []models.Alert{
		{ID: "a", CoinID: "bitcoin", TargetPrice: 50000, Direction: models.DirectionAbove},
		{ID: "b", CoinID: "bitcoin", TargetPrice: 50000, Direction: models.DirectionBelow},
	}
	fired, remaining := Classify(alerts, models.PriceSnapshot{"bitcoin": 50000})
	assert.Len(t, fired, 2)
	assert.Empty(t, remaining)
}

func TestClassify_MissingPriceIsConservative(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("alerts on unpriced coins always remain", prop.ForAll(
		func(target float64, above bool, other float64) bool {
			dir := models.DirectionBelow
			if above {
				dir = models.DirectionAbove
			}
			a := models.Alert{ID: "x", CoinID: "unpriced", TargetPrice: target, Direction: dir}
			fired, remaining := Classify([]models.Alert{a}, models.PriceSnapshot{"bitcoin": other})
			return len(fired) == 0 && len(remaining) == 1 && remaining[0] == a
		},
		gen.Float64Range(0.00000001, 1e9),
		gen.Bool(),
		gen.Float64Range(0.00000001, 1e9),
	))

	properties.TestingRun(t)
}

func TestRequiredCoinIDs(t *testing.T) {
	users := []*models.User{
		{ID: "1", Alerts: []models.Alert{{CoinID: "ethereum"}, {CoinID: "bitcoin"}}},
		{ID: "2", Alerts: []models.Alert{{CoinID: "bitcoin"}, {CoinID: "solana"}}},
		{ID: "3"},
	}
	assert.Equal(t, []string{"bitcoin", "ethereum", "solana"}, RequiredCoinIDs(users))
	assert.Empty(t, RequiredCoinIDs(nil))
}

func TestTick_Idle(t *testing.T) {
	prices := &fakePrices{}
	e := NewEvaluator(&fakeStore{}, prices, &fakeNotifier{}, zap.NewNop())

	result := e.Tick(context.Background())
	assert.Equal(t, StatusIdle, result.Status)
	assert.NoError(t, result.Err)
	assert.Empty(t, prices.calls, "no fetch without alerts")
}

func TestTick_StoreFailureAborts(t *testing.T) {
	prices := &fakePrices{}
	e := NewEvaluator(&fakeStore{findErr: database.ErrStore}, prices, &fakeNotifier{}, zap.NewNop())

	result := e.Tick(context.Background())
	assert.Equal(t, StatusAborted, result.Status)
	assert.ErrorIs(t, result.Err, database.ErrStore)
	assert.Empty(t, prices.calls)
}

func TestTick_PriceFailureHasNoSideEffects(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("a failed fetch sends nothing and writes nothing", prop.ForAll(
		func(n int, rateLimited bool) bool {
			store := &fakeStore{}
			for i := 0; i < n; i++ {
				store.users = append(store.users, &models.User{
					ID: string(rune('a' + i)),
					Alerts: []models.Alert{
						{ID: "fires-anyway", CoinID: "bitcoin", TargetPrice: 1e12, Direction: models.DirectionBelow},
					},
				})
			}
			fetchErr := pricesource.ErrUnavailable
			if rateLimited {
				fetchErr = pricesource.ErrRateLimited
			}
			notifier := &fakeNotifier{}
			publisher := &fakePublisher{}
			e := NewEvaluator(store, &fakePrices{err: fetchErr}, notifier, zap.NewNop(), WithPublisher(publisher))

			result := e.Tick(context.Background())
			return result.Status == StatusAborted &&
				errors.Is(result.Err, fetchErr) &&
				len(notifier.sent) == 0 &&
				len(publisher.events) == 0 &&
				store.writes() == 0
		},
		gen.IntRange(1, 20),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestTick_FetchesOnceForAllUsers(t *testing.T) {
	store := &fakeStore{users: []*models.User{
		{ID: "1", Alerts: []models.Alert{{ID: "a", CoinID: "bitcoin", TargetPrice: 1, Direction: models.DirectionBelow}}},
		{ID: "2", Alerts: []models.Alert{{ID: "b", CoinID: "ethereum", TargetPrice: 1, Direction: models.DirectionBelow}}},
		{ID: "3", Alerts: []models.Alert{{ID: "c", CoinID: "bitcoin", TargetPrice: 1, Direction: models.DirectionBelow}}},
	}}
	prices := &fakePrices{snapshot: models.PriceSnapshot{}}
	e := NewEvaluator(store, prices, &fakeNotifier{}, zap.NewNop())

	result := e.Tick(context.Background())
	assert.Equal(t, StatusCompleted, result.Status)
	require.Len(t, prices.calls, 1)
	assert.Equal(t, []string{"bitcoin", "ethereum"}, prices.calls[0])
	assert.Zero(t, store.writes(), "nothing fired, nothing written")
}

func TestTick_TwoUsersSameCoin(t *testing.T) {
	fires := models.Alert{ID: "f", CoinID: "bitcoin", TargetPrice: 50000, Direction: models.DirectionBelow}
	waits := models.Alert{ID: "w", CoinID: "bitcoin", TargetPrice: 40000, Direction: models.DirectionBelow}
	store := &fakeStore{users: []*models.User{
		{ID: "alice", Alerts: []models.Alert{fires}},
		{ID: "bob", Alerts: []models.Alert{waits}},
	}}
	notifier := &fakeNotifier{}
	publisher := &fakePublisher{}
	e := NewEvaluator(store, &fakePrices{snapshot: models.PriceSnapshot{"bitcoin": 49000}}, notifier, zap.NewNop(),
		WithPublisher(publisher))

	result := e.Tick(context.Background())

	assert.Equal(t, StatusCompleted, result.Status)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "alice", notifier.sent[0].userID)
	assert.Equal(t, map[string][]string{"alice": {"f"}}, store.removed, "only the firing user is written")
	assert.Equal(t, 1, result.FiredCount())
	assert.Equal(t, 1, result.NotifiedCount())
	assert.Equal(t, 1, result.SavedCount())

	require.Len(t, publisher.events, 1)
	assert.Equal(t, "alice", publisher.events[0].UserID)
	assert.Equal(t, "f", publisher.events[0].AlertID)
	assert.Equal(t, 49000.0, publisher.events[0].Price)
}

func TestTick_PerUserIsolation(t *testing.T) {
	store := &fakeStore{
		users: []*models.User{
			{ID: "blocked", Alerts: []models.Alert{{ID: "1", CoinID: "bitcoin", TargetPrice: 50000, Direction: models.DirectionBelow}}},
			{ID: "broken", Alerts: []models.Alert{{ID: "2", CoinID: "bitcoin", TargetPrice: 50000, Direction: models.DirectionBelow}}},
			{ID: "fine", Alerts: []models.Alert{{ID: "3", CoinID: "bitcoin", TargetPrice: 50000, Direction: models.DirectionBelow}}},
		},
		saveErrs: map[string]error{"broken": database.ErrStore},
	}
	notifier := &fakeNotifier{fail: map[string]bool{"blocked": true}}
	e := NewEvaluator(store, &fakePrices{snapshot: models.PriceSnapshot{"bitcoin": 1}}, notifier, zap.NewNop())

	result := e.Tick(context.Background())

	assert.Equal(t, StatusPartial, result.Status)
	assert.NoError(t, result.Err)
	require.Len(t, result.Users, 3)

	blocked, broken, fine := result.Users[0], result.Users[1], result.Users[2]
	assert.Len(t, blocked.NotifyErrors, 1)
	assert.NoError(t, blocked.SaveErr, "a lost notification still removes the alert")
	assert.True(t, blocked.Saved())

	assert.Empty(t, broken.NotifyErrors)
	assert.ErrorIs(t, broken.SaveErr, database.ErrStore)
	assert.False(t, broken.Saved())

	assert.Empty(t, fine.NotifyErrors)
	assert.True(t, fine.Saved())

	assert.Equal(t, map[string][]string{"blocked": {"1"}, "fine": {"3"}}, store.removed)
	assert.Len(t, notifier.sent, 2)
}

func TestTick_CancelledBetweenUsers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := &fakeStore{users: []*models.User{
		{ID: "1", Alerts: []models.Alert{{ID: "a", CoinID: "bitcoin", TargetPrice: 1, Direction: models.DirectionAbove}}},
		{ID: "2", Alerts: []models.Alert{{ID: "b", CoinID: "bitcoin", TargetPrice: 1, Direction: models.DirectionAbove}}},
	}}
	notifier := &cancellingNotifier{cancel: cancel}
	e := NewEvaluator(store, &fakePrices{snapshot: models.PriceSnapshot{"bitcoin": 2}}, notifier, zap.NewNop())

	result := e.Tick(ctx)

	assert.Equal(t, StatusPartial, result.Status)
	assert.ErrorIs(t, result.Err, context.Canceled)
	require.Len(t, result.Users, 1)
	assert.Equal(t, 1, notifier.calls)
}

type cancellingNotifier struct {
	cancel context.CancelFunc
	calls  int
}

func (c *cancellingNotifier) Notify(context.Context, string, string) error {
	c.calls++
	c.cancel()
	return nil
}

func TestTick_Duration(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	e := NewEvaluator(&fakeStore{}, &fakePrices{}, &fakeNotifier{}, zap.NewNop(), WithClock(clock))

	result := e.Tick(context.Background())
	assert.Equal(t, time.Second, result.Duration)
}

// End to end against the Redis-backed store: an alert created at 60000 with target 50000
// fires at 49000, is delivered once and never seen by the following tick.
func TestTick_FiresOnceAgainstStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	store := database.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	t.Cleanup(func() { _ = store.Close() })

	_, err := store.GetOrCreate(ctx, "42", "u")
	require.NoError(t, err)
	a := mustAlert(t, "bitcoin", 50000, 60000)
	require.Equal(t, models.DirectionBelow, a.Direction)
	require.NoError(t, store.AddAlert(ctx, "42", a))

	notifier := &fakeNotifier{}
	prices := &fakePrices{snapshot: models.PriceSnapshot{"bitcoin": 49000}}
	e := NewEvaluator(store, prices, notifier, zap.NewNop())

	first := e.Tick(ctx)
	assert.Equal(t, StatusCompleted, first.Status)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "42", notifier.sent[0].userID)
	assert.Contains(t, notifier.sent[0].message, "bitcoin")
	assert.Contains(t, notifier.sent[0].message, "$49,000.00")

	u, err := store.Get(ctx, "42")
	require.NoError(t, err)
	assert.Empty(t, u.Alerts)

	second := e.Tick(ctx)
	assert.Equal(t, StatusIdle, second.Status)
	assert.Len(t, notifier.sent, 1, "a fired alert is never delivered twice")
}
