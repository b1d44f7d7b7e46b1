package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"coinalert/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, zap.NewNop())
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	url := os.Getenv("COINALERT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("COINALERT_TEST_DATABASE_URL not set")
	}

	require.NoError(t, Migrate(url))
	db, err := sql.Open("postgres", url)
	require.NoError(t, err)
	_, err = db.Exec(`TRUNCATE users`)
	require.NoError(t, err)

	store := NewPostgresStore(db, zap.NewNop())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func alert(t *testing.T, coinID string, target, current float64) models.Alert {
	t.Helper()
	a, err := models.NewAlert(coinID, target, current)
	require.NoError(t, err)
	return a
}

// storeContract exercises the behaviour every Store backend must share
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("get or create", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)

		u, err := store.GetOrCreate(ctx, "100", "alice")
		require.NoError(t, err)
		assert.Equal(t, "100", u.ID)
		assert.Equal(t, "alice", u.DisplayName)
		assert.Empty(t, u.Favorites)
		assert.Empty(t, u.Alerts)

		again, err := store.GetOrCreate(ctx, "100", "")
		require.NoError(t, err)
		assert.Equal(t, "alice", again.DisplayName, "empty name keeps the stored one")

		renamed, err := store.GetOrCreate(ctx, "100", "alice2")
		require.NoError(t, err)
		assert.Equal(t, "alice2", renamed.DisplayName)
	})

	t.Run("concurrent get or create creates one document", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.GetOrCreate(ctx, "200", "bob")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		require.NoError(t, store.AddAlert(ctx, "200", alert(t, "bitcoin", 1, 2)))
		users, err := store.FindWithActiveAlerts(ctx)
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "200", users[0].ID)
	})

	t.Run("get missing user", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(testContext(t), "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("favorites", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)
		_, err := store.GetOrCreate(ctx, "300", "")
		require.NoError(t, err)

		added, err := store.AddFavorite(ctx, "300", "bitcoin")
		require.NoError(t, err)
		assert.True(t, added)
		added, err = store.AddFavorite(ctx, "300", "ethereum")
		require.NoError(t, err)
		assert.True(t, added)
		added, err = store.AddFavorite(ctx, "300", "bitcoin")
		require.NoError(t, err)
		assert.False(t, added, "duplicates are refused")

		u, err := store.Get(ctx, "300")
		require.NoError(t, err)
		assert.Equal(t, []string{"bitcoin", "ethereum"}, u.Favorites)

		removed, err := store.RemoveFavorite(ctx, "300", "bitcoin")
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = store.RemoveFavorite(ctx, "300", "bitcoin")
		require.NoError(t, err)
		assert.False(t, removed)

		u, err = store.Get(ctx, "300")
		require.NoError(t, err)
		assert.Equal(t, []string{"ethereum"}, u.Favorites)

		_, err = store.AddFavorite(ctx, "missing", "bitcoin")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("find with active alerts", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)

		for _, id := range []string{"a", "b", "c"} {
			_, err := store.GetOrCreate(ctx, id, "")
			require.NoError(t, err)
		}
		require.NoError(t, store.AddAlert(ctx, "a", alert(t, "bitcoin", 50000, 60000)))
		require.NoError(t, store.AddAlert(ctx, "c", alert(t, "ethereum", 4000, 3000)))

		users, err := store.FindWithActiveAlerts(ctx)
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, "a", users[0].ID)
		assert.Equal(t, "c", users[1].ID)
		assert.Equal(t, models.DirectionAbove, users[1].Alerts[0].Direction)

		assert.ErrorIs(t, store.AddAlert(ctx, "missing", alert(t, "bitcoin", 1, 2)), ErrNotFound)
	})

	t.Run("remove alerts by id keeps concurrent additions", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)
		_, err := store.GetOrCreate(ctx, "400", "")
		require.NoError(t, err)

		first := alert(t, "bitcoin", 50000, 60000)
		second := alert(t, "ethereum", 5000, 3000)
		require.NoError(t, store.AddAlert(ctx, "400", first))
		require.NoError(t, store.AddAlert(ctx, "400", second))

		// snapshot taken by a tick, then a command adds an alert before the tick persists
		users, err := store.FindWithActiveAlerts(ctx)
		require.NoError(t, err)
		require.Len(t, users, 1)
		late := alert(t, "solana", 300, 150)
		require.NoError(t, store.AddAlert(ctx, "400", late))

		require.NoError(t, store.RemoveAlerts(ctx, "400", []string{first.ID}))

		u, err := store.Get(ctx, "400")
		require.NoError(t, err)
		require.Len(t, u.Alerts, 2)
		assert.Equal(t, second.ID, u.Alerts[0].ID)
		assert.Equal(t, late.ID, u.Alerts[1].ID)

		require.NoError(t, store.RemoveAlerts(ctx, "400", []string{second.ID, late.ID}))
		users, err = store.FindWithActiveAlerts(ctx)
		require.NoError(t, err)
		assert.Empty(t, users)

		assert.NoError(t, store.RemoveAlerts(ctx, "400", nil))
	})

	t.Run("remove alerts for coin", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)
		_, err := store.GetOrCreate(ctx, "500", "")
		require.NoError(t, err)

		require.NoError(t, store.AddAlert(ctx, "500", alert(t, "bitcoin", 50000, 60000)))
		require.NoError(t, store.AddAlert(ctx, "500", alert(t, "ethereum", 5000, 3000)))
		require.NoError(t, store.AddAlert(ctx, "500", alert(t, "bitcoin", 70000, 60000)))

		removed, err := store.RemoveAlertsForCoin(ctx, "500", "bitcoin")
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		u, err := store.Get(ctx, "500")
		require.NoError(t, err)
		require.Len(t, u.Alerts, 1)
		assert.Equal(t, "ethereum", u.Alerts[0].CoinID)

		removed, err = store.RemoveAlertsForCoin(ctx, "500", "dogecoin")
		require.NoError(t, err)
		assert.Zero(t, removed)

		_, err = store.RemoveAlertsForCoin(ctx, "missing", "bitcoin")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("save replaces the document", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)

		u, err := store.GetOrCreate(ctx, "600", "carol")
		require.NoError(t, err)
		u.Favorites = []string{"bitcoin"}
		u.Alerts = []models.Alert{alert(t, "bitcoin", 50000, 60000)}
		require.NoError(t, store.Save(ctx, u))

		got, err := store.Get(ctx, "600")
		require.NoError(t, err)
		assert.Equal(t, []string{"bitcoin"}, got.Favorites)
		require.Len(t, got.Alerts, 1)

		got.Alerts = nil
		require.NoError(t, store.Save(ctx, got))
		users, err := store.FindWithActiveAlerts(ctx)
		require.NoError(t, err)
		assert.Empty(t, users)
	})

	t.Run("concurrent alert additions are not lost", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)
		_, err := store.GetOrCreate(ctx, "700", "")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, store.AddAlert(ctx, "700", alert(t, fmt.Sprintf("coin-%d", i), 1, 2)))
			}(i)
		}
		wg.Wait()

		u, err := store.Get(ctx, "700")
		require.NoError(t, err)
		assert.Len(t, u.Alerts, 10)
	})
}

func TestRedisStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store {
		store, _ := newRedisStore(t)
		return store
	})
}

func TestPostgresStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store {
		return newPostgresStore(t)
	})
}

func TestRedisStore_SkipsDanglingIndexEntries(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := testContext(t)

	_, err := store.GetOrCreate(ctx, "1", "")
	require.NoError(t, err)
	require.NoError(t, store.AddAlert(ctx, "1", alert(t, "bitcoin", 1, 2)))

	_, err = mr.SAdd(activeAlertsKey, "ghost")
	require.NoError(t, err)
	require.NoError(t, mr.Set(userKey("broken"), "{not json"))
	_, err = mr.SAdd(activeAlertsKey, "broken")
	require.NoError(t, err)

	users, err := store.FindWithActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "1", users[0].ID)
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	_, err := store.GetOrCreate(testContext(t), "1", "")
	assert.ErrorIs(t, err, ErrStore)
	_, err = store.FindWithActiveAlerts(testContext(t))
	assert.ErrorIs(t, err, ErrStore)
	assert.Error(t, store.Ping(testContext(t)))
}
