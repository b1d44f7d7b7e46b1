package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"coinalert/internal/logger"
	"coinalert/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	userKeyPrefix   = "user:"
	activeAlertsKey = "users:active_alerts"
	maxTxAttempts   = 10
)

// RedisStore keeps each user as a JSON document under user:<id>. The set
// users:active_alerts indexes the users with pending alerts and is updated in the same
// MULTI as the document.
type RedisStore struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedisStore creates a store on an existing client
func NewRedisStore(client *redis.Client, log *zap.Logger) *RedisStore {
	return &RedisStore{client: client, log: logger.OrNop(log)}
}

func userKey(id string) string {
	return userKeyPrefix + id
}

// GetOrCreate returns the stored user or creates an empty one
func (s *RedisStore) GetOrCreate(ctx context.Context, id, displayName string) (*models.User, error) {
	var result *models.User
	err := s.update(ctx, id, true, func(u *models.User, created bool) bool {
		result = u
		if displayName != "" && u.DisplayName != displayName {
			u.DisplayName = displayName
			return true
		}
		return created
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get retrieves a user by id
func (s *RedisStore) Get(ctx context.Context, id string) (*models.User, error) {
	raw, err := s.client.Get(ctx, userKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get user %s: %w", ErrStore, id, err)
	}
	return decodeUser(raw)
}

// FindWithActiveAlerts loads every user in the active alerts index
func (s *RedisStore) FindWithActiveAlerts(ctx context.Context) ([]*models.User, error) {
	ids, err := s.client.SMembers(ctx, activeAlertsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list active users: %w", ErrStore, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = userKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: load active users: %w", ErrStore, err)
	}

	users := make([]*models.User, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			s.log.Warn("Active alerts index points to a missing user", zap.String("user_id", ids[i]))
			continue
		}
		user, err := decodeUser([]byte(raw))
		if err != nil {
			s.log.Error("Skipping undecodable user", zap.String("user_id", ids[i]), zap.Error(err))
			continue
		}
		if user.HasActiveAlerts() {
			users = append(users, user)
		}
	}
	return users, nil
}

// Save replaces the whole document
func (s *RedisStore) Save(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(normalize(user))
	if err != nil {
		return fmt.Errorf("%w: encode user: %w", ErrStore, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, userKey(user.ID), data, 0)
		indexUser(ctx, pipe, user)
		return nil
	})
	if err != nil {
		s.log.Error("Failed to save user", zap.String("user_id", user.ID), zap.Error(err))
		return fmt.Errorf("%w: save user %s: %w", ErrStore, user.ID, err)
	}
	return nil
}

// AddFavorite appends coinID to the watch-list unless it is already there
func (s *RedisStore) AddFavorite(ctx context.Context, id, coinID string) (bool, error) {
	added := false
	err := s.update(ctx, id, false, func(u *models.User, _ bool) bool {
		added = !u.HasFavorite(coinID)
		if added {
			u.Favorites = append(u.Favorites, coinID)
		}
		return added
	})
	return added, err
}

// RemoveFavorite removes coinID from the watch-list
func (s *RedisStore) RemoveFavorite(ctx context.Context, id, coinID string) (bool, error) {
	removed := false
	err := s.update(ctx, id, false, func(u *models.User, _ bool) bool {
		before := len(u.Favorites)
		u.Favorites = slices.DeleteFunc(u.Favorites, func(f string) bool { return f == coinID })
		removed = len(u.Favorites) != before
		return removed
	})
	return removed, err
}

// AddAlert appends an alert to the user's list
func (s *RedisStore) AddAlert(ctx context.Context, id string, alert models.Alert) error {
	return s.update(ctx, id, false, func(u *models.User, _ bool) bool {
		u.Alerts = append(u.Alerts, alert)
		return true
	})
}

// RemoveAlerts drops alerts by id, preserving the order of the rest
func (s *RedisStore) RemoveAlerts(ctx context.Context, id string, alertIDs []string) error {
	if len(alertIDs) == 0 {
		return nil
	}
	err := s.update(ctx, id, false, func(u *models.User, _ bool) bool {
		before := len(u.Alerts)
		u.Alerts = slices.DeleteFunc(u.Alerts, func(a models.Alert) bool {
			return slices.Contains(alertIDs, a.ID)
		})
		return len(u.Alerts) != before
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// RemoveAlertsForCoin drops every alert on coinID
func (s *RedisStore) RemoveAlertsForCoin(ctx context.Context, id, coinID string) (int, error) {
	removed := 0
	err := s.update(ctx, id, false, func(u *models.User, _ bool) bool {
		before := len(u.Alerts)
		u.Alerts = slices.DeleteFunc(u.Alerts, func(a models.Alert) bool { return a.CoinID == coinID })
		removed = before - len(u.Alerts)
		return removed > 0
	})
	return removed, err
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// update runs mutate inside an optimistic WATCH/MULTI transaction on the user key.
// mutate reports whether the document changed; unchanged documents are not written.
func (s *RedisStore) update(ctx context.Context, id string, create bool, mutate func(u *models.User, created bool) bool) error {
	key := userKey(id)

	txf := func(tx *redis.Tx) error {
		var user *models.User
		created := false

		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if !create {
				return ErrNotFound
			}
			now := time.Now().UTC()
			user = &models.User{ID: id, Favorites: []string{}, Alerts: []models.Alert{}, CreatedAt: now, UpdatedAt: now}
			created = true
		case err != nil:
			return err
		default:
			if user, err = decodeUser(raw); err != nil {
				return err
			}
		}

		if !mutate(user, created) {
			return nil
		}
		user.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(normalize(user))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			indexUser(ctx, pipe, user)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		s.log.Error("Failed to update user", zap.String("user_id", id), zap.Error(err))
		return fmt.Errorf("%w: update user %s: %w", ErrStore, id, err)
	}
	return fmt.Errorf("%w: update user %s: too much contention", ErrStore, id)
}

func indexUser(ctx context.Context, pipe redis.Pipeliner, user *models.User) {
	if user.HasActiveAlerts() {
		pipe.SAdd(ctx, activeAlertsKey, user.ID)
	} else {
		pipe.SRem(ctx, activeAlertsKey, user.ID)
	}
}

func normalize(user *models.User) *models.User {
	user.Favorites = orEmpty(user.Favorites)
	user.Alerts = orEmpty(user.Alerts)
	return user
}

func decodeUser(raw []byte) (*models.User, error) {
	var user models.User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("%w: decode user: %w", ErrStore, err)
	}
	return normalize(&user), nil
}
