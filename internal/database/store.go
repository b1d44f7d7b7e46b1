package database

import (
	"context"
	"errors"

	"coinalert/internal/models"
)

var (
	// ErrStore wraps every persistence failure
	ErrStore = errors.New("store error")
	// ErrNotFound is returned when a user document does not exist
	ErrNotFound = errors.New("user not found")
)

// Store persists one document per user, keyed by the chat identity.
// All mutating operations are atomic per user document.
type Store interface {
	// GetOrCreate returns the user, creating it on first sight. Safe for concurrent
	// calls with the same id.
	GetOrCreate(ctx context.Context, id, displayName string) (*models.User, error)
	Get(ctx context.Context, id string) (*models.User, error)
	// FindWithActiveAlerts returns exactly the users with a non-empty alert list
	FindWithActiveAlerts(ctx context.Context) ([]*models.User, error)
	// Save replaces the whole document
	Save(ctx context.Context, user *models.User) error

	AddFavorite(ctx context.Context, id, coinID string) (bool, error)
	RemoveFavorite(ctx context.Context, id, coinID string) (bool, error)
	AddAlert(ctx context.Context, id string, alert models.Alert) error
	// RemoveAlerts drops the alerts with the given ids and leaves every other alert,
	// including ones added concurrently, untouched.
	RemoveAlerts(ctx context.Context, id string, alertIDs []string) error
	// RemoveAlertsForCoin drops every alert on coinID and returns how many were removed
	RemoveAlertsForCoin(ctx context.Context, id, coinID string) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
