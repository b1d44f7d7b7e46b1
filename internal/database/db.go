package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coinalert/internal/logger"
	"coinalert/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const userColumns = `id, display_name, favorites, alerts, created_at, updated_at`

// PostgresStore keeps user documents in a jsonb-backed users table
type PostgresStore struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenPostgres opens the connection pool and verifies the database is reachable
func OpenPostgres(ctx context.Context, connStr string, log *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %w", ErrStore, err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping postgres: %w", ErrStore, err)
	}

	log = logger.OrNop(log)
	log.Info("Database connection established")
	return &PostgresStore{db: db, log: log}, nil
}

// NewPostgresStore wraps an existing connection pool
func NewPostgresStore(db *sql.DB, log *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: logger.OrNop(log)}
}

// GetOrCreate inserts the user if missing. A non-empty display name refreshes the stored one.
func (s *PostgresStore) GetOrCreate(ctx context.Context, id, displayName string) (*models.User, error) {
	query := `
		INSERT INTO users (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
		SET display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), users.display_name)
		RETURNING ` + userColumns

	user, err := scanUser(s.db.QueryRowContext(ctx, query, id, displayName))
	if err != nil {
		s.log.Error("Failed to get or create user", zap.String("user_id", id), zap.Error(err))
		return nil, fmt.Errorf("%w: get or create user %s: %w", ErrStore, id, err)
	}
	return user, nil
}

// Get retrieves a user by id
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get user %s: %w", ErrStore, id, err)
	}
	return user, nil
}

// FindWithActiveAlerts returns the users whose alert list is not empty
func (s *PostgresStore) FindWithActiveAlerts(ctx context.Context) ([]*models.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE jsonb_array_length(alerts) > 0
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.log.Error("Failed to query users with alerts", zap.Error(err))
		return nil, fmt.Errorf("%w: find users with alerts: %w", ErrStore, err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan user: %w", ErrStore, err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate users: %w", ErrStore, err)
	}
	return users, nil
}

// Save replaces the persisted document for user.ID
func (s *PostgresStore) Save(ctx context.Context, user *models.User) error {
	favorites, alerts, err := encodeLists(user)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	query := `
		INSERT INTO users (id, display_name, favorites, alerts, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    favorites = EXCLUDED.favorites,
		    alerts = EXCLUDED.alerts,
		    updated_at = now()
	`

	if _, err := s.db.ExecContext(ctx, query, user.ID, user.DisplayName, string(favorites), string(alerts)); err != nil {
		s.log.Error("Failed to save user", zap.String("user_id", user.ID), zap.Error(err))
		return fmt.Errorf("%w: save user %s: %w", ErrStore, user.ID, err)
	}
	return nil
}

// AddFavorite appends coinID to the watch-list unless it is already there
func (s *PostgresStore) AddFavorite(ctx context.Context, id, coinID string) (bool, error) {
	query := `
		UPDATE users
		SET favorites = favorites || to_jsonb($2::text), updated_at = now()
		WHERE id = $1 AND NOT favorites ? $2
	`
	return s.execChanged(ctx, "add favorite", id, query, id, coinID)
}

// RemoveFavorite removes coinID from the watch-list
func (s *PostgresStore) RemoveFavorite(ctx context.Context, id, coinID string) (bool, error) {
	query := `
		UPDATE users
		SET favorites = favorites - $2::text, updated_at = now()
		WHERE id = $1 AND favorites ? $2
	`
	return s.execChanged(ctx, "remove favorite", id, query, id, coinID)
}

// AddAlert appends an alert to the user's list
func (s *PostgresStore) AddAlert(ctx context.Context, id string, alert models.Alert) error {
	payload, err := json.Marshal([]models.Alert{alert})
	if err != nil {
		return fmt.Errorf("%w: encode alert: %w", ErrStore, err)
	}

	query := `UPDATE users SET alerts = alerts || $2::jsonb, updated_at = now() WHERE id = $1`
	changed, err := s.execChanged(ctx, "add alert", id, query, id, string(payload))
	if err != nil {
		return err
	}
	if !changed {
		return ErrNotFound
	}
	return nil
}

// RemoveAlerts drops alerts by id, preserving the order of the rest
func (s *PostgresStore) RemoveAlerts(ctx context.Context, id string, alertIDs []string) error {
	if len(alertIDs) == 0 {
		return nil
	}

	query := `
		UPDATE users
		SET alerts = COALESCE((
		        SELECT jsonb_agg(a ORDER BY ord)
		        FROM jsonb_array_elements(users.alerts) WITH ORDINALITY AS t(a, ord)
		        WHERE NOT (a->>'id' = ANY($2))
		    ), '[]'::jsonb),
		    updated_at = now()
		WHERE id = $1
	`

	if _, err := s.db.ExecContext(ctx, query, id, pq.Array(alertIDs)); err != nil {
		s.log.Error("Failed to remove alerts",
			zap.String("user_id", id),
			zap.Strings("alert_ids", alertIDs),
			zap.Error(err),
		)
		return fmt.Errorf("%w: remove alerts for %s: %w", ErrStore, id, err)
	}
	return nil
}

// RemoveAlertsForCoin drops every alert on coinID
func (s *PostgresStore) RemoveAlertsForCoin(ctx context.Context, id, coinID string) (int, error) {
	query := `
		WITH old AS (
		    SELECT jsonb_array_length(alerts) AS n FROM users WHERE id = $1
		)
		UPDATE users
		SET alerts = COALESCE((
		        SELECT jsonb_agg(a ORDER BY ord)
		        FROM jsonb_array_elements(users.alerts) WITH ORDINALITY AS t(a, ord)
		        WHERE a->>'coin_id' <> $2
		    ), '[]'::jsonb),
		    updated_at = now()
		FROM old
		WHERE id = $1
		RETURNING old.n - jsonb_array_length(users.alerts)
	`

	var removed int
	err := s.db.QueryRowContext(ctx, query, id, coinID).Scan(&removed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("%w: remove %s alerts for %s: %w", ErrStore, coinID, id, err)
	}
	return removed, nil
}

// Ping checks if the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// execChanged runs an update and reports whether a row changed. When nothing changed it
// distinguishes a missing user from a no-op.
func (s *PostgresStore) execChanged(ctx context.Context, op, id, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.log.Error("Failed to update user", zap.String("op", op), zap.String("user_id", id), zap.Error(err))
		return false, fmt.Errorf("%w: %s for %s: %w", ErrStore, op, id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %s for %s: %w", ErrStore, op, id, err)
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("%w: %s for %s: %w", ErrStore, op, id, err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	var favorites, alerts []byte

	if err := row.Scan(&user.ID, &user.DisplayName, &favorites, &alerts, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(favorites, &user.Favorites); err != nil {
		return nil, fmt.Errorf("decode favorites: %w", err)
	}
	if err := json.Unmarshal(alerts, &user.Alerts); err != nil {
		return nil, fmt.Errorf("decode alerts: %w", err)
	}
	user.Favorites = orEmpty(user.Favorites)
	user.Alerts = orEmpty(user.Alerts)
	return &user, nil
}

func encodeLists(user *models.User) ([]byte, []byte, error) {
	favorites, err := json.Marshal(orEmpty(user.Favorites))
	if err != nil {
		return nil, nil, fmt.Errorf("encode favorites: %w", err)
	}
	alerts, err := json.Marshal(orEmpty(user.Alerts))
	if err != nil {
		return nil, nil, fmt.Errorf("encode alerts: %w", err)
	}
	return favorites, alerts, nil
}
