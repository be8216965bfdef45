package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/mealstock/internal/models"
)

// PostgresNotificationPreferenceRepository stores one JSONB preference map
// per user.
type PostgresNotificationPreferenceRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresNotificationPreferenceRepository(pool *pgxpool.Pool) *PostgresNotificationPreferenceRepository {
	return &PostgresNotificationPreferenceRepository{pool: pool}
}

func (r *PostgresNotificationPreferenceRepository) Get(ctx context.Context, userID string) (models.NotificationPreferences, error) {
	query := `SELECT preferences FROM notification_preferences WHERE user_id = $1`

	var raw []byte
	err := r.pool.QueryRow(ctx, query, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification preferences: %w", err)
	}

	var prefs models.NotificationPreferences
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notification preferences: %w", err)
	}
	return prefs, nil
}

// Save replaces the user's preference map.
func (r *PostgresNotificationPreferenceRepository) Save(ctx context.Context, userID string, prefs models.NotificationPreferences) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to marshal notification preferences: %w", err)
	}

	query := `INSERT INTO notification_preferences (user_id, preferences, updated_at)
	          VALUES ($1, $2, NOW())
	          ON CONFLICT (user_id)
	          DO UPDATE SET preferences = EXCLUDED.preferences, updated_at = NOW()`

	if _, err := r.pool.Exec(ctx, query, userID, raw); err != nil {
		return fmt.Errorf("failed to save notification preferences: %w", err)
	}
	return nil
}
