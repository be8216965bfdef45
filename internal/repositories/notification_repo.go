package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/mealstock/internal/models"
)

type PostgresNotificationRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresNotificationRepository(pool *pgxpool.Pool) *PostgresNotificationRepository {
	return &PostgresNotificationRepository{pool: pool}
}

// ListByUser returns the newest notifications for userID, newest first.
func (r *PostgresNotificationRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	query := `SELECT id::text, user_id, type, title, message, created_at, read, action_url, sender_id, sender_name
	          FROM notifications
	          WHERE user_id = $1
	          ORDER BY created_at DESC
	          LIMIT $2`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	notifications := []models.Notification{}
	for rows.Next() {
		var n models.Notification
		err := rows.Scan(
			&n.ID,
			&n.UserID,
			&n.Type,
			&n.Title,
			&n.Message,
			&n.Timestamp,
			&n.Read,
			&n.ActionURL,
			&n.SenderID,
			&n.SenderName,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}

	return notifications, nil
}

func (r *PostgresNotificationRepository) SetRead(ctx context.Context, userID string, ids []string, read bool) error {
	if len(ids) == 0 {
		return nil
	}

	query := `UPDATE notifications
	          SET read = $3
	          WHERE user_id = $1 AND id::text = ANY($2::text[])`

	if _, err := r.pool.Exec(ctx, query, userID, ids, read); err != nil {
		return fmt.Errorf("failed to update read state: %w", err)
	}
	return nil
}

func (r *PostgresNotificationRepository) Delete(ctx context.Context, userID, id string) error {
	query := `DELETE FROM notifications WHERE user_id = $1 AND id::text = $2`

	result, err := r.pool.Exec(ctx, query, userID, id)
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
