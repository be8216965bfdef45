package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/mealstock/internal/models"
)

// PostgresMessageRepository delivers replies by writing them to the messages
// table, which the backend fans out to support agents and drivers.
type PostgresMessageRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresMessageRepository(pool *pgxpool.Pool) *PostgresMessageRepository {
	return &PostgresMessageRepository{pool: pool}
}

func (r *PostgresMessageRepository) Send(ctx context.Context, msg *models.OutboundMessage) error {
	query := `INSERT INTO messages (id, sender_id, recipient_id, content, channel, in_reply_to, created_at)
	          VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
	          RETURNING created_at`

	err := r.pool.QueryRow(ctx, query,
		msg.ID,
		msg.SenderID,
		msg.RecipientID,
		msg.Content,
		msg.Channel,
		msg.InReplyTo,
		msg.CreatedAt,
	).Scan(&msg.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// ListThread returns messages replying to notificationID, oldest first.
func (r *PostgresMessageRepository) ListThread(ctx context.Context, notificationID string) ([]models.OutboundMessage, error) {
	query := `SELECT id, sender_id, recipient_id, content, channel, COALESCE(in_reply_to, ''), created_at
	          FROM messages
	          WHERE in_reply_to = $1
	          ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []models.OutboundMessage{}
	for rows.Next() {
		var m models.OutboundMessage
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &m.Channel, &m.InReplyTo, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}
