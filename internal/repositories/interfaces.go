package repositories

import (
	"context"
	"errors"

	"github.com/prudhvinik1/mealstock/internal/models"
)

var ErrNotFound = errors.New("record not found")

type NotificationRepository interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Notification, error)
	SetRead(ctx context.Context, userID string, ids []string, read bool) error
	Delete(ctx context.Context, userID, id string) error
}

type NotificationPreferenceRepository interface {
	Get(ctx context.Context, userID string) (models.NotificationPreferences, error)
	Save(ctx context.Context, userID string, prefs models.NotificationPreferences) error
}

type MessageRepository interface {
	Send(ctx context.Context, msg *models.OutboundMessage) error
	ListThread(ctx context.Context, notificationID string) ([]models.OutboundMessage, error)
}
