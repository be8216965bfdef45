package models

import (
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationOrderStatus    NotificationType = "order_status"
	NotificationDeliveryUpdate NotificationType = "delivery_update"
	NotificationMealExpiration NotificationType = "meal_expiration"
	NotificationSupportMessage NotificationType = "support_message"
	NotificationDriverMessage  NotificationType = "driver_message"
)

var NotificationTypes = []NotificationType{
	NotificationOrderStatus,
	NotificationDeliveryUpdate,
	NotificationMealExpiration,
	NotificationSupportMessage,
	NotificationDriverMessage,
}

func (t NotificationType) Valid() bool {
	for _, known := range NotificationTypes {
		if t == known {
			return true
		}
	}
	return false
}

type Notification struct {
	ID         string           `json:"id"`
	UserID     string           `json:"user_id"`
	Type       NotificationType `json:"type"`
	Title      string           `json:"title"`
	Message    string           `json:"message"`
	Timestamp  time.Time        `json:"created_at"`
	Read       bool             `json:"read"`
	ActionURL  *string          `json:"action_url,omitempty"`
	SenderID   *string          `json:"sender_id,omitempty"`
	SenderName *string          `json:"sender_name,omitempty"`
}

type DeliveryChannel string

const (
	DeliveryInApp DeliveryChannel = "in_app"
	DeliverySMS   DeliveryChannel = "sms"
	DeliveryVoice DeliveryChannel = "voice"
)

type ChannelPreference struct {
	Enabled  bool              `json:"enabled"`
	Channels []DeliveryChannel `json:"channels"`
}

// Delivers reports whether a notification should go out on ch. Channels of a
// disabled entry are kept but ignored.
func (p ChannelPreference) Delivers(ch DeliveryChannel) bool {
	if !p.Enabled {
		return false
	}
	for _, c := range p.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

type NotificationPreferences map[NotificationType]ChannelPreference

func DefaultNotificationPreferences() NotificationPreferences {
	prefs := make(NotificationPreferences, len(NotificationTypes))
	for _, t := range NotificationTypes {
		prefs[t] = ChannelPreference{Enabled: true, Channels: []DeliveryChannel{DeliveryInApp}}
	}
	return prefs
}

func (p NotificationPreferences) Clone() NotificationPreferences {
	out := make(NotificationPreferences, len(p))
	for t, pref := range p {
		channels := make([]DeliveryChannel, len(pref.Channels))
		copy(channels, pref.Channels)
		out[t] = ChannelPreference{Enabled: pref.Enabled, Channels: channels}
	}
	return out
}

type MessageChannel string

const (
	MessageChannelSupport MessageChannel = "support"
	MessageChannelDriver  MessageChannel = "driver"
)

type OutboundMessage struct {
	ID          uuid.UUID      `json:"id"`
	SenderID    string         `json:"sender_id"`
	RecipientID string         `json:"recipient_id"`
	Content     string         `json:"content"`
	Channel     MessageChannel `json:"channel"`
	InReplyTo   string         `json:"in_reply_to"`
	CreatedAt   time.Time      `json:"created_at"`
}
