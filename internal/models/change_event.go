package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
)

const TopicNotifications = "notifications"

var ErrTopicMismatch = errors.New("change event belongs to another topic")

// ChangeEvent is a row-level change delivered by the realtime feed.
type ChangeEvent struct {
	Topic           string          `json:"topic"`
	Kind            EventKind       `json:"kind"`
	Old             json.RawMessage `json:"old,omitempty"`
	New             json.RawMessage `json:"new,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

type NotificationChange struct {
	Kind EventKind
	Old  *Notification
	New  *Notification
}

func DecodeNotificationChange(ev ChangeEvent) (NotificationChange, error) {
	if ev.Topic != TopicNotifications {
		return NotificationChange{}, fmt.Errorf("%w: %s", ErrTopicMismatch, ev.Topic)
	}

	change := NotificationChange{Kind: ev.Kind}
	var err error
	switch ev.Kind {
	case EventInsert:
		change.New, err = decodeNotificationRow(ev.New)
	case EventUpdate:
		change.New, err = decodeNotificationRow(ev.New)
		if err == nil && len(ev.Old) > 0 {
			change.Old, err = decodeNotificationRow(ev.Old)
		}
	case EventDelete:
		change.Old, err = decodeNotificationRow(ev.Old)
	default:
		return NotificationChange{}, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if err != nil {
		return NotificationChange{}, err
	}
	return change, nil
}

func decodeNotificationRow(raw json.RawMessage) (*Notification, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("missing notification row")
	}
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notification row: %w", err)
	}
	return &n, nil
}
