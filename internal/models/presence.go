package models

import (
	"time"
)

type PresenceStatus string

const (
	StatusOnline PresenceStatus = "online"
	StatusAway   PresenceStatus = "away"
	StatusBusy   PresenceStatus = "busy"
)

type LocationData struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type PresenceRecord struct {
	UserID   string         `json:"user_id"`
	OnlineAt time.Time      `json:"online_at"`
	Status   PresenceStatus `json:"status"`
	Location *LocationData  `json:"location_data,omitempty"`
}

// Supersedes reports whether r should replace other as the current record
// for the same participant.
func (r PresenceRecord) Supersedes(other PresenceRecord) bool {
	return !r.OnlineAt.Before(other.OnlineAt)
}

// PresenceUpdate is a partial presence record; nil fields are left unchanged.
type PresenceUpdate struct {
	Status   *PresenceStatus `json:"status,omitempty"`
	Location *LocationData   `json:"location_data,omitempty"`
}

type PresenceEventKind string

const (
	PresenceSync  PresenceEventKind = "sync"
	PresenceJoin  PresenceEventKind = "join"
	PresenceLeave PresenceEventKind = "leave"
)

type PresenceEvent struct {
	Kind    PresenceEventKind `json:"kind"`
	Key     string            `json:"key"`
	Records []PresenceRecord  `json:"records"`
}
