// Package alerts carries short user-visible messages (toasts) from the agent
// to whatever UI is attached to it.
package alerts

import (
	"sync"
	"time"

	"github.com/prudhvinik1/mealstock/internal/logger"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type Alert struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type Alerter interface {
	Alert(level Level, message string)
}

// Inbox keeps the most recent alerts so the UI can poll and display them.
// Every alert is also logged.
type Inbox struct {
	mu     sync.Mutex
	alerts []Alert
	limit  int
	log    logger.Logger
	now    func() time.Time
}

const defaultInboxLimit = 50

func NewInbox(log logger.Logger) *Inbox {
	return &Inbox{
		limit: defaultInboxLimit,
		log:   log,
		now:   time.Now,
	}
}

func (i *Inbox) Alert(level Level, message string) {
	i.log.Info("user alert", map[string]interface{}{
		"level":   string(level),
		"message": message,
	})

	i.mu.Lock()
	defer i.mu.Unlock()
	i.alerts = append(i.alerts, Alert{Level: level, Message: message, At: i.now()})
	if len(i.alerts) > i.limit {
		i.alerts = i.alerts[len(i.alerts)-i.limit:]
	}
}

// Drain returns pending alerts oldest first and empties the inbox.
func (i *Inbox) Drain() []Alert {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := i.alerts
	i.alerts = nil
	if out == nil {
		return []Alert{}
	}
	return out
}

// Pending returns a copy of pending alerts without removing them.
func (i *Inbox) Pending() []Alert {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Alert, len(i.alerts))
	copy(out, i.alerts)
	return out
}
