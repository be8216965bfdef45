// Package presence publishes this client's presence and location and
// observes other participants through the realtime manager.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prudhvinik1/mealstock/internal/alerts"
	"github.com/prudhvinik1/mealstock/internal/logger"
	"github.com/prudhvinik1/mealstock/internal/models"
	"github.com/prudhvinik1/mealstock/internal/realtime"
	"github.com/prudhvinik1/mealstock/internal/subscription"
)

const (
	watchTimeout   = 5 * time.Second
	publishTimeout = 5 * time.Second
	maxTimeouts    = 3
)

const (
	permissionDeniedMessage = "Location access was denied. Allow location access to share your position."
	timeoutMessage          = "We couldn't get your location. Location sharing has been paused."
)

var watchOptions = WatchOptions{
	HighAccuracy: true,
	Timeout:      watchTimeout,
	MaximumAge:   0,
}

// Publisher is the part of the realtime manager the tracker needs.
type Publisher interface {
	UpdatePresence(ctx context.Context, update models.PresenceUpdate) error
	OnStateChange(fn func(realtime.State)) subscription.Disposable
	SubscribePresence(cb func(models.PresenceEvent)) subscription.Disposable
	OnlineParticipants() []models.PresenceRecord
}

type observer struct {
	target string
	cb     func(models.LocationData)
	sub    subscription.Disposable
	last   time.Time
}

type Tracker struct {
	mu        sync.Mutex
	sharing   bool
	epoch     uint64
	watchID   WatchID
	timeouts  int
	last      *models.LocationData
	observers map[uint64]*observer
	nextID    uint64
	connected bool

	geo      Geolocator
	pub      Publisher
	alerter  alerts.Alerter
	log      logger.Logger
	stateSub subscription.Disposable
}

func NewTracker(geo Geolocator, pub Publisher, alerter alerts.Alerter, log logger.Logger) *Tracker {
	t := &Tracker{
		observers: make(map[uint64]*observer),
		geo:       geo,
		pub:       pub,
		alerter:   alerter,
		log:       log.WithFields(map[string]interface{}{"component": "presence"}),
	}
	t.stateSub = pub.OnStateChange(t.handleState)
	return t
}

// StartSharing begins watching the device position and publishing every fix.
// Calling it while already sharing does nothing.
func (t *Tracker) StartSharing(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.sharing {
		t.mu.Unlock()
		return nil
	}
	t.sharing = true
	t.epoch++
	t.timeouts = 0
	epoch := t.epoch
	t.mu.Unlock()

	id := t.geo.WatchPosition(watchOptions,
		func(pos Position) { t.handlePosition(epoch, pos) },
		func(err *PositionError) { t.handleError(epoch, err) },
	)

	t.mu.Lock()
	if t.epoch != epoch {
		// Stopped while the watch was being set up.
		t.mu.Unlock()
		t.geo.ClearWatch(id)
		return nil
	}
	t.watchID = id
	t.mu.Unlock()

	t.log.Info("location sharing started", nil)
	return nil
}

func (t *Tracker) StopSharing() {
	t.stop("stopped")
}

func (t *Tracker) Sharing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sharing
}

// LastLocation returns the last fix published while sharing, or nil.
func (t *Tracker) LastLocation() *models.LocationData {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return nil
	}
	loc := *t.last
	return &loc
}

// PublishCurrent publishes a single fresh fix without starting a watch.
func (t *Tracker) PublishCurrent(ctx context.Context) (models.LocationData, error) {
	pos, err := t.geo.GetCurrentPosition(ctx, watchOptions)
	if err != nil {
		var posErr *PositionError
		if errors.As(err, &posErr) && posErr.Code == ErrorPermissionDenied {
			t.alert(permissionDeniedMessage)
		}
		return models.LocationData{}, err
	}
	loc := pos.Location()
	if err := t.pub.UpdatePresence(ctx, models.PresenceUpdate{Location: &loc}); err != nil {
		return models.LocationData{}, err
	}
	return loc, nil
}

func (t *Tracker) stop(reason string) {
	t.mu.Lock()
	if !t.sharing {
		t.mu.Unlock()
		return
	}
	t.sharing = false
	t.epoch++
	id := t.watchID
	t.watchID = 0
	t.timeouts = 0
	t.mu.Unlock()

	if id != 0 {
		t.geo.ClearWatch(id)
	}
	t.log.Info("location sharing stopped", map[string]interface{}{"reason": reason})
}

func (t *Tracker) handlePosition(epoch uint64, pos Position) {
	loc := pos.Location()

	t.mu.Lock()
	if !t.sharing || t.epoch != epoch {
		t.mu.Unlock()
		return
	}
	t.timeouts = 0
	t.last = &loc
	t.mu.Unlock()

	t.publish(loc)
}

func (t *Tracker) handleError(epoch uint64, posErr *PositionError) {
	t.mu.Lock()
	if !t.sharing || t.epoch != epoch {
		t.mu.Unlock()
		return
	}
	var message string
	switch posErr.Code {
	case ErrorPermissionDenied:
		message = permissionDeniedMessage
	case ErrorTimeout:
		t.timeouts++
		if t.timeouts >= maxTimeouts {
			message = timeoutMessage
		}
	}
	timeouts := t.timeouts
	t.mu.Unlock()

	t.log.Warn("geolocation error", map[string]interface{}{
		"code":     int(posErr.Code),
		"error":    posErr.Message,
		"timeouts": timeouts,
	})
	if message == "" {
		return
	}
	t.stop(posErr.Message)
	t.alert(message)
}

func (t *Tracker) publish(loc models.LocationData) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err := t.pub.UpdatePresence(ctx, models.PresenceUpdate{Location: &loc})
	switch {
	case err == nil:
	case errors.Is(err, realtime.ErrNotConnected):
		t.log.Debug("holding location until reconnected", nil)
	default:
		t.log.Warn("failed to publish location", map[string]interface{}{"error": err.Error()})
	}
}

func (t *Tracker) alert(message string) {
	if t.alerter != nil {
		t.alerter.Alert(alerts.LevelError, message)
	}
}

// handleState republishes the last fix and re-attaches observers after a
// reconnect. The manager drops every subscription on disconnect.
func (t *Tracker) handleState(state realtime.State) {
	t.mu.Lock()
	wasConnected := t.connected
	t.connected = state == realtime.StateConnected
	if !t.connected {
		for _, o := range t.observers {
			o.sub = nil
		}
		t.mu.Unlock()
		return
	}
	if wasConnected {
		t.mu.Unlock()
		return
	}
	var resume *models.LocationData
	if t.sharing && t.last != nil {
		loc := *t.last
		resume = &loc
	}
	observers := make(map[uint64]*observer, len(t.observers))
	for id, o := range t.observers {
		observers[id] = o
	}
	t.mu.Unlock()

	if resume != nil {
		t.log.Info("resuming location sharing after reconnect", nil)
		t.publish(*resume)
	}
	for id, o := range observers {
		t.attach(id, o)
	}
}

// Observe forwards the target's location from presence broadcasts until the
// returned Disposable is disposed. It keeps observing across reconnects.
func (t *Tracker) Observe(targetUserID string, cb func(models.LocationData)) subscription.Disposable {
	o := &observer{target: targetUserID, cb: cb}

	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.observers[id] = o
	t.mu.Unlock()

	t.attach(id, o)

	return subscription.Func(func() {
		t.mu.Lock()
		delete(t.observers, id)
		sub := o.sub
		o.sub = nil
		t.mu.Unlock()
		if sub != nil {
			sub.Dispose()
		}
	})
}

func (t *Tracker) attach(id uint64, o *observer) {
	sub := t.pub.SubscribePresence(func(ev models.PresenceEvent) {
		t.forward(o, ev)
	})

	t.mu.Lock()
	if t.observers[id] != o {
		t.mu.Unlock()
		sub.Dispose()
		return
	}
	previous := o.sub
	o.sub = sub
	t.mu.Unlock()

	if previous != nil {
		previous.Dispose()
	}

	// Participants already present never rebroadcast a join.
	t.forward(o, models.PresenceEvent{Kind: models.PresenceSync, Records: t.pub.OnlineParticipants()})
}

func (t *Tracker) forward(o *observer, ev models.PresenceEvent) {
	if ev.Kind == models.PresenceLeave {
		return
	}

	var latest *models.LocationData
	for _, r := range ev.Records {
		if r.UserID != o.target || r.Location == nil {
			continue
		}
		if latest == nil || r.Location.Timestamp.After(latest.Timestamp) {
			loc := *r.Location
			latest = &loc
		}
	}
	if latest == nil {
		return
	}

	t.mu.Lock()
	if !latest.Timestamp.After(o.last) {
		t.mu.Unlock()
		return
	}
	o.last = latest.Timestamp
	t.mu.Unlock()

	o.cb(*latest)
}

// Dispose stops sharing and every observer.
func (t *Tracker) Dispose() {
	t.stop("disposed")
	t.stateSub.Dispose()

	t.mu.Lock()
	var subs []subscription.Disposable
	for id, o := range t.observers {
		if o.sub != nil {
			subs = append(subs, o.sub)
		}
		delete(t.observers, id)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Dispose()
	}
}
