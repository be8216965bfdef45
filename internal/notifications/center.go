// Package notifications keeps the signed-in user's notification inbox in
// sync with the realtime feed and owns their delivery preferences.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prudhvinik1/mealstock/internal/alerts"
	"github.com/prudhvinik1/mealstock/internal/logger"
	"github.com/prudhvinik1/mealstock/internal/metrics"
	"github.com/prudhvinik1/mealstock/internal/models"
	"github.com/prudhvinik1/mealstock/internal/realtime"
	"github.com/prudhvinik1/mealstock/internal/repositories"
	"github.com/prudhvinik1/mealstock/internal/subscription"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrEmptyMessage         = errors.New("message is empty")
	ErrMissingRecipient     = errors.New("recipient is required")
	ErrInvalidPreferences   = errors.New("invalid notification preferences")
	ErrNotStarted           = errors.New("notification center not started")
	ErrUnknownType          = errors.New("unknown notification type")
)

const (
	fetchLimit     = 100
	refreshTimeout = 5 * time.Second
	localIDPrefix  = "local-"
)

// Subscriber is the part of the realtime manager the center needs.
type Subscriber interface {
	Subscribe(topic string, kind models.EventKind, cb func(models.ChangeEvent)) subscription.Disposable
	OnStateChange(fn func(realtime.State)) subscription.Disposable
}

type Reply struct {
	Message        string `json:"message"`
	RecipientID    string `json:"recipient_id"`
	NotificationID string `json:"notification_id"`
	DriverChannel  bool   `json:"driver_channel"`
}

type Center struct {
	mu     sync.Mutex
	userID string
	epoch  uint64
	items  []models.Notification
	unread int
	prefs  models.NotificationPreferences

	feed     *subscription.Group
	stateSub subscription.Disposable
	sub      Subscriber

	store     repositories.NotificationRepository
	prefStore repositories.NotificationPreferenceRepository
	messenger repositories.MessageRepository
	alerter   alerts.Alerter
	log       logger.Logger
	now       func() time.Time
}

func NewCenter(
	store repositories.NotificationRepository,
	prefStore repositories.NotificationPreferenceRepository,
	messenger repositories.MessageRepository,
	alerter alerts.Alerter,
	log logger.Logger,
) *Center {
	return &Center{
		items:     []models.Notification{},
		prefs:     models.DefaultNotificationPreferences(),
		store:     store,
		prefStore: prefStore,
		messenger: messenger,
		alerter:   alerter,
		log:       log.WithFields(map[string]interface{}{"component": "notifications"}),
		now:       time.Now,
	}
}

// Start loads userID's inbox and preferences and follows the notifications
// topic. Subscriptions are re-established every time the realtime manager
// reconnects, followed by a reconciliation fetch.
func (c *Center) Start(ctx context.Context, userID string, sub Subscriber) error {
	c.Stop()

	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	c.userID = userID
	c.sub = sub
	c.mu.Unlock()

	prefs, err := c.prefStore.Get(ctx, userID)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		prefs = models.DefaultNotificationPreferences()
	case err != nil:
		c.log.Warn("failed to load notification preferences, using defaults", map[string]interface{}{"error": err.Error()})
		prefs = models.DefaultNotificationPreferences()
	}
	c.mu.Lock()
	if c.epoch == epoch {
		c.prefs = prefs
	}
	c.mu.Unlock()

	if err := c.Refresh(ctx); err != nil {
		c.log.Warn("initial notification fetch failed", map[string]interface{}{"error": err.Error()})
	}

	stateSub := sub.OnStateChange(func(state realtime.State) {
		if state == realtime.StateConnected {
			c.resubscribe(epoch)
		}
	})
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		stateSub.Dispose()
		return nil
	}
	c.stateSub = stateSub
	c.mu.Unlock()

	c.subscribe(epoch)
	return nil
}

// Stop drops every subscription and forgets the user.
func (c *Center) Stop() {
	c.mu.Lock()
	c.epoch++
	feed := c.feed
	stateSub := c.stateSub
	c.feed = nil
	c.stateSub = nil
	c.sub = nil
	c.userID = ""
	c.items = []models.Notification{}
	c.unread = 0
	c.prefs = models.DefaultNotificationPreferences()
	c.mu.Unlock()

	if stateSub != nil {
		stateSub.Dispose()
	}
	if feed != nil {
		feed.Dispose()
	}
}

func (c *Center) resubscribe(epoch uint64) {
	c.subscribe(epoch)

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := c.Refresh(ctx); err != nil {
		c.log.Warn("reconciliation fetch failed", map[string]interface{}{"error": err.Error()})
	}
}

func (c *Center) subscribe(epoch uint64) {
	c.mu.Lock()
	sub := c.sub
	if c.epoch != epoch || sub == nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	feed := &subscription.Group{}
	for _, kind := range []models.EventKind{models.EventInsert, models.EventUpdate, models.EventDelete} {
		feed.Add(sub.Subscribe(models.TopicNotifications, kind, func(ev models.ChangeEvent) {
			c.handleChange(epoch, ev)
		}))
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		feed.Dispose()
		return
	}
	previous := c.feed
	c.feed = feed
	c.mu.Unlock()

	if previous != nil {
		previous.Dispose()
	}
}

func (c *Center) handleChange(epoch uint64, ev models.ChangeEvent) {
	change, err := models.DecodeNotificationChange(ev)
	if err != nil {
		c.log.Warn("dropping undecodable notification change", map[string]interface{}{
			"kind":  string(ev.Kind),
			"error": err.Error(),
		})
		return
	}

	c.mu.Lock()
	current := c.epoch == epoch
	c.mu.Unlock()
	if !current {
		return
	}

	switch change.Kind {
	case models.EventInsert:
		c.OnInsertEvent(*change.New)
	case models.EventUpdate:
		c.applyUpdate(*change.New)
	case models.EventDelete:
		c.applyDelete(change.Old.ID)
	}
}

// OnInsertEvent adds n to the inbox if it belongs to the current user and is
// not already present. It reports whether n was added.
func (c *Center) OnInsertEvent(n models.Notification) bool {
	c.mu.Lock()
	if c.userID == "" || n.UserID != c.userID || c.indexLocked(n.ID) >= 0 {
		c.mu.Unlock()
		return false
	}
	c.insertLocked(n)
	announce := !n.Read && c.prefFor(n.Type).Delivers(models.DeliveryInApp)
	c.mu.Unlock()

	metrics.NotificationsReceived.WithLabelValues(string(n.Type)).Inc()
	if announce && c.alerter != nil {
		c.alerter.Alert(alerts.LevelInfo, n.Title)
	}
	return true
}

func (c *Center) applyUpdate(n models.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n.UserID != c.userID {
		return
	}
	if i := c.indexLocked(n.ID); i >= 0 {
		c.removeAtLocked(i)
	}
	c.insertLocked(n)
}

func (c *Center) applyDelete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(id); i >= 0 {
		c.removeAtLocked(i)
	}
}

// MarkAsRead marks one notification read. Marking a read notification again
// does nothing.
func (c *Center) MarkAsRead(ctx context.Context, id string) error {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return ErrNotificationNotFound
	}
	if c.items[i].Read {
		c.mu.Unlock()
		return nil
	}
	c.items[i].Read = true
	c.recountLocked()
	userID := c.userID
	c.mu.Unlock()

	if isLocal(id) {
		return nil
	}
	if err := c.store.SetRead(ctx, userID, []string{id}, true); err != nil {
		c.rollbackRead([]string{id})
		return c.writeFailed("mark_read", err)
	}
	return nil
}

// MarkAllAsRead marks every unread notification read.
func (c *Center) MarkAllAsRead(ctx context.Context) error {
	c.mu.Lock()
	var remote []string
	for i := range c.items {
		if c.items[i].Read {
			continue
		}
		c.items[i].Read = true
		if !isLocal(c.items[i].ID) {
			remote = append(remote, c.items[i].ID)
		}
	}
	c.recountLocked()
	userID := c.userID
	c.mu.Unlock()

	if len(remote) == 0 {
		return nil
	}
	if err := c.store.SetRead(ctx, userID, remote, true); err != nil {
		c.rollbackRead(remote)
		return c.writeFailed("mark_all_read", err)
	}
	return nil
}

func (c *Center) rollbackRead(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if i := c.indexLocked(id); i >= 0 {
			c.items[i].Read = false
		}
	}
	c.recountLocked()
}

// DeleteNotification removes id locally and deletes the stored record.
func (c *Center) DeleteNotification(ctx context.Context, id string) error {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return ErrNotificationNotFound
	}
	removed := c.items[i]
	c.removeAtLocked(i)
	userID := c.userID
	c.mu.Unlock()

	if isLocal(id) {
		return nil
	}
	err := c.store.Delete(ctx, userID, id)
	if err == nil || errors.Is(err, repositories.ErrNotFound) {
		return nil
	}

	c.mu.Lock()
	if c.userID == userID && c.indexLocked(id) < 0 {
		c.insertLocked(removed)
	}
	c.mu.Unlock()
	return c.writeFailed("delete", err)
}

// SendReply sends a reply through the messaging service and marks the
// originating notification read.
func (c *Center) SendReply(ctx context.Context, reply Reply) (*models.OutboundMessage, error) {
	content := strings.TrimSpace(reply.Message)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if reply.RecipientID == "" {
		return nil, ErrMissingRecipient
	}

	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()
	if userID == "" {
		return nil, ErrNotStarted
	}

	channel := models.MessageChannelSupport
	if reply.DriverChannel {
		channel = models.MessageChannelDriver
	}
	msg := &models.OutboundMessage{
		ID:          uuid.New(),
		SenderID:    userID,
		RecipientID: reply.RecipientID,
		Content:     content,
		Channel:     channel,
		InReplyTo:   reply.NotificationID,
		CreatedAt:   c.now(),
	}
	if err := c.messenger.Send(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to send reply: %w", err)
	}

	if reply.NotificationID != "" {
		err := c.MarkAsRead(ctx, reply.NotificationID)
		if err != nil && !errors.Is(err, ErrNotificationNotFound) {
			c.log.Warn("reply sent but marking read failed", map[string]interface{}{
				"notification_id": reply.NotificationID,
				"error":           err.Error(),
			})
		}
	}
	return msg, nil
}

// Thread returns the replies sent for a notification, oldest first. Local
// notifications never have replies.
func (c *Center) Thread(ctx context.Context, notificationID string) ([]models.OutboundMessage, error) {
	c.mu.Lock()
	userID := c.userID
	known := c.indexLocked(notificationID) >= 0
	c.mu.Unlock()
	if userID == "" {
		return nil, ErrNotStarted
	}
	if !known {
		return nil, ErrNotificationNotFound
	}
	if isLocal(notificationID) {
		return []models.OutboundMessage{}, nil
	}

	messages, err := c.messenger.ListThread(ctx, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}
	return messages, nil
}

// UpdatePreferences replaces the preference map wholesale. A type enabled
// with no channels is accepted and delivers nowhere.
func (c *Center) UpdatePreferences(ctx context.Context, prefs models.NotificationPreferences) error {
	if err := validatePreferences(prefs); err != nil {
		return err
	}
	next := prefs.Clone()

	c.mu.Lock()
	userID := c.userID
	previous := c.prefs
	c.prefs = next
	c.mu.Unlock()

	if userID == "" {
		return nil
	}
	if err := c.prefStore.Save(ctx, userID, next); err != nil {
		c.mu.Lock()
		if c.userID == userID {
			c.prefs = previous
		}
		c.mu.Unlock()
		return c.writeFailed("preferences", err)
	}
	return nil
}

func validatePreferences(prefs models.NotificationPreferences) error {
	for t, pref := range prefs {
		if !t.Valid() {
			return fmt.Errorf("%w: unknown type %q", ErrInvalidPreferences, t)
		}
		for _, ch := range pref.Channels {
			switch ch {
			case models.DeliveryInApp, models.DeliverySMS, models.DeliveryVoice:
			default:
				return fmt.Errorf("%w: unknown channel %q", ErrInvalidPreferences, ch)
			}
		}
	}
	return nil
}

func (c *Center) Preferences() models.NotificationPreferences {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefs.Clone()
}

// ShouldDeliver reports whether a notification of type t goes out on ch.
func (c *Center) ShouldDeliver(t models.NotificationType, ch models.DeliveryChannel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefFor(t).Delivers(ch)
}

// prefFor falls back to the default for types missing from the map.
func (c *Center) prefFor(t models.NotificationType) models.ChannelPreference {
	if pref, ok := c.prefs[t]; ok {
		return pref
	}
	return models.DefaultNotificationPreferences()[t]
}

// PushLocal adds a notification that only exists on this device, such as
// feedback for an action queued while offline.
func (c *Center) PushLocal(t models.NotificationType, title, message string) (models.Notification, error) {
	if !t.Valid() {
		return models.Notification{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID == "" {
		return models.Notification{}, ErrNotStarted
	}
	n := models.Notification{
		ID:        localIDPrefix + uuid.NewString(),
		UserID:    c.userID,
		Type:      t,
		Title:     title,
		Message:   message,
		Timestamp: c.now(),
	}
	c.insertLocked(n)
	return n, nil
}

// Refresh replaces the inbox with the stored list, keeping local-only
// entries.
func (c *Center) Refresh(ctx context.Context) error {
	c.mu.Lock()
	userID := c.userID
	epoch := c.epoch
	c.mu.Unlock()
	if userID == "" {
		return ErrNotStarted
	}

	stored, err := c.store.ListByUser(ctx, userID, fetchLimit)
	if err != nil {
		return fmt.Errorf("failed to fetch notifications: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return nil
	}
	items := make([]models.Notification, 0, len(stored)+len(c.items))
	seen := make(map[string]bool, len(stored))
	for _, n := range stored {
		if n.UserID != userID || seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		items = append(items, n)
	}
	for _, n := range c.items {
		if isLocal(n.ID) {
			items = append(items, n)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.After(items[j].Timestamp)
	})
	c.items = items
	c.recountLocked()
	return nil
}

func (c *Center) Notifications() []models.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Notification, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Center) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

func (c *Center) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Center) writeFailed(operation string, err error) error {
	metrics.NotificationWriteFailures.WithLabelValues(operation).Inc()
	c.log.Error("notification write failed, local change rolled back", map[string]interface{}{
		"operation": operation,
		"error":     err.Error(),
	})
	return fmt.Errorf("failed to %s: %w", strings.ReplaceAll(operation, "_", " "), err)
}

func (c *Center) indexLocked(id string) int {
	for i := range c.items {
		if c.items[i].ID == id {
			return i
		}
	}
	return -1
}

// insertLocked keeps items ordered newest first. Equal timestamps put the
// newer arrival first.
func (c *Center) insertLocked(n models.Notification) {
	i := sort.Search(len(c.items), func(i int) bool {
		return !c.items[i].Timestamp.After(n.Timestamp)
	})
	c.items = append(c.items, models.Notification{})
	copy(c.items[i+1:], c.items[i:])
	c.items[i] = n
	c.recountLocked()
}

func (c *Center) removeAtLocked(i int) {
	c.items = append(c.items[:i], c.items[i+1:]...)
	c.recountLocked()
}

func (c *Center) recountLocked() {
	unread := 0
	for i := range c.items {
		if !c.items[i].Read {
			unread++
		}
	}
	c.unread = unread
}

func isLocal(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}
