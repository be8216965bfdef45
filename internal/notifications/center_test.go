package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prudhvinik1/mealstock/internal/alerts"
	"github.com/prudhvinik1/mealstock/internal/logger"
	"github.com/prudhvinik1/mealstock/internal/models"
	"github.com/prudhvinik1/mealstock/internal/realtime"
	"github.com/prudhvinik1/mealstock/internal/repositories"
	"github.com/prudhvinik1/mealstock/internal/subscription"
)

const userID = "customer-1"

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type memStore struct {
	mu      sync.Mutex
	rows    []models.Notification
	err     error
	listErr error
	reads   [][]string
	deleted []string
}

func (s *memStore) ListByUser(ctx context.Context, user string, limit int) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []models.Notification
	for _, n := range s.rows {
		if n.UserID == user {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *memStore) SetRead(ctx context.Context, user string, ids []string, read bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, ids)
	return s.err
}

func (s *memStore) Delete(ctx context.Context, user, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return s.err
}

type memPrefs struct {
	mu    sync.Mutex
	prefs map[string]models.NotificationPreferences
	err   error
}

func (p *memPrefs) Get(ctx context.Context, user string) (models.NotificationPreferences, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prefs, ok := p.prefs[user]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return prefs.Clone(), nil
}

func (p *memPrefs) Save(ctx context.Context, user string, prefs models.NotificationPreferences) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.prefs == nil {
		p.prefs = make(map[string]models.NotificationPreferences)
	}
	p.prefs[user] = prefs.Clone()
	return nil
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []*models.OutboundMessage
	err  error
}

func (m *fakeMessenger) Send(ctx context.Context, msg *models.OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMessenger) ListThread(ctx context.Context, notificationID string) ([]models.OutboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := []models.OutboundMessage{}
	for _, msg := range m.sent {
		if msg.InReplyTo == notificationID {
			out = append(out, *msg)
		}
	}
	return out, nil
}

type fakeFeed struct {
	mu        sync.Mutex
	subs      map[models.EventKind][]func(models.ChangeEvent)
	listeners []func(realtime.State)
	active    int
}

func (f *fakeFeed) Subscribe(topic string, kind models.EventKind, cb func(models.ChangeEvent)) subscription.Disposable {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[models.EventKind][]func(models.ChangeEvent))
	}
	f.subs[kind] = append(f.subs[kind], cb)
	idx := len(f.subs[kind]) - 1
	f.active++
	return subscription.Func(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.subs[kind][idx] = nil
		f.active--
	})
}

func (f *fakeFeed) OnStateChange(fn func(realtime.State)) subscription.Disposable {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return subscription.Noop
}

func (f *fakeFeed) emit(kind models.EventKind, row string) {
	f.mu.Lock()
	cbs := append([]func(models.ChangeEvent){}, f.subs[kind]...)
	f.mu.Unlock()

	ev := models.ChangeEvent{Topic: models.TopicNotifications, Kind: kind}
	if kind == models.EventDelete {
		ev.Old = []byte(row)
	} else {
		ev.New = []byte(row)
	}
	for _, cb := range cbs {
		if cb != nil {
			cb(ev)
		}
	}
}

func (f *fakeFeed) activeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

type fixture struct {
	center    *Center
	store     *memStore
	prefs     *memPrefs
	messenger *fakeMessenger
	feed      *fakeFeed
	inbox     *alerts.Inbox
}

func newFixture(t *testing.T, rows ...models.Notification) *fixture {
	t.Helper()
	f := &fixture{
		store:     &memStore{rows: rows},
		prefs:     &memPrefs{},
		messenger: &fakeMessenger{},
		feed:      &fakeFeed{},
		inbox:     alerts.NewInbox(logger.NewNoOpLogger()),
	}
	f.center = NewCenter(f.store, f.prefs, f.messenger, f.inbox, logger.NewTestLogger(t))
	require.NoError(t, f.center.Start(context.Background(), userID, f.feed))
	t.Cleanup(f.center.Stop)
	return f
}

func notification(id string, minutes int, read bool) models.Notification {
	return models.Notification{
		ID:        id,
		UserID:    userID,
		Type:      models.NotificationOrderStatus,
		Title:     "Order " + id,
		Message:   "Your order was updated",
		Timestamp: base.Add(time.Duration(minutes) * time.Minute),
		Read:      read,
	}
}

func ids(items []models.Notification) []string {
	out := make([]string, len(items))
	for i, n := range items {
		out[i] = n.ID
	}
	return out
}

func countUnread(items []models.Notification) int {
	n := 0
	for _, item := range items {
		if !item.Read {
			n++
		}
	}
	return n
}

func TestCenter_StartLoadsSortedInbox(t *testing.T) {
	f := newFixture(t,
		notification("a", 1, false),
		notification("c", 3, true),
		notification("b", 2, false),
		models.Notification{ID: "other", UserID: "someone-else", Timestamp: base},
	)

	assert.Equal(t, []string{"c", "b", "a"}, ids(f.center.Notifications()))
	assert.Equal(t, 2, f.center.UnreadCount())
	assert.Equal(t, 3, f.feed.activeCount(), "insert, update and delete")
	assert.Equal(t, models.DefaultNotificationPreferences(), f.center.Preferences())
}

func TestCenter_OnInsertEvent(t *testing.T) {
	f := newFixture(t, notification("a", 1, false), notification("c", 3, false))

	assert.True(t, f.center.OnInsertEvent(notification("b", 2, false)))
	assert.False(t, f.center.OnInsertEvent(notification("b", 2, false)), "duplicate id")
	other := notification("x", 9, false)
	other.UserID = "customer-2"
	assert.False(t, f.center.OnInsertEvent(other), "someone else's notification")

	assert.Equal(t, []string{"c", "b", "a"}, ids(f.center.Notifications()))
	assert.Equal(t, 3, f.center.UnreadCount())

	pending := f.inbox.Drain()
	require.Len(t, pending, 1)
	assert.Equal(t, "Order b", pending[0].Message)
}

func TestCenter_InsertRespectsInAppPreference(t *testing.T) {
	f := newFixture(t)
	prefs := models.DefaultNotificationPreferences()
	prefs[models.NotificationOrderStatus] = models.ChannelPreference{Enabled: false, Channels: []models.DeliveryChannel{models.DeliveryInApp}}
	require.NoError(t, f.center.UpdatePreferences(context.Background(), prefs))

	assert.True(t, f.center.OnInsertEvent(notification("a", 1, false)))
	assert.Empty(t, f.inbox.Drain(), "disabled types are listed but not announced")
}

func TestCenter_RealtimeFeed(t *testing.T) {
	f := newFixture(t, notification("a", 1, false))

	f.feed.emit(models.EventInsert, fmt.Sprintf(`{"id":"b","user_id":%q,"type":"delivery_update","title":"t","message":"m","created_at":%q,"read":false}`,
		userID, base.Add(5*time.Minute).Format(time.RFC3339)))
	assert.Equal(t, []string{"b", "a"}, ids(f.center.Notifications()))

	f.feed.emit(models.EventUpdate, fmt.Sprintf(`{"id":"a","user_id":%q,"type":"order_status","title":"t","message":"m","created_at":%q,"read":true}`,
		userID, base.Add(time.Minute).Format(time.RFC3339)))
	assert.Equal(t, 1, f.center.UnreadCount())

	f.feed.emit(models.EventDelete, `{"id":"b"}`)
	assert.Equal(t, []string{"a"}, ids(f.center.Notifications()))
	assert.Equal(t, 0, f.center.UnreadCount())

	f.feed.emit(models.EventInsert, `not json`)
	assert.Len(t, f.center.Notifications(), 1)
}

func TestCenter_MarkAsReadIsIdempotent(t *testing.T) {
	f := newFixture(t, notification("a", 1, false))
	ctx := context.Background()

	require.NoError(t, f.center.MarkAsRead(ctx, "a"))
	require.NoError(t, f.center.MarkAsRead(ctx, "a"))

	assert.Equal(t, 0, f.center.UnreadCount())
	assert.Equal(t, [][]string{{"a"}}, f.store.reads, "second call never reaches the store")
	assert.ErrorIs(t, f.center.MarkAsRead(ctx, "missing"), ErrNotificationNotFound)
}

func TestCenter_MarkAllAsRead(t *testing.T) {
	f := newFixture(t,
		notification("1", 1, false),
		notification("2", 2, true),
		notification("3", 3, false),
		notification("4", 4, true),
		notification("5", 5, false),
	)
	require.Equal(t, 3, f.center.UnreadCount())

	require.NoError(t, f.center.MarkAllAsRead(context.Background()))

	assert.Equal(t, 0, f.center.UnreadCount())
	items := f.center.Notifications()
	require.Len(t, items, 5)
	for _, n := range items {
		assert.True(t, n.Read, n.ID)
	}
	require.Len(t, f.store.reads, 1)
	assert.ElementsMatch(t, []string{"1", "3", "5"}, f.store.reads[0])

	require.NoError(t, f.center.MarkAllAsRead(context.Background()))
	assert.Len(t, f.store.reads, 1)
}

func TestCenter_WriteFailureRollsBack(t *testing.T) {
	f := newFixture(t, notification("a", 1, false), notification("b", 2, false))
	f.store.err = errors.New("connection reset")
	ctx := context.Background()

	assert.Error(t, f.center.MarkAsRead(ctx, "a"))
	assert.Equal(t, 2, f.center.UnreadCount())

	assert.Error(t, f.center.MarkAllAsRead(ctx))
	assert.Equal(t, 2, f.center.UnreadCount())

	assert.Error(t, f.center.DeleteNotification(ctx, "b"))
	assert.Equal(t, []string{"b", "a"}, ids(f.center.Notifications()))
}

func TestCenter_MarkAllAsReadFailureKeepsLocalRead(t *testing.T) {
	// ARRANGE: One stored and one local unread notification, failing store
	f := newFixture(t, notification("a", 1, false))
	local, err := f.center.PushLocal(models.NotificationSupportMessage, "Queued", "Sent when online")
	require.NoError(t, err)
	require.Equal(t, 2, f.center.UnreadCount())
	f.store.err = errors.New("connection reset")

	// ACT: Mark everything read
	err = f.center.MarkAllAsRead(context.Background())

	// ASSERT: Only the stored notification reverts
	assert.Error(t, err)
	assert.Equal(t, 1, f.center.UnreadCount())
	for _, n := range f.center.Notifications() {
		if n.ID == local.ID {
			assert.True(t, n.Read, "local notification stays read")
		} else {
			assert.False(t, n.Read, n.ID)
		}
	}
}

func TestCenter_DeleteNotification(t *testing.T) {
	f := newFixture(t, notification("a", 1, false), notification("b", 2, true))

	require.NoError(t, f.center.DeleteNotification(context.Background(), "a"))

	assert.Equal(t, []string{"b"}, ids(f.center.Notifications()))
	assert.Equal(t, 0, f.center.UnreadCount())
	assert.Equal(t, []string{"a"}, f.store.deleted)
	assert.ErrorIs(t, f.center.DeleteNotification(context.Background(), "a"), ErrNotificationNotFound)
}

func TestCenter_UnreadCountMatchesListAfterAnySequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	steps := []func(){
		func() { f.center.OnInsertEvent(notification("1", 1, false)) },
		func() { f.center.OnInsertEvent(notification("2", 2, true)) },
		func() { f.center.OnInsertEvent(notification("3", 3, false)) },
		func() { _ = f.center.MarkAsRead(ctx, "1") },
		func() { f.center.OnInsertEvent(notification("3", 3, false)) },
		func() { _ = f.center.DeleteNotification(ctx, "3") },
		func() { f.center.OnInsertEvent(notification("4", 0, false)) },
		func() { _, _ = f.center.PushLocal(models.NotificationSupportMessage, "Queued", "Sent when online") },
		func() { _ = f.center.MarkAllAsRead(ctx) },
		func() { f.center.OnInsertEvent(notification("5", 5, false)) },
		func() { _ = f.center.DeleteNotification(ctx, "2") },
	}

	for i, step := range steps {
		step()
		items := f.center.Notifications()
		assert.Equal(t, countUnread(items), f.center.UnreadCount(), "after step %d", i)
		for j := 1; j < len(items); j++ {
			assert.False(t, items[j].Timestamp.After(items[j-1].Timestamp), "order after step %d", i)
		}
	}
}

func TestCenter_SendReply(t *testing.T) {
	f := newFixture(t, notification("n1", 1, false))
	ctx := context.Background()

	t.Run("empty message never reaches the messenger", func(t *testing.T) {
		_, err := f.center.SendReply(ctx, Reply{Message: "   ", RecipientID: "driver-9", NotificationID: "n1"})
		assert.ErrorIs(t, err, ErrEmptyMessage)
		assert.Empty(t, f.messenger.sent)
		assert.Equal(t, 1, f.center.UnreadCount())
	})

	t.Run("missing recipient", func(t *testing.T) {
		_, err := f.center.SendReply(ctx, Reply{Message: "hi"})
		assert.ErrorIs(t, err, ErrMissingRecipient)
	})

	t.Run("sends on the driver channel and marks read", func(t *testing.T) {
		msg, err := f.center.SendReply(ctx, Reply{Message: " Leave it at the door ", RecipientID: "driver-9", NotificationID: "n1", DriverChannel: true})
		require.NoError(t, err)
		assert.Equal(t, "Leave it at the door", msg.Content)
		assert.Equal(t, models.MessageChannelDriver, msg.Channel)
		assert.Equal(t, userID, msg.SenderID)
		assert.Equal(t, "n1", msg.InReplyTo)
		require.Len(t, f.messenger.sent, 1)
		assert.Equal(t, 0, f.center.UnreadCount())
	})

	t.Run("messenger failure leaves the notification alone", func(t *testing.T) {
		f.center.OnInsertEvent(notification("n2", 2, false))
		f.messenger.err = errors.New("unavailable")
		_, err := f.center.SendReply(ctx, Reply{Message: "hi", RecipientID: "support", NotificationID: "n2"})
		assert.Error(t, err)
		assert.Equal(t, 1, f.center.UnreadCount())
	})
}

func TestCenter_Thread(t *testing.T) {
	f := newFixture(t, notification("n1", 1, false), notification("n2", 2, false))
	ctx := context.Background()

	_, err := f.center.SendReply(ctx, Reply{Message: "On my way?", RecipientID: "driver-9", NotificationID: "n1", DriverChannel: true})
	require.NoError(t, err)
	_, err = f.center.SendReply(ctx, Reply{Message: "Thanks", RecipientID: "driver-9", NotificationID: "n1", DriverChannel: true})
	require.NoError(t, err)

	thread, err := f.center.Thread(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, thread, 2)
	assert.Equal(t, "On my way?", thread[0].Content)

	empty, err := f.center.Thread(ctx, "n2")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = f.center.Thread(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotificationNotFound)

	local, err := f.center.PushLocal(models.NotificationSupportMessage, "Queued", "Sent when online")
	require.NoError(t, err)
	f.messenger.err = errors.New("unavailable")
	localThread, err := f.center.Thread(ctx, local.ID)
	require.NoError(t, err, "local notifications never reach the store")
	assert.Empty(t, localThread)

	_, err = f.center.Thread(ctx, "n1")
	assert.Error(t, err)
}

func TestCenter_UpdatePreferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	prefs := models.NotificationPreferences{
		models.NotificationDriverMessage:  {Enabled: true, Channels: []models.DeliveryChannel{models.DeliverySMS, models.DeliveryVoice}},
		models.NotificationOrderStatus:    {Enabled: true, Channels: []models.DeliveryChannel{}},
		models.NotificationMealExpiration: {Enabled: false, Channels: []models.DeliveryChannel{models.DeliverySMS}},
	}
	require.NoError(t, f.center.UpdatePreferences(ctx, prefs))

	assert.True(t, f.center.ShouldDeliver(models.NotificationDriverMessage, models.DeliverySMS))
	assert.False(t, f.center.ShouldDeliver(models.NotificationDriverMessage, models.DeliveryInApp))
	assert.False(t, f.center.ShouldDeliver(models.NotificationOrderStatus, models.DeliveryInApp), "enabled with no channels delivers nowhere")
	assert.False(t, f.center.ShouldDeliver(models.NotificationMealExpiration, models.DeliverySMS))
	assert.True(t, f.center.ShouldDeliver(models.NotificationSupportMessage, models.DeliveryInApp), "missing types use the default")

	got := f.center.Preferences()
	assert.Equal(t, []models.DeliveryChannel{models.DeliverySMS}, got[models.NotificationMealExpiration].Channels, "disabled entries keep channels")

	stored, err := f.prefs.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, prefs, stored)

	t.Run("rejects unknown values", func(t *testing.T) {
		err := f.center.UpdatePreferences(ctx, models.NotificationPreferences{"promo": {Enabled: true}})
		assert.ErrorIs(t, err, ErrInvalidPreferences)
		err = f.center.UpdatePreferences(ctx, models.NotificationPreferences{
			models.NotificationOrderStatus: {Enabled: true, Channels: []models.DeliveryChannel{"pager"}},
		})
		assert.ErrorIs(t, err, ErrInvalidPreferences)
	})

	t.Run("save failure restores previous map", func(t *testing.T) {
		f.prefs.err = errors.New("db down")
		err := f.center.UpdatePreferences(ctx, models.DefaultNotificationPreferences())
		assert.Error(t, err)
		assert.Equal(t, prefs, f.center.Preferences())
	})
}

func TestCenter_StartUsesStoredPreferences(t *testing.T) {
	prefs := models.DefaultNotificationPreferences()
	prefs[models.NotificationDeliveryUpdate] = models.ChannelPreference{Enabled: true, Channels: []models.DeliveryChannel{models.DeliveryVoice}}

	store := &memStore{}
	prefStore := &memPrefs{prefs: map[string]models.NotificationPreferences{userID: prefs}}
	center := NewCenter(store, prefStore, &fakeMessenger{}, nil, logger.NewNoOpLogger())
	require.NoError(t, center.Start(context.Background(), userID, &fakeFeed{}))
	defer center.Stop()

	assert.True(t, center.ShouldDeliver(models.NotificationDeliveryUpdate, models.DeliveryVoice))
}

func TestCenter_PushLocalAndRefresh(t *testing.T) {
	f := newFixture(t, notification("a", 1, false))

	local, err := f.center.PushLocal(models.NotificationSupportMessage, "Message queued", "We'll send it when you're back online")
	require.NoError(t, err)
	assert.Equal(t, userID, local.UserID)
	assert.Equal(t, local.ID, f.center.Notifications()[0].ID)

	// Local entries never hit the store.
	require.NoError(t, f.center.MarkAsRead(context.Background(), local.ID))
	assert.Empty(t, f.store.reads)

	f.store.rows = append(f.store.rows, notification("b", 2, false))
	require.NoError(t, f.center.Refresh(context.Background()))
	assert.ElementsMatch(t, []string{local.ID, "b", "a"}, ids(f.center.Notifications()))

	f.store.listErr = errors.New("timeout")
	assert.Error(t, f.center.Refresh(context.Background()))
	assert.Len(t, f.center.Notifications(), 3)
}

func TestCenter_StopDropsSubscriptions(t *testing.T) {
	f := newFixture(t, notification("a", 1, false))

	f.center.Stop()

	assert.Equal(t, 0, f.feed.activeCount())
	assert.Empty(t, f.center.Notifications())
	_, err := f.center.PushLocal(models.NotificationOrderStatus, "x", "y")
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = f.center.SendReply(context.Background(), Reply{Message: "hi", RecipientID: "r"})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestCenter_ResubscribesOnReconnect(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, 3, f.feed.activeCount())

	f.store.rows = append(f.store.rows, notification("late", 1, false))
	for _, fn := range f.feed.listeners {
		fn(realtime.StateConnected)
	}

	assert.Equal(t, 3, f.feed.activeCount(), "previous subscriptions are replaced")
	assert.Equal(t, []string{"late"}, ids(f.center.Notifications()), "reconnect triggers a reconciliation fetch")
}
