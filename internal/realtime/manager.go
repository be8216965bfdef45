// Package realtime owns every live subscription to the backend realtime
// service. Subscriptions only exist while a user is signed in and the device
// is online; callers get a Disposable and never see the transport.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prudhvinik1/mealstock/internal/alerts"
	"github.com/prudhvinik1/mealstock/internal/logger"
	"github.com/prudhvinik1/mealstock/internal/metrics"
	"github.com/prudhvinik1/mealstock/internal/models"
	"github.com/prudhvinik1/mealstock/internal/subscription"
)

var ErrNotConnected = errors.New("realtime channel is not connected")

type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
)

const (
	defaultConnectTimeout = 10 * time.Second
	trackTimeout          = 5 * time.Second
)

const (
	offlineWarning        = "You're offline. Live updates are paused until your connection is back."
	sessionExpiredWarning = "Your session has expired. Sign in again."
)

type teardownReason string

const (
	reasonLogout    teardownReason = "logout"
	reasonOffline   teardownReason = "offline"
	reasonTransport teardownReason = "transport"
	reasonDispose   teardownReason = "dispose"
	reasonManual    teardownReason = "manual"
	reasonExpired   teardownReason = "expired"
)

// ConnectivitySource is the part of the connectivity monitor the manager
// gates on.
type ConnectivitySource interface {
	State() models.ConnectivityState
	Subscribe(fn func(models.ConnectivityState)) subscription.Disposable
}

type Options struct {
	PresenceChannel string
	ConnectTimeout  time.Duration
}

type topicKey struct {
	topic string
	kind  models.EventKind
}

type topicSub struct {
	id     uint64
	cb     func(models.ChangeEvent)
	active atomic.Bool
}

type topicEntry struct {
	channel Channel
	subs    []*topicSub
}

type presenceSub struct {
	id     uint64
	cb     func(models.PresenceEvent)
	active atomic.Bool
}

type stateListener struct {
	id uint64
	fn func(State)
}

type Manager struct {
	mu      sync.Mutex
	state   State
	gen     uint64
	session *models.Session
	online  bool
	warned  bool

	transport    Transport
	presenceCh   Channel
	self         models.PresenceRecord
	participants *presenceSet

	topics         map[topicKey]*topicEntry
	presenceSubs   []*presenceSub
	stateListeners []stateListener
	nextID         uint64

	connector       Connector
	presenceChannel string
	connectTimeout  time.Duration
	alerter         alerts.Alerter
	log             logger.Logger
	now             func() time.Time
}

func NewManager(connector Connector, alerter alerts.Alerter, opts Options, log logger.Logger) *Manager {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	presenceChannel := opts.PresenceChannel
	if presenceChannel == "" {
		presenceChannel = "presence:deliveries"
	}

	m := &Manager{
		state:           StateDisconnected,
		participants:    newPresenceSet(),
		topics:          make(map[topicKey]*topicEntry),
		connector:       connector,
		presenceChannel: presenceChannel,
		connectTimeout:  timeout,
		alerter:         alerter,
		log:             log.WithFields(map[string]interface{}{"component": "realtime"}),
		now:             time.Now,
	}
	metrics.RealtimeState.WithLabelValues(string(StateDisconnected)).Set(1)
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attach gates the manager on a connectivity source.
func (m *Manager) Attach(source ConnectivitySource) subscription.Disposable {
	sub := source.Subscribe(m.HandleConnectivity)
	m.HandleConnectivity(source.State())
	return sub
}

func (m *Manager) HandleConnectivity(state models.ConnectivityState) {
	m.mu.Lock()
	changed := m.online != state.IsOnline
	m.online = state.IsOnline
	m.mu.Unlock()

	if changed {
		m.reconcile(reasonOffline)
	}
}

// Login starts a session. Signing in as a different user drops the previous
// user's subscriptions first.
func (m *Manager) Login(session *models.Session) {
	m.mu.Lock()
	previous := m.session
	m.session = session
	m.mu.Unlock()

	if previous != nil && previous.UserID != session.UserID {
		m.teardown(reasonLogout)
	}
	m.reconcile(reasonLogout)
}

func (m *Manager) Logout() {
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()

	m.reconcile(reasonLogout)
}

// Session returns the signed-in session, or nil.
func (m *Manager) Session() *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Disconnect drops the connection but keeps the session. The next transition
// into online reconnects.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.online = false
	m.mu.Unlock()

	m.teardown(reasonManual)
}

// Dispose tears everything down and forgets the session.
func (m *Manager) Dispose() {
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()

	m.teardown(reasonDispose)

	m.mu.Lock()
	m.stateListeners = nil
	m.mu.Unlock()
}

func (m *Manager) reconcile(reason teardownReason) {
	m.mu.Lock()
	expired := m.session != nil && m.session.Expired(m.now())
	if expired {
		m.session = nil
		reason = reasonExpired
	}
	want := m.session != nil && m.online

	if want && m.state == StateDisconnected {
		m.gen++
		gen := m.gen
		token := m.session.AccessToken
		userID := m.session.UserID
		m.setStateLocked(StateConnecting)
		m.mu.Unlock()

		m.notifyState(StateConnecting)
		go m.connect(gen, token, userID)
		return
	}
	disconnect := !want && m.state != StateDisconnected
	m.mu.Unlock()

	if expired {
		m.log.Warn("session expired", nil)
		if m.alerter != nil {
			m.alerter.Alert(alerts.LevelWarning, sessionExpiredWarning)
		}
	}
	if disconnect {
		m.teardown(reason)
	}
}

func (m *Manager) connect(gen uint64, token, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	defer cancel()

	transport, err := m.connector.Connect(ctx, token)
	if err != nil {
		m.log.Warn("realtime connect failed", map[string]interface{}{"error": err.Error()})
		m.teardownGeneration(gen, reasonTransport)
		return
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		transport.Close()
		return
	}
	m.transport = transport
	m.mu.Unlock()

	ch := transport.OpenChannel(m.presenceChannel, ChannelOptions{PresenceKey: userID})
	ch.OnPresence(func(ev models.PresenceEvent) {
		m.handlePresence(gen, ch, ev)
	})

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.presenceCh = ch
	m.mu.Unlock()

	ch.Subscribe(func(status ChannelStatus, err error) {
		m.handlePresenceStatus(gen, userID, status, err)
	})
}

func (m *Manager) handlePresenceStatus(gen uint64, userID string, status ChannelStatus, err error) {
	if status != StatusSubscribed {
		fields := map[string]interface{}{"status": string(status)}
		if err != nil {
			fields["error"] = err.Error()
		}
		m.log.Warn("presence channel not available", fields)
		m.teardownGeneration(gen, reasonTransport)
		return
	}

	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	self := models.PresenceRecord{
		UserID:   userID,
		OnlineAt: m.now(),
		Status:   models.StatusOnline,
	}
	ch := m.presenceCh
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), trackTimeout)
	defer cancel()
	if err := ch.Track(ctx, self); err != nil {
		m.log.Warn("failed to track initial presence", map[string]interface{}{"error": err.Error()})
	}

	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.self = self
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.log.Info("realtime connected", map[string]interface{}{"user_id": self.UserID})
	m.notifyState(StateConnected)
}

// teardownGeneration tears down only if nothing newer has started since gen.
func (m *Manager) teardownGeneration(gen uint64, reason teardownReason) {
	m.mu.Lock()
	current := m.gen == gen
	m.mu.Unlock()
	if current {
		m.teardown(reason)
	}
}

// teardown cancels every subscription before returning. Events that arrive
// afterwards belong to an old generation and are dropped.
func (m *Manager) teardown(reason teardownReason) {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	previous := m.state
	m.gen++

	transport := m.transport
	presenceCh := m.presenceCh
	var channels []Channel
	var topicSubs []*topicSub
	for _, entry := range m.topics {
		if entry.channel != nil {
			channels = append(channels, entry.channel)
		}
		topicSubs = append(topicSubs, entry.subs...)
	}
	presenceSubs := m.presenceSubs

	m.topics = make(map[topicKey]*topicEntry)
	m.presenceSubs = nil
	m.transport = nil
	m.presenceCh = nil
	m.self = models.PresenceRecord{}
	m.participants.reset()
	m.setStateLocked(StateDisconnected)

	warn := reason == reasonOffline && previous == StateConnected && !m.warned
	if warn {
		m.warned = true
	}
	m.mu.Unlock()

	for _, sub := range topicSubs {
		if sub.active.CompareAndSwap(true, false) {
			metrics.RealtimeSubscriptions.Dec()
		}
	}
	for _, sub := range presenceSubs {
		sub.active.Store(false)
	}

	if transport != nil {
		for _, ch := range channels {
			m.removeChannel(transport, ch)
		}
		if presenceCh != nil {
			m.removeChannel(transport, presenceCh)
		}
		if err := transport.Close(); err != nil {
			m.log.Debug("failed to close transport", map[string]interface{}{"error": err.Error()})
		}
	}

	m.log.Info("realtime disconnected", map[string]interface{}{
		"reason":   string(reason),
		"previous": string(previous),
	})
	m.notifyState(StateDisconnected)

	if warn && m.alerter != nil {
		m.alerter.Alert(alerts.LevelWarning, offlineWarning)
	}
}

func (m *Manager) removeChannel(transport Transport, ch Channel) {
	if err := transport.RemoveChannel(ch); err != nil {
		m.log.Debug("failed to remove channel", map[string]interface{}{
			"channel": ch.Name(),
			"error":   err.Error(),
		})
	}
}

// Subscribe registers cb for (topic, kind). When not connected it returns a
// no-op Disposable and cb never fires; callers resubscribe after reconnecting.
func (m *Manager) Subscribe(topic string, kind models.EventKind, cb func(models.ChangeEvent)) subscription.Disposable {
	key := topicKey{topic: topic, kind: kind}

	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return subscription.Noop
	}
	m.nextID++
	sub := &topicSub{id: m.nextID, cb: cb}
	sub.active.Store(true)

	entry, exists := m.topics[key]
	if !exists {
		entry = &topicEntry{}
		m.topics[key] = entry
	}
	entry.subs = append(entry.subs, sub)
	gen := m.gen
	transport := m.transport
	m.mu.Unlock()

	metrics.RealtimeSubscriptions.Inc()

	if !exists {
		m.openTopic(gen, transport, key, entry)
	}

	return subscription.Func(func() {
		m.unsubscribe(key, sub)
	})
}

func (m *Manager) openTopic(gen uint64, transport Transport, key topicKey, entry *topicEntry) {
	ch := transport.OpenChannel(topicChannelName(key), ChannelOptions{})
	ch.OnChange(key.topic, key.kind, func(ev models.ChangeEvent) {
		m.dispatch(gen, key, ev)
	})

	m.mu.Lock()
	if m.gen != gen || m.topics[key] != entry {
		m.mu.Unlock()
		m.removeChannel(transport, ch)
		return
	}
	entry.channel = ch
	m.mu.Unlock()

	ch.Subscribe(func(status ChannelStatus, err error) {
		if status == StatusSubscribed {
			return
		}
		fields := map[string]interface{}{"topic": key.topic, "status": string(status)}
		if err != nil {
			fields["error"] = err.Error()
		}
		m.log.Warn("topic channel not available", fields)
	})
}

func (m *Manager) unsubscribe(key topicKey, sub *topicSub) {
	if !sub.active.CompareAndSwap(true, false) {
		return
	}
	metrics.RealtimeSubscriptions.Dec()

	m.mu.Lock()
	entry, ok := m.topics[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	for i, s := range entry.subs {
		if s == sub {
			entry.subs = append(entry.subs[:i], entry.subs[i+1:]...)
			break
		}
	}
	var ch Channel
	transport := m.transport
	if len(entry.subs) == 0 {
		delete(m.topics, key)
		ch = entry.channel
	}
	m.mu.Unlock()

	if ch != nil && transport != nil {
		m.removeChannel(transport, ch)
	}
}

func (m *Manager) dispatch(gen uint64, key topicKey, ev models.ChangeEvent) {
	m.mu.Lock()
	entry, ok := m.topics[key]
	if m.gen != gen || !ok {
		m.mu.Unlock()
		return
	}
	subs := make([]*topicSub, len(entry.subs))
	copy(subs, entry.subs)
	m.mu.Unlock()

	metrics.RealtimeEvents.WithLabelValues(key.topic, string(key.kind)).Inc()
	for _, sub := range subs {
		if sub.active.Load() {
			sub.cb(ev)
		}
	}
}

// SubscribePresence delivers join, leave and sync events from the presence
// channel, with the same gating as Subscribe.
func (m *Manager) SubscribePresence(cb func(models.PresenceEvent)) subscription.Disposable {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return subscription.Noop
	}
	m.nextID++
	sub := &presenceSub{id: m.nextID, cb: cb}
	sub.active.Store(true)
	m.presenceSubs = append(m.presenceSubs, sub)
	m.mu.Unlock()

	return subscription.Func(func() {
		sub.active.Store(false)
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.presenceSubs {
			if s == sub {
				m.presenceSubs = append(m.presenceSubs[:i], m.presenceSubs[i+1:]...)
				return
			}
		}
	})
}

func (m *Manager) handlePresence(gen uint64, ch Channel, ev models.PresenceEvent) {
	var state map[string][]models.PresenceRecord
	if ev.Kind == models.PresenceSync {
		state = ch.PresenceState()
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	switch ev.Kind {
	case models.PresenceJoin:
		ev.Records = withKey(ev.Key, ev.Records)
		m.participants.join(ev.Records)
	case models.PresenceLeave:
		ev.Records = withKey(ev.Key, ev.Records)
		m.participants.leave(ev.Records)
	case models.PresenceSync:
		m.participants.replace(state)
		ev.Records = m.participants.list()
	}
	subs := make([]*presenceSub, len(m.presenceSubs))
	copy(subs, m.presenceSubs)
	m.mu.Unlock()

	for _, sub := range subs {
		if sub.active.Load() {
			sub.cb(ev)
		}
	}
}

// UpdatePresence merges update into this client's presence record and
// publishes it.
func (m *Manager) UpdatePresence(ctx context.Context, update models.PresenceUpdate) error {
	m.mu.Lock()
	if m.state != StateConnected || m.presenceCh == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if update.Status != nil {
		m.self.Status = *update.Status
	}
	if update.Location != nil {
		loc := *update.Location
		m.self.Location = &loc
	}
	m.self.OnlineAt = m.now()
	record := m.self
	ch := m.presenceCh
	m.mu.Unlock()

	if err := ch.Track(ctx, record); err != nil {
		metrics.PresencePublishes.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to track presence: %w", err)
	}
	metrics.PresencePublishes.WithLabelValues("ok").Inc()
	return nil
}

// OnlineParticipants returns the last known presence snapshot, empty when
// disconnected.
func (m *Manager) OnlineParticipants() []models.PresenceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return []models.PresenceRecord{}
	}
	return m.participants.list()
}

// OnStateChange registers fn for every state transition.
func (m *Manager) OnStateChange(fn func(State)) subscription.Disposable {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.stateListeners = append(m.stateListeners, stateListener{id: id, fn: fn})
	m.mu.Unlock()

	return subscription.Func(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.stateListeners {
			if l.id == id {
				m.stateListeners = append(m.stateListeners[:i], m.stateListeners[i+1:]...)
				return
			}
		}
	})
}

func (m *Manager) setStateLocked(state State) {
	metrics.RealtimeState.WithLabelValues(string(m.state)).Set(0)
	metrics.RealtimeState.WithLabelValues(string(state)).Set(1)
	m.state = state
}

func (m *Manager) notifyState(state State) {
	m.mu.Lock()
	listeners := make([]func(State), len(m.stateListeners))
	for i, l := range m.stateListeners {
		listeners[i] = l.fn
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

func topicChannelName(key topicKey) string {
	return fmt.Sprintf("db-changes:%s:%s", key.topic, strings.ToLower(string(key.kind)))
}
