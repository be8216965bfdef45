// Package realtimetest provides an in-memory realtime transport for tests.
package realtimetest

import (
	"context"
	"errors"
	"sync"

	"github.com/prudhvinik1/mealstock/internal/models"
	"github.com/prudhvinik1/mealstock/internal/realtime"
)

var ErrClosed = errors.New("transport closed")

type changeBinding struct {
	topic string
	kind  models.EventKind
	cb    func(models.ChangeEvent)
}

type Channel struct {
	mu        sync.Mutex
	name      string
	opts      realtime.ChannelOptions
	transport *Transport
	changes   []changeBinding
	presence  []func(models.PresenceEvent)
	onStatus  func(realtime.ChannelStatus, error)
	state     map[string][]models.PresenceRecord
	tracked   []models.PresenceRecord
	removed   bool

	TrackErr error
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) Options() realtime.ChannelOptions { return c.opts }

func (c *Channel) OnChange(topic string, kind models.EventKind, cb func(models.ChangeEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, changeBinding{topic: topic, kind: kind, cb: cb})
}

func (c *Channel) OnPresence(cb func(models.PresenceEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence = append(c.presence, cb)
}

func (c *Channel) Subscribe(onStatus func(realtime.ChannelStatus, error)) {
	c.mu.Lock()
	c.onStatus = onStatus
	c.mu.Unlock()

	if c.transport.autoAck {
		onStatus(realtime.StatusSubscribed, nil)
	}
}

func (c *Channel) Track(ctx context.Context, record models.PresenceRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.TrackErr != nil {
		return c.TrackErr
	}
	if c.removed {
		return ErrClosed
	}
	c.tracked = append(c.tracked, record)
	return nil
}

func (c *Channel) PresenceState() map[string][]models.PresenceRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]models.PresenceRecord, len(c.state))
	for k, v := range c.state {
		out[k] = append([]models.PresenceRecord(nil), v...)
	}
	return out
}

// Ack reports a subscription status as the server would.
func (c *Channel) Ack(status realtime.ChannelStatus, err error) {
	c.mu.Lock()
	onStatus := c.onStatus
	c.mu.Unlock()
	if onStatus != nil {
		onStatus(status, err)
	}
}

// EmitChange delivers ev to bindings matching its topic and kind.
func (c *Channel) EmitChange(ev models.ChangeEvent) {
	c.mu.Lock()
	var cbs []func(models.ChangeEvent)
	for _, b := range c.changes {
		if b.topic == ev.Topic && b.kind == ev.Kind {
			cbs = append(cbs, b.cb)
		}
	}
	c.mu.Unlock()

	for _, cb := range cbs {
		cb(ev)
	}
}

// EmitPresence updates the server-side presence state and delivers ev.
func (c *Channel) EmitPresence(ev models.PresenceEvent) {
	c.mu.Lock()
	if c.state == nil {
		c.state = make(map[string][]models.PresenceRecord)
	}
	switch ev.Kind {
	case models.PresenceJoin:
		c.state[ev.Key] = append(c.state[ev.Key], ev.Records...)
	case models.PresenceLeave:
		delete(c.state, ev.Key)
	}
	cbs := append([]func(models.PresenceEvent){}, c.presence...)
	c.mu.Unlock()

	for _, cb := range cbs {
		cb(ev)
	}
}

func (c *Channel) SetPresenceState(state map[string][]models.PresenceRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

func (c *Channel) Tracked() []models.PresenceRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.PresenceRecord(nil), c.tracked...)
}

// Subscribed reports whether Subscribe has been called.
func (c *Channel) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onStatus != nil
}

func (c *Channel) Removed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed
}

type Transport struct {
	mu       sync.Mutex
	autoAck  bool
	token    string
	channels []*Channel
	closed   bool
}

func (t *Transport) OpenChannel(name string, opts realtime.ChannelOptions) realtime.Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := &Channel{name: name, opts: opts, transport: t}
	t.channels = append(t.channels, ch)
	return ch
}

func (t *Transport) RemoveChannel(ch realtime.Channel) error {
	c, ok := ch.(*Channel)
	if !ok {
		return errors.New("unknown channel")
	}
	c.mu.Lock()
	c.removed = true
	c.mu.Unlock()
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *Transport) Token() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

// Channel returns the most recently opened live channel with name, or nil.
func (t *Transport) Channel(name string) *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.channels) - 1; i >= 0; i-- {
		if t.channels[i].name == name && !t.channels[i].Removed() {
			return t.channels[i]
		}
	}
	return nil
}

func (t *Transport) Channels() []*Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Channel(nil), t.channels...)
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Connector hands out fake transports. With AutoAck every channel reports
// SUBSCRIBED as soon as it subscribes.
type Connector struct {
	mu         sync.Mutex
	autoAck    bool
	err        error
	transports []*Transport
}

func NewConnector() *Connector {
	return &Connector{autoAck: true}
}

func (c *Connector) SetAutoAck(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoAck = v
}

func (c *Connector) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *Connector) Connect(ctx context.Context, accessToken string) (realtime.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	t := &Transport{autoAck: c.autoAck, token: accessToken}
	c.transports = append(c.transports, t)
	return t, nil
}

func (c *Connector) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.transports)
}

// Last returns the most recent transport, or nil.
func (c *Connector) Last() *Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.transports) == 0 {
		return nil
	}
	return c.transports[len(c.transports)-1]
}
