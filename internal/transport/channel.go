package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prudhvinik1/mealstock/internal/models"
	"github.com/prudhvinik1/mealstock/internal/realtime"
)

const dbSchema = "public"

var ErrNotJoined = errors.New("channel not joined")

type binding struct {
	topic string
	kind  models.EventKind
	cb    func(models.ChangeEvent)
}

// presenceMeta is one presence entry as the server sends it.
type presenceMeta struct {
	models.PresenceRecord
	PhxRef string `json:"phx_ref,omitempty"`
}

type presenceEntry struct {
	Metas []presenceMeta `json:"metas"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type joinConfig struct {
	Broadcast       broadcastConfig        `json:"broadcast"`
	Presence        presenceConfig         `json:"presence"`
	PostgresChanges []postgresChangeConfig `json:"postgres_changes"`
}

type broadcastConfig struct {
	Self bool `json:"self"`
}

type presenceConfig struct {
	Key string `json:"key"`
}

type postgresChangeConfig struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type postgresChangePayload struct {
	Data struct {
		Type            string          `json:"type"`
		Table           string          `json:"table"`
		Record          json.RawMessage `json:"record"`
		OldRecord       json.RawMessage `json:"old_record"`
		CommitTimestamp time.Time       `json:"commit_timestamp"`
	} `json:"data"`
}

type presenceDiffPayload struct {
	Joins  map[string]presenceEntry `json:"joins"`
	Leaves map[string]presenceEntry `json:"leaves"`
}

type trackPayload struct {
	Type    string                `json:"type"`
	Event   string                `json:"event"`
	Payload models.PresenceRecord `json:"payload"`
}

type channel struct {
	socket *Socket
	name   string
	topic  string
	opts   realtime.ChannelOptions

	mu         sync.Mutex
	bindings   []binding
	presenceCb []func(models.PresenceEvent)
	onStatus   func(realtime.ChannelStatus, error)
	joinRef    string
	joined     bool
	settled    bool
	closed     bool
	joinTimer  *time.Timer
	state      map[string][]presenceMeta
}

func (c *channel) Name() string {
	return c.name
}

func (c *channel) OnChange(topic string, kind models.EventKind, cb func(models.ChangeEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, binding{topic: topic, kind: kind, cb: cb})
}

func (c *channel) OnPresence(cb func(models.PresenceEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presenceCb = append(c.presenceCb, cb)
}

func (c *channel) Subscribe(onStatus func(realtime.ChannelStatus, error)) {
	c.mu.Lock()
	c.onStatus = onStatus
	ref := c.socket.nextRef()
	c.joinRef = ref

	payload := joinPayload{
		Config: joinConfig{
			Presence:        presenceConfig{Key: c.opts.PresenceKey},
			PostgresChanges: []postgresChangeConfig{},
		},
		AccessToken: c.socket.token,
	}
	for _, b := range c.bindings {
		payload.Config.PostgresChanges = append(payload.Config.PostgresChanges, postgresChangeConfig{
			Event:  string(b.kind),
			Schema: dbSchema,
			Table:  b.topic,
		})
	}
	c.joinTimer = time.AfterFunc(c.socket.cfg.JoinTimeout, func() {
		c.settle(realtime.StatusTimedOut, errors.New("join timed out"))
	})
	c.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		c.settle(realtime.StatusChannelError, fmt.Errorf("failed to marshal join payload: %w", err))
		return
	}
	err = c.socket.send(message{Topic: c.topic, Event: eventJoin, Payload: raw, Ref: &ref, JoinRef: &ref})
	if err != nil {
		c.settle(realtime.StatusChannelError, err)
	}
}

func (c *channel) Track(ctx context.Context, record models.PresenceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	joined := c.joined && !c.closed
	joinRef := c.joinRef
	c.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}

	raw, err := json.Marshal(trackPayload{Type: eventPresence, Event: "track", Payload: record})
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	ref := c.socket.nextRef()
	return c.socket.send(message{Topic: c.topic, Event: eventPresence, Payload: raw, Ref: &ref, JoinRef: &joinRef})
}

func (c *channel) PresenceState() map[string][]models.PresenceRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]models.PresenceRecord, len(c.state))
	for key, metas := range c.state {
		records := make([]models.PresenceRecord, len(metas))
		for i, m := range metas {
			records[i] = m.PresenceRecord
		}
		out[key] = records
	}
	return out
}

// close marks the channel closed and reports whether it had joined.
func (c *channel) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.settled = true
	if c.joinTimer != nil {
		c.joinTimer.Stop()
	}
	return c.joined
}

// settle reports the outcome of the join exactly once.
func (c *channel) settle(status realtime.ChannelStatus, err error) {
	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		return
	}
	c.settled = true
	c.joined = status == realtime.StatusSubscribed
	if c.joinTimer != nil {
		c.joinTimer.Stop()
	}
	cb := c.onStatus
	c.mu.Unlock()

	if cb != nil {
		cb(status, err)
	}
}

// report delivers a status after the join has settled.
func (c *channel) report(status realtime.ChannelStatus, err error) {
	c.mu.Lock()
	if !c.settled {
		c.mu.Unlock()
		c.settle(status, err)
		return
	}
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.joined = false
	cb := c.onStatus
	c.mu.Unlock()

	if cb != nil {
		cb(status, err)
	}
}

func (c *channel) handle(msg message) {
	switch msg.Event {
	case eventReply:
		c.handleReply(msg)
	case eventPostgresChanges:
		c.handleChange(msg.Payload)
	case eventPresenceState:
		c.handlePresenceState(msg.Payload)
	case eventPresenceDiff:
		c.handlePresenceDiff(msg.Payload)
	case eventClose:
		c.report(realtime.StatusClosed, nil)
	case eventError:
		c.report(realtime.StatusChannelError, errors.New("channel error from server"))
	}
}

func (c *channel) handleReply(msg message) {
	c.mu.Lock()
	isJoin := msg.Ref != nil && *msg.Ref == c.joinRef
	c.mu.Unlock()
	if !isJoin {
		return
	}

	var reply replyPayload
	if err := json.Unmarshal(msg.Payload, &reply); err != nil {
		c.settle(realtime.StatusChannelError, fmt.Errorf("malformed join reply: %w", err))
		return
	}
	if reply.Status != "ok" {
		c.settle(realtime.StatusChannelError, fmt.Errorf("join rejected: %s", string(reply.Response)))
		return
	}
	c.settle(realtime.StatusSubscribed, nil)
}

func (c *channel) handleChange(raw json.RawMessage) {
	var payload postgresChangePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.socket.log.Warn("dropping malformed change event", map[string]interface{}{
			"channel": c.name,
			"error":   err.Error(),
		})
		return
	}

	ev := models.ChangeEvent{
		Topic:           payload.Data.Table,
		Kind:            models.EventKind(payload.Data.Type),
		New:             nullToEmpty(payload.Data.Record),
		Old:             nullToEmpty(payload.Data.OldRecord),
		CommitTimestamp: payload.Data.CommitTimestamp,
	}

	c.mu.Lock()
	var cbs []func(models.ChangeEvent)
	for _, b := range c.bindings {
		if b.topic == ev.Topic && b.kind == ev.Kind {
			cbs = append(cbs, b.cb)
		}
	}
	c.mu.Unlock()

	for _, cb := range cbs {
		cb(ev)
	}
}

func (c *channel) handlePresenceState(raw json.RawMessage) {
	var payload map[string]presenceEntry
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.socket.log.Warn("dropping malformed presence state", map[string]interface{}{"error": err.Error()})
		return
	}

	c.mu.Lock()
	c.state = make(map[string][]presenceMeta, len(payload))
	for key, entry := range payload {
		c.state[key] = entry.Metas
	}
	cbs := c.presenceCallbacks()
	c.mu.Unlock()

	for _, cb := range cbs {
		cb(models.PresenceEvent{Kind: models.PresenceSync})
	}
}

func (c *channel) handlePresenceDiff(raw json.RawMessage) {
	var payload presenceDiffPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.socket.log.Warn("dropping malformed presence diff", map[string]interface{}{"error": err.Error()})
		return
	}

	var events []models.PresenceEvent
	c.mu.Lock()
	for key, entry := range payload.Joins {
		c.state[key] = append(c.state[key], entry.Metas...)
		events = append(events, models.PresenceEvent{Kind: models.PresenceJoin, Key: key, Records: records(entry.Metas)})
	}
	for key, entry := range payload.Leaves {
		c.state[key] = removeMetas(c.state[key], entry.Metas)
		if len(c.state[key]) == 0 {
			delete(c.state, key)
		}
		events = append(events, models.PresenceEvent{Kind: models.PresenceLeave, Key: key, Records: records(entry.Metas)})
	}
	cbs := c.presenceCallbacks()
	c.mu.Unlock()

	for _, ev := range events {
		for _, cb := range cbs {
			cb(ev)
		}
	}
}

func (c *channel) presenceCallbacks() []func(models.PresenceEvent) {
	cbs := make([]func(models.PresenceEvent), len(c.presenceCb))
	copy(cbs, c.presenceCb)
	return cbs
}

func records(metas []presenceMeta) []models.PresenceRecord {
	out := make([]models.PresenceRecord, len(metas))
	for i, m := range metas {
		out[i] = m.PresenceRecord
	}
	return out
}

func removeMetas(current, leaving []presenceMeta) []presenceMeta {
	gone := make(map[string]bool, len(leaving))
	for _, m := range leaving {
		gone[m.PhxRef] = true
	}
	kept := current[:0]
	for _, m := range current {
		if !gone[m.PhxRef] {
			kept = append(kept, m)
		}
	}
	return kept
}

func nullToEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "{}" {
		return nil
	}
	return raw
}
