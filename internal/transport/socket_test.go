package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prudhvinik1/mealstock/internal/logger"
	"github.com/prudhvinik1/mealstock/internal/models"
	"github.com/prudhvinik1/mealstock/internal/realtime"
)

// fakeServer speaks just enough of the realtime protocol to drive a Socket.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	query    chan url.Values
	received chan message

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		t:        t,
		query:    make(chan url.Values, 1),
		received: make(chan message, 64),
	}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.query <- r.URL.Query()
		fs.mu.Lock()
		fs.conn = conn
		fs.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg message
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			select {
			case fs.received <- msg:
			default:
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) push(topic, event string, payload interface{}, ref *string) {
	fs.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(fs.t, err)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.NotNil(fs.t, fs.conn)
	require.NoError(fs.t, fs.conn.WriteJSON(message{Topic: topic, Event: event, Payload: raw, Ref: ref}))
}

func (fs *fakeServer) dropConnection() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.conn.Close()
}

// expect returns the next client message with the given event, skipping
// heartbeats.
func (fs *fakeServer) expect(event string) message {
	fs.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-fs.received:
			if msg.Event == event {
				return msg
			}
		case <-deadline:
			fs.t.Fatalf("timed out waiting for %s", event)
			return message{}
		}
	}
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []realtime.ChannelStatus
}

func (r *statusRecorder) record(status realtime.ChannelStatus, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *statusRecorder) get() []realtime.ChannelStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]realtime.ChannelStatus, len(r.statuses))
	copy(out, r.statuses)
	return out
}

func connect(t *testing.T, fs *fakeServer, cfg Config) *Socket {
	t.Helper()
	cfg.URL = fs.url()
	connector := NewConnector(cfg, logger.NewNoOpLogger())
	tr, err := connector.Connect(context.Background(), "user-token")
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr.(*Socket)
}

func joinChannel(t *testing.T, fs *fakeServer, ch realtime.Channel) (*statusRecorder, message) {
	t.Helper()
	rec := &statusRecorder{}
	ch.Subscribe(rec.record)
	join := fs.expect(eventJoin)
	fs.push(join.Topic, eventReply, map[string]interface{}{"status": "ok", "response": map[string]interface{}{}}, join.Ref)
	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, 5*time.Millisecond)
	return rec, join
}

func TestConnect_SendsAPIKeyAndVersion(t *testing.T) {
	fs := newFakeServer(t)
	connect(t, fs, Config{APIKey: "anon-key"})

	select {
	case q := <-fs.query:
		assert.Equal(t, "anon-key", q.Get("apikey"))
		assert.Equal(t, protocolVersion, q.Get("vsn"))
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the connection")
	}
}

func TestChannel_JoinPayload(t *testing.T) {
	fs := newFakeServer(t)
	s := connect(t, fs, Config{})

	ch := s.OpenChannel("db-changes:notifications:insert", realtime.ChannelOptions{})
	ch.OnChange(models.TopicNotifications, models.EventInsert, func(models.ChangeEvent) {})
	rec, join := joinChannel(t, fs, ch)

	assert.Equal(t, "realtime:db-changes:notifications:insert", join.Topic)
	require.NotNil(t, join.JoinRef)
	assert.Equal(t, *join.Ref, *join.JoinRef)

	var payload joinPayload
	require.NoError(t, json.Unmarshal(join.Payload, &payload))
	assert.Equal(t, "user-token", payload.AccessToken)
	require.Len(t, payload.Config.PostgresChanges, 1)
	assert.Equal(t, postgresChangeConfig{Event: "INSERT", Schema: "public", Table: "notifications"}, payload.Config.PostgresChanges[0])

	assert.Equal(t, []realtime.ChannelStatus{realtime.StatusSubscribed}, rec.get())
}

func TestChannel_JoinRejected(t *testing.T) {
	fs := newFakeServer(t)
	s := connect(t, fs, Config{})

	ch := s.OpenChannel("presence:deliveries", realtime.ChannelOptions{PresenceKey: "u1"})
	rec := &statusRecorder{}
	ch.Subscribe(rec.record)
	join := fs.expect(eventJoin)

	var payload joinPayload
	require.NoError(t, json.Unmarshal(join.Payload, &payload))
	assert.Equal(t, "u1", payload.Config.Presence.Key)

	fs.push(join.Topic, eventReply, map[string]interface{}{"status": "error", "response": map[string]string{"reason": "unauthorized"}}, join.Ref)

	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, realtime.StatusChannelError, rec.get()[0])
}

func TestChannel_JoinTimesOut(t *testing.T) {
	fs := newFakeServer(t)
	s := connect(t, fs, Config{JoinTimeout: 50 * time.Millisecond})

	ch := s.OpenChannel("presence:deliveries", realtime.ChannelOptions{})
	rec := &statusRecorder{}
	ch.Subscribe(rec.record)
	join := fs.expect(eventJoin)

	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, realtime.StatusTimedOut, rec.get()[0])

	// A late ok must not produce a second outcome.
	fs.push(join.Topic, eventReply, map[string]interface{}{"status": "ok"}, join.Ref)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.get(), 1)
}

func TestChannel_DispatchesPostgresChanges(t *testing.T) {
	fs := newFakeServer(t)
	s := connect(t, fs, Config{})

	var mu sync.Mutex
	var got []models.ChangeEvent
	ch := s.OpenChannel("db-changes:notifications:update", realtime.ChannelOptions{})
	ch.OnChange(models.TopicNotifications, models.EventUpdate, func(ev models.ChangeEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	_, join := joinChannel(t, fs, ch)

	commit := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs.push(join.Topic, eventPostgresChanges, map[string]interface{}{
		"data": map[string]interface{}{
			"type":             "UPDATE",
			"table":            "notifications",
			"record":           map[string]interface{}{"id": "n1", "read": true},
			"old_record":       map[string]interface{}{"id": "n1"},
			"commit_timestamp": commit,
		},
	}, nil)
	// Different kind on the same table is not delivered.
	fs.push(join.Topic, eventPostgresChanges, map[string]interface{}{
		"data": map[string]interface{}{"type": "DELETE", "table": "notifications"},
	}, nil)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, models.EventUpdate, got[0].Kind)
	assert.Equal(t, "notifications", got[0].Topic)
	assert.JSONEq(t, `{"id":"n1","read":true}`, string(got[0].New))
	assert.True(t, commit.Equal(got[0].CommitTimestamp))
}

func TestChannel_PresenceStateAndDiff(t *testing.T) {
	fs := newFakeServer(t)
	s := connect(t, fs, Config{})

	events := make(chan models.PresenceEvent, 8)
	ch := s.OpenChannel("presence:deliveries", realtime.ChannelOptions{PresenceKey: "u1"})
	ch.OnPresence(func(ev models.PresenceEvent) { events <- ev })
	_, join := joinChannel(t, fs, ch)

	t1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs.push(join.Topic, eventPresenceState, map[string]interface{}{
		"d1": map[string]interface{}{"metas": []map[string]interface{}{
			{"user_id": "d1", "online_at": t1, "status": "online", "phx_ref": "a"},
		}},
	}, nil)

	ev := <-events
	assert.Equal(t, models.PresenceSync, ev.Kind)
	state := ch.PresenceState()
	require.Len(t, state["d1"], 1)
	assert.Equal(t, models.StatusOnline, state["d1"][0].Status)

	fs.push(join.Topic, eventPresenceDiff, map[string]interface{}{
		"joins": map[string]interface{}{
			"d2": map[string]interface{}{"metas": []map[string]interface{}{
				{"user_id": "d2", "online_at": t1, "status": "busy", "phx_ref": "b"},
			}},
		},
		"leaves": map[string]interface{}{
			"d1": map[string]interface{}{"metas": []map[string]interface{}{
				{"user_id": "d1", "online_at": t1, "status": "online", "phx_ref": "a"},
			}},
		},
	}, nil)

	first, second := <-events, <-events
	assert.Equal(t, models.PresenceJoin, first.Kind)
	assert.Equal(t, "d2", first.Key)
	assert.Equal(t, models.PresenceLeave, second.Kind)
	assert.Equal(t, "d1", second.Key)

	state = ch.PresenceState()
	assert.NotContains(t, state, "d1")
	require.Len(t, state["d2"], 1)
	assert.Equal(t, models.StatusBusy, state["d2"][0].Status)
}

func TestChannel_Track(t *testing.T) {
	fs := newFakeServer(t)
	s := connect(t, fs, Config{})

	ch := s.OpenChannel("presence:deliveries", realtime.ChannelOptions{PresenceKey: "u1"})

	err := ch.Track(context.Background(), models.PresenceRecord{UserID: "u1"})
	assert.ErrorIs(t, err, ErrNotJoined)

	joinChannel(t, fs, ch)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, ch.Track(context.Background(), models.PresenceRecord{UserID: "u1", OnlineAt: at, Status: models.StatusAway}))

	msg := fs.expect(eventPresence)
	var payload trackPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "track", payload.Event)
	assert.Equal(t, "u1", payload.Payload.UserID)
	assert.Equal(t, models.StatusAway, payload.Payload.Status)
}

func TestSocket_RemoveChannelSendsLeave(t *testing.T) {
	fs := newFakeServer(t)
	s := connect(t, fs, Config{})

	ch := s.OpenChannel("db-changes:notifications:delete", realtime.ChannelOptions{})
	_, join := joinChannel(t, fs, ch)

	require.NoError(t, s.RemoveChannel(ch))
	leave := fs.expect(eventLeave)
	assert.Equal(t, join.Topic, leave.Topic)

	// Never joined, so nothing to leave.
	other := s.OpenChannel("unjoined", realtime.ChannelOptions{})
	assert.NoError(t, s.RemoveChannel(other))
}

func TestChannel_ServerCloseAndError(t *testing.T) {
	fs := newFakeServer(t)
	s := connect(t, fs, Config{})

	closing := s.OpenChannel("a", realtime.ChannelOptions{})
	closingRec, closingJoin := joinChannel(t, fs, closing)
	failing := s.OpenChannel("b", realtime.ChannelOptions{})
	failingRec, failingJoin := joinChannel(t, fs, failing)

	fs.push(closingJoin.Topic, eventClose, map[string]interface{}{}, nil)
	fs.push(failingJoin.Topic, eventError, map[string]interface{}{}, nil)

	require.Eventually(t, func() bool {
		return len(closingRec.get()) == 2 && len(failingRec.get()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, realtime.StatusClosed, closingRec.get()[1])
	assert.Equal(t, realtime.StatusChannelError, failingRec.get()[1])
}

func TestSocket_LostConnectionClosesChannels(t *testing.T) {
	fs := newFakeServer(t)
	s := connect(t, fs, Config{})

	ch := s.OpenChannel("presence:deliveries", realtime.ChannelOptions{})
	rec, _ := joinChannel(t, fs, ch)

	fs.dropConnection()

	require.Eventually(t, func() bool { return len(rec.get()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, realtime.StatusClosed, rec.get()[1])
	assert.ErrorIs(t, s.send(message{Topic: "x", Event: "y"}), ErrSocketClosed)
}

func TestSocket_Heartbeat(t *testing.T) {
	fs := newFakeServer(t)
	connect(t, fs, Config{HeartbeatInterval: 20 * time.Millisecond})

	msg := fs.expect(eventHeartbeat)
	assert.Equal(t, phoenixTopic, msg.Topic)
}
