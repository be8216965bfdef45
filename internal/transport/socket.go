// Package transport implements the realtime transport over the backend's
// Phoenix-style websocket protocol.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prudhvinik1/mealstock/internal/logger"
	"github.com/prudhvinik1/mealstock/internal/realtime"
)

const (
	protocolVersion          = "1.0.0"
	defaultHeartbeatInterval = 25 * time.Second
	defaultJoinTimeout       = 10 * time.Second
	writeWait                = 10 * time.Second
	maxMessageBytes          = 1 << 20
)

const (
	eventJoin            = "phx_join"
	eventLeave           = "phx_leave"
	eventReply           = "phx_reply"
	eventClose           = "phx_close"
	eventError           = "phx_error"
	eventHeartbeat       = "heartbeat"
	eventPostgresChanges = "postgres_changes"
	eventPresenceState   = "presence_state"
	eventPresenceDiff    = "presence_diff"
	eventPresence        = "presence"

	phoenixTopic = "phoenix"
	topicPrefix  = "realtime:"
)

var ErrSocketClosed = errors.New("realtime socket closed")

type Config struct {
	URL               string
	APIKey            string
	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration
}

type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

// Connector dials a new socket per session.
type Connector struct {
	cfg    Config
	dialer *websocket.Dialer
	log    logger.Logger
}

func NewConnector(cfg Config, log logger.Logger) *Connector {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	return &Connector{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		log:    log.WithFields(map[string]interface{}{"component": "transport"}),
	}
}

func (c *Connector) Connect(ctx context.Context, accessToken string) (realtime.Transport, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime url: %w", err)
	}
	q := u.Query()
	if c.cfg.APIKey != "" {
		q.Set("apikey", c.cfg.APIKey)
	}
	q.Set("vsn", protocolVersion)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial realtime socket: %w", err)
	}
	conn.SetReadLimit(maxMessageBytes)

	s := &Socket{
		conn:     conn,
		token:    accessToken,
		cfg:      c.cfg,
		channels: make(map[string]*channel),
		done:     make(chan struct{}),
		log:      c.log,
	}
	go s.readLoop()
	go s.heartbeatLoop()
	return s, nil
}

// Socket is one websocket connection multiplexing many channels.
type Socket struct {
	conn  *websocket.Conn
	token string
	cfg   Config
	log   logger.Logger

	writeMu sync.Mutex
	ref     atomic.Uint64

	mu       sync.Mutex
	channels map[string]*channel
	closed   bool
	done     chan struct{}
}

func (s *Socket) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

func (s *Socket) OpenChannel(name string, opts realtime.ChannelOptions) realtime.Channel {
	ch := &channel{
		socket: s,
		name:   name,
		topic:  topicPrefix + name,
		opts:   opts,
		state:  make(map[string][]presenceMeta),
	}

	s.mu.Lock()
	s.channels[ch.topic] = ch
	s.mu.Unlock()
	return ch
}

func (s *Socket) RemoveChannel(ch realtime.Channel) error {
	c, ok := ch.(*channel)
	if !ok {
		return fmt.Errorf("channel %s does not belong to this socket", ch.Name())
	}

	s.mu.Lock()
	if s.channels[c.topic] == c {
		delete(s.channels, c.topic)
	}
	s.mu.Unlock()

	joined := c.close()
	if !joined {
		return nil
	}
	ref := s.nextRef()
	return s.send(message{Topic: c.topic, Event: eventLeave, Payload: json.RawMessage("{}"), Ref: &ref})
}

func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.channels = make(map[string]*channel)
	s.mu.Unlock()

	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	return s.conn.Close()
}

func (s *Socket) send(msg message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSocketClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write %s: %w", msg.Event, err)
	}
	return nil
}

func (s *Socket) readLoop() {
	pongWait := 2 * s.cfg.HeartbeatInterval
	for {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("dropping malformed realtime message", map[string]interface{}{"error": err.Error()})
			continue
		}
		if msg.Topic == phoenixTopic {
			continue
		}

		s.mu.Lock()
		ch := s.channels[msg.Topic]
		s.mu.Unlock()
		if ch != nil {
			ch.handle(msg)
		}
	}
}

func (s *Socket) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ref := s.nextRef()
			err := s.send(message{Topic: phoenixTopic, Event: eventHeartbeat, Payload: json.RawMessage("{}"), Ref: &ref})
			if err != nil {
				s.log.Debug("heartbeat failed", map[string]interface{}{"error": err.Error()})
				return
			}
		}
	}
}

// fail reports a lost connection to every channel still open.
func (s *Socket) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	channels := make([]*channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channels = make(map[string]*channel)
	s.mu.Unlock()

	s.conn.Close()
	s.log.Warn("realtime socket lost", map[string]interface{}{"error": err.Error()})

	for _, ch := range channels {
		ch.report(realtime.StatusClosed, err)
	}
}
