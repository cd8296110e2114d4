package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"speakez/internal/creds"
	"speakez/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// CloseAuthFailed is the application close code the backend sends when the
// handshake token is rejected.
const CloseAuthFailed = 4001

// ConnState 表示单个频道连接的状态。
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type EventType int

const (
	EventOpen EventType = iota
	EventAuthFailed
	EventReconnectFailed
	EventClosed
)

// Event 是连接生命周期信号，供 UI 层提示用户（toast / 重新登录）。
type Event struct {
	Type EventType
	Err  error
}

// Message is one chat message as serialized by the backend.
type Message struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type outboundFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// HistoryFunc fetches the channel's prior messages; the transport layer
// provides it so this package never talks HTTP directly.
type HistoryFunc func(ctx context.Context, channelID string) ([]Message, error)

type Options struct {
	MaxAttempts int
	Delay       time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Delay <= 0 {
		o.Delay = 5 * time.Second
	}
	return o
}

var (
	ErrNoChannel    = errors.New("no channel selected")
	ErrEmptyMessage = errors.New("message is empty")
	ErrNotOpen      = errors.New("connection is not open")
)

// Conn 管理一个 (server, channel) 的 WebSocket 连接：
// 打开、鉴权、历史回填、收发消息、异常断开后的有限重连。
type Conn struct {
	serverID  string
	channelID string
	wsBase    string
	store     *creds.Store
	history   HistoryFunc
	opts      Options
	dialer    *websocket.Dialer

	mu      sync.Mutex
	state   ConnState
	ws      *websocket.Conn
	buffer  []Message
	pending []Message
	seeded  bool
	closed  bool

	msgCh  chan Message
	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// New constructs an idle connection. Both ids are required; an absent
// channel means the caller renders a placeholder instead of connecting.
func New(serverID, channelID, wsBase string, store *creds.Store, history HistoryFunc, opts Options) (*Conn, error) {
	if serverID == "" || channelID == "" {
		return nil, ErrNoChannel
	}
	return &Conn{
		serverID:  serverID,
		channelID: channelID,
		wsBase:    strings.TrimRight(wsBase, "/"),
		store:     store,
		history:   history,
		opts:      opts.withDefaults(),
		dialer:    websocket.DefaultDialer,
		state:     StateIdle,
		msgCh:     make(chan Message, 256),
		events:    make(chan Event, 8),
		done:      make(chan struct{}),
	}, nil
}

// Open dials the channel socket and starts the receive loop. The initial
// dial failing is returned to the caller; reconnection only covers an
// established connection dropping abnormally.
func (c *Conn) Open(ctx context.Context) error {
	c.setState(StateConnecting)
	ws, err := c.dial(ctx)
	if err != nil {
		c.setState(StateIdle)
		return err
	}
	c.mu.Lock()
	c.ws = ws
	c.state = StateOpen
	c.mu.Unlock()
	c.emit(Event{Type: EventOpen})
	c.wg.Add(2)
	go func() { defer c.wg.Done(); c.seedHistory() }()
	go func() { defer c.wg.Done(); c.run() }()
	return nil
}

// dial embeds the current access token as a query credential, matching the
// backend's websocket auth middleware.
func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	token, _ := c.store.Get(creds.KeyAccessToken)
	u := fmt.Sprintf("%s/%s/%s/?token=%s", c.wsBase, c.serverID, c.channelID, token)
	ws, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s/%s: %w", c.serverID, c.channelID, err)
	}
	return ws, nil
}

// Messages streams buffered-order messages: the history seed first, then
// live frames in receipt order. The channel is closed after Close.
func (c *Conn) Messages() <-chan Message { return c.msgCh }

// Events streams lifecycle signals. The channel is closed after Close.
func (c *Conn) Events() <-chan Event { return c.events }

// Buffer returns a snapshot of the current message buffer.
func (c *Conn) Buffer() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.buffer))
	copy(out, c.buffer)
	return out
}

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send emits a {type:"message"} frame. Callers clear their input only after
// a nil return.
func (c *Conn) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || c.ws == nil {
		return ErrNotOpen
	}
	if err := c.ws.WriteJSON(outboundFrame{Type: "message", Message: text}); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	metrics.WsMessagesSent.Inc()
	return nil
}

// Close tears the connection down: socket closed, pending reconnect wait
// cancelled. No callback of a closed Conn mutates the buffer afterward, and
// the Messages/Events channels are closed once the receive loops quiesce.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosed
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	close(c.done)
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}
	go func() {
		c.wg.Wait()
		close(c.msgCh)
		close(c.events)
	}()
}

// seedHistory 拉取历史消息回填缓冲区；拉取期间先到的实时消息挂起，
// 历史落地后按 history + pending 的顺序合并（到达顺序保持，不去重）。
func (c *Conn) seedHistory() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	var hist []Message
	if c.history != nil {
		var err error
		hist, err = c.history(ctx, c.channelID)
		if err != nil {
			log.Warn().Err(err).Str("channel_id", c.channelID).Msg("history fetch failed")
			hist = nil
		}
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	merged := make([]Message, 0, len(hist)+len(c.pending))
	merged = append(merged, hist...)
	merged = append(merged, c.pending...)
	c.buffer = merged
	c.pending = nil
	c.seeded = true
	c.mu.Unlock()
	for _, m := range merged {
		c.deliver(m)
	}
}

// run owns the receive loop and the reconnect policy.
func (c *Conn) run() {
	for {
		closeErr := c.readLoop()
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.ws = nil
		c.mu.Unlock()

		if websocket.IsCloseError(closeErr, CloseAuthFailed) {
			// Authentication rejected: no reconnect, credentials stay put —
			// the transport's own 401 path owns clearing them.
			c.setState(StateIdle)
			c.emit(Event{Type: EventAuthFailed, Err: closeErr})
			return
		}
		if websocket.IsCloseError(closeErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.setState(StateClosed)
			c.emit(Event{Type: EventClosed})
			return
		}
		if !c.reconnect() {
			return
		}
	}
}

func (c *Conn) readLoop() error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return errors.New("no socket")
	}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// One malformed frame must never drop the connection.
			metrics.WsParseFailures.Inc()
			log.Warn().Err(err).Str("channel_id", c.channelID).Msg("malformed frame")
			continue
		}
		metrics.WsMessagesReceived.Inc()
		c.append(msg)
	}
}

// append records a live message: pending while the history fetch is in
// flight, buffered and delivered once seeded.
func (c *Conn) append(msg Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.seeded {
		c.pending = append(c.pending, msg)
		c.mu.Unlock()
		return
	}
	c.buffer = append(c.buffer, msg)
	c.mu.Unlock()
	c.deliver(msg)
}

func (c *Conn) deliver(msg Message) {
	select {
	case c.msgCh <- msg:
	default:
		// Slow consumer: the buffer still holds the message.
	}
}

// reconnect 在异常断开后按固定间隔重试，最多 MaxAttempts 次；
// 全部失败时发出一次终止信号，不再自动尝试。
func (c *Conn) reconnect() bool {
	c.setState(StateReconnecting)
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		select {
		case <-c.done:
			return false
		case <-time.After(c.opts.Delay):
		}
		metrics.WsReconnectAttempts.Inc()
		log.Info().Int("attempt", attempt).Int("max", c.opts.MaxAttempts).
			Str("channel_id", c.channelID).Msg("reconnecting")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		ws, err := c.dial(ctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			continue
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = ws.Close()
			return false
		}
		c.ws = ws
		c.state = StateOpen
		// The connect path re-seeds history, as on first open.
		c.seeded = false
		c.pending = nil
		c.mu.Unlock()
		c.emit(Event{Type: EventOpen})
		c.wg.Add(1)
		go func() { defer c.wg.Done(); c.seedHistory() }()
		return true
	}
	metrics.WsReconnectFailures.Inc()
	c.setState(StateClosed)
	c.emit(Event{Type: EventReconnectFailed, Err: errors.New("max reconnection attempts reached")})
	return false
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	if !c.closed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}
