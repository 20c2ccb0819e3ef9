package fmchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Events
// ============================================================================

// Outbound events.
const (
	EventJoin             = "join"
	EventSendMessage      = "sendMessage"
	EventSendGroupMessage = "sendGroupMessage"
	EventJoinGroup        = "joinGroup"
)

// Inbound events.
const (
	EventOnlineUsers         = "onlineUsers"
	EventReceiveMessage      = "receiveMessage"
	EventReceiveGroupMessage = "receiveGroupMessage"
	EventError               = "error"
)

// Lifecycle pseudo-events raised by the channel itself.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
	EventReconnecting = "reconnecting"
)

// Envelope is the wire format for all real-time traffic, in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ReconnectingPayload is the payload of EventReconnecting.
type ReconnectingPayload struct {
	Attempt int   `json:"attempt"`
	DelayMS int64 `json:"delayMs"`
}

// ErrorPayload is the payload of EventError.
type ErrorPayload struct {
	Message string `json:"message"`
}

// EventHandler receives the raw payload of one event.
type EventHandler func(payload json.RawMessage)

// Channel is the bidirectional event channel the Controller talks through.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect() error
	// On registers h for event and returns a function that removes it.
	On(event string, h EventHandler) (remove func())
	Emit(ctx context.Context, event string, payload any) error
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures WSChannel.
type RealtimeConfig struct {
	// URL overrides the socket endpoint derived from the client base URL.
	URL                  string
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               Logger
}

// DefaultRealtimeConfig reconnects automatically with bounded retries.
func DefaultRealtimeConfig() RealtimeConfig {
	c := RealtimeConfig{AutoReconnect: true}
	c.defaults()
	return c
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
}

// ConnState is the transport-level connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

const maxFrameSize = 1 << 20

// ============================================================================
// Event Dispatcher
// ============================================================================

type registration struct {
	id uint64
	h  EventHandler
}

type eventDispatcher struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]registration
	log      Logger
}

func newEventDispatcher(log Logger) *eventDispatcher {
	return &eventDispatcher{
		handlers: make(map[string][]registration),
		log:      log,
	}
}

func (d *eventDispatcher) on(event string, h EventHandler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[event] = append(d.handlers[event], registration{id: id, h: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			regs := d.handlers[event]
			for i, r := range regs {
				if r.id == id {
					d.handlers[event] = append(regs[:i:i], regs[i+1:]...)
					break
				}
			}
		})
	}
}

// dispatch runs handlers synchronously so events keep their delivery order.
func (d *eventDispatcher) dispatch(event string, payload json.RawMessage) {
	d.mu.RLock()
	regs := append([]registration(nil), d.handlers[event]...)
	d.mu.RUnlock()

	for _, r := range regs {
		func() {
			defer func() {
				if p := recover(); p != nil {
					d.log.Error(context.Background(), "event handler panicked", "event", event, "panic", p)
				}
			}()
			r.h(payload)
		}()
	}
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectedAt = time.Now()
}

// nextDelay returns the backoff for the next attempt and counts it. A
// connection that stayed up for a minute resets the attempt counter.
func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return r.attempt, delay
}

func (r *reconnector) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// WSChannel
// ============================================================================

// WSChannel is a WebSocket Channel bound to one user, with auto-reconnect and heartbeat.
type WSChannel struct {
	endpoint   string
	userID     string
	config     *RealtimeConfig
	dispatcher *eventDispatcher
	recon      *reconnector
	log        Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	state        ConnState
	life         context.Context
	stop         context.CancelFunc
	reconnecting bool
	closed       bool
}

// Realtime creates a WebSocket channel for userID. Call Connect to establish it.
func (c *Client) Realtime(userID string, config *RealtimeConfig) *WSChannel {
	cfg := RealtimeConfig{AutoReconnect: true}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	if cfg.Logger == nil {
		cfg.Logger = c.log
	}
	endpoint := cfg.URL
	if endpoint == "" {
		endpoint = socketURL(c.baseURL)
	}
	return NewWSChannel(endpoint, userID, &cfg)
}

// NewWSChannel creates a channel against an explicit ws:// or wss:// endpoint.
func NewWSChannel(endpoint, userID string, config *RealtimeConfig) *WSChannel {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	log := cfg.Logger.With("component", "realtime", "user_id", userID)
	return &WSChannel{
		endpoint:   endpoint,
		userID:     userID,
		config:     &cfg,
		dispatcher: newEventDispatcher(log),
		recon:      newReconnector(&cfg),
		log:        log,
		state:      StateDisconnected,
	}
}

// socketURL maps an http(s) API base URL to the ws(s) socket endpoint at /ws.
func socketURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String()
}

func (ws *WSChannel) dialURL() string {
	u, err := url.Parse(ws.endpoint)
	if err != nil {
		return ws.endpoint
	}
	q := u.Query()
	q.Set("userId", ws.userID)
	if ws.config.Token != "" {
		q.Set("token", ws.config.Token)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// On registers a handler for an inbound or lifecycle event.
func (ws *WSChannel) On(event string, h EventHandler) func() {
	return ws.dispatcher.on(event, h)
}

// State returns the current connection state.
func (ws *WSChannel) State() ConnState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect dials the socket and announces the user with a join event. When the
// first dial fails and AutoReconnect is set, retries continue in the background
// and the dial error is still returned. It fails with ErrChannelClosed after
// Disconnect.
func (ws *WSChannel) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return ErrChannelClosed
	}
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	if ws.life == nil || ws.life.Err() != nil {
		ws.life, ws.stop = context.WithCancel(context.Background())
	}
	ws.state = StateConnecting
	life := ws.life
	ws.mu.Unlock()

	err := ws.dial(ctx, life)
	if err != nil && ws.config.AutoReconnect && life.Err() == nil {
		go ws.reconnectLoop(life)
	}
	return err
}

func (ws *WSChannel) dial(ctx context.Context, life context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, ws.config.DialTimeout)
	defer cancel()

	header := http.Header{}
	if ws.config.Token != "" {
		header.Set("Authorization", "Bearer "+ws.config.Token)
	}
	conn, _, err := websocket.Dial(dialCtx, ws.dialURL(), &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		ws.setState(StateDisconnected)
		ws.log.Warn(ctx, "websocket dial failed", "error", err)
		ws.dispatcher.dispatch(EventConnectError, jsonString(err.Error()))
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	if err := writeEnvelope(dialCtx, conn, EventJoin, ws.userID); err != nil {
		conn.Close(websocket.StatusInternalError, "join failed")
		ws.setState(StateDisconnected)
		ws.dispatcher.dispatch(EventConnectError, jsonString(err.Error()))
		return fmt.Errorf("send join: %w", err)
	}

	ws.mu.Lock()
	if life.Err() != nil {
		// Disconnect won the race.
		ws.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return context.Canceled
	}
	ws.conn = conn
	ws.state = StateConnected
	ws.mu.Unlock()
	ws.recon.markConnected()

	ws.log.Info(ctx, "websocket connected", "endpoint", ws.endpoint)
	ws.dispatcher.dispatch(EventConnect, nil)

	go ws.readLoop(life, conn)
	go ws.heartbeatLoop(life, conn)
	return nil
}

// Disconnect closes the connection and stops reconnection for good. It is
// idempotent and safe to call before Connect.
func (ws *WSChannel) Disconnect() error {
	ws.mu.Lock()
	ws.closed = true
	if ws.stop != nil {
		ws.stop()
	}
	conn := ws.conn
	ws.conn = nil
	was := ws.state
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.recon.reset()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			ws.log.Debug(context.Background(), "close after disconnect", "error", err)
		}
	}
	if was != StateDisconnected {
		ws.dispatcher.dispatch(EventDisconnect, jsonString("client disconnect"))
	}
	return nil
}

// Emit sends one event. It fails with ErrNotConnected while no socket is open.
func (ws *WSChannel) Emit(ctx context.Context, event string, payload any) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return writeEnvelope(ctx, conn, event, payload)
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	data, err := json.Marshal(Envelope{Type: event, Payload: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *WSChannel) setState(s ConnState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *WSChannel) readLoop(life context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(life)
		if err != nil {
			ws.mu.Lock()
			current := ws.conn == conn
			if current {
				ws.conn = nil
				ws.state = StateDisconnected
			}
			ws.mu.Unlock()

			if life.Err() != nil || !current {
				return
			}

			reason := err.Error()
			if status := websocket.CloseStatus(err); status != -1 {
				reason = fmt.Sprintf("closed with status %d", status)
			}
			ws.log.Warn(context.Background(), "websocket dropped", "reason", reason)
			ws.dispatcher.dispatch(EventDisconnect, jsonString(reason))

			if ws.config.AutoReconnect {
				ws.reconnectLoop(life)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			ws.log.Warn(context.Background(), "dropping malformed frame", "bytes", len(data))
			continue
		}
		ws.dispatcher.dispatch(env.Type, env.Payload)
	}
}

func (ws *WSChannel) heartbeatLoop(life context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-life.Done():
			return
		case <-ticker.C:
			ws.mu.Lock()
			current := ws.conn == conn
			ws.mu.Unlock()
			if !current {
				return
			}

			ctx, cancel := context.WithTimeout(life, 10*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err != nil && life.Err() == nil {
				// The read loop sees the close and takes over reconnection.
				ws.log.Warn(context.Background(), "heartbeat failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *WSChannel) reconnectLoop(life context.Context) {
	ws.mu.Lock()
	if ws.reconnecting {
		ws.mu.Unlock()
		return
	}
	ws.reconnecting = true
	ws.mu.Unlock()
	defer func() {
		ws.mu.Lock()
		ws.reconnecting = false
		ws.mu.Unlock()
	}()

	for ws.recon.shouldReconnect() {
		attempt, delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		payload, _ := json.Marshal(ReconnectingPayload{Attempt: attempt, DelayMS: delay.Milliseconds()})
		ws.dispatcher.dispatch(EventReconnecting, payload)

		select {
		case <-life.Done():
			return
		case <-time.After(delay):
		}

		err := ws.dial(life, life)
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) || life.Err() != nil {
			return
		}
	}

	ws.setState(StateDisconnected)
	ws.log.Error(context.Background(), "giving up reconnecting", "attempts", ws.config.MaxReconnectAttempts)
	ws.dispatcher.dispatch(EventConnectError, jsonString("reconnect attempts exhausted"))
}
