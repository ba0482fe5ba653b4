// Package wsclient maintains a single WebSocket connection to the task event
// stream. It reconnects with backoff after unexpected closes, sends heartbeat
// pings, and hands every decoded envelope to an events.Registry.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oremus-labs/taskstream/internal/backoff"
	"github.com/oremus-labs/taskstream/internal/events"
	"github.com/oremus-labs/taskstream/internal/logutil"
	"github.com/oremus-labs/taskstream/internal/metrics"
	"github.com/oremus-labs/taskstream/internal/reconnect"
)

const (
	defaultHeartbeat = 30 * time.Second
	writeWait        = 10 * time.Second
)

// Config controls a Client. Zero durations fall back to defaults; a negative
// HeartbeatInterval disables heartbeats and a zero PongTimeout disables the
// liveness check.
type Config struct {
	URL       string
	Protocols []string
	Header    http.Header

	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	MaxReconnectAttempts int
	Jitter               float64

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration

	// RetryInitialConnect schedules reconnects after a failed Connect too.
	// Connect still returns the open error.
	RetryInitialConnect bool

	Dialer   *websocket.Dialer
	Registry *events.Registry

	// Test seams.
	AfterFunc    reconnect.AfterFunc
	JitterSource backoff.Source
}

// Client is safe for concurrent use.
type Client struct {
	cfg       Config
	dialer    *websocket.Dialer
	registry  *events.Registry
	scheduler *reconnect.Scheduler

	mu           sync.Mutex
	conn         *websocket.Conn
	epoch        uint64
	state        State
	reconnecting bool
	hbStop       chan struct{}
	lastSeen     time.Time

	writeMu sync.Mutex

	stateObs observers[State]
	errorObs observers[error]
}

// New builds a disconnected client.
func New(cfg Config) *Client {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	dialer := *websocket.DefaultDialer
	if cfg.Dialer != nil {
		dialer = *cfg.Dialer
	}
	if len(cfg.Protocols) > 0 {
		dialer.Subprotocols = append([]string(nil), cfg.Protocols...)
	}
	registry := cfg.Registry
	if registry == nil {
		registry = events.NewRegistry()
	}

	c := &Client{
		cfg:      cfg,
		dialer:   &dialer,
		registry: registry,
		state:    State{Phase: PhaseDisconnected},
	}
	c.scheduler = reconnect.New(reconnect.Options{
		Policy: backoff.Policy{
			Base:        cfg.ReconnectInterval,
			Max:         cfg.MaxReconnectInterval,
			MaxAttempts: cfg.MaxReconnectAttempts,
			Jitter:      cfg.Jitter,
			Source:      cfg.JitterSource,
		},
		AfterFunc: cfg.AfterFunc,
		Hooks: reconnect.Hooks{
			OnScheduled:          c.onReconnectScheduled,
			OnReconnectAttempt:   c.onReconnectAttempt,
			OnReconnectSuccess:   c.onReconnectSuccess,
			OnReconnectFailure:   c.onReconnectFailure,
			OnMaxAttemptsReached: c.onMaxAttemptsReached,
		},
	})
	return c
}

// Registry returns the registry envelopes are dispatched to.
func (c *Client) Registry() *events.Registry { return c.registry }

// Subscribe registers h for eventType. See events.Registry.Subscribe.
func (c *Client) Subscribe(eventType string, h events.Handler) func() {
	return c.registry.Subscribe(eventType, h)
}

// OnStateChange registers fn for every state transition.
func (c *Client) OnStateChange(fn func(State)) func() { return c.stateObs.add(fn) }

// OnError registers fn for transport errors.
func (c *Client) OnError(fn func(error)) func() { return c.errorObs.add(fn) }

// State returns a copy of the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the socket. It is a no-op when already connected. An explicit
// Connect cancels any pending or in-flight reconnect and resets the attempt
// counter. A failed Connect schedules reconnects only with
// Config.RetryInitialConnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Phase == PhaseConnected {
		c.mu.Unlock()
		return nil
	}
	c.reconnecting = false
	c.mu.Unlock()

	c.scheduler.Stop()
	c.scheduler.Reset()
	return c.connect(ctx, false)
}

// reconnect is the scheduler action.
func (c *Client) reconnect(ctx context.Context) error {
	return c.connect(ctx, true)
}

func (c *Client) connect(ctx context.Context, retry bool) error {
	c.mu.Lock()
	if retry && !c.reconnecting {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.epoch++
	epoch := c.epoch
	c.state.Phase = PhaseConnecting
	c.state.IsConnected = false
	c.state.IsReconnecting = c.reconnecting
	state := c.state
	c.mu.Unlock()
	c.publish(state)

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		terr := &TransportError{Kind: KindOpen, Err: err}
		c.mu.Lock()
		if epoch != c.epoch {
			c.mu.Unlock()
			return ErrClientClosed
		}
		retryInitial := !retry && c.cfg.RetryInitialConnect
		if retryInitial {
			c.reconnecting = true
			c.state.IsReconnecting = true
		}
		if c.reconnecting {
			c.state.Phase = PhaseReconnecting
		} else {
			c.state.Phase = PhaseDisconnected
		}
		c.state.LastError = terr
		state := c.state
		c.mu.Unlock()

		logutil.Warn("ws_connect_failed", map[string]interface{}{
			"url":   c.cfg.URL,
			"error": err.Error(),
		})
		c.publish(state)
		c.errorObs.emit(terr)
		if retryInitial {
			c.scheduleReconnect()
		}
		return terr
	}

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		conn.Close()
		return ErrClientClosed
	}
	c.conn = conn
	c.reconnecting = false
	c.lastSeen = time.Now()
	c.state = State{Phase: PhaseConnected, IsConnected: true}
	stop := make(chan struct{})
	c.hbStop = stop
	state = c.state
	c.mu.Unlock()

	c.scheduler.Reset()
	go c.readLoop(epoch, conn)
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeat(conn, stop)
	}

	logutil.Info("ws_connected", map[string]interface{}{
		"url":         c.cfg.URL,
		"subprotocol": conn.Subprotocol(),
	})
	c.publish(state)
	return nil
}

// Disconnect cancels pending and in-flight reconnects, stops the heartbeat
// and closes the socket with a normal closure. It is safe to call repeatedly.
func (c *Client) Disconnect() {
	c.scheduler.Stop()

	c.mu.Lock()
	c.epoch++
	conn := c.conn
	c.conn = nil
	c.stopHeartbeatLocked()
	c.reconnecting = false
	wasDisconnected := c.state.Phase == PhaseDisconnected && conn == nil
	c.state = State{Phase: PhaseDisconnected}
	state := c.state
	c.mu.Unlock()

	c.scheduler.Reset()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
		logutil.Info("ws_disconnected", map[string]interface{}{"url": c.cfg.URL})
	}
	if !wasDisconnected {
		c.publish(state)
	}
}

// Send writes v to the socket. Strings and byte slices are sent verbatim;
// anything else is JSON encoded. Nothing is queued while disconnected.
func (c *Client) Send(v interface{}) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state.Phase == PhaseConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	var data []byte
	switch t := v.(type) {
	case []byte:
		data = t
	case string:
		data = []byte(t)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		data = raw
	}
	return c.write(conn, data)
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop(epoch uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(epoch, err)
			return
		}
		c.mu.Lock()
		c.lastSeen = time.Now()
		c.mu.Unlock()
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	env, err := events.Parse(data)
	if err != nil {
		metrics.ObserveParseFailure()
		fields := map[string]interface{}{"error": err.Error()}
		var perr *events.ParseError
		if errors.As(err, &perr) && perr.Type != "" {
			fields["eventType"] = perr.Type
		}
		logutil.Warn("event_parse_failed", fields)
		return
	}
	if env.Type == events.TypePong {
		return
	}
	metrics.ObserveFrame(env.Type)
	if !events.Known(env.Type) {
		logutil.Warn("event_type_unknown", map[string]interface{}{"eventType": env.Type})
	}
	c.registry.Dispatch(env)
}

func (c *Client) handleClose(epoch uint64, err error) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.stopHeartbeatLocked()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.reconnecting = false
		c.state = State{Phase: PhaseDisconnected}
		state := c.state
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		logutil.Info("ws_closed", map[string]interface{}{"url": c.cfg.URL, "code": websocket.CloseNormalClosure})
		c.publish(state)
		return
	}

	terr := &TransportError{Kind: KindRuntime, Err: err}
	c.reconnecting = true
	c.state.Phase = PhaseReconnecting
	c.state.IsConnected = false
	c.state.IsReconnecting = true
	c.state.LastError = terr
	state := c.state
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}

	logutil.Warn("ws_connection_lost", map[string]interface{}{
		"url":   c.cfg.URL,
		"error": err.Error(),
	})
	c.publish(state)
	c.errorObs.emit(terr)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.scheduler.Schedule(c.reconnect)

	// A Disconnect that raced the line above must not leave a timer armed.
	c.mu.Lock()
	cancelled := !c.reconnecting && !errors.Is(c.state.LastError, ErrReconnectExhausted)
	c.mu.Unlock()
	if cancelled {
		c.scheduler.Stop()
	}
}

func (c *Client) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if c.cfg.PongTimeout > 0 {
			c.mu.Lock()
			silent := time.Since(c.lastSeen)
			c.mu.Unlock()
			if silent > c.cfg.HeartbeatInterval+c.cfg.PongTimeout {
				logutil.Warn("ws_pong_timeout", map[string]interface{}{
					"url":    c.cfg.URL,
					"silent": silent.String(),
				})
				conn.Close()
				return
			}
		}

		data, err := json.Marshal(events.Envelope{Type: events.TypePing, Timestamp: time.Now().UTC()})
		if err != nil {
			continue
		}
		if err := c.write(conn, data); err != nil {
			logutil.Warn("ws_heartbeat_failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (c *Client) stopHeartbeatLocked() {
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

func (c *Client) publish(state State) {
	metrics.SetConnectionPhase(string(state.Phase))
	c.stateObs.emit(state)
}

func (c *Client) onReconnectScheduled(attempt int, delay time.Duration) {
	metrics.ObserveReconnectScheduled(delay)
	logutil.Info("ws_reconnect_scheduled", map[string]interface{}{
		"attempt": attempt,
		"delay":   delay.String(),
	})
}

func (c *Client) onReconnectAttempt(attempt int) {
	c.mu.Lock()
	c.state.ReconnectAttempts = attempt
	c.mu.Unlock()
}

func (c *Client) onReconnectSuccess() {
	metrics.ObserveReconnect("success")
}

// Failures were already reported to error observers by connect.
func (c *Client) onReconnectFailure(err error) {
	metrics.ObserveReconnect("failure")
	logutil.Warn("ws_reconnect_failed", map[string]interface{}{"error": err.Error()})
}

func (c *Client) onMaxAttemptsReached() {
	metrics.ObserveReconnect("exhausted")
	c.mu.Lock()
	c.reconnecting = false
	c.state.Phase = PhaseDisconnected
	c.state.IsConnected = false
	c.state.IsReconnecting = false
	c.state.LastError = ErrReconnectExhausted
	state := c.state
	c.mu.Unlock()

	logutil.Error("ws_reconnect_exhausted", ErrReconnectExhausted, map[string]interface{}{
		"url":         c.cfg.URL,
		"maxAttempts": c.scheduler.MaxAttempts(),
	})
	c.publish(state)
	c.errorObs.emit(ErrReconnectExhausted)
}
