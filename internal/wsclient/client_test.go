package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oremus-labs/taskstream/internal/events"
	"github.com/prometheus/client_golang/prometheus"
)

type peer struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	accepted atomic.Int32
	reject   atomic.Bool
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	p := &peer{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.accepted.Add(1)
		p.conns <- conn
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *peer) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *peer) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-p.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for client connection")
		return nil
	}
}

func newTestClient(t *testing.T, p *peer, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		URL:                  p.url(),
		ReconnectInterval:    20 * time.Millisecond,
		MaxReconnectInterval: 100 * time.Millisecond,
		MaxReconnectAttempts: 5,
		Jitter:               -1,
		HeartbeatInterval:    -1,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(cfg)
	t.Cleanup(c.Disconnect)
	return c
}

func waitForState(t *testing.T, c *Client, desc string, ok func(State) bool) State {
	t.Helper()
	timeout := time.After(2 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-timeout:
			t.Fatalf("timed out waiting for %s, last state %+v", desc, c.State())
		case <-ticker.C:
			if st := c.State(); ok(st) {
				return st
			}
		}
	}
}

func isConnected(s State) bool { return s.Phase == PhaseConnected && s.IsConnected }

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func recordStates(c *Client) *stateLog {
	l := &stateLog{}
	c.OnStateChange(func(s State) {
		l.mu.Lock()
		l.states = append(l.states, s)
		l.mu.Unlock()
	})
	return l
}

func (l *stateLog) all() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func phaseGauge(t *testing.T, phase string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "taskstream_connection_state" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "phase" && lp.GetValue() == phase {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return -1
}

func TestConnectDispatchesEvents(t *testing.T) {
	p := newPeer(t)
	c := newTestClient(t, p, nil)

	got := make(chan events.Envelope, 1)
	c.Subscribe(events.TypeTaskLog, func(env events.Envelope) { got <- env })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	server := p.next(t)
	if st := c.State(); !isConnected(st) || st.IsReconnecting {
		t.Fatalf("unexpected state after connect: %+v", st)
	}

	frame := `{"type":"task_log","payload":{"taskId":"t1","logLine":"hello"},"timestamp":"2024-05-01T10:00:00Z"}`
	if err := server.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("server write: %v", err)
	}
	select {
	case env := <-got:
		log, ok := env.Event.(events.TaskLog)
		if !ok || log.LogLine != "hello" {
			t.Fatalf("unexpected event %#v", env.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not dispatched")
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if p.accepted.Load() != 1 {
		t.Fatalf("Connect on a connected client opened another socket")
	}
}

func TestPongAndMalformedFramesAreNotDispatched(t *testing.T) {
	p := newPeer(t)
	c := newTestClient(t, p, nil)

	var pongs atomic.Int32
	c.Subscribe(events.TypePong, func(events.Envelope) { pongs.Add(1) })
	logs := make(chan events.Envelope, 1)
	c.Subscribe(events.TypeTaskLog, func(env events.Envelope) { logs <- env })
	custom := make(chan events.Envelope, 1)
	c.Subscribe("ci_update", func(env events.Envelope) { custom <- env })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	server := p.next(t)

	frames := []string{
		`{"type":"pong"}`,
		`not json`,
		`{"type":"task_log","payload":{"logLine":"missing task id"}}`,
		`{"type":"ci_update","payload":{"runId":"r1"}}`,
		`{"type":"task_log","payload":{"taskId":"t1","logLine":"ok"}}`,
	}
	for _, f := range frames {
		if err := server.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("server write: %v", err)
		}
	}

	select {
	case env := <-custom:
		if env.Event != nil || string(env.Payload) != `{"runId":"r1"}` {
			t.Fatalf("unexpected custom envelope %#v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("unknown type not dispatched")
	}
	select {
	case env := <-logs:
		if env.Event.(events.TaskLog).LogLine != "ok" {
			t.Fatalf("malformed log frame was dispatched")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("valid log not dispatched")
	}
	if pongs.Load() != 0 {
		t.Fatalf("pong frames must be swallowed")
	}
	if !isConnected(c.State()) {
		t.Fatalf("parse failures must not affect the connection")
	}
}

func TestSendRequiresConnection(t *testing.T) {
	p := newPeer(t)
	c := newTestClient(t, p, nil)

	if err := c.Send(map[string]string{"type": "hello"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	server := p.next(t)

	if err := c.Send(map[string]string{"type": "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if string(data) != `{"type":"hello"}` {
		t.Fatalf("unexpected frame %s", data)
	}
}

func TestUnexpectedCloseReconnects(t *testing.T) {
	p := newPeer(t)
	c := newTestClient(t, p, nil)

	var (
		mu        sync.Mutex
		errs      []error
		violation bool
	)
	c.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	c.OnStateChange(func(s State) {
		if s.IsConnected && s.IsReconnecting {
			mu.Lock()
			violation = true
			mu.Unlock()
		}
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := p.next(t)
	first.Close()

	p.next(t)
	waitForState(t, c, "reconnected", isConnected)
	if p.accepted.Load() != 2 {
		t.Fatalf("expected exactly one reconnect, got %d connections", p.accepted.Load())
	}
	if st := c.State(); st.ReconnectAttempts != 0 || st.LastError != nil {
		t.Fatalf("expected reconnect to reset state, got %+v", st)
	}

	mu.Lock()
	defer mu.Unlock()
	if violation {
		t.Fatalf("observed a state that is both connected and reconnecting")
	}
	if len(errs) == 0 {
		t.Fatalf("expected a runtime error for the dropped socket")
	}
	var terr *TransportError
	if !errors.As(errs[0], &terr) || terr.Kind != KindRuntime {
		t.Fatalf("expected runtime TransportError, got %v", errs[0])
	}
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	p := newPeer(t)
	c := newTestClient(t, p, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	server := p.next(t)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := server.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("server close: %v", err)
	}

	waitForState(t, c, "disconnected", func(s State) bool { return s.Phase == PhaseDisconnected })
	time.Sleep(150 * time.Millisecond)
	if p.accepted.Load() != 1 {
		t.Fatalf("normal closure triggered a reconnect")
	}
	if st := c.State(); st.IsReconnecting || st.LastError != nil {
		t.Fatalf("unexpected state after normal close: %+v", st)
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	p := newPeer(t)
	c := newTestClient(t, p, func(cfg *Config) {
		cfg.ReconnectInterval = 200 * time.Millisecond
		cfg.MaxReconnectInterval = time.Second
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	p.next(t).Close()

	waitForState(t, c, "reconnecting", func(s State) bool { return s.IsReconnecting })
	c.Disconnect()

	time.Sleep(400 * time.Millisecond)
	if p.accepted.Load() != 1 {
		t.Fatalf("reconnect ran after Disconnect")
	}
	if st := c.State(); st.Phase != PhaseDisconnected || st.ReconnectAttempts != 0 || st.IsReconnecting {
		t.Fatalf("unexpected state after Disconnect: %+v", st)
	}
}

func TestHeartbeatSendsPing(t *testing.T) {
	p := newPeer(t)
	c := newTestClient(t, p, func(cfg *Config) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	server := p.next(t)
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode ping: %v", err)
	}
	if frame["type"] != events.TypePing || frame["timestamp"] == nil {
		t.Fatalf("unexpected heartbeat frame %s", data)
	}
}

func TestPongTimeoutForcesReconnect(t *testing.T) {
	p := newPeer(t)
	c := newTestClient(t, p, func(cfg *Config) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
		cfg.PongTimeout = 30 * time.Millisecond
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	p.next(t)
	p.next(t)
	if p.accepted.Load() < 2 {
		t.Fatalf("expected a reconnect after the peer went silent")
	}
}

func TestConnectFailureReportsOpenError(t *testing.T) {
	p := newPeer(t)
	p.reject.Store(true)
	c := newTestClient(t, p, nil)

	var reported atomic.Int32
	c.OnError(func(err error) {
		if IsOpenError(err) {
			reported.Add(1)
		}
	})

	err := c.Connect(context.Background())
	if !IsOpenError(err) {
		t.Fatalf("expected open error, got %v", err)
	}
	if reported.Load() != 1 {
		t.Fatalf("expected error observers notified once, got %d", reported.Load())
	}
	st := c.State()
	if st.IsConnected || st.IsReconnecting || st.Phase != PhaseDisconnected {
		t.Fatalf("unexpected state after failed connect: %+v", st)
	}
}

func TestReconnectExhaustion(t *testing.T) {
	p := newPeer(t)
	c := newTestClient(t, p, func(cfg *Config) {
		cfg.MaxReconnectAttempts = 2
	})
	recorded := recordStates(c)

	var exhausted atomic.Int32
	c.OnError(func(err error) {
		if errors.Is(err, ErrReconnectExhausted) {
			exhausted.Add(1)
		}
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	server := p.next(t)
	p.reject.Store(true)
	server.Close()

	st := waitForState(t, c, "exhaustion", func(s State) bool {
		return errors.Is(s.LastError, ErrReconnectExhausted)
	})
	if st.Phase != PhaseDisconnected || st.IsReconnecting {
		t.Fatalf("unexpected terminal state %+v", st)
	}
	time.Sleep(100 * time.Millisecond)
	if exhausted.Load() != 1 {
		t.Fatalf("expected exhaustion reported once, got %d", exhausted.Load())
	}

	p.reject.Store(false)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("explicit Connect after exhaustion: %v", err)
	}
	if !isConnected(c.State()) {
		t.Fatalf("expected explicit Connect to recover")
	}
	c.Disconnect()

	states := recorded.all()
	seen := map[Phase]bool{}
	for i, s := range states {
		if s.IsConnected && s.IsReconnecting {
			t.Fatalf("state %d is both connected and reconnecting: %+v", i, s)
		}
		if s.IsConnected != (s.Phase == PhaseConnected) {
			t.Fatalf("state %d has IsConnected out of step with phase: %+v", i, s)
		}
		seen[s.Phase] = true
	}
	for _, want := range []Phase{PhaseConnecting, PhaseConnected, PhaseReconnecting, PhaseDisconnected} {
		if !seen[want] {
			t.Fatalf("expected a %s state in %+v", want, states)
		}
	}
	if last := states[len(states)-1]; last.Phase != PhaseDisconnected || last.IsReconnecting {
		t.Fatalf("expected disconnect to publish last, got %+v", last)
	}
}

func TestRetryInitialConnect(t *testing.T) {
	p := newPeer(t)
	p.reject.Store(true)
	c := newTestClient(t, p, func(cfg *Config) {
		cfg.RetryInitialConnect = true
		cfg.ReconnectInterval = 50 * time.Millisecond
		cfg.MaxReconnectAttempts = 10
	})

	err := c.Connect(context.Background())
	if !IsOpenError(err) {
		t.Fatalf("expected open error, got %v", err)
	}
	if st := c.State(); !st.IsReconnecting || st.IsConnected {
		t.Fatalf("expected a scheduled retry after the failed first connect, got %+v", st)
	}

	p.reject.Store(false)
	p.next(t)
	st := waitForState(t, c, "connected after retry", isConnected)
	if st.IsReconnecting || st.LastError != nil {
		t.Fatalf("unexpected state after recovery %+v", st)
	}
}

func TestNewLeavesPhaseGaugeAlone(t *testing.T) {
	p := newPeer(t)
	c := newTestClient(t, p, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	p.next(t)
	if got := phaseGauge(t, string(PhaseConnected)); got != 1 {
		t.Fatalf("expected connected gauge set, got %v", got)
	}

	New(Config{URL: "ws://127.0.0.1:1/ws"})

	if got := phaseGauge(t, string(PhaseConnected)); got != 1 {
		t.Fatalf("building a second client reset the phase gauge, got %v", got)
	}
}

func TestObserverUnsubscribe(t *testing.T) {
	p := newPeer(t)
	c := newTestClient(t, p, nil)

	var calls atomic.Int32
	off := c.OnStateChange(func(State) { calls.Add(1) })
	off()
	off()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("removed observer was notified")
	}
}
