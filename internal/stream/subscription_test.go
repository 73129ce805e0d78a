package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alejoacosta74/botstream/internal/common"
	"github.com/alejoacosta74/botstream/internal/events"
	"github.com/alejoacosta74/botstream/internal/registry"
	sessionmocks "github.com/alejoacosta74/botstream/internal/session/mocks"
	"github.com/alejoacosta74/botstream/internal/stream/mocks"
	"github.com/alejoacosta74/botstream/internal/ws"
	"github.com/benbjohnson/clock"
	"github.com/golang/mock/gomock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeConn is a transport handle driven by the test
type fakeConn struct {
	frames    chan []byte
	failures  chan error
	closedCh  chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	written     [][]byte
	closeCode   int
	closeReason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames:   make(chan []byte, 16),
		failures: make(chan error, 1),
		closedCh: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.frames:
		return b, nil
	case err := <-c.failures:
		return nil, err
	case <-c.closedCh:
		return nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closedCh:
		return websocket.ErrCloseSent
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.closedCh)
	})
	return nil
}

func (c *fakeConn) deliver(frame string) { c.frames <- []byte(frame) }

// closeWith simulates a close frame sent by the server
func (c *fakeConn) closeWith(code int, reason string) {
	c.failures <- &websocket.CloseError{Code: code, Text: reason}
}

// drop simulates the socket dying without a close frame
func (c *fakeConn) drop() { c.failures <- io.ErrUnexpectedEOF }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

func (c *fakeConn) closedWith() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.written {
		if string(w) == `{"type":"ping"}` {
			n++
		}
	}
	return n
}

func (c *fakeConn) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.written))
	for _, w := range c.written {
		out = append(out, string(w))
	}
	return out
}

// recorder captures handler invocations
type recorder struct {
	mu          sync.Mutex
	established []json.RawMessage
	spreads     []json.RawMessage
	orders      []json.RawMessage
	positions   []json.RawMessage
	statuses    []json.RawMessage
	errs        []error
	closes      []CloseEvent
}

func (r *recorder) handlers() Handlers {
	add := func(dst *[]json.RawMessage) func(json.RawMessage) {
		return func(data json.RawMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			*dst = append(*dst, data)
		}
	}
	return Handlers{
		OnConnectionEstablished: add(&r.established),
		OnSpreadUpdate:          add(&r.spreads),
		OnOrderUpdate:           add(&r.orders),
		OnPositionUpdate:        add(&r.positions),
		OnStatusUpdate:          add(&r.statuses),
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnClose: func(ev CloseEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.closes = append(r.closes, ev)
		},
	}
}

func (r *recorder) errorCount(target error) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, err := range r.errs {
		if errors.Is(err, target) {
			n++
		}
	}
	return n
}

func (r *recorder) closeEvents() []CloseEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CloseEvent(nil), r.closes...)
}

func (r *recorder) dataCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.established) + len(r.spreads) + len(r.orders) + len(r.positions) + len(r.statuses)
}

// fakeMetrics counts lifecycle observations
type fakeMetrics struct {
	mu        sync.Mutex
	received  map[string]int
	dropped   map[string]int
	scheduled []time.Duration
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{received: map[string]int{}, dropped: map[string]int{}}
}

func (m *fakeMetrics) ConnectAttempt(int)                 {}
func (m *fakeMetrics) StatusChanged(int, registry.Status) {}
func (m *fakeMetrics) ConnectionClosed(int, int)          {}
func (m *fakeMetrics) HeartbeatSent(int)                  {}

func (m *fakeMetrics) ReconnectScheduled(_ int, _ int, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled = append(m.scheduled, delay)
}

func (m *fakeMetrics) MessageReceived(_ int, msgType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received[msgType]++
}

func (m *fakeMetrics) MessageDropped(_ int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}

func (m *fakeMetrics) receivedCount(msgType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received[msgType]
}

func (m *fakeMetrics) droppedCount(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

func (m *fakeMetrics) delays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.scheduled...)
}

type harness struct {
	t       *testing.T
	clock   *clock.Mock
	reg     *registry.Registry
	bus     *events.EventBus[Event]
	metrics *fakeMetrics
	rec     *recorder
	mgr     *Manager

	mu       sync.Mutex
	urls     []string
	conns    []*fakeConn
	dialErr  error
	dialHook func()
}

func testConfig() Config {
	return Config{
		Host:                 "bots.test:8000",
		HeartbeatInterval:    30 * time.Second,
		PongTimeout:          60 * time.Second,
		BaseDelay:            2 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

func newHarness(t *testing.T, cfg Config, token string) *harness {
	ctrl := gomock.NewController(t)

	provider := sessionmocks.NewMockProvider(ctrl)
	provider.EXPECT().CurrentAuthToken().Return(token, token != "").AnyTimes()

	h := &harness{
		t:       t,
		clock:   clock.NewMock(),
		reg:     registry.New(),
		bus:     events.NewEventBus[Event](),
		metrics: newFakeMetrics(),
		rec:     &recorder{},
	}

	dialer := mocks.NewMockDialer(ctrl)
	dialer.EXPECT().Dial(gomock.Any(), gomock.Any()).DoAndReturn(h.dial).AnyTimes()

	h.mgr = NewManager(cfg, provider, h.reg,
		WithDialer(dialer),
		WithClock(h.clock),
		WithEventBus(h.bus),
		WithMetrics(h.metrics),
	)
	t.Cleanup(h.mgr.Close)
	return h
}

func (h *harness) dial(_ context.Context, url string) (ws.Conn, error) {
	h.mu.Lock()
	h.urls = append(h.urls, url)
	err, hook := h.dialErr, h.dialHook
	h.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}

	c := newFakeConn()
	h.mu.Lock()
	h.conns = append(h.conns, c)
	h.mu.Unlock()
	return c, nil
}

func (h *harness) setDialErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dialErr = err
}

func (h *harness) dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.urls)
}

func (h *harness) url(i int) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.urls[i]
}

func (h *harness) conn(i int) *fakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[i]
}

func (h *harness) connect(botID int) *Subscription {
	h.t.Helper()
	sub, err := h.mgr.Connect(botID, h.rec.handlers())
	require.NoError(h.t, err)
	return sub
}

func (h *harness) connected(botID int) *Subscription {
	h.t.Helper()
	sub := h.connect(botID)
	h.waitStatus(sub, registry.StatusConnected)
	return sub
}

func (h *harness) waitStatus(sub *Subscription, status registry.Status) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return sub.Status() == status },
		waitFor, tick, "status never became %s (is %s)", status, sub.Status())
}

func (h *harness) waitAttempts(sub *Subscription, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return sub.Status() == registry.StatusError && sub.ReconnectAttempts() == n
	}, waitFor, tick, "attempts never became %d (is %d)", n, sub.ReconnectAttempts())
}

func (h *harness) waitDials(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.dials() == n }, waitFor, tick,
		"expected %d dials, got %d", n, h.dials())
}

func TestSubscription_ConnectAndSpreadUpdate(t *testing.T) {
	h := newHarness(t, testConfig(), "tok")
	spreads := h.bus.Subscribe(common.TypeSpreadUpdate.Topic())

	sub := h.connected(7)

	assert.Equal(t, "ws://bots.test:8000/api/v1/websocket/bot/7?token=tok", h.url(0))
	assert.Equal(t, 0, sub.ReconnectAttempts())
	assert.NotEmpty(t, sub.ConnID())
	assert.True(t, h.reg.IsConnected())
	assert.True(t, h.reg.HasBot(7))

	payload := `{"bot_id":7,"spread":0.42,"timestamp":"2026-01-02T03:04:05"}`
	h.conn(0).deliver(`{"type":"spread_update","timestamp":"2026-01-02T03:04:05","data":` + payload + `}`)

	require.Eventually(t, func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return len(h.rec.spreads) == 1
	}, waitFor, tick)
	h.rec.mu.Lock()
	assert.JSONEq(t, payload, string(h.rec.spreads[0]))
	assert.Empty(t, h.rec.orders)
	h.rec.mu.Unlock()

	select {
	case ev := <-spreads:
		assert.Equal(t, 7, ev.BotID)
		assert.Equal(t, common.TypeSpreadUpdate, ev.Type)
		assert.JSONEq(t, payload, string(ev.Data))
	case <-time.After(waitFor):
		t.Fatal("spread update was not published on the bus")
	}
}

func TestSubscription_RoutesEveryKindToItsSlot(t *testing.T) {
	h := newHarness(t, testConfig(), "tok")
	h.connected(3)

	c := h.conn(0)
	c.deliver(`{"type":"connection_established","data":{"bot_id":3,"bot_name":"alpha","status":"running"}}`)
	c.deliver(`{"type":"order_update","data":{"order_id":1}}`)
	c.deliver(`{"type":"position_update","data":{"position_id":2}}`)
	c.deliver(`{"type":"status_update","data":{"status":"stopped"}}`)

	require.Eventually(t, func() bool { return h.rec.dataCalls() == 4 }, waitFor, tick)
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	assert.Len(t, h.rec.established, 1)
	assert.Len(t, h.rec.orders, 1)
	assert.Len(t, h.rec.positions, 1)
	assert.Len(t, h.rec.statuses, 1)
}

func TestSubscription_ConnectIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), "tok")
	release := make(chan struct{})
	h.dialHook = func() { <-release }

	sub := h.connect(1)
	require.NoError(t, sub.Connect(), "connect while connecting")
	assert.Equal(t, registry.StatusConnecting, sub.Status())

	h.mu.Lock()
	h.dialHook = nil
	h.mu.Unlock()
	close(release)
	h.waitStatus(sub, registry.StatusConnected)

	require.NoError(t, sub.Connect(), "connect while connected")
	assert.Never(t, func() bool { return h.dials() > 1 }, 100*time.Millisecond, tick)
}

func TestSubscription_MissingCredential(t *testing.T) {
	h := newHarness(t, testConfig(), "")

	_, err := h.mgr.Connect(4, h.rec.handlers())
	require.ErrorIs(t, err, ErrMissingCredential)

	sub, ok := h.mgr.Subscription(4)
	require.True(t, ok)
	assert.Equal(t, registry.StatusError, sub.Status())
	assert.ErrorIs(t, sub.LastError(), ErrMissingCredential)
	assert.Equal(t, 0, h.dials(), "no transport attempt without a token")
	assert.Equal(t, 1, h.rec.errorCount(ErrMissingCredential))

	h.clock.Add(time.Minute)
	assert.Never(t, func() bool { return h.dials() > 0 }, 100*time.Millisecond, tick)
}

func TestSubscription_PongIsConsumed(t *testing.T) {
	h := newHarness(t, testConfig(), "tok")
	pongs := h.bus.Subscribe(common.TypePong.Topic())
	h.connected(2)

	h.conn(0).deliver(`{"type":"pong","timestamp":"2026-01-02T03:04:05"}`)

	require.Eventually(t, func() bool { return h.metrics.receivedCount("pong") == 1 }, waitFor, tick)
	assert.Equal(t, 0, h.rec.dataCalls())
	assert.Empty(t, h.rec.errs)
	assert.Len(t, pongs, 0)
}

func TestSubscription_MalformedFrameKeepsChannelOpen(t *testing.T) {
	h := newHarness(t, testConfig(), "tok")
	sub := h.connected(2)
	c := h.conn(0)

	c.deliver(`{not json`)
	c.deliver(`{"type":"trade_update","data":{}}`)
	c.deliver(`{"type":"status_update","data":{"status":"running"}}`)

	require.Eventually(t, func() bool { return h.rec.dataCalls() == 1 }, waitFor, tick)
	assert.Equal(t, 1, h.rec.errorCount(ErrDecodeFailed))
	assert.Equal(t, 1, h.metrics.droppedCount("decode_failed"))
	assert.Equal(t, 1, h.metrics.droppedCount("unknown_type"))
	assert.Equal(t, registry.StatusConnected, sub.Status())
	assert.False(t, c.isClosed())
}

func TestSubscription_NormalCloseSuppressesRetry(t *testing.T) {
	h := newHarness(t, testConfig(), "tok")
	sub := h.connected(5)

	h.conn(0).closeWith(websocket.CloseNormalClosure, "bye")

	h.waitStatus(sub, registry.StatusDisconnected)
	assert.Equal(t, []CloseEvent{{Code: 1000, Reason: "bye"}}, h.rec.closeEvents())
	assert.False(t, h.reg.HasBot(5))

	h.clock.Add(time.Hour)
	assert.Never(t, func() bool { return h.dials() > 1 }, 100*time.Millisecond, tick)
}

func TestSubscription_AbnormalCloseReconnects(t *testing.T) {
	h := newHarness(t, testConfig(), "tok")
	sub := h.connected(9)

	h.conn(0).drop()

	h.waitAttempts(sub, 1)
	assert.Equal(t, []CloseEvent{{Code: 1006}}, h.rec.closeEvents())
	assert.Equal(t, 1, h.rec.errorCount(io.ErrUnexpectedEOF), "transport error is forwarded")
	assert.True(t, h.reg.HasError())
	assert.Equal(t, 1, h.reg.Snapshot().ReconnectAttempts)
	assert.Equal(t, []time.Duration{2 * time.Second}, h.metrics.delays())
	assert.ErrorIs(t, sub.LastError(), io.ErrUnexpectedEOF, "close keeps the transport cause")
	assert.Contains(t, h.reg.Snapshot().Error, "connection lost")
	assert.Contains(t, h.reg.Snapshot().Error, io.ErrUnexpectedEOF.Error())

	h.clock.Add(2*time.Second - time.Millisecond)
	assert.Never(t, func() bool { return h.dials() > 1 }, 50*time.Millisecond, tick)

	h.clock.Add(time.Millisecond)
	h.waitDials(2)
	h.waitStatus(sub, registry.StatusConnected)
	assert.Equal(t, 0, sub.ReconnectAttempts())
	assert.True(t, h.reg.IsConnected())
}

func TestSubscription_ServerRejectionIsRetried(t *testing.T) {
	h := newHarness(t, testConfig(), "tok")
	sub := h.connected(9)

	h.conn(0).closeWith(ws.CloseInvalidToken, "invalid token")

	h.waitAttempts(sub, 1)
	require.Error(t, sub.LastError())
	assert.Contains(t, sub.LastError().Error(), "invalid access token")
	assert.Equal(t, 0, h.rec.errorCount(io.ErrUnexpectedEOF))
}

func TestSubscription_LinearBackoffUntilBudgetExhausted(t *testing.T) {
	h := newHarness(t, testConfig(), "tok")
	h.setDialErr(errors.New("connection refused"))

	sub := h.connect(11)
	h.waitDials(1)

	for attempt := 1; attempt <= 5; attempt++ {
		h.waitAttempts(sub, attempt)
		assert.ErrorIs(t, sub.LastError(), ErrTransportOpenFailed)

		delay := time.Duration(attempt) * 2 * time.Second
		h.clock.Add(delay - time.Millisecond)
		assert.Never(t, func() bool { return h.dials() > attempt }, 30*time.Millisecond, tick)
		h.clock.Add(time.Millisecond)
		h.waitDials(attempt + 1)
	}

	require.Eventually(t, func() bool {
		return h.rec.errorCount(ErrReconnectBudgetExhausted) == 1
	}, waitFor, tick)
	assert.Equal(t, registry.StatusError, sub.Status())
	assert.Equal(t, 5, sub.ReconnectAttempts())
	assert.ErrorIs(t, sub.LastError(), ErrReconnectBudgetExhausted)
	assert.Equal(t, 6, h.rec.errorCount(ErrTransportOpenFailed))
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 6 * time.Second, 8 * time.Second, 10 * time.Second,
	}, h.metrics.delays())
	assert.False(t, h.reg.CanReconnect())

	h.clock.Add(time.Hour)
	assert.Never(t, func() bool { return h.dials() > 6 }, 100*time.Millisecond, tick)

	// an explicit connect starts over with a fresh budget
	assert.Equal(t, 6, h.reg.Snapshot().ReconnectAttempts)
	require.NoError(t, sub.Connect())
	h.waitAttempts(sub, 1)
	assert.Equal(t, 1, h.reg.Snapshot().ReconnectAttempts, "registry counter restarts too")
	assert.True(t, h.reg.CanReconnect())

	h.setDialErr(nil)
	h.clock.Add(2 * time.Second)
	h.waitStatus(sub, registry.StatusConnected)
	assert.Equal(t, 0, sub.ReconnectAttempts())
	assert.True(t, h.reg.IsConnected())
}

func TestSubscription_DisconnectCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, testConfig(), "tok")
	sub := h.connected(8)

	h.conn(0).drop()
	h.waitAttempts(sub, 1)

	sub.Disconnect()
	assert.Equal(t, registry.StatusDisconnected, sub.Status())
	assert.Nil(t, sub.LastError())

	h.clock.Add(10 * time.Second)
	assert.Never(t, func() bool { return h.dials() > 1 }, 100*time.Millisecond, tick)
	assert.Len(t, h.rec.closeEvents(), 1, "disconnect without a live handle reports no close")
}

func TestSubscription_DisconnectClosesWithNormalCode(t *testing.T) {
	h := newHarness(t, testConfig(), "tok")
	sub := h.connected(8)
	c := h.conn(0)

	sub.Disconnect()
	sub.Disconnect()

	assert.Equal(t, registry.StatusDisconnected, sub.Status())
	assert.True(t, c.isClosed())
	assert.Equal(t, websocket.CloseNormalClosure, c.closedWith())
	assert.Equal(t, []CloseEvent{{Code: 1000, Reason: "client disconnect"}}, h.rec.closeEvents())
	assert.False(t, h.reg.HasBot(8))
	assert.Equal(t, registry.StatusDisconnected, h.reg.Snapshot().Status)

	// the subscription can be reused
	require.NoError(t, sub.Connect())
	h.waitStatus(sub, registry.StatusConnected)
	h.waitDials(2)
}

func TestSubscription_StaleDialResultIsDiscarded(t *testing.T) {
	h := newHarness(t, testConfig(), "tok")
	release := make(chan struct{})
	h.dialHook = func() { <-release }

	sub := h.connect(6)
	h.waitDials(1)
	sub.Disconnect()
	close(release)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.conns) == 1 && h.conns[0].isClosed()
	}, waitFor, tick)
	assert.Equal(t, registry.StatusDisconnected, sub.Status())
	assert.Empty(t, h.rec.closeEvents())
	assert.False(t, h.reg.HasBot(6))
}

func TestSubscription_Heartbeat(t *testing.T) {
	h := newHarness(t, testConfig(), "tok")
	sub := h.connected(1)
	c := h.conn(0)

	h.clock.Add(30 * time.Second)
	require.Eventually(t, func() bool { return c.pings() == 1 }, waitFor, tick)

	c.deliver(`{"type":"pong"}`)
	require.Eventually(t, func() bool { return h.metrics.receivedCount("pong") == 1 }, waitFor, tick)

	h.clock.Add(30 * time.Second)
	require.Eventually(t, func() bool { return c.pings() == 2 }, waitFor, tick)
	assert.Equal(t, registry.StatusConnected, sub.Status())

	// the second ping is only 30s old, so another ping goes out
	h.clock.Add(30 * time.Second)
	require.Eventually(t, func() bool { return c.pings() == 3 }, waitFor, tick)
	assert.Equal(t, registry.StatusConnected, sub.Status())

	// the second ping is now a full pong timeout old
	h.clock.Add(30 * time.Second)
	h.waitAttempts(sub, 1)
	assert.True(t, c.isClosed())
	assert.Equal(t, websocket.CloseGoingAway, c.closedWith())
	assert.Equal(t, 1, h.rec.errorCount(ErrPongTimeout))
	assert.Equal(t, []CloseEvent{{Code: 1006, Reason: "pong timeout"}}, h.rec.closeEvents())

	h.clock.Add(2 * time.Second)
	h.waitDials(2)
	h.waitStatus(sub, registry.StatusConnected)
}

func TestSubscription_HeartbeatIntervalEqualToPongTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 60 * time.Second
	cfg.PongTimeout = 60 * time.Second
	h := newHarness(t, cfg, "tok")
	sub := h.connected(4)
	c := h.conn(0)

	// the first tick has no outstanding ping to time out
	h.clock.Add(60 * time.Second)
	require.Eventually(t, func() bool { return c.pings() == 1 }, waitFor, tick)
	assert.Equal(t, registry.StatusConnected, sub.Status())
	assert.False(t, c.isClosed())

	c.deliver(`{"type":"pong"}`)
	require.Eventually(t, func() bool { return h.metrics.receivedCount("pong") == 1 }, waitFor, tick)

	h.clock.Add(60 * time.Second)
	require.Eventually(t, func() bool { return c.pings() == 2 }, waitFor, tick)
	assert.Equal(t, registry.StatusConnected, sub.Status())
	assert.Zero(t, h.rec.errorCount(ErrPongTimeout))

	// the second ping went unanswered for a full timeout
	h.clock.Add(60 * time.Second)
	h.waitAttempts(sub, 1)
	assert.Equal(t, 2, c.pings())
	assert.Equal(t, 1, h.rec.errorCount(ErrPongTimeout))
	assert.Equal(t, websocket.CloseGoingAway, c.closedWith())
}

func TestSubscription_HeartbeatWithoutPongTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.PongTimeout = NoPongTimeout
	h := newHarness(t, cfg, "tok")
	sub := h.connected(1)
	c := h.conn(0)

	for i := 1; i <= 4; i++ {
		h.clock.Add(30 * time.Second)
		require.Eventually(t, func() bool { return c.pings() == i }, waitFor, tick)
	}
	assert.Equal(t, registry.StatusConnected, sub.Status())
}

func TestSubscription_HeartbeatStopsOnDisconnect(t *testing.T) {
	h := newHarness(t, testConfig(), "tok")
	sub := h.connected(1)
	c := h.conn(0)

	sub.Disconnect()
	h.clock.Add(5 * time.Minute)
	assert.Never(t, func() bool { return c.pings() > 0 }, 100*time.Millisecond, tick)
}

func TestSubscription_SendMessage(t *testing.T) {
	h := newHarness(t, testConfig(), "tok")
	sub, err := h.mgr.Subscribe(12, Handlers{})
	require.NoError(t, err)

	assert.ErrorIs(t, sub.SendMessage(`{"type":"ping"}`), ErrNotConnected)
	assert.Equal(t, 1, h.metrics.droppedCount("not_connected"))

	require.NoError(t, sub.Connect())
	h.waitStatus(sub, registry.StatusConnected)

	require.NoError(t, sub.SendMessage([]byte(`{"type":"ping"}`)))
	require.NoError(t, sub.SendMessage(map[string]int{"bot_id": 12}))
	require.NoError(t, sub.SendMessage("hello"))
	assert.Equal(t, []string{`{"type":"ping"}`, `{"bot_id":12}`, `"hello"`}, h.conn(0).writes())

	assert.Error(t, sub.SendMessage(func() {}), "unencodable payload")
}

func TestSubscription_CloseIsFinal(t *testing.T) {
	h := newHarness(t, testConfig(), "tok")
	sub := h.connected(1)

	sub.Close()
	sub.Close()

	assert.ErrorIs(t, sub.Connect(), ErrManagerClosed)
	assert.Equal(t, registry.StatusDisconnected, sub.Status())
	assert.True(t, h.conn(0).isClosed())
	assert.True(t, strings.Contains(h.rec.closeEvents()[0].Reason, "teardown"))
}
