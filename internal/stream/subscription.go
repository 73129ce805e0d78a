package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alejoacosta74/botstream/internal/common"
	"github.com/alejoacosta74/botstream/internal/dispatcher"
	"github.com/alejoacosta74/botstream/internal/registry"
	"github.com/alejoacosta74/botstream/internal/retry"
	"github.com/alejoacosta74/botstream/internal/session"
	"github.com/alejoacosta74/botstream/internal/ws"
	"github.com/alejoacosta74/botstream/pkg/botstream"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Events posted to the subscription loop. Transport and timer events carry
// the generation of the handle they belong to; the loop drops any event
// whose generation is no longer current.
type (
	connectCmd struct {
		reply chan error
	}
	disconnectCmd struct {
		reply chan struct{}
	}
	dialResult struct {
		gen  uint64
		conn ws.Conn
		err  error
	}
	frameEvent struct {
		gen  uint64
		data []byte
	}
	transportError struct {
		gen uint64
		err error
	}
	closeEvent struct {
		gen  uint64
		info ws.CloseInfo
	}
	heartbeatTick struct {
		gen uint64
	}
	reconnectTick struct {
		gen uint64
	}
)

const eventQueueSize = 64

// Subscription keeps the channel of one bot alive. All lifecycle work runs
// on a single goroutine, so no two handlers of the same bot ever overlap.
type Subscription struct {
	botID      int
	cfg        Config
	handlers   Handlers
	session    session.Provider
	registry   *registry.Registry
	dialer     ws.Dialer
	clock      clock.Clock
	metrics    Metrics
	dispatcher *dispatcher.Dispatcher
	budget     *retry.Budget
	logger     *logrus.Entry

	events    chan interface{}
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the loop goroutine
	gen          uint64
	cancelDial   context.CancelFunc
	heartbeat    *clock.Timer
	reconnect    *clock.Timer
	pingSentAt   time.Time // oldest unanswered ping, zero when none is pending
	transportErr error     // failure reported just before the pending close
	connLog      *logrus.Entry

	// Written by the loop under mu, read by callers
	mu       sync.RWMutex
	conn     ws.Conn
	connID   string
	status   registry.Status
	lastErr  error
	attempts int
}

func newSubscription(botID int, h Handlers, m *Manager) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	logger := m.logger.WithFields(logrus.Fields{
		"component": "subscription",
		"bot_id":    botID,
	})

	s := &Subscription{
		botID:    botID,
		cfg:      m.cfg,
		handlers: h,
		session:  m.session,
		registry: m.registry,
		dialer:   m.dialer,
		clock:    m.clock,
		metrics:  m.metrics,
		budget:   retry.NewBudget(m.cfg.MaxReconnectAttempts, m.cfg.BaseDelay),
		logger:   logger,
		events:   make(chan interface{}, eventQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		status:   registry.StatusDisconnected,
		connLog:  logger,
	}

	s.dispatcher = dispatcher.NewDispatcher(dispatcher.DispatcherConfig{
		BotID:    botID,
		EventBus: m.bus,
		Logger:   logger,
	})
	s.registerSlot(common.TypeConnectionEstablished, h.OnConnectionEstablished)
	s.registerSlot(common.TypeSpreadUpdate, h.OnSpreadUpdate)
	s.registerSlot(common.TypeOrderUpdate, h.OnOrderUpdate)
	s.registerSlot(common.TypePositionUpdate, h.OnPositionUpdate)
	s.registerSlot(common.TypeStatusUpdate, h.OnStatusUpdate)

	go s.run()
	return s
}

func (s *Subscription) registerSlot(msgType common.MessageType, slot func(json.RawMessage)) {
	if slot == nil {
		return
	}
	s.dispatcher.RegisterHandler(msgType, dispatcher.HandlerFunc(
		func(_ context.Context, frame botstream.Frame) error {
			slot(frame.Data)
			return nil
		}))
}

// BotID returns the bot this subscription streams.
func (s *Subscription) BotID() int { return s.botID }

// Status returns the current lifecycle status.
func (s *Subscription) Status() registry.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// ReconnectAttempts returns the consecutive failed attempts since the last
// successful connection or explicit Connect.
func (s *Subscription) ReconnectAttempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

// LastError returns the most recent failure, nil while healthy.
func (s *Subscription) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ConnID returns the id of the live connection, empty when there is none.
func (s *Subscription) ConnID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connID
}

// Done is closed once the subscription has been torn down.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Connect starts opening the channel and returns without waiting for the
// handshake. It is a no-op while connecting or connected. A missing token
// fails immediately with ErrMissingCredential.
func (s *Subscription) Connect() error {
	reply := make(chan error, 1)
	if !s.post(connectCmd{reply: reply}) {
		return ErrManagerClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrManagerClosed
	}
}

// Disconnect closes the channel with code 1000 and cancels any pending
// reconnect. The subscription can be connected again afterwards.
func (s *Subscription) Disconnect() {
	reply := make(chan struct{})
	if !s.post(disconnectCmd{reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-s.done:
	}
}

// SendMessage writes payload to the live connection. []byte and
// json.RawMessage payloads are sent as is, anything else, strings included,
// is JSON encoded. Outside
// the Connected state the payload is dropped and ErrNotConnected returned.
func (s *Subscription) SendMessage(payload interface{}) error {
	data, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	s.mu.RLock()
	conn, status := s.conn, s.status
	s.mu.RUnlock()

	if status != registry.StatusConnected || conn == nil {
		s.logger.WithField("status", status).Warn("Dropping outbound message, not connected")
		s.metrics.MessageDropped(s.botID, "not_connected")
		return ErrNotConnected
	}
	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("send to bot %d: %w", s.botID, err)
	}
	return nil
}

// Close disconnects and stops the event loop. It is idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(s.cancel)
	<-s.done
}

func encodePayload(payload interface{}) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}

// post hands ev to the loop. It returns false once the loop has exited.
func (s *Subscription) post(ev interface{}) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Subscription) run() {
	defer close(s.done)
	s.logger.Debug("Subscription loop started")

	for {
		select {
		case <-s.ctx.Done():
			s.disconnect("client teardown")
			s.logger.Debug("Subscription loop stopped")
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Subscription) handle(ev interface{}) {
	switch ev := ev.(type) {
	case connectCmd:
		ev.reply <- s.handleConnect()
	case disconnectCmd:
		s.disconnect("client disconnect")
		close(ev.reply)
	case dialResult:
		s.handleDialResult(ev)
	case frameEvent:
		if ev.gen == s.gen {
			s.handleFrame(ev.data)
		}
	case transportError:
		if ev.gen == s.gen {
			s.handleTransportError(ev.err)
		}
	case closeEvent:
		if ev.gen == s.gen {
			s.handleClose(ev.info, ws.CloseNormalClosure, "")
		}
	case heartbeatTick:
		if ev.gen == s.gen {
			s.handleHeartbeat()
		}
	case reconnectTick:
		if ev.gen == s.gen {
			s.reconnect = nil
			s.logger.WithField("attempt", s.budget.Attempts()).Info("Reconnecting")
			_ = s.open()
		}
	default:
		s.logger.Errorf("Unexpected loop event %T", ev)
	}
}

func (s *Subscription) handleConnect() error {
	if s.status == registry.StatusConnecting || s.status == registry.StatusConnected {
		return nil
	}
	s.stopReconnect()
	s.budget.Reset()
	s.registry.ResetReconnectAttempts()
	return s.open()
}

// open starts an asynchronous dial. Every open supersedes whatever the
// previous generation left behind.
func (s *Subscription) open() error {
	token, ok := s.session.CurrentAuthToken()
	if !ok || token == "" {
		s.logger.Warn("No auth token in session, not connecting")
		s.setState(registry.StatusError, ErrMissingCredential)
		s.notifyError(ErrMissingCredential)
		return ErrMissingCredential
	}

	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelDial = cancel

	url := ws.BuildURL(s.cfg.Host, s.cfg.Secure, s.botID, token)
	s.logger.WithField("url", ws.RedactURL(url)).Info("Connecting to bot channel")
	s.metrics.ConnectAttempt(s.botID)
	s.setState(registry.StatusConnecting, nil)

	go func() {
		conn, err := s.dialer.Dial(ctx, url)
		if !s.post(dialResult{gen: gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Close(ws.CloseGoingAway, "client teardown")
		}
	}()
	return nil
}

func (s *Subscription) handleDialResult(ev dialResult) {
	if ev.gen != s.gen {
		if ev.conn != nil {
			_ = ev.conn.Close(ws.CloseNormalClosure, "superseded")
		}
		return
	}
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}

	if ev.err != nil {
		err := fmt.Errorf("%w: %v", ErrTransportOpenFailed, ev.err)
		s.logger.WithError(ev.err).Error("Failed to open bot channel")
		s.notifyError(err)
		s.fail(err)
		return
	}

	s.attach(ev.conn, ev.gen)
}

// attach makes conn the live handle of generation gen.
func (s *Subscription) attach(conn ws.Conn, gen uint64) {
	connID := uuid.NewString()
	s.connLog = s.logger.WithField("conn_id", connID)
	s.pingSentAt = time.Time{}
	s.transportErr = nil
	s.budget.Reset()

	reader := ws.NewReader(conn,
		func(data []byte) { s.post(frameEvent{gen: gen, data: data}) },
		func(err error) { s.post(transportError{gen: gen, err: err}) },
		func(info ws.CloseInfo) { s.post(closeEvent{gen: gen, info: info}) },
	)
	go reader.Run()
	s.armHeartbeat(gen)

	s.mu.Lock()
	s.conn = conn
	s.connID = connID
	s.mu.Unlock()

	s.connLog.Info("Bot channel connected")
	s.setState(registry.StatusConnected, nil)
}

// release drops the live handle, closing it with code and reason.
func (s *Subscription) release(code int, reason string) ws.Conn {
	s.stopHeartbeat()
	s.gen++

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.connID = ""
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(code, reason)
	}
	return conn
}

func (s *Subscription) handleFrame(data []byte) {
	s.connLog.WithField("frame", string(data)).Trace("Frame received")

	msgType, err := s.dispatcher.Dispatch(s.ctx, data)
	switch {
	case errors.Is(err, ErrDecodeFailed):
		s.connLog.WithError(err).Warn("Dropping malformed frame")
		s.metrics.MessageDropped(s.botID, "decode_failed")
		s.notifyError(err)
	case errors.Is(err, ErrUnknownMessageType):
		s.connLog.WithField("type", msgType).Warn("Dropping frame of unknown type")
		s.metrics.MessageDropped(s.botID, "unknown_type")
	case err != nil:
		s.connLog.WithError(err).Error("Message handler failed")
	default:
		if msgType == common.TypePong {
			s.pingSentAt = time.Time{}
		}
		s.metrics.MessageReceived(s.botID, string(msgType))
	}
}

// handleTransportError records err in the status without retrying; the
// close event that follows drives the retry and carries err as its cause.
func (s *Subscription) handleTransportError(err error) {
	s.connLog.WithError(err).Warn("Transport error")
	s.transportErr = err
	s.registry.SetError(err.Error())

	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	s.notifyError(err)
}

// handleClose runs once per handle, whether the peer closed it, the
// transport failed or the heartbeat gave up on it.
func (s *Subscription) handleClose(info ws.CloseInfo, localCode int, localReason string) {
	transportErr := s.transportErr
	s.transportErr = nil
	s.release(localCode, localReason)
	s.connLog.WithFields(logrus.Fields{
		"code":   info.Code,
		"reason": info.Reason,
	}).Info("Bot channel closed")

	s.metrics.ConnectionClosed(s.botID, info.Code)
	s.notifyClose(CloseEvent{Code: info.Code, Reason: info.Reason})

	if info.Code == ws.CloseNormalClosure {
		s.setState(registry.StatusDisconnected, nil)
		return
	}
	if transportErr != nil {
		s.fail(fmt.Errorf("%s: %w", ws.DescribeClose(info), transportErr))
		return
	}
	s.fail(errors.New(ws.DescribeClose(info)))
}

// fail moves to Error and schedules the next attempt while budget is left.
func (s *Subscription) fail(cause error) {
	attempt, delay, ok := s.budget.Next(cause)
	if !ok {
		err := fmt.Errorf("%w after %d attempts: %v", ErrReconnectBudgetExhausted, s.budget.Max(), cause)
		s.logger.WithError(cause).Error("Giving up on bot channel")
		s.setState(registry.StatusError, err)
		s.notifyError(err)
		return
	}

	gen := s.gen
	s.stopReconnect()
	s.reconnect = s.clock.AfterFunc(delay, func() {
		s.post(reconnectTick{gen: gen})
	})
	s.metrics.ReconnectScheduled(s.botID, attempt, delay)
	s.logger.WithFields(logrus.Fields{
		"attempt": attempt,
		"max":     s.budget.Max(),
		"delay":   delay,
	}).Warn("Reconnect scheduled")

	s.setState(registry.StatusError, cause)
}

func (s *Subscription) handleHeartbeat() {
	if s.status != registry.StatusConnected || s.conn == nil {
		return
	}

	now := s.clock.Now()
	if s.cfg.PongTimeout > 0 && !s.pingSentAt.IsZero() && now.Sub(s.pingSentAt) >= s.cfg.PongTimeout {
		s.connLog.WithField("pong_timeout", s.cfg.PongTimeout).Warn("No pong from server, closing")
		s.notifyError(ErrPongTimeout)
		s.handleClose(ws.CloseInfo{
			Code:   ws.CloseAbnormalClosure,
			Reason: ErrPongTimeout.Error(),
		}, ws.CloseGoingAway, ErrPongTimeout.Error())
		return
	}

	s.armHeartbeat(s.gen)
	if err := s.conn.WriteMessage(botstream.NewPingFrame()); err != nil {
		s.connLog.WithError(err).Debug("Heartbeat write failed")
		return
	}
	if s.pingSentAt.IsZero() {
		s.pingSentAt = now
	}
	s.metrics.HeartbeatSent(s.botID)
}

func (s *Subscription) armHeartbeat(gen uint64) {
	s.stopHeartbeat()
	s.heartbeat = s.clock.AfterFunc(s.cfg.HeartbeatInterval, func() {
		s.post(heartbeatTick{gen: gen})
	})
}

func (s *Subscription) stopHeartbeat() {
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
}

func (s *Subscription) stopReconnect() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
}

func (s *Subscription) disconnect(reason string) {
	s.stopReconnect()
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}

	if conn := s.release(ws.CloseNormalClosure, reason); conn != nil {
		s.connLog.Info("Bot channel disconnected")
		s.metrics.ConnectionClosed(s.botID, ws.CloseNormalClosure)
		s.notifyClose(CloseEvent{Code: ws.CloseNormalClosure, Reason: reason})
	}

	if s.status != registry.StatusDisconnected {
		s.setState(registry.StatusDisconnected, nil)
	}
}

// setState publishes a transition to the registry, metrics and callers.
// The caller-visible fields change last.
func (s *Subscription) setState(status registry.Status, err error) {
	prev := s.status

	switch status {
	case registry.StatusConnecting:
		s.registry.SetStatus(registry.StatusConnecting, "")
	case registry.StatusConnected:
		s.registry.AddBot(s.botID)
		s.registry.SetStatus(registry.StatusConnected, "")
	case registry.StatusError:
		s.registry.RemoveBot(s.botID)
		s.registry.SetStatus(registry.StatusError, err.Error())
	case registry.StatusDisconnected:
		s.registry.RemoveBot(s.botID)
	}
	s.metrics.StatusChanged(s.botID, status)

	s.mu.Lock()
	s.status = status
	s.lastErr = err
	s.attempts = s.budget.Attempts()
	s.mu.Unlock()

	if prev != status {
		s.logger.WithFields(logrus.Fields{
			"from": prev,
			"to":   status,
		}).Debug("Subscription status changed")
	}
}

func (s *Subscription) notifyError(err error) {
	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}

func (s *Subscription) notifyClose(ev CloseEvent) {
	if s.handlers.OnClose != nil {
		s.handlers.OnClose(ev)
	}
}
