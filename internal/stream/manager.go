// Package stream keeps one real-time channel per trading bot alive: it opens
// the WebSocket, reconnects with a linear backoff, sends heartbeats and
// routes pushed messages to typed handler slots and the event bus.
package stream

import (
	"sort"
	"sync"

	"github.com/alejoacosta74/botstream/internal/events"
	"github.com/alejoacosta74/botstream/internal/registry"
	"github.com/alejoacosta74/botstream/internal/session"
	"github.com/alejoacosta74/botstream/internal/ws"
	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Manager owns the subscriptions of all bots
type Manager struct {
	cfg      Config
	session  session.Provider
	registry *registry.Registry
	dialer   ws.Dialer
	clock    clock.Clock
	bus      events.Bus[Event]
	metrics  Metrics
	logger   *logrus.Entry

	mu     sync.Mutex
	subs   map[int]*Subscription
	closed bool
}

// Option configures a Manager
type Option func(*Manager)

// WithDialer replaces the gorilla dialer built from Config.
func WithDialer(d ws.Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithClock replaces the clock driving heartbeat and reconnect timers.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithEventBus publishes every dispatched message as an Event.
func WithEventBus(bus events.Bus[Event]) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

func WithLogger(l *logrus.Entry) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a manager. reg receives the lifecycle transitions of
// every subscription; a nil reg gets a private registry.
func NewManager(cfg Config, provider session.Provider, reg *registry.Registry, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:      cfg,
		session:  provider,
		registry: reg,
		clock:    clock.New(),
		metrics:  nopMetrics{},
		logger:   logrus.NewEntry(logrus.StandardLogger()),
		subs:     make(map[int]*Subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithField("component", "stream_manager")
	if m.registry == nil {
		m.registry = registry.New(registry.WithMaxReconnectAttempts(cfg.MaxReconnectAttempts))
	}
	if m.dialer == nil {
		m.dialer = ws.NewDialer(ws.DialerConfig{
			HandshakeTimeout: cfg.HandshakeTimeout,
			WriteTimeout:     cfg.WriteTimeout,
		})
	}
	if m.session == nil {
		m.session = session.NewStaticProvider("")
	}
	return m
}

// Registry returns the status registry the manager reports into.
func (m *Manager) Registry() *registry.Registry { return m.registry }

// Subscribe returns the subscription of botID, creating it with h on first
// use. Handlers of an existing subscription are left untouched.
func (m *Manager) Subscribe(botID int, h Handlers) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if sub, ok := m.subs[botID]; ok {
		return sub, nil
	}
	sub := newSubscription(botID, h, m)
	m.subs[botID] = sub
	m.logger.WithField("bot_id", botID).Debug("Subscription created")
	return sub, nil
}

// Connect subscribes botID and starts connecting it.
func (m *Manager) Connect(botID int, h Handlers) (*Subscription, error) {
	sub, err := m.Subscribe(botID, h)
	if err != nil {
		return nil, err
	}
	return sub, sub.Connect()
}

// Disconnect closes the channel of botID and destroys its subscription.
func (m *Manager) Disconnect(botID int) {
	m.mu.Lock()
	sub, ok := m.subs[botID]
	delete(m.subs, botID)
	m.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// SendMessage writes payload to the channel of botID.
func (m *Manager) SendMessage(botID int, payload interface{}) error {
	sub, ok := m.Subscription(botID)
	if !ok {
		m.logger.WithField("bot_id", botID).Warn("Dropping outbound message, no subscription")
		return ErrNotConnected
	}
	return sub.SendMessage(payload)
}

// SetMaxReconnectAttempts changes the reconnect budget of every current and
// future subscription. Attempts already consumed count against the new
// limit. A non-positive n restores the default.
func (m *Manager) SetMaxReconnectAttempts(n int) {
	if n <= 0 {
		n = DefaultMaxAttempts
	}

	m.mu.Lock()
	m.cfg.MaxReconnectAttempts = n
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.budget.SetMax(n)
	}
	m.registry.SetMaxReconnectAttempts(n)
	m.logger.WithField("max_reconnect_attempts", n).Info("Reconnect budget changed")
}

// Subscription looks up the subscription of botID.
func (m *Manager) Subscription(botID int) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[botID]
	return sub, ok
}

// BotIDs returns the subscribed bot ids in ascending order.
func (m *Manager) BotIDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Close tears down every subscription and clears the registry.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[int]*Subscription)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			s.Close()
		}(sub)
	}
	wg.Wait()

	m.registry.ClearAll()
	m.logger.Info("Connection manager closed")
}
