// Package registry keeps the process-wide aggregate connection status of all
// bot subscriptions. It only holds values: subscriptions report lifecycle
// transitions into it and observers read snapshots or listen for changes on
// the event bus.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alejoacosta74/botstream/internal/common"
	"github.com/alejoacosta74/botstream/internal/events"
	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Status is the aggregate connection status
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// DefaultMaxReconnectAttempts is the retry budget shown by the registry
const DefaultMaxReconnectAttempts = 5

// Record is a value copy of the registry state
type Record struct {
	Status               Status    `json:"status"`
	Error                string    `json:"error,omitempty"`
	LastConnectedAt      time.Time `json:"last_connected_at,omitempty"`
	ReconnectAttempts    int       `json:"reconnect_attempts"`
	MaxReconnectAttempts int       `json:"max_reconnect_attempts"`
	ConnectedBotIDs      []int     `json:"connected_bot_ids"`
}

func (r Record) IsConnected() bool  { return r.Status == StatusConnected }
func (r Record) IsConnecting() bool { return r.Status == StatusConnecting }
func (r Record) HasError() bool     { return r.Status == StatusError }

// CanReconnect is true when disconnected, or in error with budget left.
func (r Record) CanReconnect() bool {
	return r.Status == StatusDisconnected ||
		(r.Status == StatusError && r.ReconnectAttempts < r.MaxReconnectAttempts)
}

// StatusText is the human readable status shown by the UI.
func (r Record) StatusText() string {
	switch r.Status {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting..."
	case StatusConnected:
		return "connected"
	case StatusError:
		return fmt.Sprintf("connection error (%d/%d)", r.ReconnectAttempts, r.MaxReconnectAttempts)
	default:
		return "unknown"
	}
}

// StatusColor is the hex color the UI paints the status with.
func (r Record) StatusColor() string {
	switch r.Status {
	case StatusConnecting:
		return "#E6A23C"
	case StatusConnected:
		return "#67C23A"
	case StatusError:
		return "#F56C6C"
	default:
		return "#909399"
	}
}

// Registry is the shared connection status record. All mutators are
// serialized behind one mutex.
type Registry struct {
	mu              sync.Mutex
	status          Status
	errText         string
	lastConnectedAt time.Time
	attempts        int
	maxAttempts     int
	bots            map[int]struct{}

	notifier events.Bus[Record]
	clock    clock.Clock
	logger   *logrus.Entry
}

// Option configures a Registry
type Option func(*Registry)

// WithMaxReconnectAttempts sets the retry budget reported by the registry.
func WithMaxReconnectAttempts(n int) Option {
	return func(r *Registry) {
		r.maxAttempts = n
	}
}

// WithNotifier publishes a snapshot on common.TopicConnectionStatus after
// every mutation.
func WithNotifier(bus events.Bus[Record]) Option {
	return func(r *Registry) {
		r.notifier = bus
	}
}

// WithClock replaces the wall clock used to stamp LastConnectedAt.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithLogger sets the base logger.
func WithLogger(l *logrus.Entry) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// New creates a registry in the disconnected state.
func New(opts ...Option) *Registry {
	r := &Registry{
		status:      StatusDisconnected,
		maxAttempts: DefaultMaxReconnectAttempts,
		bots:        make(map[int]struct{}),
		clock:       clock.New(),
		logger:      logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithField("component", "status_registry")
	return r
}

// SetStatus overwrites the status and error text. Connected stamps the
// connection time and resets the attempt counter; Error increments it.
func (r *Registry) SetStatus(status Status, errText string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setStatusLocked(status, errText)
	r.notifyLocked()
}

func (r *Registry) setStatusLocked(status Status, errText string) {
	r.status = status
	r.errText = errText

	switch status {
	case StatusConnected:
		r.lastConnectedAt = r.clock.Now()
		r.attempts = 0
	case StatusError:
		r.attempts++
	}

	r.logger.WithFields(logrus.Fields{
		"status":   status,
		"error":    errText,
		"attempts": r.attempts,
	}).Debug("Connection status changed")
}

// AddBot records botID as connected. Adding twice is a no-op.
func (r *Registry) AddBot(botID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bots[botID]; ok {
		return
	}
	r.bots[botID] = struct{}{}
	r.notifyLocked()
}

// RemoveBot forgets botID. Removing the last bot forces Disconnected.
func (r *Registry) RemoveBot(botID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bots, botID)
	if len(r.bots) == 0 {
		r.setStatusLocked(StatusDisconnected, "")
	}
	r.notifyLocked()
}

// ClearAll empties the bot set and forces Disconnected.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots = make(map[int]struct{})
	r.setStatusLocked(StatusDisconnected, "")
	r.notifyLocked()
}

// SetError records errText without changing the status or the attempt
// counter.
func (r *Registry) SetError(errText string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errText = errText
	r.logger.WithField("error", errText).Debug("Connection error recorded")
	r.notifyLocked()
}

// ResetReconnectAttempts zeroes the attempt counter, leaving the status as is.
func (r *Registry) ResetReconnectAttempts() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
	r.notifyLocked()
}

// SetMaxReconnectAttempts changes the limit CanReconnect checks against.
func (r *Registry) SetMaxReconnectAttempts(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxAttempts = n
	r.notifyLocked()
}

// Snapshot returns a copy of the current record.
func (r *Registry) Snapshot() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() Record {
	ids := make([]int, 0, len(r.bots))
	for id := range r.bots {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	return Record{
		Status:               r.status,
		Error:                r.errText,
		LastConnectedAt:      r.lastConnectedAt,
		ReconnectAttempts:    r.attempts,
		MaxReconnectAttempts: r.maxAttempts,
		ConnectedBotIDs:      ids,
	}
}

// notifyLocked publishes while the lock is held so observers see mutations
// in order. Publish never blocks.
func (r *Registry) notifyLocked() {
	if r.notifier == nil {
		return
	}
	r.notifier.Publish(common.TopicConnectionStatus, r.snapshotLocked())
}

func (r *Registry) IsConnected() bool  { return r.Snapshot().IsConnected() }
func (r *Registry) IsConnecting() bool { return r.Snapshot().IsConnecting() }
func (r *Registry) HasError() bool     { return r.Snapshot().HasError() }
func (r *Registry) CanReconnect() bool { return r.Snapshot().CanReconnect() }
func (r *Registry) StatusText() string { return r.Snapshot().StatusText() }

func (r *Registry) StatusColor() string { return r.Snapshot().StatusColor() }

// HasBot reports whether botID is in the connected set.
func (r *Registry) HasBot(botID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bots[botID]
	return ok
}
