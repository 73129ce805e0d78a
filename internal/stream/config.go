package stream

import (
	"encoding/json"
	"time"

	"github.com/alejoacosta74/botstream/internal/dispatcher"
	"github.com/alejoacosta74/botstream/internal/registry"
	"github.com/alejoacosta74/botstream/internal/retry"
)

// Default timings of a subscription
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultBaseDelay         = retry.DefaultBaseDelay
	DefaultMaxAttempts       = retry.DefaultMaxAttempts
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
)

// NoPongTimeout disables the pong timeout of Config
const NoPongTimeout time.Duration = -1

// Config holds the settings shared by all subscriptions of a manager
type Config struct {
	Host                 string        // host[:port] of the bot backend
	Secure               bool          // Use wss instead of ws
	HeartbeatInterval    time.Duration // Ping period while connected
	PongTimeout          time.Duration // Force close when a ping stays unanswered this long, 0 means 2*HeartbeatInterval, negative disables
	BaseDelay            time.Duration // Reconnect attempt n waits n*BaseDelay
	MaxReconnectAttempts int           // Consecutive failed attempts before giving up
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Host:                 "localhost:8000",
		HeartbeatInterval:    DefaultHeartbeatInterval,
		PongTimeout:          2 * DefaultHeartbeatInterval,
		BaseDelay:            DefaultBaseDelay,
		MaxReconnectAttempts: DefaultMaxAttempts,
		HandshakeTimeout:     DefaultHandshakeTimeout,
		WriteTimeout:         DefaultWriteTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	switch {
	case c.PongTimeout == 0:
		c.PongTimeout = 2 * c.HeartbeatInterval
	case c.PongTimeout < 0:
		c.PongTimeout = NoPongTimeout
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxAttempts
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// CloseEvent describes how a connection ended
type CloseEvent struct {
	Code   int
	Reason string
}

// Event is a dispatched inbound message as published on the event bus
type Event = dispatcher.Event

// Handlers are the optional callback slots of a subscription. Payload slots
// receive the data field of the frame verbatim.
//
// All slots run on the subscription's event loop. They may call SendMessage,
// but Connect, Disconnect and Close wait for the loop and must be called
// from another goroutine.
type Handlers struct {
	OnConnectionEstablished func(data json.RawMessage)
	OnSpreadUpdate          func(data json.RawMessage)
	OnOrderUpdate           func(data json.RawMessage)
	OnPositionUpdate        func(data json.RawMessage)
	OnStatusUpdate          func(data json.RawMessage)
	OnError                 func(err error)
	OnClose                 func(ev CloseEvent)
}

// Metrics receives lifecycle observations of every subscription
type Metrics interface {
	ConnectAttempt(botID int)
	StatusChanged(botID int, status registry.Status)
	ReconnectScheduled(botID int, attempt int, delay time.Duration)
	ConnectionClosed(botID int, code int)
	MessageReceived(botID int, msgType string)
	MessageDropped(botID int, reason string)
	HeartbeatSent(botID int)
}

type nopMetrics struct{}

func (nopMetrics) ConnectAttempt(int)                         {}
func (nopMetrics) StatusChanged(int, registry.Status)         {}
func (nopMetrics) ReconnectScheduled(int, int, time.Duration) {}
func (nopMetrics) ConnectionClosed(int, int)                  {}
func (nopMetrics) MessageReceived(int, string)                {}
func (nopMetrics) MessageDropped(int, string)                 {}
func (nopMetrics) HeartbeatSent(int)                          {}
