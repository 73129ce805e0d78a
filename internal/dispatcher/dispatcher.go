package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alejoacosta74/botstream/internal/common"
	"github.com/alejoacosta74/botstream/internal/events"
	"github.com/alejoacosta74/botstream/pkg/botstream"
	"github.com/sirupsen/logrus"
)

var (
	// ErrDecodeFailed marks a frame that is not a valid message envelope
	ErrDecodeFailed = errors.New("decode failed")
	// ErrUnknownMessageType marks a well formed frame of a type the client does not route
	ErrUnknownMessageType = errors.New("unknown message type")
)

// MessageHandler defines the interface that all message handlers must implement.
type MessageHandler interface {
	Handle(ctx context.Context, frame botstream.Frame) error
}

// HandlerFunc adapts a plain function to MessageHandler
type HandlerFunc func(ctx context.Context, frame botstream.Frame) error

func (f HandlerFunc) Handle(ctx context.Context, frame botstream.Frame) error {
	return f(ctx, frame)
}

// Event is a dispatched inbound message, published on the event bus topic
// named after its type.
type Event struct {
	BotID     int
	Type      common.MessageType
	Timestamp time.Time
	Data      json.RawMessage
}

// Dispatcher routes decoded frames of one bot to the handler registered for
// their type. It keeps no per-frame state, so Dispatch may be called from
// the subscription's event loop directly.
type Dispatcher struct {
	botID int

	// Map of message types to their handlers
	handlers map[common.MessageType]MessageHandler

	// Event bus for publishing events to interested subscribers, may be nil
	eventBus events.Bus[Event]

	logger *logrus.Entry

	// Mutex for thread-safe access to the handlers map
	handlerMutex sync.RWMutex
}

// DispatcherConfig holds the dispatcher collaborators
type DispatcherConfig struct {
	BotID    int
	EventBus events.Bus[Event]
	Logger   *logrus.Entry
}

// NewDispatcher creates and initializes a new message dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		botID:    cfg.BotID,
		handlers: make(map[common.MessageType]MessageHandler),
		eventBus: cfg.EventBus,
		logger:   log.WithField("component", "dispatcher"),
	}
}

// RegisterHandler registers a handler for a specific message type.
// Registering a nil handler removes the slot.
func (d *Dispatcher) RegisterHandler(msgType common.MessageType, handler MessageHandler) {
	d.handlerMutex.Lock()
	defer d.handlerMutex.Unlock()
	if handler == nil {
		delete(d.handlers, msgType)
		return
	}
	d.handlers[msgType] = handler
}

// Dispatch decodes msg and routes it to at most one handler.
//
// Pong frames are consumed and reach neither a handler nor the bus. Frames
// that fail to decode return ErrDecodeFailed, frames of an unknown type
// return ErrUnknownMessageType; both are meant to be logged and dropped by
// the caller. A known type without a registered handler is still published.
func (d *Dispatcher) Dispatch(ctx context.Context, msg []byte) (common.MessageType, error) {
	var frame botstream.Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if frame.Type == "" {
		return "", fmt.Errorf("%w: missing type field", ErrDecodeFailed)
	}

	msgType := common.MessageType(frame.Type)
	if msgType == common.TypePong {
		d.logger.Trace("Pong received")
		return msgType, nil
	}
	if !msgType.Known() {
		return msgType, fmt.Errorf("%w: %q", ErrUnknownMessageType, frame.Type)
	}

	d.handlerMutex.RLock()
	handler, exists := d.handlers[msgType]
	d.handlerMutex.RUnlock()

	if exists {
		if err := handler.Handle(ctx, frame); err != nil {
			return msgType, fmt.Errorf("handler error for message type %s: %w", msgType, err)
		}
	}

	if d.eventBus != nil {
		ts, _ := frame.Time()
		d.eventBus.Publish(msgType.Topic(), Event{
			BotID:     d.botID,
			Type:      msgType,
			Timestamp: ts,
			Data:      frame.Data,
		})
	}

	return msgType, nil
}
