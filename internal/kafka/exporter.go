// Package kafka exports connection status changes to a Kafka topic. Exports
// are best effort: a failed send is logged and counted, never retried, and
// never blocks the status registry.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alejoacosta74/botstream/internal/circuitbreaker"
	"github.com/alejoacosta74/botstream/internal/common"
	"github.com/alejoacosta74/botstream/internal/events"
	"github.com/alejoacosta74/botstream/internal/registry"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTopic       = "botstream.connection_status"
	DefaultSendTimeout = 5 * time.Second

	statusKey = "connection_status"
)

var ErrNoProducer = errors.New("kafka producer is required")

// StatusMessage is the JSON document written for every registry change
type StatusMessage struct {
	Status               registry.Status `json:"status"`
	StatusText           string          `json:"status_text"`
	Error                string          `json:"error,omitempty"`
	LastConnectedAt      *time.Time      `json:"last_connected_at,omitempty"`
	ReconnectAttempts    int             `json:"reconnect_attempts"`
	MaxReconnectAttempts int             `json:"max_reconnect_attempts"`
	ConnectedBotIDs      []int           `json:"connected_bot_ids"`
	EmittedAt            time.Time       `json:"emitted_at"`
}

func newStatusMessage(rec registry.Record, now time.Time) StatusMessage {
	msg := StatusMessage{
		Status:               rec.Status,
		StatusText:           rec.StatusText(),
		Error:                rec.Error,
		ReconnectAttempts:    rec.ReconnectAttempts,
		MaxReconnectAttempts: rec.MaxReconnectAttempts,
		ConnectedBotIDs:      rec.ConnectedBotIDs,
		EmittedAt:            now.UTC(),
	}
	if msg.ConnectedBotIDs == nil {
		msg.ConnectedBotIDs = []int{}
	}
	if !rec.LastConnectedAt.IsZero() {
		t := rec.LastConnectedAt.UTC()
		msg.LastConnectedAt = &t
	}
	return msg
}

type ExporterConfig struct {
	Topic       string
	SendTimeout time.Duration
	Producer    KafkaProducer
	StatusBus   events.Bus[registry.Record]
	Recorder    Recorder
	// Breaker skips exports while the cluster keeps failing. Optional.
	Breaker *circuitbreaker.CircuitBreaker
}

// StatusExporter forwards registry records from the status bus to Kafka
type StatusExporter struct {
	topic       string
	sendTimeout time.Duration
	producer    KafkaProducer
	bus         events.Bus[registry.Record]
	recorder    Recorder
	breaker     *circuitbreaker.CircuitBreaker
	logger      *logrus.Entry
	done        chan struct{}
}

func NewStatusExporter(cfg ExporterConfig) (*StatusExporter, error) {
	if cfg.Producer == nil {
		return nil, ErrNoProducer
	}
	if cfg.StatusBus == nil {
		return nil, fmt.Errorf("status bus is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	return &StatusExporter{
		topic:       cfg.Topic,
		sendTimeout: cfg.SendTimeout,
		producer:    cfg.Producer,
		bus:         cfg.StatusBus,
		recorder:    cfg.Recorder,
		breaker:     cfg.Breaker,
		logger:      logrus.WithField("component", "kafka_status_exporter"),
		done:        make(chan struct{}),
	}, nil
}

// Start subscribes to the status bus and exports until ctx is done. The
// producer is closed on exit.
func (e *StatusExporter) Start(ctx context.Context) error {
	ch := e.bus.Subscribe(common.TopicConnectionStatus)
	e.logger.WithField("topic", e.topic).Info("Exporting connection status to Kafka")
	go e.run(ctx, ch)
	return nil
}

func (e *StatusExporter) run(ctx context.Context, ch <-chan registry.Record) {
	defer close(e.done)
	defer func() {
		e.bus.Unsubscribe(common.TopicConnectionStatus, ch)
		if err := e.producer.Close(); err != nil {
			e.logger.WithError(err).Warn("Failed to close Kafka producer")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			e.logger.Debug("Context cancelled, stopping status exporter")
			return
		case rec, ok := <-ch:
			if !ok {
				e.logger.Warn("Status channel closed")
				return
			}
			if err := e.Export(ctx, rec); err != nil {
				e.logger.WithError(err).Warn("Dropping status export")
			}
		}
	}
}

// Export sends one record synchronously.
func (e *StatusExporter) Export(ctx context.Context, rec registry.Record) error {
	start := time.Now()
	payload, err := json.Marshal(newStatusMessage(rec, start))
	if err != nil {
		e.recorder.RecordKafkaError("marshal_failed")
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	send := func() error {
		sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
		defer cancel()
		return e.producer.Send(sendCtx, Message{
			Topic:   e.topic,
			Key:     statusKey,
			Payload: payload,
			Headers: map[string]string{"content-type": "application/json"},
		})
	}
	if e.breaker != nil {
		err = e.breaker.Execute(send)
	} else {
		err = send()
	}
	if err != nil {
		reason := "send_failed"
		switch {
		case errors.Is(err, circuitbreaker.ErrOpen):
			reason = "circuit_open"
		case errors.Is(err, context.DeadlineExceeded):
			reason = "timeout"
		}
		e.recorder.RecordKafkaError(reason)
		return fmt.Errorf("failed to send status: %w", err)
	}

	e.recorder.RecordKafkaMessageSent(e.topic, time.Since(start))
	e.logger.WithField("status", rec.Status).Trace("Status exported")
	return nil
}

func (e *StatusExporter) Done() <-chan struct{} {
	return e.done
}
