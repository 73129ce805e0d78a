package kafka

import (
	"context"
	"time"
)

// Message represents a message to be sent to Kafka
type Message struct {
	Topic   string
	Key     string
	Payload []byte
	Headers map[string]string
}

// KafkaProducer defines the interface for a single producer
type KafkaProducer interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Recorder receives export observations. *metrics.MetricsRecorder
// satisfies it.
type Recorder interface {
	RecordKafkaMessageSent(topic string, duration time.Duration)
	RecordKafkaError(reason string)
}

type nopRecorder struct{}

func (nopRecorder) RecordKafkaMessageSent(string, time.Duration) {}
func (nopRecorder) RecordKafkaError(string)                      {}
