package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
)

// saramaProducer implements KafkaProducer on top of a sarama.SyncProducer.
// Every Send waits for the broker acknowledgement or for ctx, whichever
// comes first.
type saramaProducer struct {
	producer sarama.SyncProducer
}

// NewSaramaConfig returns the producer configuration used for status
// exports: acknowledged by all replicas, 3 retries.
func NewSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "botstream"
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	return cfg
}

// NewProducer connects a synchronous producer to brokers.
func NewProducer(brokers []string) (KafkaProducer, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create Sarama producer: %w", err)
	}
	return &saramaProducer{producer: producer}, nil
}

// WrapSyncProducer adapts an existing sarama.SyncProducer.
func WrapSyncProducer(p sarama.SyncProducer) KafkaProducer {
	return &saramaProducer{producer: p}
}

func (p *saramaProducer) Send(ctx context.Context, msg Message) error {
	saramaMsg := &sarama.ProducerMessage{
		Topic: msg.Topic,
		Value: sarama.ByteEncoder(msg.Payload),
	}
	if msg.Key != "" {
		saramaMsg.Key = sarama.StringEncoder(msg.Key)
	}
	for k, v := range msg.Headers {
		saramaMsg.Headers = append(saramaMsg.Headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := p.producer.SendMessage(saramaMsg)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *saramaProducer) Close() error {
	return p.producer.Close()
}
