// Package kafkautil wraps kafka-go with typed JSON producers and consumers.
package kafkautil

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// Config identifies one topic on one broker set.
type Config struct {
	Brokers []string `yaml:"brokers" validate:"required,min=1"`
	Topic   string   `yaml:"topic" validate:"required"`
	GroupID string   `yaml:"groupId"`
}

// Consumer reads JSON-encoded messages of type T.
type Consumer[T any] struct {
	reader *kafka.Reader
}

func NewConsumer[T any](cfg Config) *Consumer[T] {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	})
	return &Consumer[T]{reader: r}
}

// Read fetches, decodes and commits one message. The commit happens only
// after a successful decode.
func (c *Consumer[T]) Read(ctx context.Context) (T, error) {
	var zero T

	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return zero, err
	}

	var payload T
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		return zero, fmt.Errorf("decode message from %s: %w", c.reader.Config().Topic, err)
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return zero, err
	}

	return payload, nil
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}

// messageWriter is the slice of kafka.Writer the producer needs; tests
// substitute a recording fake.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes JSON-encoded messages of type T.
type Producer[T any] struct {
	writer messageWriter
}

func NewProducer[T any](cfg Config) *Producer[T] {
	return &Producer[T]{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.LeastBytes{},
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
	}
}

// Write publishes one message. Key may be empty; a non-empty key keeps
// messages for the same device on the same partition.
func (p *Producer[T]) Write(ctx context.Context, key string, payload T) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	msg := kafka.Message{Value: value}
	if key != "" {
		msg.Key = []byte(key)
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *Producer[T]) Close() error {
	return p.writer.Close()
}
