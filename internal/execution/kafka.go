package execution

import (
	"context"
	"fmt"
	"time"

	"council/internal/config"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka 按 symbol 分区写入决策，保证同一交易对的决策有序。
type Kafka struct {
	writer messageWriter
	topic  string
}

func NewKafka(cfg config.KafkaConfig) *Kafka {
	return &Kafka{
		topic: cfg.Topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  3,
			WriteTimeout: 10 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Deliver(ctx context.Context, env Envelope) error {
	value, err := env.payload()
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(env.Symbol),
		Value: value,
		Time:  env.DecidedAt,
		Headers: []kafka.Header{
			{Key: "cycle_id", Value: []byte(env.CycleID)},
			{Key: "direction", Value: []byte(env.Decision.Direction)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", k.topic, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
