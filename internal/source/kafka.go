// Package source implements ingest.Source over Kafka, RabbitMQ and NDJSON
// files.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/mbd888/txfeatures/internal/config"
	"github.com/mbd888/txfeatures/internal/ingest"
)

const seekTimeoutMs = 5000

// kafkaConsumer is the subset of *kafka.Consumer the source uses.
type kafkaConsumer interface {
	Poll(timeoutMs int) kafka.Event
	CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error)
	Seek(partition kafka.TopicPartition, timeoutMs int) error
	Close() error
}

// Kafka consumes one topic with auto-commit disabled. Offsets are committed
// only through Ack.
type Kafka struct {
	consumer    kafkaConsumer
	pollTimeout time.Duration
	logger      *slog.Logger
}

// NewKafka connects a consumer group member and subscribes to cfg.Topic.
func NewKafka(cfg config.KafkaConfig, logger *slog.Logger) (*Kafka, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"group.id":           cfg.GroupID,
		"auto.offset.reset":  cfg.AutoOffsetReset,
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{cfg.Topic}, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", cfg.Topic, err)
	}
	logger.Info("kafka consumer subscribed",
		"brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)
	return newKafka(c, cfg.PollTimeout, logger), nil
}

func newKafka(c kafkaConsumer, pollTimeout time.Duration, logger *slog.Logger) *Kafka {
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	return &Kafka{consumer: c, pollTimeout: pollTimeout, logger: logger}
}

// Poll returns the next record, or nil when none arrived within the poll
// timeout. Non-fatal broker errors are logged and swallowed.
func (k *Kafka) Poll(ctx context.Context) (*ingest.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch e := k.consumer.Poll(int(k.pollTimeout.Milliseconds())).(type) {
	case nil:
		return nil, nil
	case *kafka.Message:
		if e.TopicPartition.Error != nil {
			return nil, fmt.Errorf("consume: %w", e.TopicPartition.Error)
		}
		return &ingest.Message{
			Body:      e.Value,
			Key:       string(e.Key),
			Partition: e.TopicPartition.Partition,
			Offset:    int64(e.TopicPartition.Offset),
			Handle:    e.TopicPartition,
		}, nil
	case kafka.Error:
		if e.IsFatal() {
			return nil, fmt.Errorf("kafka fatal error: %w", e)
		}
		k.logger.Warn("kafka error", "code", e.Code().String(), "error", e.Error())
		return nil, nil
	default:
		k.logger.Debug("ignored kafka event", "event", e.String())
		return nil, nil
	}
}

// Ack commits, per partition, the offset after the highest message in
// msgs.
func (k *Kafka) Ack(_ context.Context, msgs []*ingest.Message) error {
	offsets := commitOffsets(msgs)
	if len(offsets) == 0 {
		return nil
	}
	if _, err := k.consumer.CommitOffsets(offsets); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	return nil
}

// Reject with requeue seeks the partition back to msg so it is consumed
// again. Without requeue the message is left behind; the next commit past
// it skips it for good.
func (k *Kafka) Reject(_ context.Context, msg *ingest.Message, requeue bool) error {
	if !requeue {
		return nil
	}
	tp, ok := msg.Handle.(kafka.TopicPartition)
	if !ok {
		return errors.New("kafka: message was not produced by this source")
	}
	tp.Offset = kafka.Offset(msg.Offset)
	tp.Error = nil
	if err := k.consumer.Seek(tp, seekTimeoutMs); err != nil {
		return fmt.Errorf("seek partition %d to %d: %w", tp.Partition, msg.Offset, err)
	}
	return nil
}

// Close leaves the consumer group.
func (k *Kafka) Close() error {
	return k.consumer.Close()
}

func commitOffsets(msgs []*ingest.Message) []kafka.TopicPartition {
	type key struct {
		topic     string
		partition int32
	}
	highest := make(map[key]kafka.TopicPartition)
	var order []key
	for _, m := range msgs {
		tp, ok := m.Handle.(kafka.TopicPartition)
		if !ok || tp.Topic == nil {
			continue
		}
		k := key{*tp.Topic, tp.Partition}
		cur, seen := highest[k]
		if !seen {
			order = append(order, k)
		}
		if !seen || kafka.Offset(m.Offset) >= cur.Offset {
			highest[k] = kafka.TopicPartition{
				Topic:     tp.Topic,
				Partition: tp.Partition,
				Offset:    kafka.Offset(m.Offset),
			}
		}
	}

	out := make([]kafka.TopicPartition, 0, len(order))
	for _, k := range order {
		tp := highest[k]
		tp.Offset++
		out = append(out, tp)
	}
	return out
}
