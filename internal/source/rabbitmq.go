package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mbd888/txfeatures/internal/config"
	"github.com/mbd888/txfeatures/internal/ingest"
)

const rabbitPollTimeout = time.Second

// RabbitMQ consumes a durable queue bound to a topic exchange with manual
// acknowledgments.
type RabbitMQ struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
	logger     *slog.Logger
}

// NewRabbitMQ declares the exchange and queue, binds them and starts a
// consumer limited to cfg.Prefetch unacknowledged deliveries.
func NewRabbitMQ(cfg config.RabbitMQConfig, logger *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	fail := func(what string, err error) (*RabbitMQ, error) {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to %s: %w", what, err)
	}

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		return fail("set prefetch", err)
	}
	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			return fail("declare exchange", err)
		}
	}
	q, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fail("declare queue", err)
	}
	if cfg.Exchange != "" {
		if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
			return fail("bind queue", err)
		}
	}
	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fail("register consumer", err)
	}

	logger.Info("rabbitmq consumer started",
		"exchange", cfg.Exchange, "queue", q.Name, "routing_key", cfg.RoutingKey, "prefetch", cfg.Prefetch)
	return &RabbitMQ{conn: conn, channel: ch, deliveries: deliveries, logger: logger}, nil
}

// Poll waits up to a second for the next delivery.
func (r *RabbitMQ) Poll(ctx context.Context) (*ingest.Message, error) {
	timer := time.NewTimer(rabbitPollTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d, ok := <-r.deliveries:
		if !ok {
			return nil, errors.New("rabbitmq: delivery channel closed")
		}
		return &ingest.Message{
			Body:   d.Body,
			Key:    d.RoutingKey,
			Offset: int64(d.DeliveryTag),
			Handle: d.DeliveryTag,
		}, nil
	}
}

// Ack acknowledges every outstanding delivery up to the highest tag in
// msgs. Rejected deliveries are already settled and are not affected.
func (r *RabbitMQ) Ack(_ context.Context, msgs []*ingest.Message) error {
	var highest uint64
	for _, m := range msgs {
		if tag, ok := m.Handle.(uint64); ok && tag > highest {
			highest = tag
		}
	}
	if highest == 0 {
		return nil
	}
	if err := r.channel.Ack(highest, true); err != nil {
		return fmt.Errorf("ack up to tag %d: %w", highest, err)
	}
	return nil
}

// Reject nacks one delivery, requeueing it when asked.
func (r *RabbitMQ) Reject(_ context.Context, msg *ingest.Message, requeue bool) error {
	tag, ok := msg.Handle.(uint64)
	if !ok {
		return errors.New("rabbitmq: message was not produced by this source")
	}
	if err := r.channel.Nack(tag, false, requeue); err != nil {
		return fmt.Errorf("nack tag %d: %w", tag, err)
	}
	return nil
}

// Close closes the channel and connection. Unacknowledged deliveries are
// returned to the queue by the broker.
func (r *RabbitMQ) Close() error {
	if err := r.channel.Close(); err != nil {
		r.logger.Warn("error closing channel", "error", err)
	}
	return r.conn.Close()
}
