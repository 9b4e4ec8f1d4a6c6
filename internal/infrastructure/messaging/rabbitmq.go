package messaging

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"ledgersync/internal/domain/events"
)

var ErrPublishNacked = errors.New("message was nacked by broker")

// AMQPChannel is the part of *amqp.Channel the transport uses.
type AMQPChannel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

// RabbitTransport implements events.Transport on a topic exchange. When the
// channel is in confirm mode Send waits for the broker's ack.
type RabbitTransport struct {
	ch       AMQPChannel
	exchange string
	prefix   string
}

var _ events.Transport = (*RabbitTransport)(nil)

func NewRabbitTransport(ch AMQPChannel, exchange, prefix string) *RabbitTransport {
	return &RabbitTransport{ch: ch, exchange: exchange, prefix: prefix}
}

func (t *RabbitTransport) Send(ctx context.Context, event events.Event) error {
	data, err := encode(event)
	if err != nil {
		return err
	}

	key := Subject(t.prefix, event.Kind)
	confirm, err := t.ch.PublishWithDeferredConfirmWithContext(ctx, t.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.OccurredAt,
		AppId:        sourceService,
		Type:         string(event.Kind),
		Body:         data,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event to RabbitMQ: %w", err)
	}

	if confirm != nil {
		acked, err := confirm.WaitContext(ctx)
		if err != nil {
			return fmt.Errorf("failed waiting for publish confirm: %w", err)
		}
		if !acked {
			return ErrPublishNacked
		}
	}

	log.WithFields(log.Fields{
		"event_id":    event.ID,
		"routing_key": key,
	}).Debug("Event published to RabbitMQ")
	return nil
}

// RabbitConnection owns the AMQP connection and its confirm-mode channel.
type RabbitConnection struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialRabbit connects, declares the durable topic exchange and enables confirms.
func DialRabbit(url, exchange string) (*RabbitConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	log.WithField("exchange", exchange).Info("Connected to RabbitMQ")
	return &RabbitConnection{conn: conn, ch: ch}, nil
}

// Channel returns the confirm-mode channel.
func (c *RabbitConnection) Channel() *amqp.Channel {
	return c.ch
}

func (c *RabbitConnection) Close() error {
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		log.WithError(err).Warn("Failed to close RabbitMQ channel")
	}
	return c.conn.Close()
}
