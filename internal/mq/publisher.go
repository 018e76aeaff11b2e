package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher handles message publishing to RabbitMQ.
// A nil *Publisher is valid and drops every event.
type Publisher struct {
	conn       *Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher. A nil connection yields a nil publisher.
func NewPublisher(conn *Connection, exchange, routingKey string, logger *zap.Logger) (*Publisher, error) {
	if conn == nil {
		return nil, nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		conn:       conn,
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

// MessageStoredEvent is published after a payload has been committed
type MessageStoredEvent struct {
	MessageID     string    `json:"message_id"`
	DeviceID      string    `json:"device_id"`
	Identnr       int64     `json:"identnr"`
	DeviceCreated bool      `json:"device_created"`
	ValueCount    int       `json:"value_count"`
	Transport     string    `json:"transport"`
	StoredAt      time.Time `json:"stored_at"`
}

// PublishMessageStored publishes a stored message event
func (p *Publisher) PublishMessageStored(ctx context.Context, event MessageStoredEvent) error {
	if p == nil {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		p.routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    event.MessageID,
			Timestamp:    event.StoredAt,
		},
	)

	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published message stored event",
		zap.String("routing_key", p.routingKey),
		zap.String("message_id", event.MessageID),
		zap.Int64("identnr", event.Identnr),
	)

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p != nil && p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
