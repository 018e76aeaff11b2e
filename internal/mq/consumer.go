package mq

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// MessageHandler processes one delivery body. messageID is the AMQP message id, possibly empty.
type MessageHandler func(ctx context.Context, messageID string, body []byte) error

// retryable is implemented by handler errors that may succeed on redelivery
type retryable interface {
	Retryable() bool
}

// requeueOnFailure reports whether a failed delivery goes back to the queue.
// An interrupted handler always requeues. Transient failures get one redelivery
// before dead-lettering; everything else goes straight to the DLQ.
func requeueOnFailure(err error, redelivered bool) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var r retryable
	if !errors.As(err, &r) || !r.Retryable() {
		return false
	}
	return !redelivered
}

// Consumer feeds gateway payloads from the ingest queue to a MessageHandler
type Consumer struct {
	channel       *amqp.Channel
	queue         string
	tag           string
	prefetchCount int
	logger        *zap.Logger
	handler       MessageHandler
	done          chan struct{}
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection       *Connection
	Queue            string
	DLQQueue         string
	Exchange         string
	RoutingKey       string
	PrefetchCount    int
	Logger           *zap.Logger
	MessageProcessor MessageHandler
}

// NewConsumer declares the ingest topology and returns a consumer for it.
// A nil connection yields a nil consumer.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Connection == nil {
		return nil, nil
	}

	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := declareIngestTopology(ch, cfg); err != nil {
		ch.Close()
		return nil, err
	}

	return &Consumer{
		channel:       ch,
		queue:         cfg.Queue,
		tag:           cfg.Queue + "-" + uuid.NewString(),
		prefetchCount: cfg.PrefetchCount,
		logger:        cfg.Logger,
		handler:       cfg.MessageProcessor,
	}, nil
}

// declareIngestTopology sets prefetch and declares the exchange, the ingest queue
// dead-lettering into the DLQ, and the binding between them
func declareIngestTopology(ch *amqp.Channel, cfg ConsumerConfig) error {
	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.DLQQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// Start subscribes to the queue. Deliveries are handled with ctx until Stop.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetchCount),
	)

	c.done = make(chan struct{})
	go c.consume(ctx, msgs)
	return nil
}

// consume handles deliveries one at a time until msgs is closed
func (c *Consumer) consume(ctx context.Context, msgs <-chan amqp.Delivery) {
	defer close(c.done)
	for msg := range msgs {
		c.processMessage(ctx, msg)
	}
	c.logger.Info("delivery channel closed", zap.String("queue", c.queue))
}

func (c *Consumer) processMessage(ctx context.Context, msg amqp.Delivery) {
	logger := c.logger.With(zap.String("message_id", msg.MessageId))
	logger.Debug("received message from queue",
		zap.String("routing_key", msg.RoutingKey),
		zap.Int("body_size", len(msg.Body)),
		zap.Bool("redelivered", msg.Redelivered),
	)

	if err := c.handler(ctx, msg.MessageId, msg.Body); err != nil {
		requeue := requeueOnFailure(err, msg.Redelivered)
		logger.Error("failed to process message",
			zap.Error(err),
			zap.Bool("requeue", requeue),
		)

		// requeue=false dead-letters into the DLQ
		if nackErr := msg.Nack(false, requeue); nackErr != nil {
			logger.Error("failed to NACK message", zap.Error(nackErr))
		}
		return
	}

	if ackErr := msg.Ack(false); ackErr != nil {
		logger.Error("failed to ACK message", zap.Error(ackErr))
	}
}

// Stop cancels the subscription, waits for the delivery in hand to be settled
// and closes the channel. Prefetched deliveries that were never handled return
// to the queue when the channel closes.
func (c *Consumer) Stop(ctx context.Context) error {
	if c == nil {
		return nil
	}

	if c.done != nil {
		if err := c.channel.Cancel(c.tag, false); err != nil {
			c.logger.Warn("failed to cancel subscription", zap.Error(err))
		}
		select {
		case <-c.done:
		case <-ctx.Done():
			c.logger.Warn("in-flight delivery not settled before shutdown deadline")
		}
	}

	return c.Close()
}

// Close closes the consumer channel
func (c *Consumer) Close() error {
	if c != nil && c.channel != nil {
		return c.channel.Close()
	}
	return nil
}

// RegisterLifecycle starts the consumer with fx and stops it gracefully.
// ctx is the context deliveries are handled with; it should outlive shutdown
// so an in-flight payload can finish. Nil consumers register nothing.
func (c *Consumer) RegisterLifecycle(lc fx.Lifecycle, ctx context.Context) {
	if c == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			return c.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			if err := c.Stop(stopCtx); err != nil {
				c.logger.Error("failed to close consumer channel", zap.Error(err))
				return err
			}
			c.logger.Info("consumer stopped")
			return nil
		},
	})
}
