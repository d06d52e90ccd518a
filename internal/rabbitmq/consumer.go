package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes a delivery. A nil error acks it, an error built
// with Reject drops it and any other error requeues it.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer manages queue subscriptions
type Consumer struct {
	manager        *ConnectionManager
	prefetchCount  int
	exclusive      bool
	consumerTag    string
	handlerTimeout time.Duration
	logger         *slog.Logger
	mu             sync.Mutex
	active         map[string]*subscription
}

type subscription struct {
	queue   string
	channel *amqp.Channel
	cancel  context.CancelFunc
	done    chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithHandlerTimeout bounds the context handed to each handler call
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:        manager,
		prefetchCount:  10,
		handlerTimeout: 30 * time.Second,
		logger:         slog.Default(),
		active:         make(map[string]*subscription),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Subscribe starts consuming a queue on a dedicated channel
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.active[queue]; exists {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: ErrAlreadySubscribed}
	}

	ch, err := c.manager.Channel()
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err}
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return &ConsumerError{Queue: queue, Op: "qos", Err: err}
	}
	deliveries, err := ch.Consume(queue, c.consumerTag, false, c.exclusive, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return &ConsumerError{Queue: queue, Op: "consume", Err: err}
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{queue: queue, channel: ch, cancel: cancel, done: make(chan struct{})}
	c.active[queue] = sub
	go c.process(subCtx, sub, deliveries, handler)

	c.logger.Info("subscribed to queue", "queue", queue, "prefetchCount", c.prefetchCount)
	return nil
}

func (c *Consumer) process(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		_ = sub.channel.Close()
		c.mu.Lock()
		if c.active[sub.queue] == sub {
			delete(c.active, sub.queue)
		}
		c.mu.Unlock()
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.queue)
				return
			}
			c.HandleDelivery(ctx, delivery, handler)
		}
	}
}

// HandleDelivery runs handler for one delivery and settles it
func (c *Consumer) HandleDelivery(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) {
	msgCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	err := c.invoke(msgCtx, delivery, handler)
	switch {
	case err == nil:
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "messageId", delivery.MessageId, "error", ackErr)
		}
	case errors.Is(err, ErrRejectDelivery):
		c.logger.Warn("rejecting message", "messageId", delivery.MessageId, "error", err)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to reject message", "messageId", delivery.MessageId, "error", nackErr)
		}
	default:
		c.logger.Error("failed to handle message, requeueing", "messageId", delivery.MessageId, "error", err)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message", "messageId", delivery.MessageId, "error", nackErr)
		}
	}
}

func (c *Consumer) invoke(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Reject(fmt.Errorf("handler panicked: %v", r))
		}
	}()
	return handler(ctx, delivery)
}

// Unsubscribe stops consuming from a queue and waits for the in-flight delivery
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	sub, ok := c.active[queue]
	c.mu.Unlock()
	if !ok {
		return &ConsumerError{Queue: queue, Op: "unsubscribe", Err: ErrNotSubscribed}
	}
	sub.cancel()
	<-sub.done
	return nil
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() error {
	var errs []error
	for _, q := range c.Queues() {
		if err := c.Unsubscribe(q); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Queues returns the queues with an active consumer
func (c *Consumer) Queues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	queues := make([]string, 0, len(c.active))
	for q := range c.active {
		queues = append(queues, q)
	}
	return queues
}
