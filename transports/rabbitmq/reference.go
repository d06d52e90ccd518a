package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-esb/activation"
	rmq "github.com/glimte/mmate-esb/internal/rabbitmq"
	"github.com/glimte/mmate-esb/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrReferenceStopped is returned when a stopped reference receives an exchange
	ErrReferenceStopped = errors.New("amqp: reference is not started")

	// ErrReplyTimeout is returned when an IN_OUT reply does not arrive in time
	ErrReplyTimeout = errors.New("amqp: reply timeout")

	// ErrNoReplyChannel is returned for IN_OUT exchanges on a publish-only reference
	ErrNoReplyChannel = errors.New("amqp: reference has no reply channel")
)

// OutboundReference provides a service by publishing to a RabbitMQ exchange
type OutboundReference struct {
	activation.Lifecycle
	name       string
	exchange   string
	routingKey string
	persistent bool
	timeout    time.Duration
	composer   *Composer
	publisher  Publisher
	router     *replyRouter
	logger     *slog.Logger
}

type referenceConfig struct {
	manager    *rmq.ConnectionManager
	timeout    time.Duration
	persistent bool
	logger     *slog.Logger
}

// ReferenceOption configures an outbound reference
type ReferenceOption func(*referenceConfig)

// WithReplyConnection enables IN_OUT exchanges using direct reply-to on manager
func WithReplyConnection(manager *rmq.ConnectionManager) ReferenceOption {
	return func(c *referenceConfig) {
		c.manager = manager
	}
}

// WithReplyTimeout bounds the wait for an IN_OUT reply
func WithReplyTimeout(timeout time.Duration) ReferenceOption {
	return func(c *referenceConfig) {
		c.timeout = timeout
	}
}

// WithPersistent publishes requests with persistent delivery mode
func WithPersistent(persistent bool) ReferenceOption {
	return func(c *referenceConfig) {
		c.persistent = persistent
	}
}

// WithReferenceLogger sets the logger
func WithReferenceLogger(logger *slog.Logger) ReferenceOption {
	return func(c *referenceConfig) {
		c.logger = logger
	}
}

// NewOutboundReference creates a reference publishing to exchange with routingKey
func NewOutboundReference(name, exchange, routingKey string, composer *Composer, publisher Publisher, opts ...ReferenceOption) (*OutboundReference, error) {
	if exchange == "" && routingKey == "" {
		return nil, fmt.Errorf("amqp reference %s: exchange or routing key is required", name)
	}
	if composer == nil || publisher == nil {
		return nil, fmt.Errorf("amqp reference %s: composer and publisher are required", name)
	}

	cfg := &referenceConfig{timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	logger := cfg.logger.With("endpoint", name, "bindingType", BindingType, "exchange", exchange, "routingKey", routingKey)

	ref := &OutboundReference{
		name:       name,
		exchange:   exchange,
		routingKey: routingKey,
		persistent: cfg.persistent,
		timeout:    cfg.timeout,
		composer:   composer,
		publisher:  publisher,
		logger:     logger,
	}
	if cfg.manager != nil {
		ref.router = newReplyRouter(cfg.manager, logger)
	}
	return ref, nil
}

// Start implements activation.ServiceHandler
func (r *OutboundReference) Start(ctx context.Context) error {
	r.SetState(activation.HandlerStarted)
	return nil
}

// Stop implements activation.ServiceHandler
func (r *OutboundReference) Stop(ctx context.Context) error {
	r.SetState(activation.HandlerStopped)
	if r.router != nil {
		return r.router.close()
	}
	return nil
}

// HandleMessage publishes the IN message. IN_OUT exchanges wait for the
// reply; a reply marked with HeaderFault is sent as a fault.
func (r *OutboundReference) HandleMessage(ex *messaging.Exchange) error {
	if ex.Phase() != messaging.PhaseIn {
		return nil
	}
	if !r.Started() {
		return ErrReferenceStopped
	}

	out := &BindingData{Persistent: r.persistent}
	if _, err := r.composer.Compose(out, ex); err != nil {
		return err
	}
	ctx := ex.RequestContext()

	if ex.Pattern() == messaging.InOnly {
		if err := r.publisher.Publish(ctx, r.exchange, r.routingKey, out.Publishing()); err != nil {
			return fmt.Errorf("amqp reference %s: %w", r.name, err)
		}
		return nil
	}

	if r.router == nil {
		return ErrNoReplyChannel
	}
	d, err := r.router.call(ctx, r.exchange, r.routingKey, out.Publishing(), r.timeout)
	if err != nil {
		return fmt.Errorf("amqp reference %s: %w", r.name, err)
	}

	in := NewDeliveryData(d)
	reply, err := r.composer.Decompose(ex, in)
	if err != nil {
		return err
	}
	if in.Fault() {
		r.logger.Debug("remote fault received", "exchangeId", ex.ID())
		return ex.SendFault(reply)
	}
	return ex.Send(reply)
}

// HandleFault implements messaging.ExchangeHandler
func (r *OutboundReference) HandleFault(ex *messaging.Exchange) error {
	return nil
}

// replyRouter owns the channel consuming direct reply-to and hands each
// reply to the call waiting on its correlation id
type replyRouter struct {
	manager *rmq.ConnectionManager
	logger  *slog.Logger
	mu      sync.Mutex
	ch      *amqp.Channel
	pending map[string]chan amqp.Delivery
}

func newReplyRouter(manager *rmq.ConnectionManager, logger *slog.Logger) *replyRouter {
	return &replyRouter{
		manager: manager,
		logger:  logger,
		pending: make(map[string]chan amqp.Delivery),
	}
}

func (r *replyRouter) register(id string) <-chan amqp.Delivery {
	replies := make(chan amqp.Delivery, 1)
	r.mu.Lock()
	r.pending[id] = replies
	r.mu.Unlock()
	return replies
}

func (r *replyRouter) forget(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// route reports whether a call was waiting for d
func (r *replyRouter) route(d amqp.Delivery) bool {
	r.mu.Lock()
	replies, ok := r.pending[d.CorrelationId]
	delete(r.pending, d.CorrelationId)
	r.mu.Unlock()
	if !ok {
		return false
	}
	replies <- d
	return true
}

// channel returns the reply channel, opening it and its consumer on first use
// and after the previous one closed
func (r *replyRouter) channel() (*amqp.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch != nil && !r.ch.IsClosed() {
		return r.ch, nil
	}

	ch, err := r.manager.Channel()
	if err != nil {
		return nil, err
	}
	deliveries, err := ch.Consume(DirectReplyTo, "", true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, &rmq.ConsumerError{Queue: DirectReplyTo, Op: "consume", Err: err}
	}
	r.ch = ch
	go r.listen(ch, deliveries)
	return ch, nil
}

func (r *replyRouter) listen(ch *amqp.Channel, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		if !r.route(d) {
			r.logger.Debug("late reply dropped", "correlationId", d.CorrelationId)
		}
	}
	r.mu.Lock()
	if r.ch == ch {
		r.ch = nil
	}
	r.mu.Unlock()
}

func (r *replyRouter) call(ctx context.Context, exchange, routingKey string, msg amqp.Publishing, timeout time.Duration) (amqp.Delivery, error) {
	id := uuid.NewString()
	msg.CorrelationId = id
	msg.ReplyTo = DirectReplyTo

	replies := r.register(id)
	defer r.forget(id)

	ch, err := r.channel()
	if err != nil {
		return amqp.Delivery{}, err
	}
	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return amqp.Delivery{}, &rmq.PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d := <-replies:
		return d, nil
	case <-timer.C:
		return amqp.Delivery{}, fmt.Errorf("%w after %s", ErrReplyTimeout, timeout)
	case <-ctx.Done():
		return amqp.Delivery{}, ctx.Err()
	}
}

func (r *replyRouter) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch == nil {
		return nil
	}
	err := r.ch.Close()
	r.ch = nil
	return err
}
