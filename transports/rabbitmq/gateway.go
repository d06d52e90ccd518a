package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-esb/activation"
	"github.com/glimte/mmate-esb/binding"
	rmq "github.com/glimte/mmate-esb/internal/rabbitmq"
	"github.com/glimte/mmate-esb/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes to an exchange; *rmq.Publisher implements it
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

type pendingKey struct{}

// pendingReply tracks the reply destination of one delivery
type pendingReply struct {
	replyTo       string
	correlationID string
	mu            sync.Mutex
	replied       bool
	fault         error
	err           error
}

// InboundGateway consumes one queue and dispatches deliveries as exchanges
type InboundGateway struct {
	activation.Lifecycle
	name      string
	queue     string
	declare   *rmq.QueueDeclaration
	bindings  []rmq.Binding
	pool      *rmq.ChannelPool
	consumer  *rmq.Consumer
	publisher Publisher
	endpoint  *binding.InboundEndpoint
	composer  *Composer
	logger    *slog.Logger
}

type gatewayConfig struct {
	declare  *rmq.QueueDeclaration
	bindings []rmq.Binding
	pool     *rmq.ChannelPool
	logger   *slog.Logger
}

// GatewayOption configures an inbound gateway
type GatewayOption func(*gatewayConfig)

// WithDeclare declares the queue and its bindings on Start
func WithDeclare(pool *rmq.ChannelPool, queue rmq.QueueDeclaration, bindings ...rmq.Binding) GatewayOption {
	return func(c *gatewayConfig) {
		c.pool = pool
		c.declare = &queue
		c.bindings = bindings
	}
}

// WithGatewayLogger sets the logger
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(c *gatewayConfig) {
		c.logger = logger
	}
}

// NewInboundGateway creates a gateway for queue. Replies are published with publisher.
func NewInboundGateway(name, queue string, endpoint *binding.InboundEndpoint, composer *Composer, consumer *rmq.Consumer, publisher Publisher, opts ...GatewayOption) (*InboundGateway, error) {
	if queue == "" {
		return nil, fmt.Errorf("amqp gateway %s: queue is required", name)
	}
	if endpoint == nil || composer == nil || consumer == nil || publisher == nil {
		return nil, fmt.Errorf("amqp gateway %s: endpoint, composer, consumer and publisher are required", name)
	}
	cfg := &gatewayConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	return &InboundGateway{
		name:      name,
		queue:     queue,
		declare:   cfg.declare,
		bindings:  cfg.bindings,
		pool:      cfg.pool,
		consumer:  consumer,
		publisher: publisher,
		endpoint:  endpoint,
		composer:  composer,
		logger:    cfg.logger.With("endpoint", name, "bindingType", BindingType, "queue", queue),
	}, nil
}

// Queue returns the consumed queue
func (g *InboundGateway) Queue() string {
	return g.queue
}

// Start declares the queue when configured and starts consuming
func (g *InboundGateway) Start(ctx context.Context) error {
	if g.declare != nil {
		if err := rmq.Declare(ctx, g.pool, *g.declare, g.bindings...); err != nil {
			g.SetState(activation.HandlerFailed)
			return err
		}
	}
	if err := g.consumer.Subscribe(ctx, g.queue, g.HandleDelivery); err != nil {
		g.SetState(activation.HandlerFailed)
		return err
	}
	g.SetState(activation.HandlerStarted)
	g.logger.Info("amqp gateway started")
	return nil
}

// Stop cancels the consumer and waits for the in-flight delivery
func (g *InboundGateway) Stop(ctx context.Context) error {
	g.SetState(activation.HandlerStopped)
	if err := g.consumer.Unsubscribe(g.queue); err != nil && !errors.Is(err, rmq.ErrNotSubscribed) {
		return err
	}
	g.logger.Info("amqp gateway stopped")
	return nil
}

// HandleDelivery dispatches one delivery. Unroutable and malformed
// deliveries fault like any other exchange: the fault is published to the
// reply-to queue, or the delivery is rejected when there is none.
// A closed domain or a failed reply requeues.
func (g *InboundGateway) HandleDelivery(ctx context.Context, d amqp.Delivery) error {
	if !g.Started() {
		return fmt.Errorf("amqp gateway %s is not started", g.name)
	}

	correlationID := d.CorrelationId
	if correlationID == "" {
		correlationID = d.MessageId
	}
	p := &pendingReply{replyTo: d.ReplyTo, correlationID: correlationID}
	ctx = context.WithValue(ctx, pendingKey{}, p)

	ex, err := g.endpoint.Dispatch(ctx, NewDeliveryData(d), g)
	if err != nil {
		if errors.Is(err, messaging.ErrDomainClosed) {
			return err
		}
		g.logger.Warn("amqp delivery rejected", "messageId", d.MessageId, "error", err)
		return rmq.Reject(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.fault != nil && !p.replied {
		return rmq.Reject(p.fault)
	}
	g.logger.Debug("delivery handled", "exchangeId", ex.ID(), "messageId", d.MessageId)
	return nil
}

// HandleMessage publishes the reply of an exchange created by this gateway
func (g *InboundGateway) HandleMessage(ex *messaging.Exchange) error {
	return g.reply(ex)
}

// HandleFault publishes the fault of an exchange created by this gateway
func (g *InboundGateway) HandleFault(ex *messaging.Exchange) error {
	return g.reply(ex)
}

func (g *InboundGateway) reply(ex *messaging.Exchange) error {
	p, ok := ex.RequestContext().Value(pendingKey{}).(*pendingReply)
	if !ok {
		return fmt.Errorf("exchange %s has no pending amqp delivery", ex.ID())
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	faulted := ex.Phase().IsFault()
	if faulted {
		p.fault = &messaging.FaultError{ExchangeID: ex.ID(), Phase: ex.Phase(), Message: ex.Message()}
		g.logger.Warn("exchange faulted", "exchangeId", ex.ID(), "phase", ex.Phase().String())
	}
	if p.replyTo == "" {
		if !faulted {
			g.logger.Debug("reply dropped, delivery has no reply-to", "exchangeId", ex.ID())
		}
		return nil
	}

	out := &BindingData{CorrelationID: p.correlationID}
	if _, err := g.composer.Compose(out, ex); err != nil {
		p.err = err
		return err
	}
	if err := g.publisher.Publish(ex.RequestContext(), "", p.replyTo, out.Publishing()); err != nil {
		g.logger.Error("failed to publish reply", "exchangeId", ex.ID(), "replyTo", p.replyTo, "error", err)
		p.err = err
		return err
	}
	p.replied = true
	return nil
}
