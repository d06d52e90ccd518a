package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-esb/activation"
	rmq "github.com/glimte/mmate-esb/internal/rabbitmq"
	"github.com/glimte/mmate-esb/messaging"
)

// Binding types handled by Activator
const (
	TypeInbound   = "amqp"
	TypeReference = "amqp.reference"
)

// Activator activates RabbitMQ gateways and references on one connection.
//
// Gateway properties: queue (default <service>), prefetch, declare,
// durable, exchange and routingKey (bound when declaring),
// deadLetterExchange. Reference properties: exchange, routingKey (default
// <service>), timeout, persistent.
type Activator struct {
	domain    *messaging.Domain
	manager   *rmq.ConnectionManager
	pool      *rmq.ChannelPool
	publisher Publisher
	logger    *slog.Logger
}

// ActivatorOption configures the activator
type ActivatorOption func(*Activator)

// WithPublisher replaces the confirming publisher shared by all endpoints
func WithPublisher(publisher Publisher) ActivatorOption {
	return func(a *Activator) {
		a.publisher = publisher
	}
}

// WithActivatorLogger sets the logger
func WithActivatorLogger(logger *slog.Logger) ActivatorOption {
	return func(a *Activator) {
		a.logger = logger
	}
}

// NewActivator creates an activator on manager. The connection is only
// used once an endpoint starts.
func NewActivator(domain *messaging.Domain, manager *rmq.ConnectionManager, opts ...ActivatorOption) (*Activator, error) {
	pool, err := rmq.NewChannelPool(manager)
	if err != nil {
		return nil, err
	}
	a := &Activator{
		domain:  domain,
		manager: manager,
		pool:    pool,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.publisher == nil {
		a.publisher = rmq.NewPublisher(pool, rmq.WithPublisherLogger(a.logger))
	}
	return a, nil
}

// Types implements activation.Activator
func (a *Activator) Types() []string {
	return []string{TypeInbound, TypeReference}
}

// Activate implements activation.Activator
func (a *Activator) Activate(ctx context.Context, name string, cfg activation.BindingConfig) (activation.ServiceHandler, error) {
	composer, err := NewComposer(cfg.ContextMapper)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", activation.ErrInvalidBinding, err)
	}

	switch cfg.Type {
	case TypeInbound:
		return a.activateGateway(name, cfg, composer)
	case TypeReference:
		return a.activateReference(name, cfg, composer)
	default:
		return nil, fmt.Errorf("%w: %s", activation.ErrUnknownBindingType, cfg.Type)
	}
}

func (a *Activator) activateGateway(name string, cfg activation.BindingConfig, composer *Composer) (activation.ServiceHandler, error) {
	endpoint, err := cfg.Endpoint(a.domain, composer, a.logger)
	if err != nil {
		return nil, err
	}
	prefetch, err := cfg.IntProperty("prefetch", 10)
	if err != nil {
		return nil, err
	}
	declare, err := cfg.BoolProperty("declare", false)
	if err != nil {
		return nil, err
	}
	durable, err := cfg.BoolProperty("durable", true)
	if err != nil {
		return nil, err
	}

	queue := cfg.Property("queue", cfg.Service)
	consumer := rmq.NewConsumer(a.manager,
		rmq.WithPrefetchCount(prefetch),
		rmq.WithConsumerLogger(a.logger))

	opts := []GatewayOption{WithGatewayLogger(a.logger)}
	if declare {
		decl := rmq.QueueDeclaration{Name: queue, Durable: durable}
		if dlx := cfg.Property("deadLetterExchange", ""); dlx != "" {
			decl = decl.WithDeadLetter(dlx, "")
		}
		var bindings []rmq.Binding
		if exchange := cfg.Property("exchange", ""); exchange != "" {
			bindings = append(bindings, rmq.Binding{
				Queue:      queue,
				Exchange:   exchange,
				RoutingKey: cfg.Property("routingKey", queue),
			})
		}
		opts = append(opts, WithDeclare(a.pool, decl, bindings...))
	}

	gw, err := NewInboundGateway(name, queue, endpoint, composer, consumer, a.publisher, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", activation.ErrInvalidBinding, err)
	}
	return gw, nil
}

func (a *Activator) activateReference(name string, cfg activation.BindingConfig, composer *Composer) (activation.ServiceHandler, error) {
	timeout, err := cfg.DurationProperty("timeout", 30*time.Second)
	if err != nil {
		return nil, err
	}
	persistent, err := cfg.BoolProperty("persistent", false)
	if err != nil {
		return nil, err
	}

	ref, err := NewOutboundReference(name,
		cfg.Property("exchange", ""),
		cfg.Property("routingKey", cfg.Service),
		composer, a.publisher,
		WithReplyConnection(a.manager),
		WithReplyTimeout(timeout),
		WithPersistent(persistent),
		WithReferenceLogger(a.logger))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", activation.ErrInvalidBinding, err)
	}
	return ref, nil
}

// Deactivate implements activation.Activator. Gateways cancel their
// consumer and references close their reply channel on Stop.
func (a *Activator) Deactivate(ctx context.Context, name string, handler activation.ServiceHandler) error {
	a.logger.Debug("amqp endpoint released", "endpoint", name)
	return nil
}

// Close releases pooled channels
func (a *Activator) Close() error {
	return a.pool.Close()
}
