package redisstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-esb/activation"
	"github.com/glimte/mmate-esb/messaging"
)

// Binding types handled by Activator
const (
	TypeInbound   = "redis"
	TypeReference = "redis.reference"
)

// Activator activates Redis Streams gateways and references on one client.
//
// Gateway properties: stream (default <service>), group (default
// <service>), consumer, block, batch, deadLetter. Reference properties:
// stream (default <service>), maxLen, timeout.
type Activator struct {
	domain *messaging.Domain
	client Client
	logger *slog.Logger
}

// ActivatorOption configures the activator
type ActivatorOption func(*Activator)

// WithActivatorLogger sets the logger
func WithActivatorLogger(logger *slog.Logger) ActivatorOption {
	return func(a *Activator) {
		a.logger = logger
	}
}

// NewActivator creates an activator on client
func NewActivator(domain *messaging.Domain, client Client, opts ...ActivatorOption) *Activator {
	a := &Activator{domain: domain, client: client}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
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
	block, err := cfg.DurationProperty("block", 5*time.Second)
	if err != nil {
		return nil, err
	}
	batch, err := cfg.IntProperty("batch", 10)
	if err != nil {
		return nil, err
	}

	gw, err := NewInboundGateway(name,
		cfg.Property("stream", cfg.Service),
		cfg.Property("group", cfg.Service),
		endpoint, composer, a.client,
		WithConsumerName(cfg.Property("consumer", name)),
		WithBlock(block),
		WithBatchSize(batch),
		WithDeadLetter(cfg.Property("deadLetter", "")),
		WithGatewayLogger(a.logger))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", activation.ErrInvalidBinding, err)
	}
	return gw, nil
}

func (a *Activator) activateReference(name string, cfg activation.BindingConfig, composer *Composer) (activation.ServiceHandler, error) {
	maxLen, err := cfg.IntProperty("maxLen", 0)
	if err != nil {
		return nil, err
	}
	timeout, err := cfg.DurationProperty("timeout", 30*time.Second)
	if err != nil {
		return nil, err
	}

	ref, err := NewOutboundReference(name, cfg.Property("stream", cfg.Service), composer, a.client,
		WithMaxLen(int64(maxLen)),
		WithReplyTimeout(timeout),
		WithReferenceLogger(a.logger))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", activation.ErrInvalidBinding, err)
	}
	return ref, nil
}

// Deactivate implements activation.Activator. Gateways stop reading on Stop.
func (a *Activator) Deactivate(ctx context.Context, name string, handler activation.ServiceHandler) error {
	a.logger.Debug("redis endpoint released", "endpoint", name)
	return nil
}
