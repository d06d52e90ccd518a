package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-esb/contracts"
	"github.com/glimte/mmate-esb/internal/reliability"
	"github.com/glimte/mmate-esb/messaging"
)

var (
	// ErrTimeout is returned when no reply arrived within the timeout
	ErrTimeout = errors.New("bridge: timed out waiting for reply")

	// ErrTooManyPending is returned when the pending call limit is reached
	ErrTooManyPending = errors.New("bridge: too many pending calls")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("bridge: invoker is closed")
)

// PendingCall is a call waiting for its terminal message
type PendingCall struct {
	ExchangeID string
	Service    string
	Pattern    messaging.Pattern
	StartedAt  time.Time
	result     chan callResult
}

type callResult struct {
	reply *contracts.Message
	err   error
}

// Invoker performs blocking calls through a domain
type Invoker struct {
	domain         *messaging.Domain
	pending        map[string]*PendingCall
	mu             sync.RWMutex
	circuitBreaker *reliability.CircuitBreaker
	defaultTimeout time.Duration
	maxPending     int
	logger         *slog.Logger
	closed         atomic.Bool
}

// InvokerOption configures the invoker
type InvokerOption func(*InvokerConfig)

// InvokerConfig holds configuration for the invoker
type InvokerConfig struct {
	CircuitBreaker *reliability.CircuitBreaker
	MaxPending     int
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// WithCircuitBreaker rejects calls while the breaker is open; faults count as failures
func WithCircuitBreaker(cb *reliability.CircuitBreaker) InvokerOption {
	return func(c *InvokerConfig) {
		c.CircuitBreaker = cb
	}
}

// WithMaxPending sets the maximum number of concurrent pending calls
func WithMaxPending(max int) InvokerOption {
	return func(c *InvokerConfig) {
		c.MaxPending = max
	}
}

// WithDefaultTimeout applies when the caller's context has no deadline
func WithDefaultTimeout(timeout time.Duration) InvokerOption {
	return func(c *InvokerConfig) {
		c.DefaultTimeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) InvokerOption {
	return func(c *InvokerConfig) {
		c.Logger = logger
	}
}

// NewInvoker creates an invoker over domain
func NewInvoker(domain *messaging.Domain, opts ...InvokerOption) *Invoker {
	config := &InvokerConfig{
		MaxPending:     1000,
		DefaultTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Invoker{
		domain:         domain,
		pending:        make(map[string]*PendingCall),
		circuitBreaker: config.CircuitBreaker,
		defaultTimeout: config.DefaultTimeout,
		maxPending:     config.MaxPending,
		logger:         config.Logger,
	}
}

// Invoke sends an IN_OUT request and returns the reply.
// A fault is returned as *messaging.FaultError.
func (b *Invoker) Invoke(ctx context.Context, service string, msg *contracts.Message, opts ...messaging.ExchangeOption) (*contracts.Message, error) {
	return b.execute(ctx, service, messaging.InOut, msg, opts)
}

// Send sends an IN_ONLY message and waits until the provider chain has run.
// A fault is returned as a *messaging.FaultError, also with WithAsyncReply.
func (b *Invoker) Send(ctx context.Context, service string, msg *contracts.Message, opts ...messaging.ExchangeOption) error {
	_, err := b.execute(ctx, service, messaging.InOnly, msg, opts)
	return err
}

func (b *Invoker) execute(ctx context.Context, service string, pattern messaging.Pattern, msg *contracts.Message, opts []messaging.ExchangeOption) (*contracts.Message, error) {
	if b.circuitBreaker == nil {
		return b.call(ctx, service, pattern, msg, opts)
	}

	var reply *contracts.Message
	err := b.circuitBreaker.Execute(ctx, func() error {
		var err error
		reply, err = b.call(ctx, service, pattern, msg, opts)
		return err
	})
	return reply, err
}

func (b *Invoker) call(ctx context.Context, service string, pattern messaging.Pattern, msg *contracts.Message, opts []messaging.ExchangeOption) (*contracts.Message, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if msg == nil {
		return nil, &contracts.InvalidArgumentError{Argument: "message", Reason: "cannot be nil"}
	}

	if _, ok := ctx.Deadline(); !ok && b.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.defaultTimeout)
		defer cancel()
	}

	pending := &PendingCall{
		Service:   service,
		Pattern:   pattern,
		StartedAt: time.Now(),
		result:    make(chan callResult, 1),
	}
	consumer := messaging.HandlerFuncs{
		Message: func(ex *messaging.Exchange) error {
			pending.deliver(callResult{reply: ex.Message()})
			return nil
		},
		Fault: func(ex *messaging.Exchange) error {
			pending.deliver(callResult{err: &messaging.FaultError{
				ExchangeID: ex.ID(),
				Phase:      ex.Phase(),
				Message:    ex.Message(),
			}})
			return nil
		},
	}

	exchangeOpts := append(append([]messaging.ExchangeOption(nil), opts...),
		messaging.WithReplyHandler(consumer),
		messaging.WithRequestContext(ctx))
	ex, err := b.domain.CreateExchange(service, pattern, exchangeOpts...)
	if err != nil {
		return nil, err
	}
	pending.ExchangeID = ex.ID()

	if err := b.register(pending); err != nil {
		return nil, err
	}
	defer b.unregister(pending.ExchangeID)

	sent := make(chan error, 1)
	go func() {
		sent <- ex.Send(msg)
	}()

	for {
		select {
		case r := <-pending.result:
			return r.reply, r.err
		case err := <-sent:
			if err != nil {
				return nil, err
			}
			// a fault is always delivered, possibly on a delivery worker
			if pattern == messaging.InOnly && !ex.Phase().IsFault() {
				return nil, nil
			}
			sent = nil
		case <-ctx.Done():
			b.logger.Warn("caller stopped waiting for exchange",
				"exchangeId", pending.ExchangeID,
				"service", service,
				"waited", time.Since(pending.StartedAt),
				"error", ctx.Err())
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: exchange %s on %s", ErrTimeout, pending.ExchangeID, service)
			}
			return nil, ctx.Err()
		}
	}
}

func (p *PendingCall) deliver(r callResult) {
	select {
	case p.result <- r:
	default:
	}
}

func (b *Invoker) register(p *PendingCall) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxPending > 0 && len(b.pending) >= b.maxPending {
		return ErrTooManyPending
	}
	b.pending[p.ExchangeID] = p
	return nil
}

func (b *Invoker) unregister(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// PendingCount returns the number of calls waiting for a reply
func (b *Invoker) PendingCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// Pending returns a snapshot of the waiting calls
func (b *Invoker) Pending() []PendingCall {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]PendingCall, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, PendingCall{
			ExchangeID: p.ExchangeID,
			Service:    p.Service,
			Pattern:    p.Pattern,
			StartedAt:  p.StartedAt,
		})
	}
	return out
}

// Close rejects further calls. Calls already waiting run to completion.
func (b *Invoker) Close() error {
	b.closed.Store(true)
	return nil
}

// InvokeTyped sends content as an IN_OUT request and converts the reply content to T
func InvokeTyped[T any](ctx context.Context, b *Invoker, service string, content interface{}, opts ...messaging.ExchangeOption) (T, error) {
	var zero T

	msg := contracts.NewMessage(
		contracts.WithContent(content),
		contracts.WithConverters(b.domain.Converters()))
	reply, err := b.Invoke(ctx, service, msg, opts...)
	if err != nil {
		return zero, err
	}

	typed, err := contracts.ContentAs[T](reply)
	if err != nil {
		return zero, fmt.Errorf("unexpected reply content: %w", err)
	}
	return typed, nil
}
