package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-esb/contracts"
	"github.com/glimte/mmate-esb/serialization"
)

// ExchangeObserver is notified when exchanges start and complete.
// Observers run on the goroutine driving the exchange and must not block.
type ExchangeObserver interface {
	ExchangeStarted(ex *Exchange)
	ExchangeCompleted(ex *Exchange)
}

// Domain dispatches exchanges to registered services
type Domain struct {
	name       string
	registry   *ServiceRegistry
	converters *serialization.Registry
	tracker    *ExchangeTracker
	pool       *DeliveryPool
	logger     *slog.Logger
	handlers   []ExchangeHandler
	closed     atomic.Bool

	observersMu sync.RWMutex
	observers   []ExchangeObserver
}

type domainConfig struct {
	name       string
	logger     *slog.Logger
	registry   *ServiceRegistry
	converters *serialization.Registry
	workers    int
	bufferSize int
	handlers   []ExchangeHandler
	observers  []ExchangeObserver
}

// DomainOption configures a Domain
type DomainOption func(*domainConfig)

// WithDomainName sets the domain name used in logs
func WithDomainName(name string) DomainOption {
	return func(c *domainConfig) {
		c.name = name
	}
}

// WithDomainLogger sets the logger
func WithDomainLogger(logger *slog.Logger) DomainOption {
	return func(c *domainConfig) {
		c.logger = logger
	}
}

// WithServiceRegistry shares an existing registry
func WithServiceRegistry(registry *ServiceRegistry) DomainOption {
	return func(c *domainConfig) {
		c.registry = registry
	}
}

// WithConverters sets the content converters attached to messages created by exchanges
func WithConverters(converters *serialization.Registry) DomainOption {
	return func(c *domainConfig) {
		c.converters = converters
	}
}

// WithDeliveryWorkers sizes the asynchronous delivery pool
func WithDeliveryWorkers(workers, bufferSize int) DomainOption {
	return func(c *domainConfig) {
		c.workers = workers
		c.bufferSize = bufferSize
	}
}

// WithDomainHandlers adds handlers that run ahead of every service's own handlers
func WithDomainHandlers(handlers ...ExchangeHandler) DomainOption {
	return func(c *domainConfig) {
		c.handlers = append(c.handlers, handlers...)
	}
}

// WithExchangeObserver registers an observer
func WithExchangeObserver(observer ExchangeObserver) DomainOption {
	return func(c *domainConfig) {
		c.observers = append(c.observers, observer)
	}
}

// NewDomain creates a domain
func NewDomain(opts ...DomainOption) *Domain {
	cfg := &domainConfig{
		name:       "default",
		workers:    4,
		bufferSize: 256,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	logger := cfg.logger.With("domain", cfg.name)
	if cfg.registry == nil {
		cfg.registry = NewServiceRegistry(logger)
	}
	if cfg.converters == nil {
		cfg.converters = serialization.NewRegistry()
	}

	return &Domain{
		name:       cfg.name,
		registry:   cfg.registry,
		converters: cfg.converters,
		tracker:    NewExchangeTracker(),
		pool:       NewDeliveryPool(cfg.workers, cfg.bufferSize, logger),
		logger:     logger,
		handlers:   cfg.handlers,
		observers:  cfg.observers,
	}
}

// Name returns the domain name
func (d *Domain) Name() string {
	return d.name
}

// Registry returns the service registry
func (d *Domain) Registry() *ServiceRegistry {
	return d.registry
}

// Converters returns the converter registry
func (d *Domain) Converters() *serialization.Registry {
	return d.converters
}

// Tracker returns the live exchange tracker
func (d *Domain) Tracker() *ExchangeTracker {
	return d.tracker
}

// Pool returns the asynchronous delivery pool
func (d *Domain) Pool() *DeliveryPool {
	return d.pool
}

// Logger returns the domain logger
func (d *Domain) Logger() *slog.Logger {
	return d.logger
}

// AddObserver registers an exchange observer
func (d *Domain) AddObserver(observer ExchangeObserver) {
	if observer == nil {
		return
	}
	d.observersMu.Lock()
	d.observers = append(d.observers, observer)
	d.observersMu.Unlock()
}

// RegisterService adds a service to the registry
func (d *Domain) RegisterService(svc *Service) error {
	if d.closed.Load() {
		return ErrDomainClosed
	}
	return d.registry.Register(svc)
}

type exchangeConfig struct {
	replyHandler ExchangeHandler
	asyncReply   bool
	operation    string
	version      string
	context      *contracts.Context
	requestCtx   context.Context
}

// ExchangeOption configures an exchange
type ExchangeOption func(*exchangeConfig)

// WithReplyHandler sets the consumer that receives the reply or fault
func WithReplyHandler(handler ExchangeHandler) ExchangeOption {
	return func(c *exchangeConfig) {
		c.replyHandler = handler
	}
}

// WithAsyncReply delivers the reply or fault on a pool worker
func WithAsyncReply() ExchangeOption {
	return func(c *exchangeConfig) {
		c.asyncReply = true
	}
}

// WithOperation targets a named operation
func WithOperation(name string) ExchangeOption {
	return func(c *exchangeConfig) {
		c.operation = name
	}
}

// WithVersion constrains the service version
func WithVersion(constraint string) ExchangeOption {
	return func(c *exchangeConfig) {
		c.version = constraint
	}
}

// WithExchangeContext seeds the exchange context with a copy of ctx's properties
func WithExchangeContext(ctx *contracts.Context) ExchangeOption {
	return func(c *exchangeConfig) {
		c.context = ctx
	}
}

// WithRequestContext attaches the caller's context, used by providers for blocking work
func WithRequestContext(ctx context.Context) ExchangeOption {
	return func(c *exchangeConfig) {
		c.requestCtx = ctx
	}
}

// CreateExchange resolves a service and returns a new exchange in state INITIAL
func (d *Domain) CreateExchange(service string, pattern Pattern, opts ...ExchangeOption) (*Exchange, error) {
	if d.closed.Load() {
		return nil, ErrDomainClosed
	}

	cfg := &exchangeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	svc, err := d.registry.Lookup(ServiceReference{Name: service, Version: cfg.version})
	if err != nil {
		return nil, err
	}

	op, err := resolveOperation(svc, cfg.operation, pattern)
	if err != nil {
		return nil, err
	}

	ex, err := newExchange(d, svc, op, pattern, cfg)
	if err != nil {
		return nil, err
	}
	if err := d.tracker.Track(ex); err != nil {
		return nil, fmt.Errorf("failed to track exchange: %w", err)
	}
	return ex, nil
}

// RejectExchange creates an exchange for a request that cannot be routed and
// faults it with cause before any provider sees it. The consumer given by
// WithReplyHandler receives the fault. Service and operation are recorded as
// requested; a service that does not resolve is kept by name only.
func (d *Domain) RejectExchange(service string, pattern Pattern, cause error, opts ...ExchangeOption) (*Exchange, error) {
	if d.closed.Load() {
		return nil, ErrDomainClosed
	}
	if cause == nil {
		return nil, &contracts.InvalidArgumentError{Argument: "cause", Reason: "cannot be nil"}
	}

	cfg := &exchangeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	svc, err := d.registry.Lookup(ServiceReference{Name: service, Version: cfg.version})
	if err != nil {
		svc = &Service{Name: service}
	}

	ex, err := newExchange(d, svc, Operation{Name: cfg.operation, Pattern: pattern}, pattern, cfg)
	if err != nil {
		return nil, err
	}
	if err := d.tracker.Track(ex); err != nil {
		return nil, fmt.Errorf("failed to track exchange: %w", err)
	}
	if err := ex.Fault(cause); err != nil {
		return ex, err
	}
	return ex, nil
}

func resolveOperation(svc *Service, name string, pattern Pattern) (Operation, error) {
	if len(svc.Interface.Operations) == 0 {
		return Operation{Name: name, Pattern: pattern}, nil
	}
	op, ok := svc.Interface.Operation(name)
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrOperationNotFound,
			ServiceReference{Name: svc.Name, Version: svc.Version, Operation: name})
	}
	if op.Pattern != pattern {
		return Operation{}, fmt.Errorf("%w: %s.%s is %s, requested %s",
			ErrPatternMismatch, svc.Name, op.Name, op.Pattern, pattern)
	}
	return op, nil
}

// Send advances ex with msg
func (d *Domain) Send(ex *Exchange, msg *contracts.Message) error {
	return ex.Send(msg)
}

// SendFault faults ex with msg
func (d *Domain) SendFault(ex *Exchange, msg *contracts.Message) error {
	return ex.SendFault(msg)
}

// Close rejects new exchanges and drains pending asynchronous deliveries
func (d *Domain) Close(timeout time.Duration) error {
	if d.closed.Swap(true) {
		return nil
	}
	d.logger.Info("closing domain", "liveExchanges", d.tracker.Len())
	return d.pool.Close(timeout)
}

// Closed reports whether Close was called
func (d *Domain) Closed() bool {
	return d.closed.Load()
}

func (d *Domain) dispatch(ex *Exchange) {
	d.notifyStarted(ex)

	handlers := make([]ExchangeHandler, 0, len(d.handlers)+len(ex.service.Handlers)+1)
	handlers = append(handlers, d.handlers...)
	handlers = append(handlers, ex.service.Handlers...)
	handlers = append(handlers, ex.service.Provider)

	NewHandlerChain(ex.logger, handlers...).Process(ex)
	ex.complete()
}

func (d *Domain) notifyStarted(ex *Exchange) {
	d.observersMu.RLock()
	defer d.observersMu.RUnlock()
	for _, o := range d.observers {
		o.ExchangeStarted(ex)
	}
}

func (d *Domain) notifyCompleted(ex *Exchange) {
	d.observersMu.RLock()
	defer d.observersMu.RUnlock()
	for _, o := range d.observers {
		o.ExchangeCompleted(ex)
	}
}
