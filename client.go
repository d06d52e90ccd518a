// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/mmate-esb/activation"
	"github.com/glimte/mmate-esb/bridge"
	"github.com/glimte/mmate-esb/config"
	"github.com/glimte/mmate-esb/health"
	"github.com/glimte/mmate-esb/interceptors"
	"github.com/glimte/mmate-esb/internal/journal"
	rmq "github.com/glimte/mmate-esb/internal/rabbitmq"
	"github.com/glimte/mmate-esb/messaging"
	"github.com/glimte/mmate-esb/metrics"
	"github.com/glimte/mmate-esb/schema"
	httpTransport "github.com/glimte/mmate-esb/transports/http"
	rabbitmqTransport "github.com/glimte/mmate-esb/transports/rabbitmq"
	"github.com/glimte/mmate-esb/transports/redisstream"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNoProvider is returned when a service has neither a reference binding nor a registered provider
	ErrNoProvider = errors.New("mmate: service has no provider")
	// ErrBusStarted is returned when Start is called twice
	ErrBusStarted = errors.New("mmate: bus already started")
)

// Bus wires a domain, its endpoints and the admin surface from a deployment descriptor
type Bus struct {
	cfg        *config.Config
	logger     *slog.Logger
	domain     *messaging.Domain
	runtime    *activation.Runtime
	invoker    *bridge.Invoker
	collector  *metrics.Collector
	journal    *journal.Journal
	registry   *prometheus.Registry
	health     *health.Registry
	router     *mux.Router
	amqp       *rmq.ConnectionManager
	amqpAct    *rabbitmqTransport.Activator
	redis      *redis.Client
	providers  map[string]messaging.ExchangeHandler
	handlers   []messaging.ExchangeHandler
	schemas    *schema.Registry
	shutdown   time.Duration
	mu         sync.Mutex
	started    bool
	registered []messaging.ServiceReference
}

// NewBus builds the bus described by cfg. Connections are opened by Start.
func NewBus(cfg *config.Config, options ...BusOption) (*Bus, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", config.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bc := &busConfig{
		logger:      slog.Default(),
		providers:   make(map[string]messaging.ExchangeHandler),
		journalSize: 10000,
		shutdown:    10 * time.Second,
	}
	for _, opt := range options {
		opt(bc)
	}
	if bc.registry == nil {
		bc.registry = prometheus.NewRegistry()
		bc.registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		)
	}
	logger := bc.logger.With("domain", cfg.Domain.Name)

	collector := metrics.NewCollector()
	if err := collector.Register(bc.registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	history := journal.New(journal.WithMaxEntries(bc.journalSize))

	domainOpts := []messaging.DomainOption{
		messaging.WithDomainName(cfg.Domain.Name),
		messaging.WithDomainLogger(logger),
		messaging.WithExchangeObserver(collector),
		messaging.WithExchangeObserver(history),
	}
	if cfg.Domain.DeliveryWorkers > 0 {
		domainOpts = append(domainOpts, messaging.WithDeliveryWorkers(cfg.Domain.DeliveryWorkers, cfg.Domain.DeliveryBuffer))
	}
	domain := messaging.NewDomain(domainOpts...)

	b := &Bus{
		cfg:       cfg,
		logger:    logger,
		domain:    domain,
		collector: collector,
		journal:   history,
		registry:  bc.registry,
		health:    health.NewRegistry(),
		router:    mux.NewRouter(),
		providers: bc.providers,
		handlers:  bc.handlers,
		schemas:   bc.schemas,
		shutdown:  bc.shutdown,
	}

	activators := []activation.Activator{
		httpTransport.NewActivator(domain, b.router, httpTransport.WithActivatorLogger(logger)),
	}

	if cfg.Transports.AMQP.URL != "" {
		connOpts := []rmq.ConnectionOption{rmq.WithLogger(logger)}
		if cfg.Transports.AMQP.MaxRetries > 0 {
			connOpts = append(connOpts, rmq.WithMaxRetries(cfg.Transports.AMQP.MaxRetries))
		}
		b.amqp = rmq.NewConnectionManager(cfg.Transports.AMQP.URL, connOpts...)
		act, err := rabbitmqTransport.NewActivator(domain, b.amqp, rabbitmqTransport.WithActivatorLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create amqp activator: %w", err)
		}
		b.amqpAct = act
		activators = append(activators, act)
		b.health.Register(health.NewAMQPChecker(b.amqp))
	}

	if cfg.Transports.Redis.Address != "" {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Transports.Redis.Address,
			Username: cfg.Transports.Redis.Username,
			Password: cfg.Transports.Redis.Password,
			DB:       cfg.Transports.Redis.DB,
		})
		activators = append(activators, redisstream.NewActivator(domain, b.redis, redisstream.WithActivatorLogger(logger)))
		b.health.Register(health.NewRedisChecker(b.redis))
	}

	runtimeOpts := []activation.RuntimeOption{activation.WithLogger(logger)}
	for _, a := range activators {
		runtimeOpts = append(runtimeOpts, activation.WithActivator(a))
	}
	rt, err := activation.NewRuntime(domain, runtimeOpts...)
	if err != nil {
		return nil, err
	}
	b.runtime = rt
	b.invoker = bridge.NewInvoker(domain, bridge.WithLogger(logger))

	b.health.Register(health.NewDomainChecker(domain, 0))
	b.health.Register(health.NewBindingChecker(rt))
	b.health.Register(health.NewGoroutineChecker(5000, 20000))
	b.health.SetMetadata("domain", cfg.Domain.Name)

	return b, nil
}

// Start connects transports, registers services and activates inbound bindings.
// Reference bindings are activated as the providers of their services.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrBusStarted
	}

	if b.amqp != nil {
		if err := b.amqp.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to broker: %w", err)
		}
	}

	for _, sc := range b.cfg.Services {
		provider, err := b.provider(ctx, sc)
		if err != nil {
			return b.abort(ctx, err)
		}
		svc, err := sc.Service(provider)
		if err != nil {
			return b.abort(ctx, err)
		}
		builder := interceptors.NewChainBuilder(b.logger).WithLogging().WithMetrics(b.collector)
		if b.schemas != nil {
			builder = builder.WithValidation(b.schemas.Validator())
		}
		svc.Handlers = append(builder.Build(), b.handlers...)
		if err := b.domain.RegisterService(svc); err != nil {
			return b.abort(ctx, fmt.Errorf("failed to register service %s: %w", sc.Name, err))
		}
		b.registered = append(b.registered, messaging.ServiceReference{Name: sc.Name, Version: sc.Version})
	}

	for _, cfg := range b.cfg.Inbound() {
		if _, err := b.runtime.Activate(ctx, cfg); err != nil {
			return b.abort(ctx, err)
		}
	}

	b.started = true
	b.logger.Info("bus started",
		"services", len(b.cfg.Services),
		"bindings", len(b.runtime.Handlers()))
	return nil
}

func (b *Bus) provider(ctx context.Context, sc config.ServiceConfig) (messaging.ExchangeHandler, error) {
	if sc.Reference != "" {
		cfg, _ := b.cfg.Binding(sc.Reference)
		handler, err := b.runtime.Activate(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return handler, nil
	}
	if p, ok := b.providers[sc.Name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProvider, sc.Name)
}

// abort undoes a partial Start
func (b *Bus) abort(ctx context.Context, cause error) error {
	if err := b.runtime.DeactivateAll(ctx); err != nil {
		b.logger.Error("failed to deactivate endpoints", "error", err)
	}
	for _, ref := range b.registered {
		_ = b.domain.Registry().Unregister(ref.Name, ref.Version)
	}
	b.registered = nil
	return cause
}

// Close deactivates endpoints, drains the domain and releases connections
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	if err := b.runtime.DeactivateAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := b.invoker.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := b.domain.Close(b.shutdown); err != nil {
		errs = append(errs, err)
	}
	if b.amqpAct != nil {
		if err := b.amqpAct.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.amqp != nil {
		if err := b.amqp.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.collector.Unregister(b.registry)
	b.started = false
	return errors.Join(errs...)
}

// Domain returns the exchange domain
func (b *Bus) Domain() *messaging.Domain {
	return b.domain
}

// Runtime returns the endpoint runtime
func (b *Bus) Runtime() *activation.Runtime {
	return b.runtime
}

// Invoker returns the blocking request-reply facade over the domain
func (b *Bus) Invoker() *bridge.Invoker {
	return b.invoker
}

// Health returns the health check registry
func (b *Bus) Health() *health.Registry {
	return b.health
}

// Metrics returns the prometheus registry the bus reports to
func (b *Bus) Metrics() *prometheus.Registry {
	return b.registry
}

// Handler returns the router inbound HTTP gateways are mounted on
func (b *Bus) Handler() http.Handler {
	return b.router
}

// AdminHandler serves metrics, health and the service and binding listings
func (b *Bus) AdminHandler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{
		ErrorLog:      promLogger{b.logger},
		ErrorHandling: promhttp.ContinueOnError,
	}))
	r.Handle("/healthz", health.NewHandler(b.health, 5*time.Second))
	r.Handle("/readyz", health.ReadinessHandler(b.health))
	r.Handle("/livez", health.LivenessHandler())
	r.HandleFunc("/services", b.serveServices).Methods(http.MethodGet)
	r.HandleFunc("/bindings", b.serveBindings).Methods(http.MethodGet)
	r.HandleFunc("/exchanges", b.serveExchanges).Methods(http.MethodGet)
	r.HandleFunc("/exchanges/{id}", b.serveExchange).Methods(http.MethodGet)
	return r
}

// ServiceInfo describes a registered service
type ServiceInfo struct {
	Name       string            `json:"name"`
	Version    string            `json:"version,omitempty"`
	Operations []OperationInfo   `json:"operations,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OperationInfo describes one operation of a service
type OperationInfo struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
}

// BindingInfo describes an active endpoint
type BindingInfo struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Service string `json:"service"`
	State   string `json:"state"`
}

// Services lists the registered services
func (b *Bus) Services() []ServiceInfo {
	services := b.domain.Registry().Services()
	out := make([]ServiceInfo, 0, len(services))
	for _, svc := range services {
		info := ServiceInfo{Name: svc.Name, Version: svc.Version, Metadata: svc.Metadata}
		for _, op := range svc.Interface.Operations {
			info.Operations = append(info.Operations, OperationInfo{Name: op.Name, Pattern: op.Pattern.String()})
		}
		out = append(out, info)
	}
	return out
}

// Bindings lists the active endpoints
func (b *Bus) Bindings() []BindingInfo {
	active := b.runtime.Handlers()
	out := make([]BindingInfo, 0, len(active))
	for _, a := range active {
		out = append(out, BindingInfo{
			Name:    a.Name,
			Type:    a.Config.Type,
			Service: a.Config.Service,
			State:   a.Handler.State().String(),
		})
	}
	return out
}

func (b *Bus) serveServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, b.Services())
}

func (b *Bus) serveBindings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, b.Bindings())
}

// RecentExchanges returns up to limit of the most recently completed
// exchanges, optionally only those of service
func (b *Bus) RecentExchanges(service string, limit int) []journal.Entry {
	if service != "" {
		return b.journal.ByService(service, limit)
	}
	return b.journal.Recent(limit)
}

func (b *Bus) serveExchanges(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, b.RecentExchanges(r.URL.Query().Get("service"), limit))
}

func (b *Bus) serveExchange(w http.ResponseWriter, r *http.Request) {
	entry, ok := b.journal.ByExchangeID(mux.Vars(r)["id"])
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, entry)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(v)
}

// promLogger implements promhttp.Logger
type promLogger struct {
	logger *slog.Logger
}

func (l promLogger) Println(v ...interface{}) {
	l.logger.Error(fmt.Sprint(v...))
}

// busConfig holds bus configuration
type busConfig struct {
	logger      *slog.Logger
	registry    *prometheus.Registry
	providers   map[string]messaging.ExchangeHandler
	handlers    []messaging.ExchangeHandler
	schemas     *schema.Registry
	journalSize int
	shutdown    time.Duration
}

// BusOption configures the bus
type BusOption func(*busConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) BusOption {
	return func(cfg *busConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMetricsRegistry reports metrics to registry instead of a private one
func WithMetricsRegistry(registry *prometheus.Registry) BusOption {
	return func(cfg *busConfig) {
		cfg.registry = registry
	}
}

// WithProvider supplies the provider of a service declared without a reference binding
func WithProvider(service string, provider messaging.ExchangeHandler) BusOption {
	return func(cfg *busConfig) {
		cfg.providers[service] = provider
	}
}

// WithInterceptors appends handlers to every service chain after logging and metrics
func WithInterceptors(handlers ...messaging.ExchangeHandler) BusOption {
	return func(cfg *busConfig) {
		cfg.handlers = append(cfg.handlers, handlers...)
	}
}

// WithSchemas validates request content against the operation input types in registry
func WithSchemas(registry *schema.Registry) BusOption {
	return func(cfg *busConfig) {
		cfg.schemas = registry
	}
}

// WithJournalSize bounds the completed exchange history served on /exchanges
func WithJournalSize(n int) BusOption {
	return func(cfg *busConfig) {
		cfg.journalSize = n
	}
}

// WithShutdownTimeout bounds how long Close waits for pending deliveries
func WithShutdownTimeout(timeout time.Duration) BusOption {
	return func(cfg *busConfig) {
		if timeout > 0 {
			cfg.shutdown = timeout
		}
	}
}
