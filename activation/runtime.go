package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/mmate-esb/messaging"
)

// ActiveBinding is an endpoint known to the runtime
type ActiveBinding struct {
	Name    string
	Config  BindingConfig
	Handler ServiceHandler
}

// Runtime activates and deactivates endpoints against a domain
type Runtime struct {
	domain     *messaging.Domain
	logger     *slog.Logger
	activators map[string]Activator
	active     map[string]*ActiveBinding
	mu         sync.RWMutex
}

type runtimeConfig struct {
	logger     *slog.Logger
	activators []Activator
}

// RuntimeOption configures the runtime
type RuntimeOption func(*runtimeConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) RuntimeOption {
	return func(c *runtimeConfig) {
		c.logger = logger
	}
}

// WithActivator registers an activator at construction
func WithActivator(a Activator) RuntimeOption {
	return func(c *runtimeConfig) {
		c.activators = append(c.activators, a)
	}
}

// NewRuntime creates a runtime for domain
func NewRuntime(domain *messaging.Domain, opts ...RuntimeOption) (*Runtime, error) {
	if domain == nil {
		return nil, fmt.Errorf("domain cannot be nil")
	}
	cfg := &runtimeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	r := &Runtime{
		domain:     domain,
		logger:     cfg.logger,
		activators: make(map[string]Activator),
		active:     make(map[string]*ActiveBinding),
	}
	for _, a := range cfg.activators {
		if err := r.RegisterActivator(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Domain returns the domain endpoints are activated against
func (r *Runtime) Domain() *messaging.Domain {
	return r.domain
}

// RegisterActivator makes an activator's binding types available
func (r *Runtime) RegisterActivator(a Activator) error {
	if a == nil {
		return fmt.Errorf("activator cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range a.Types() {
		if _, exists := r.activators[t]; exists {
			return fmt.Errorf("activator for binding type %s already registered", t)
		}
	}
	for _, t := range a.Types() {
		r.activators[t] = a
	}
	return nil
}

// Types returns the binding types that can be activated
func (r *Runtime) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.activators))
	for t := range r.activators {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Activate brings up and starts an endpoint
func (r *Runtime) Activate(ctx context.Context, cfg BindingConfig) (ServiceHandler, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: endpoint name is required", ErrInvalidBinding)
	}

	r.mu.Lock()
	activator, ok := r.activators[cfg.Type]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownBindingType, cfg.Type)
	}
	if _, exists := r.active[cfg.Name]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyActive, cfg.Name)
	}
	// reserve the name while the activator runs
	r.active[cfg.Name] = nil
	r.mu.Unlock()

	handler, err := activator.Activate(ctx, cfg.Name, cfg)
	if err == nil {
		if err = handler.Start(ctx); err != nil {
			if derr := activator.Deactivate(ctx, cfg.Name, handler); derr != nil {
				r.logger.Error("failed to deactivate endpoint after start failure",
					"endpoint", cfg.Name, "error", derr)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		delete(r.active, cfg.Name)
		return nil, fmt.Errorf("failed to activate endpoint %s: %w", cfg.Name, err)
	}
	r.active[cfg.Name] = &ActiveBinding{Name: cfg.Name, Config: cfg, Handler: handler}

	r.logger.Info("endpoint activated",
		"endpoint", cfg.Name,
		"bindingType", cfg.Type,
		"service", cfg.Service)
	return handler, nil
}

// Deactivate stops an endpoint and releases its resources
func (r *Runtime) Deactivate(ctx context.Context, name string) error {
	r.mu.Lock()
	active, ok := r.active[name]
	if !ok || active == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotActive, name)
	}
	delete(r.active, name)
	activator := r.activators[active.Config.Type]
	r.mu.Unlock()

	var errs []error
	if err := active.Handler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop: %w", err))
	}
	if err := activator.Deactivate(ctx, name, active.Handler); err != nil {
		errs = append(errs, fmt.Errorf("deactivate: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to deactivate endpoint %s: %w", name, errors.Join(errs...))
	}

	r.logger.Info("endpoint deactivated", "endpoint", name)
	return nil
}

// DeactivateAll deactivates every endpoint, continuing past failures
func (r *Runtime) DeactivateAll(ctx context.Context) error {
	var errs []error
	for _, b := range r.Handlers() {
		if err := r.Deactivate(ctx, b.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handlers returns the active endpoints ordered by name
func (r *Runtime) Handlers() []ActiveBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ActiveBinding, 0, len(r.active))
	for _, b := range r.active {
		if b != nil {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Handler returns the handler of an active endpoint
func (r *Runtime) Handler(name string) (ServiceHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.active[name]
	if !ok || b == nil {
		return nil, false
	}
	return b.Handler, true
}
