package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/mmate-esb/binding"
	"github.com/glimte/mmate-esb/messaging"
)

var (
	// ErrUnknownBindingType is returned when no activator handles a binding type
	ErrUnknownBindingType = errors.New("activation: unknown binding type")

	// ErrAlreadyActive is returned when activating an endpoint name twice
	ErrAlreadyActive = errors.New("activation: endpoint already active")

	// ErrNotActive is returned when deactivating an unknown endpoint
	ErrNotActive = errors.New("activation: endpoint not active")

	// ErrInvalidBinding is returned for structurally invalid binding declarations
	ErrInvalidBinding = errors.New("activation: invalid binding")
)

// HandlerState is the lifecycle state of a ServiceHandler
type HandlerState int

const (
	HandlerCreated HandlerState = iota
	HandlerStarted
	HandlerStopped
	HandlerFailed
)

func (s HandlerState) String() string {
	switch s {
	case HandlerCreated:
		return "CREATED"
	case HandlerStarted:
		return "STARTED"
	case HandlerStopped:
		return "STOPPED"
	case HandlerFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("HandlerState(%d)", int(s))
	}
}

// BindingConfig declares one endpoint
type BindingConfig struct {
	Name          string                           `yaml:"name"`
	Type          string                           `yaml:"type"`
	Service       string                           `yaml:"service"`
	Operation     string                           `yaml:"operation,omitempty"`
	Pattern       string                           `yaml:"pattern,omitempty"`
	Version       string                           `yaml:"version,omitempty"`
	Selector      *binding.OperationSelectorConfig `yaml:"selector,omitempty"`
	ContextMapper binding.ContextMapperConfig      `yaml:"contextMapper,omitempty"`
	Properties    map[string]string                `yaml:"properties,omitempty"`
}

// ExchangePattern parses Pattern, defaulting to IN_OUT
func (c BindingConfig) ExchangePattern() (messaging.Pattern, error) {
	if c.Pattern == "" {
		return messaging.InOut, nil
	}
	return messaging.ParsePattern(c.Pattern)
}

// Property returns a binding specific property or def
func (c BindingConfig) Property(key, def string) string {
	if v, ok := c.Properties[key]; ok && v != "" {
		return v
	}
	return def
}

// IntProperty returns a binding specific integer property or def
func (c BindingConfig) IntProperty(key string, def int) (int, error) {
	v, ok := c.Properties[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: property %s: %v", ErrInvalidBinding, key, err)
	}
	return n, nil
}

// BoolProperty returns a binding specific boolean property or def
func (c BindingConfig) BoolProperty(key string, def bool) (bool, error) {
	v, ok := c.Properties[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: property %s: %v", ErrInvalidBinding, key, err)
	}
	return b, nil
}

// DurationProperty returns a binding specific duration property or def
func (c BindingConfig) DurationProperty(key string, def time.Duration) (time.Duration, error) {
	v, ok := c.Properties[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: property %s: %v", ErrInvalidBinding, key, err)
	}
	return d, nil
}

// RequireProperty returns a binding specific property that must be set
func (c BindingConfig) RequireProperty(key string) (string, error) {
	v := c.Property(key, "")
	if v == "" {
		return "", fmt.Errorf("%w: %s requires property %q", ErrInvalidBinding, c.Name, key)
	}
	return v, nil
}

// Endpoint builds the inbound endpoint an inbound gateway dispatches through
func (c BindingConfig) Endpoint(domain *messaging.Domain, composer binding.Composer, logger *slog.Logger) (*binding.InboundEndpoint, error) {
	if c.Service == "" {
		return nil, fmt.Errorf("%w: %s has no service", ErrInvalidBinding, c.Name)
	}
	pattern, err := c.ExchangePattern()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBinding, err)
	}

	ep := &binding.InboundEndpoint{
		Name:      c.Name,
		Domain:    domain,
		Composer:  composer,
		Service:   c.Service,
		Version:   c.Version,
		Pattern:   pattern,
		Operation: c.Operation,
		Logger:    logger,
	}
	if c.Selector != nil {
		sel, err := binding.NewOperationSelector(*c.Selector)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBinding, err)
		}
		ep.Selector = sel
	}
	return ep, nil
}

// ServiceHandler is an active endpoint. Outbound references act as the
// provider of a service; inbound gateways receive their replies through it.
type ServiceHandler interface {
	messaging.ExchangeHandler
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() HandlerState
}

// Activator brings up the bindings of one or more binding types
type Activator interface {
	Types() []string
	Activate(ctx context.Context, name string, cfg BindingConfig) (ServiceHandler, error)
	Deactivate(ctx context.Context, name string, handler ServiceHandler) error
}

// Lifecycle tracks handler state for ServiceHandler implementations
type Lifecycle struct {
	mu    sync.RWMutex
	state HandlerState
}

// State implements ServiceHandler
func (l *Lifecycle) State() HandlerState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// SetState records a transition
func (l *Lifecycle) SetState(state HandlerState) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
}

// Started reports whether the handler is running
func (l *Lifecycle) Started() bool {
	return l.State() == HandlerStarted
}
