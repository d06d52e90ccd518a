package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/glimte/mmate-esb/activation"
	"github.com/glimte/mmate-esb/internal/reliability"
	"github.com/glimte/mmate-esb/messaging"
	"github.com/gorilla/mux"
)

// Binding types handled by Activator
const (
	TypeInbound   = "http"
	TypeReference = "http.reference"
)

// Activator activates HTTP gateways on a shared router and HTTP references.
//
// Gateway properties: path (default /<service>), methods (comma separated,
// default POST), maxBodySize. Reference properties: address (required),
// method, timeout, retries.
type Activator struct {
	domain *messaging.Domain
	router *mux.Router
	client *http.Client
	logger *slog.Logger
}

// ActivatorOption configures the activator
type ActivatorOption func(*Activator)

// WithHTTPClient sets the client shared by references without a timeout
func WithHTTPClient(client *http.Client) ActivatorOption {
	return func(a *Activator) {
		a.client = client
	}
}

// WithActivatorLogger sets the logger
func WithActivatorLogger(logger *slog.Logger) ActivatorOption {
	return func(a *Activator) {
		a.logger = logger
	}
}

// NewActivator creates an activator mounting gateways on router
func NewActivator(domain *messaging.Domain, router *mux.Router, opts ...ActivatorOption) *Activator {
	a := &Activator{
		domain: domain,
		router: router,
		client: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Router returns the router gateways are mounted on
func (a *Activator) Router() *mux.Router {
	return a.router
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
	maxBody, err := cfg.IntProperty("maxBodySize", 0)
	if err != nil {
		return nil, err
	}

	var methods []string
	for _, m := range strings.Split(cfg.Property("methods", http.MethodPost), ",") {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			methods = append(methods, m)
		}
	}

	gw, err := NewInboundGateway(name, endpoint, composer, a.router, cfg.Property("path", "/"+cfg.Service),
		WithMethods(methods...),
		WithMaxBodySize(int64(maxBody)),
		WithGatewayLogger(a.logger))
	if err != nil {
		return nil, err
	}
	return gw, nil
}

func (a *Activator) activateReference(name string, cfg activation.BindingConfig, composer *Composer) (activation.ServiceHandler, error) {
	address, err := cfg.RequireProperty("address")
	if err != nil {
		return nil, err
	}
	retries, err := cfg.IntProperty("retries", 0)
	if err != nil {
		return nil, err
	}

	client := a.client
	if v := cfg.Property("timeout", ""); v != "" {
		timeout, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%w: timeout: %v", activation.ErrInvalidBinding, err)
		}
		client = &http.Client{Timeout: timeout}
	}

	opts := []ReferenceOption{
		WithClient(client),
		WithMethod(strings.ToUpper(cfg.Property("method", http.MethodPost))),
		WithReferenceLogger(a.logger),
	}
	if retries > 0 {
		opts = append(opts, WithRetryPolicy(
			reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, retries)))
	}
	ref, err := NewOutboundReference(name, address, composer, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", activation.ErrInvalidBinding, err)
	}
	return ref, nil
}

// Deactivate implements activation.Activator. Stopped gateways stop
// matching their route; references release idle connections on Stop.
func (a *Activator) Deactivate(ctx context.Context, name string, handler activation.ServiceHandler) error {
	a.logger.Debug("http endpoint released", "endpoint", name)
	return nil
}
