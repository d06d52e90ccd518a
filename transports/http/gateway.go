package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/glimte/mmate-esb/activation"
	"github.com/glimte/mmate-esb/binding"
	"github.com/glimte/mmate-esb/messaging"
	"github.com/gorilla/mux"
)

type responseKey struct{}

// response is the per-request sink the gateway writes the terminal message to
type response struct {
	w       http.ResponseWriter
	mu      sync.Mutex
	written bool
}

func responseFrom(ctx context.Context) (*response, bool) {
	r, ok := ctx.Value(responseKey{}).(*response)
	return r, ok
}

// InboundGateway serves one route and dispatches requests as exchanges
type InboundGateway struct {
	activation.Lifecycle
	name     string
	path     string
	methods  []string
	maxBody  int64
	endpoint *binding.InboundEndpoint
	composer *Composer
	router   *mux.Router
	route    *mux.Route
	logger   *slog.Logger
}

type gatewayConfig struct {
	methods []string
	maxBody int64
	logger  *slog.Logger
}

// GatewayOption configures an inbound gateway
type GatewayOption func(*gatewayConfig)

// WithMethods restricts the route to the given methods
func WithMethods(methods ...string) GatewayOption {
	return func(c *gatewayConfig) {
		c.methods = methods
	}
}

// WithMaxBodySize bounds request bodies
func WithMaxBodySize(n int64) GatewayOption {
	return func(c *gatewayConfig) {
		c.maxBody = n
	}
}

// WithGatewayLogger sets the logger
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(c *gatewayConfig) {
		c.logger = logger
	}
}

// NewInboundGateway creates a gateway that mounts path on router when started
func NewInboundGateway(name string, endpoint *binding.InboundEndpoint, composer *Composer, router *mux.Router, path string, opts ...GatewayOption) (*InboundGateway, error) {
	if endpoint == nil || composer == nil || router == nil {
		return nil, fmt.Errorf("http gateway %s: endpoint, composer and router are required", name)
	}
	cfg := &gatewayConfig{methods: []string{http.MethodPost}}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	return &InboundGateway{
		name:     name,
		path:     path,
		methods:  cfg.methods,
		maxBody:  cfg.maxBody,
		endpoint: endpoint,
		composer: composer,
		router:   router,
		logger:   cfg.logger.With("endpoint", name, "bindingType", BindingType),
	}, nil
}

// Path returns the mounted route template
func (g *InboundGateway) Path() string {
	return g.path
}

// Start mounts the route. A stopped gateway's route no longer matches, so
// a replacement can be mounted on the same path.
func (g *InboundGateway) Start(ctx context.Context) error {
	if g.route == nil {
		route := g.router.Handle(g.path, g).
			MatcherFunc(func(*http.Request, *mux.RouteMatch) bool { return g.Started() })
		if len(g.methods) > 0 {
			route = route.Methods(g.methods...)
		}
		g.route = route.Name(g.name)
		if err := g.route.GetError(); err != nil {
			g.SetState(activation.HandlerFailed)
			return fmt.Errorf("failed to mount %s: %w", g.path, err)
		}
	}
	g.SetState(activation.HandlerStarted)
	g.logger.Info("http gateway started", "path", g.path, "methods", g.methods)
	return nil
}

// Stop unmounts the route
func (g *InboundGateway) Stop(ctx context.Context) error {
	g.SetState(activation.HandlerStopped)
	g.logger.Info("http gateway stopped", "path", g.path)
	return nil
}

// ServeHTTP implements http.Handler
func (g *InboundGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.Started() {
		http.Error(w, "endpoint not active", http.StatusServiceUnavailable)
		return
	}

	data, err := NewRequestData(r, g.maxBody)
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	resp := &response{w: w}
	ctx := context.WithValue(r.Context(), responseKey{}, resp)
	ex, err := g.endpoint.Dispatch(ctx, data, g)

	resp.mu.Lock()
	defer resp.mu.Unlock()
	if resp.written {
		return
	}
	if err != nil {
		g.logger.Warn("http request rejected", "path", r.URL.Path, "error", err)
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	// IN_ONLY exchanges complete without a delivery
	g.logger.Debug("exchange accepted", "exchangeId", ex.ID())
	w.WriteHeader(http.StatusAccepted)
	resp.written = true
}

// HandleMessage writes the reply of an exchange created by this gateway
func (g *InboundGateway) HandleMessage(ex *messaging.Exchange) error {
	return g.respond(ex)
}

// HandleFault writes the fault of an exchange created by this gateway
func (g *InboundGateway) HandleFault(ex *messaging.Exchange) error {
	return g.respond(ex)
}

func (g *InboundGateway) respond(ex *messaging.Exchange) error {
	resp, ok := responseFrom(ex.RequestContext())
	if !ok {
		return fmt.Errorf("exchange %s has no pending http response", ex.ID())
	}
	resp.mu.Lock()
	defer resp.mu.Unlock()
	if resp.written {
		return nil
	}
	resp.written = true

	out := &BindingData{Headers: make(map[string][]string)}
	if _, err := g.composer.Compose(out, ex); err != nil {
		g.logger.Error("failed to compose http response", "exchangeId", ex.ID(), "error", err)
		http.Error(resp.w, "failed to compose response", http.StatusInternalServerError)
		return err
	}
	if ex.Phase().IsFault() {
		g.logger.Warn("exchange faulted", "exchangeId", ex.ID(), "phase", ex.Phase().String(), "status", out.Status)
	}
	return out.WriteTo(resp.w)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, binding.ErrOperationNotSelected),
		errors.Is(err, messaging.ErrPatternMismatch),
		binding.IsDecomposeError(err):
		return http.StatusBadRequest
	case errors.Is(err, messaging.ErrServiceNotFound),
		errors.Is(err, messaging.ErrOperationNotFound):
		return http.StatusNotFound
	case errors.Is(err, messaging.ErrDomainClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
