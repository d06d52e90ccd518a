package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/glimte/mmate-esb/activation"
	"github.com/glimte/mmate-esb/internal/reliability"
	"github.com/glimte/mmate-esb/messaging"
)

// ErrReferenceStopped is returned when a stopped reference receives an exchange
var ErrReferenceStopped = errors.New("http: reference is not started")

// StatusError is the fault content for a non-2xx response
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Sprintf("http: remote returned %d %s: %s", e.Status, http.StatusText(e.Status), body)
}

// OutboundReference provides a service by calling a remote HTTP endpoint
type OutboundReference struct {
	activation.Lifecycle
	name     string
	address  string
	method   string
	client   *http.Client
	composer *Composer
	policy   reliability.RetryPolicy
	maxBody  int64
	logger   *slog.Logger
}

type referenceConfig struct {
	method  string
	client  *http.Client
	policy  reliability.RetryPolicy
	maxBody int64
	logger  *slog.Logger
}

// ReferenceOption configures an outbound reference
type ReferenceOption func(*referenceConfig)

// WithMethod sets the request method, POST by default
func WithMethod(method string) ReferenceOption {
	return func(c *referenceConfig) {
		c.method = method
	}
}

// WithClient sets the HTTP client
func WithClient(client *http.Client) ReferenceOption {
	return func(c *referenceConfig) {
		c.client = client
	}
}

// WithRetryPolicy retries transport errors and 5xx responses
func WithRetryPolicy(policy reliability.RetryPolicy) ReferenceOption {
	return func(c *referenceConfig) {
		c.policy = policy
	}
}

// WithResponseLimit bounds response bodies
func WithResponseLimit(n int64) ReferenceOption {
	return func(c *referenceConfig) {
		c.maxBody = n
	}
}

// WithReferenceLogger sets the logger
func WithReferenceLogger(logger *slog.Logger) ReferenceOption {
	return func(c *referenceConfig) {
		c.logger = logger
	}
}

// NewOutboundReference creates a reference to address
func NewOutboundReference(name, address string, composer *Composer, opts ...ReferenceOption) (*OutboundReference, error) {
	u, err := url.Parse(address)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("http reference %s: invalid address %q", name, address)
	}
	if composer == nil {
		return nil, fmt.Errorf("http reference %s: composer is required", name)
	}

	cfg := &referenceConfig{
		method: http.MethodPost,
		client: http.DefaultClient,
		policy: reliability.NoRetry,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	return &OutboundReference{
		name:     name,
		address:  address,
		method:   cfg.method,
		client:   cfg.client,
		composer: composer,
		policy:   cfg.policy,
		maxBody:  cfg.maxBody,
		logger:   cfg.logger.With("endpoint", name, "bindingType", BindingType, "address", address),
	}, nil
}

// Start implements activation.ServiceHandler
func (r *OutboundReference) Start(ctx context.Context) error {
	r.SetState(activation.HandlerStarted)
	return nil
}

// Stop implements activation.ServiceHandler
func (r *OutboundReference) Stop(ctx context.Context) error {
	r.SetState(activation.HandlerStopped)
	r.client.CloseIdleConnections()
	return nil
}

// HandleMessage forwards the IN message and sends the response back as the reply
func (r *OutboundReference) HandleMessage(ex *messaging.Exchange) error {
	if ex.Phase() != messaging.PhaseIn {
		return nil
	}
	if !r.Started() {
		return ErrReferenceStopped
	}

	out := &BindingData{Headers: make(map[string][]string)}
	if _, err := r.composer.Compose(out, ex); err != nil {
		return err
	}

	ctx := ex.RequestContext()
	var in *BindingData
	err := reliability.Retry(ctx, r.policy, func() error {
		req, err := http.NewRequestWithContext(ctx, r.method, r.address, bytes.NewReader(out.Payload))
		if err != nil {
			return reliability.Permanent(err)
		}
		out.Apply(req)

		res, err := r.client.Do(req)
		if err != nil {
			r.logger.Debug("http call failed", "exchangeId", ex.ID(), "error", err)
			return err
		}
		defer res.Body.Close()

		data, err := NewResponseData(res, r.maxBody)
		if err != nil {
			return err
		}
		if res.StatusCode >= http.StatusInternalServerError {
			return &StatusError{Status: res.StatusCode, Body: data.Payload}
		}
		in = data
		return nil
	})
	if err != nil {
		return fmt.Errorf("http reference %s: %w", r.name, err)
	}

	if in.Status >= http.StatusBadRequest {
		return &StatusError{Status: in.Status, Body: in.Payload}
	}
	if ex.Pattern() == messaging.InOnly {
		return nil
	}

	reply, err := r.composer.Decompose(ex, in)
	if err != nil {
		return err
	}
	return ex.Send(reply)
}

// HandleFault implements messaging.ExchangeHandler
func (r *OutboundReference) HandleFault(ex *messaging.Exchange) error {
	return nil
}
