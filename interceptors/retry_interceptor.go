package interceptors

import (
	"errors"
	"log/slog"

	"github.com/glimte/mmate-esb/internal/reliability"
	"github.com/glimte/mmate-esb/messaging"
)

// RetryHandler retries a wrapped provider while it fails without having
// moved the exchange out of the request phase
type RetryHandler struct {
	passive
	next   messaging.ExchangeHandler
	policy reliability.RetryPolicy
	logger *slog.Logger
}

// NewRetryHandler wraps next with a retry policy
func NewRetryHandler(next messaging.ExchangeHandler, policy reliability.RetryPolicy) *RetryHandler {
	return &RetryHandler{
		next:   next,
		policy: policy,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger
func (h *RetryHandler) WithLogger(logger *slog.Logger) *RetryHandler {
	h.logger = logger
	return h
}

// HandleMessage implements messaging.ExchangeHandler
func (h *RetryHandler) HandleMessage(ex *messaging.Exchange) error {
	phase := ex.Phase()
	attempt := 0
	return reliability.Retry(ex.RequestContext(), h.policy, func() error {
		attempt++
		err := h.next.HandleMessage(ex)
		if err == nil {
			return nil
		}
		if ex.Phase() != phase {
			return reliability.Permanent(err)
		}
		h.logger.Debug("handler attempt failed",
			"exchangeId", ex.ID(),
			"attempt", attempt,
			"error", err)
		return err
	})
}

// Name implements Handler
func (h *RetryHandler) Name() string {
	return "RetryHandler"
}

// CircuitBreakerHandler stops calling a failing provider until its breaker closes
type CircuitBreakerHandler struct {
	passive
	next    messaging.ExchangeHandler
	breaker *reliability.CircuitBreaker
}

// NewCircuitBreakerHandler wraps next with a circuit breaker
func NewCircuitBreakerHandler(next messaging.ExchangeHandler, breaker *reliability.CircuitBreaker) *CircuitBreakerHandler {
	return &CircuitBreakerHandler{next: next, breaker: breaker}
}

// HandleMessage implements messaging.ExchangeHandler
func (h *CircuitBreakerHandler) HandleMessage(ex *messaging.Exchange) error {
	return h.breaker.Execute(ex.RequestContext(), func() error {
		return h.next.HandleMessage(ex)
	})
}

// Name implements Handler
func (h *CircuitBreakerHandler) Name() string {
	return "CircuitBreakerHandler"
}

// IsCircuitOpen checks if a fault was raised by an open circuit
func IsCircuitOpen(err error) bool {
	return errors.Is(err, reliability.ErrCircuitOpen)
}
