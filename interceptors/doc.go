// Package interceptors provides reusable exchange chain handlers.
//
// A service's handler chain runs each handler in order on the request (IN)
// and, once a provider has replied, runs the handlers that preceded it again
// in reverse order with the reply (OUT). Handlers in this package use that to
// add cross-cutting concerns without touching providers:
//   - LoggingHandler: logs requests, replies and chain errors
//   - MetricsHandler: records service handling time through a MetricsCollector
//   - ValidationHandler: faults requests rejected by a MessageValidator
//   - TransformHandler: checks and converts request and reply content types
//   - ContextEnrichmentHandler: adds exchange-scoped properties
//   - CachingHandler: replies from a cache and fills it from replies
//   - DuplicateDetectionHandler: faults requests whose message ID was already seen
//   - RetryHandler / CircuitBreakerHandler: wrap a provider with reliability policies
//
// Example usage:
//
//	handlers := interceptors.NewChainBuilder(logger).
//		WithLogging().
//		WithMetrics(collector).
//		WithValidation(validator).
//		Build()
//
//	_ = domain.RegisterService(&messaging.Service{
//		Name:     "OrderService",
//		Handlers: handlers,
//		Provider: provider,
//	})
//
// Custom handlers implement messaging.ExchangeHandler and Name:
//
//	type AuditHandler struct{}
//
//	func (h *AuditHandler) HandleMessage(ex *messaging.Exchange) error {
//		if ex.Phase() == messaging.PhaseIn {
//			// request path
//		}
//		return nil
//	}
//
//	func (h *AuditHandler) HandleFault(ex *messaging.Exchange) error { return nil }
//
//	func (h *AuditHandler) Name() string { return "AuditHandler" }
package interceptors
