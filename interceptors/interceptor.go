package interceptors

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-esb/contracts"
	"github.com/glimte/mmate-esb/messaging"
)

// Handler is a named exchange chain handler
type Handler interface {
	messaging.ExchangeHandler
	Name() string
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc struct {
	name string
	fn   func(ex *messaging.Exchange) error
}

// NewHandlerFunc creates a new function-based handler
func NewHandlerFunc(name string, fn func(ex *messaging.Exchange) error) *HandlerFunc {
	return &HandlerFunc{name: name, fn: fn}
}

// HandleMessage implements messaging.ExchangeHandler
func (h *HandlerFunc) HandleMessage(ex *messaging.Exchange) error {
	return h.fn(ex)
}

// HandleFault implements messaging.ExchangeHandler
func (h *HandlerFunc) HandleFault(ex *messaging.Exchange) error {
	return nil
}

// Name implements Handler
func (h *HandlerFunc) Name() string {
	return h.name
}

// passive provides the fault callback for chain handlers, which the chain never invokes
type passive struct{}

func (passive) HandleFault(ex *messaging.Exchange) error {
	return nil
}

const startedAtProperty = "interceptors.startedAt"

// LoggingHandler logs message processing
type LoggingHandler struct {
	passive
	logger *slog.Logger
}

// NewLoggingHandler creates a new logging handler
func NewLoggingHandler(logger *slog.Logger) *LoggingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingHandler{logger: logger}
}

// HandleMessage implements messaging.ExchangeHandler
func (h *LoggingHandler) HandleMessage(ex *messaging.Exchange) error {
	msg := ex.Message()
	switch ex.Phase() {
	case messaging.PhaseIn:
		markStart(ex)
		h.logger.Info("processing exchange",
			"exchangeId", ex.ID(),
			"messageId", msg.ID(),
			"service", ex.Service().Name,
			"operation", ex.Operation().Name,
			"pattern", ex.Pattern().String(),
		)
	case messaging.PhaseOut:
		h.logger.Info("exchange replied",
			"exchangeId", ex.ID(),
			"messageId", msg.ID(),
			"service", ex.Service().Name,
			"duration", elapsed(ex),
		)
	}
	return nil
}

// Name implements Handler
func (h *LoggingHandler) Name() string {
	return "LoggingHandler"
}

// MetricsCollector receives handling measurements
type MetricsCollector interface {
	IncrementRequestCount(service, operation string)
	RecordHandlingTime(service, operation string, duration time.Duration)
}

// MetricsHandler records request counts and the time from request to reply
type MetricsHandler struct {
	passive
	collector MetricsCollector
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(collector MetricsCollector) *MetricsHandler {
	return &MetricsHandler{collector: collector}
}

// HandleMessage implements messaging.ExchangeHandler
func (h *MetricsHandler) HandleMessage(ex *messaging.Exchange) error {
	service, operation := ex.Service().Name, ex.Operation().Name
	switch ex.Phase() {
	case messaging.PhaseIn:
		markStart(ex)
		h.collector.IncrementRequestCount(service, operation)
	case messaging.PhaseOut:
		h.collector.RecordHandlingTime(service, operation, elapsed(ex))
	}
	return nil
}

// Name implements Handler
func (h *MetricsHandler) Name() string {
	return "MetricsHandler"
}

// MessageValidator validates request messages
type MessageValidator interface {
	Validate(ex *messaging.Exchange, msg *contracts.Message) error
}

// MessageValidatorFunc is a function adapter for MessageValidator
type MessageValidatorFunc func(ex *messaging.Exchange, msg *contracts.Message) error

// Validate implements MessageValidator
func (f MessageValidatorFunc) Validate(ex *messaging.Exchange, msg *contracts.Message) error {
	return f(ex, msg)
}

// ValidationHandler faults requests that fail validation
type ValidationHandler struct {
	passive
	validator MessageValidator
}

// NewValidationHandler creates a new validation handler
func NewValidationHandler(validator MessageValidator) *ValidationHandler {
	return &ValidationHandler{validator: validator}
}

// HandleMessage implements messaging.ExchangeHandler
func (h *ValidationHandler) HandleMessage(ex *messaging.Exchange) error {
	if ex.Phase() != messaging.PhaseIn {
		return nil
	}
	if err := h.validator.Validate(ex, ex.Message()); err != nil {
		return fmt.Errorf("message validation failed: %w", err)
	}
	return nil
}

// Name implements Handler
func (h *ValidationHandler) Name() string {
	return "ValidationHandler"
}

func markStart(ex *messaging.Exchange) {
	if _, ok := ex.Context().Property(startedAtProperty); ok {
		return
	}
	_, _ = ex.Context().SetPropertyWith(startedAtProperty, time.Now(), contracts.WithPrivate(true))
}

func elapsed(ex *messaging.Exchange) time.Duration {
	if started, ok := ex.Context().PropertyValue(startedAtProperty).(time.Time); ok {
		return time.Since(started)
	}
	return ex.Duration()
}

// ChainBuilder builds the handler list of a service
type ChainBuilder struct {
	handlers []messaging.ExchangeHandler
	logger   *slog.Logger
}

// NewChainBuilder creates a new builder
func NewChainBuilder(logger *slog.Logger) *ChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainBuilder{logger: logger}
}

// WithLogging adds a logging handler
func (b *ChainBuilder) WithLogging() *ChainBuilder {
	return b.WithCustom(NewLoggingHandler(b.logger))
}

// WithMetrics adds a metrics handler
func (b *ChainBuilder) WithMetrics(collector MetricsCollector) *ChainBuilder {
	return b.WithCustom(NewMetricsHandler(collector))
}

// WithValidation adds a validation handler
func (b *ChainBuilder) WithValidation(validator MessageValidator) *ChainBuilder {
	return b.WithCustom(NewValidationHandler(validator))
}

// WithTransform adds a content transform handler
func (b *ChainBuilder) WithTransform(in, out interface{}) *ChainBuilder {
	return b.WithCustom(NewTransformHandler(in, out))
}

// WithContextEnrichment adds a context enrichment handler
func (b *ChainBuilder) WithContextEnrichment(enricher ContextEnricher) *ChainBuilder {
	return b.WithCustom(NewContextEnrichmentHandler(enricher))
}

// WithCaching adds a caching handler
func (b *ChainBuilder) WithCaching(cache ReplyCache, key CacheKeyFunc) *ChainBuilder {
	return b.WithCustom(NewCachingHandler(cache, key))
}

// WithDuplicateDetection adds a duplicate detection handler
func (b *ChainBuilder) WithDuplicateDetection(detector DuplicateDetector) *ChainBuilder {
	return b.WithCustom(NewDuplicateDetectionHandler(detector))
}

// WithCustom adds any handler
func (b *ChainBuilder) WithCustom(handler messaging.ExchangeHandler) *ChainBuilder {
	if handler != nil {
		b.handlers = append(b.handlers, handler)
	}
	return b
}

// Build returns the handlers in request order
func (b *ChainBuilder) Build() []messaging.ExchangeHandler {
	return append([]messaging.ExchangeHandler(nil), b.handlers...)
}
