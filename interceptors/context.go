package interceptors

import (
	"fmt"

	"github.com/glimte/mmate-esb/contracts"
	"github.com/glimte/mmate-esb/messaging"
)

// ContextEnricher adds properties to an exchange before the provider runs
type ContextEnricher interface {
	Enrich(ex *messaging.Exchange) error
}

// ContextEnricherFunc is a function adapter for ContextEnricher
type ContextEnricherFunc func(ex *messaging.Exchange) error

// Enrich implements ContextEnricher
func (f ContextEnricherFunc) Enrich(ex *messaging.Exchange) error {
	return f(ex)
}

// StaticEnricher sets fixed exchange-scoped properties.
// Existing properties are left alone unless Overwrite is set.
type StaticEnricher struct {
	Properties map[string]interface{}
	Labels     []string
	Overwrite  bool
}

// Enrich implements ContextEnricher
func (e StaticEnricher) Enrich(ex *messaging.Exchange) error {
	for name, value := range e.Properties {
		if _, exists := ex.Context().Property(name); exists && !e.Overwrite {
			continue
		}
		_, err := ex.Context().SetPropertyWith(name, value,
			contracts.WithScope(contracts.ScopeExchange),
			contracts.WithLabels(e.Labels...))
		if err != nil {
			return fmt.Errorf("failed to set property %s: %w", name, err)
		}
	}
	return nil
}

// ContextEnrichmentHandler runs an enricher on the request path
type ContextEnrichmentHandler struct {
	passive
	enricher ContextEnricher
}

// NewContextEnrichmentHandler creates a new context enrichment handler
func NewContextEnrichmentHandler(enricher ContextEnricher) *ContextEnrichmentHandler {
	return &ContextEnrichmentHandler{enricher: enricher}
}

// HandleMessage implements messaging.ExchangeHandler
func (h *ContextEnrichmentHandler) HandleMessage(ex *messaging.Exchange) error {
	if ex.Phase() != messaging.PhaseIn {
		return nil
	}
	return h.enricher.Enrich(ex)
}

// Name implements Handler
func (h *ContextEnrichmentHandler) Name() string {
	return "ContextEnrichmentHandler"
}
