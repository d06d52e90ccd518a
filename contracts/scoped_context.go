package contracts

import "sort"

// ScopedContext layers a message context over an exchange context.
// Unscoped lookups return the most specific property: a message-level
// property shadows an exchange property with the same name.
type ScopedContext struct {
	message  *Context
	exchange *Context
}

// NewScopedContext creates a view; message may be nil
func NewScopedContext(message, exchange *Context) *ScopedContext {
	if exchange == nil {
		exchange = NewContext(ScopeExchange)
	}
	return &ScopedContext{message: message, exchange: exchange}
}

// MessageContext returns the message layer, nil when the view has none
func (s *ScopedContext) MessageContext() *Context {
	return s.message
}

// ExchangeContext returns the exchange layer
func (s *ScopedContext) ExchangeContext() *Context {
	return s.exchange
}

func (s *ScopedContext) layerFor(scope Scope) *Context {
	if scope.MessageLevel() && s.message != nil {
		return s.message
	}
	return s.exchange
}

// Property returns the most specific property with the name. With a scope,
// only the layer owning that scope is searched.
func (s *ScopedContext) Property(name string, scope ...Scope) (Property, bool) {
	if len(scope) > 0 {
		return s.layerFor(scope[0]).Property(name, scope[0])
	}
	if s.message != nil {
		if p, ok := s.message.Property(name); ok {
			return p, true
		}
	}
	return s.exchange.Property(name)
}

// PropertyValue returns the most specific value, or nil
func (s *ScopedContext) PropertyValue(name string) interface{} {
	if p, ok := s.Property(name); ok {
		return p.Value
	}
	return nil
}

// SetProperty writes to the layer owning scope. Without a scope the visible
// property is overwritten in place; a new name lands on the message layer.
func (s *ScopedContext) SetProperty(name string, value interface{}, scope ...Scope) (Property, error) {
	if len(scope) > 0 {
		return s.SetPropertyWith(name, value, WithScope(scope[0]))
	}
	return s.SetPropertyWith(name, value)
}

// SetPropertyWith applies property options; WithScope selects the layer
func (s *ScopedContext) SetPropertyWith(name string, value interface{}, opts ...PropertyOption) (Property, error) {
	var settings propertySettings
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.scope != nil {
		return s.layerFor(*settings.scope).SetPropertyWith(name, value, opts...)
	}
	return s.visibleLayer(name).SetPropertyWith(name, value, opts...)
}

func (s *ScopedContext) visibleLayer(name string) *Context {
	if s.message != nil {
		if _, ok := s.message.Property(name); ok {
			return s.message
		}
	}
	if _, ok := s.exchange.Property(name); ok {
		return s.exchange
	}
	if s.message != nil {
		return s.message
	}
	return s.exchange
}

// Put stores p on the layer owning its scope
func (s *ScopedContext) Put(p Property) error {
	return s.layerFor(p.Scope).Put(p)
}

// RemoveProperty removes the most specific property, revealing any shadowed one
func (s *ScopedContext) RemoveProperty(name string) (Property, bool) {
	if s.message != nil {
		if p, ok := s.message.RemoveProperty(name); ok {
			return p, true
		}
	}
	return s.exchange.RemoveProperty(name)
}

// Properties returns the merged snapshot with shadowing applied
func (s *ScopedContext) Properties(scope ...Scope) []Property {
	merged := make(map[string]Property)
	for _, p := range s.exchange.Properties() {
		merged[p.Name] = p
	}
	if s.message != nil {
		for _, p := range s.message.Properties() {
			if existing, ok := merged[p.Name]; !ok || p.Scope.specificity() >= existing.Scope.specificity() {
				merged[p.Name] = p
			}
		}
	}

	var filter PropertyFilter
	if len(scope) > 0 {
		filter = InScopes(scope...)
	}
	out := make([]Property, 0, len(merged))
	for _, p := range merged {
		if filter == nil || filter(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Transportable returns the visible properties allowed to cross a transport boundary
func (s *ScopedContext) Transportable() []Property {
	out := make([]Property, 0)
	for _, p := range s.Properties() {
		if p.Propagates() {
			out = append(out, p)
		}
	}
	return out
}
