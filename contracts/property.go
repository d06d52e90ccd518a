package contracts

// Property is a named value stored in a Context
type Property struct {
	Name     string
	Value    interface{}
	Scope    Scope
	Labels   []string
	MustCopy bool // Propagate across transport boundaries regardless of scope
	Private  bool // Never propagate across transport boundaries
}

// Propagates reports whether the property may cross a transport boundary
func (p Property) Propagates() bool {
	if p.Private {
		return false
	}
	return p.Scope == ScopeExchange || p.MustCopy
}

// HasLabel reports whether the property carries the given label
func (p Property) HasLabel(label string) bool {
	for _, l := range p.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// AddLabels returns a copy of the property with the labels added once each
func (p Property) AddLabels(labels ...string) Property {
	out := p.clone()
	for _, label := range labels {
		if label != "" && !out.HasLabel(label) {
			out.Labels = append(out.Labels, label)
		}
	}
	return out
}

func (p Property) clone() Property {
	if p.Labels != nil {
		labels := make([]string, len(p.Labels))
		copy(labels, p.Labels)
		p.Labels = labels
	}
	return p
}

// PropertyOption adjusts a property while it is being set
type PropertyOption func(*propertySettings)

type propertySettings struct {
	scope    *Scope
	mustCopy *bool
	private  *bool
	labels   []string
}

// WithScope sets or re-labels the property scope
func WithScope(scope Scope) PropertyOption {
	return func(s *propertySettings) {
		s.scope = &scope
	}
}

// WithMustCopy marks the property as copied across transports
func WithMustCopy(mustCopy bool) PropertyOption {
	return func(s *propertySettings) {
		s.mustCopy = &mustCopy
	}
}

// WithPrivate marks the property as never leaving the bus
func WithPrivate(private bool) PropertyOption {
	return func(s *propertySettings) {
		s.private = &private
	}
}

// WithLabels attaches labels to the property
func WithLabels(labels ...string) PropertyOption {
	return func(s *propertySettings) {
		s.labels = append(s.labels, labels...)
	}
}

// PropertyFilter selects properties during merges and snapshots
type PropertyFilter func(Property) bool

// Transportable selects properties allowed to cross a transport boundary
func Transportable(p Property) bool {
	return p.Propagates()
}

// InScopes selects properties whose scope is one of scopes
func InScopes(scopes ...Scope) PropertyFilter {
	return func(p Property) bool {
		for _, s := range scopes {
			if p.Scope == s {
				return true
			}
		}
		return false
	}
}

// WithLabel selects properties carrying label
func WithLabel(label string) PropertyFilter {
	return func(p Property) bool {
		return p.HasLabel(label)
	}
}

// PropertyStore is implemented by Context and ScopedContext
type PropertyStore interface {
	Property(name string, scope ...Scope) (Property, bool)
	SetProperty(name string, value interface{}, scope ...Scope) (Property, error)
	SetPropertyWith(name string, value interface{}, opts ...PropertyOption) (Property, error)
	RemoveProperty(name string) (Property, bool)
	Properties(scope ...Scope) []Property
	Put(p Property) error
}
