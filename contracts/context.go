package contracts

import (
	"sort"
)

// Context is a scoped property store. Names are unique within one Context.
type Context struct {
	defaultScope Scope
	properties   map[string]*Property
}

// NewContext creates an empty context whose new properties default to scope
func NewContext(defaultScope Scope) *Context {
	return &Context{
		defaultScope: defaultScope,
		properties:   make(map[string]*Property),
	}
}

// DefaultScope returns the scope given to properties set without one
func (c *Context) DefaultScope() Scope {
	return c.defaultScope
}

// Property returns the named property. With a scope, the property is only
// returned when it carries that scope.
func (c *Context) Property(name string, scope ...Scope) (Property, bool) {
	p, ok := c.properties[name]
	if !ok {
		return Property{}, false
	}
	if len(scope) > 0 && p.Scope != scope[0] {
		return Property{}, false
	}
	return p.clone(), true
}

// PropertyValue returns the named value, or nil when absent
func (c *Context) PropertyValue(name string) interface{} {
	if p, ok := c.properties[name]; ok {
		return p.Value
	}
	return nil
}

// SetProperty sets a value. Overwriting keeps the existing scope unless one is given.
func (c *Context) SetProperty(name string, value interface{}, scope ...Scope) (Property, error) {
	if len(scope) > 0 {
		return c.SetPropertyWith(name, value, WithScope(scope[0]))
	}
	return c.SetPropertyWith(name, value)
}

// SetPropertyWith sets a value and applies property options
func (c *Context) SetPropertyWith(name string, value interface{}, opts ...PropertyOption) (Property, error) {
	if name == "" {
		return Property{}, &InvalidArgumentError{Argument: "name", Reason: "property name must not be empty"}
	}

	var settings propertySettings
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.scope != nil && !settings.scope.Valid() {
		return Property{}, &InvalidArgumentError{Argument: "scope", Reason: settings.scope.String()}
	}

	p, exists := c.properties[name]
	if !exists {
		p = &Property{Name: name, Scope: c.defaultScope}
		c.properties[name] = p
	}

	p.Value = value
	if settings.scope != nil {
		p.Scope = *settings.scope
	}
	if settings.mustCopy != nil {
		p.MustCopy = *settings.mustCopy
	}
	if settings.private != nil {
		p.Private = *settings.private
	}
	if len(settings.labels) > 0 {
		*p = p.AddLabels(settings.labels...)
	}

	return p.clone(), nil
}

// Put stores a complete property record, replacing any property with the same name
func (c *Context) Put(p Property) error {
	if p.Name == "" {
		return &InvalidArgumentError{Argument: "name", Reason: "property name must not be empty"}
	}
	if !p.Scope.Valid() {
		return &InvalidArgumentError{Argument: "scope", Reason: p.Scope.String()}
	}
	stored := p.clone()
	c.properties[p.Name] = &stored
	return nil
}

// RemoveProperty deletes the named property and returns it
func (c *Context) RemoveProperty(name string) (Property, bool) {
	p, ok := c.properties[name]
	if !ok {
		return Property{}, false
	}
	delete(c.properties, name)
	return *p, true
}

// Properties returns a snapshot sorted by name, optionally restricted to scopes
func (c *Context) Properties(scope ...Scope) []Property {
	var filter PropertyFilter
	if len(scope) > 0 {
		filter = InScopes(scope...)
	}
	return c.Filter(filter)
}

// Filter returns a sorted snapshot of the properties accepted by filter; nil accepts all
func (c *Context) Filter(filter PropertyFilter) []Property {
	out := make([]Property, 0, len(c.properties))
	for _, p := range c.properties {
		if filter == nil || filter(*p) {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PropertiesWithLabel returns the properties carrying label
func (c *Context) PropertiesWithLabel(label string) []Property {
	return c.Filter(WithLabel(label))
}

// MergeInto copies the properties accepted by filter into target. Scope and
// flags are preserved; a nil filter copies everything.
func (c *Context) MergeInto(target PropertyStore, filter PropertyFilter) error {
	for _, p := range c.Filter(filter) {
		if err := target.Put(p); err != nil {
			return err
		}
	}
	return nil
}

// MergeTransportable copies only the properties allowed to cross a transport boundary
func (c *Context) MergeTransportable(target PropertyStore) error {
	return c.MergeInto(target, Transportable)
}

// Copy returns a context with the same properties and independent storage
func (c *Context) Copy() *Context {
	out := NewContext(c.defaultScope)
	for name, p := range c.properties {
		stored := p.clone()
		out.properties[name] = &stored
	}
	return out
}

// Len returns the number of properties
func (c *Context) Len() int {
	return len(c.properties)
}

// Clear removes every property
func (c *Context) Clear() {
	c.properties = make(map[string]*Property)
}
