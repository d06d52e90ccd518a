package binding

import (
	"fmt"
	"regexp"

	"github.com/glimte/mmate-esb/contracts"
)

// ContextMapperConfig controls which headers a HeaderMapper maps.
// Patterns are regular expressions matched against the full header name.
type ContextMapperConfig struct {
	// Includes restricts mapping to matching names; empty maps everything
	Includes []string `yaml:"includes,omitempty"`
	// Excludes removes matching names in both directions
	Excludes []string `yaml:"excludes,omitempty"`
	// MessageScoped headers are stored in MESSAGE scope instead of EXCHANGE scope
	MessageScoped []string `yaml:"messageScoped,omitempty"`
	// Label is attached to every property created from a header
	Label string `yaml:"label,omitempty"`
}

// HeaderMapper maps the headers of a HeaderCarrier
type HeaderMapper struct {
	includes      []*regexp.Regexp
	excludes      []*regexp.Regexp
	messageScoped []*regexp.Regexp
	label         string
}

// NewHeaderMapper compiles a mapper configuration
func NewHeaderMapper(cfg ContextMapperConfig) (*HeaderMapper, error) {
	m := &HeaderMapper{label: cfg.Label}
	var err error
	if m.includes, err = compileAll(cfg.Includes); err != nil {
		return nil, err
	}
	if m.excludes, err = compileAll(cfg.Excludes); err != nil {
		return nil, err
	}
	if m.messageScoped, err = compileAll(cfg.MessageScoped); err != nil {
		return nil, err
	}
	return m, nil
}

// MustHeaderMapper is NewHeaderMapper for static configurations
func MustHeaderMapper(cfg ContextMapperConfig) *HeaderMapper {
	m, err := NewHeaderMapper(cfg)
	if err != nil {
		panic(err)
	}
	return m
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid header pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchesAny(patterns []*regexp.Regexp, name string) bool {
	for _, re := range patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Maps reports whether a header name passes the include and exclude patterns
func (m *HeaderMapper) Maps(name string) bool {
	if len(m.includes) > 0 && !matchesAny(m.includes, name) {
		return false
	}
	return !matchesAny(m.excludes, name)
}

// MapFrom implements ContextMapper
func (m *HeaderMapper) MapFrom(data BindingData, store contracts.PropertyStore) error {
	carrier, ok := data.(HeaderCarrier)
	if !ok {
		return nil
	}

	for _, name := range carrier.HeaderNames() {
		if !m.Maps(name) {
			continue
		}
		value, _ := carrier.Header(name)

		scope := contracts.ScopeExchange
		if matchesAny(m.messageScoped, name) {
			scope = contracts.ScopeMessage
		}
		opts := []contracts.PropertyOption{contracts.WithScope(scope)}
		if m.label != "" {
			opts = append(opts, contracts.WithLabels(m.label))
		}
		if _, err := store.SetPropertyWith(name, value, opts...); err != nil {
			return fmt.Errorf("failed to map header %s: %w", name, err)
		}
	}
	return nil
}

// MapTo implements ContextMapper. Callers pass only transportable properties.
func (m *HeaderMapper) MapTo(props []contracts.Property, data BindingData) error {
	carrier, ok := data.(HeaderCarrier)
	if !ok {
		return nil
	}

	for _, p := range props {
		if !m.Maps(p.Name) {
			continue
		}
		if err := carrier.SetHeader(p.Name, p.Value); err != nil {
			return fmt.Errorf("failed to write header %s: %w", p.Name, err)
		}
	}
	return nil
}
