package contracts

import (
	"fmt"
	"strings"
)

// Scope determines how long a property stays visible.
type Scope int

const (
	// ScopeExchange properties live for the whole exchange and cross transport boundaries.
	ScopeExchange Scope = iota
	// ScopeMessage properties live only with one message copy.
	ScopeMessage
	// ScopeIn properties belong to the request message of an exchange.
	ScopeIn
	// ScopeOut properties belong to the reply message of an exchange.
	ScopeOut
)

var scopeNames = map[Scope]string{
	ScopeExchange: "EXCHANGE",
	ScopeMessage:  "MESSAGE",
	ScopeIn:       "IN",
	ScopeOut:      "OUT",
}

// String returns the upper-case scope name
func (s Scope) String() string {
	if name, ok := scopeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Scope(%d)", int(s))
}

// MessageLevel reports whether the scope is bound to a single message
func (s Scope) MessageLevel() bool {
	return s == ScopeMessage || s == ScopeIn || s == ScopeOut
}

// Valid reports whether s is one of the declared scopes
func (s Scope) Valid() bool {
	_, ok := scopeNames[s]
	return ok
}

// specificity orders scopes for shadowing; higher wins.
func (s Scope) specificity() int {
	if s.MessageLevel() {
		return 1
	}
	return 0
}

// ParseScope parses a scope name, case-insensitively
func ParseScope(name string) (Scope, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for scope, n := range scopeNames {
		if n == upper {
			return scope, nil
		}
	}
	return ScopeExchange, &InvalidArgumentError{Argument: "scope", Reason: fmt.Sprintf("unknown scope %q", name)}
}

// MarshalText implements encoding.TextMarshaler
func (s Scope) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, &InvalidArgumentError{Argument: "scope", Reason: s.String()}
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Scope) UnmarshalText(text []byte) error {
	parsed, err := ParseScope(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
