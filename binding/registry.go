package binding

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the composer of each binding type
type Registry struct {
	composers map[string]Composer
	mu        sync.RWMutex
}

// NewRegistry creates a registry holding composers
func NewRegistry(composers ...Composer) (*Registry, error) {
	r := &Registry{composers: make(map[string]Composer)}
	for _, c := range composers {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a composer under its binding type
func (r *Registry) Register(c Composer) error {
	if c == nil {
		return fmt.Errorf("composer cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.composers[c.BindingType()]; exists {
		return fmt.Errorf("%w: %s", ErrComposerExists, c.BindingType())
	}
	r.composers[c.BindingType()] = c
	return nil
}

// Composer returns the composer for a binding type
func (r *Registry) Composer(bindingType string) (Composer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.composers[bindingType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoComposer, bindingType)
	}
	return c, nil
}

// Types returns the registered binding types in order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.composers))
	for t := range r.composers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
