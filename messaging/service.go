package messaging

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// Operation describes one operation of a service interface
type Operation struct {
	Name       string
	Pattern    Pattern
	InputType  string
	OutputType string
	FaultType  string
}

// ServiceInterface lists the operations a service offers.
// An empty interface accepts any operation name.
type ServiceInterface struct {
	Operations []Operation
}

// Operation resolves an operation by name.
// An empty name selects the only operation of a single-operation interface.
func (i ServiceInterface) Operation(name string) (Operation, bool) {
	if name == "" {
		if len(i.Operations) == 1 {
			return i.Operations[0], true
		}
		return Operation{}, false
	}
	for _, op := range i.Operations {
		if op.Name == name {
			return op, true
		}
	}
	return Operation{}, false
}

// OperationNames returns the declared operation names
func (i ServiceInterface) OperationNames() []string {
	names := make([]string, 0, len(i.Operations))
	for _, op := range i.Operations {
		names = append(names, op.Name)
	}
	return names
}

// Service is a named, versioned provider registered with a domain
type Service struct {
	Name      string
	Version   string
	Interface ServiceInterface
	// Handlers run in order before Provider on the request path
	// and in reverse order on the reply path.
	Handlers []ExchangeHandler
	Provider ExchangeHandler
	Metadata map[string]string

	version *semver.Version
}

// String returns name@version
func (s *Service) String() string {
	if s.Version == "" {
		return s.Name
	}
	return s.Name + "@" + s.Version
}

// ServiceReference addresses a service by name and optional version constraint
type ServiceReference struct {
	Name      string
	Version   string
	Operation string
}

// String returns name[@version][#operation]
func (r ServiceReference) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	if r.Version != "" {
		b.WriteString("@")
		b.WriteString(r.Version)
	}
	if r.Operation != "" {
		b.WriteString("#")
		b.WriteString(r.Operation)
	}
	return b.String()
}

// ServiceRegistry holds the services of a domain.
// It is populated at activation time and read concurrently afterwards.
type ServiceRegistry struct {
	services map[string][]*Service
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewServiceRegistry creates an empty registry
func NewServiceRegistry(logger *slog.Logger) *ServiceRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServiceRegistry{
		services: make(map[string][]*Service),
		logger:   logger,
	}
}

// Register adds a service
func (r *ServiceRegistry) Register(svc *Service) error {
	if svc == nil {
		return fmt.Errorf("service cannot be nil")
	}
	if svc.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if svc.Provider == nil {
		return fmt.Errorf("service %s has no provider", svc.Name)
	}
	if svc.Version != "" {
		v, err := semver.NewVersion(svc.Version)
		if err != nil {
			return fmt.Errorf("service %s has invalid version %q: %w", svc.Name, svc.Version, err)
		}
		svc.version = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.services[svc.Name] {
		if existing.Version == svc.Version {
			return fmt.Errorf("%w: %s", ErrServiceExists, svc)
		}
	}
	r.services[svc.Name] = append(r.services[svc.Name], svc)

	r.logger.Info("registered service",
		"service", svc.Name,
		"version", svc.Version,
		"operations", svc.Interface.OperationNames())
	return nil
}

// Unregister removes a service version
func (r *ServiceRegistry) Unregister(name, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.services[name]
	for i, svc := range versions {
		if svc.Version == version {
			r.services[name] = append(versions[:i:i], versions[i+1:]...)
			if len(r.services[name]) == 0 {
				delete(r.services, name)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrServiceNotFound, ServiceReference{Name: name, Version: version})
}

// Lookup resolves a reference to the highest registered version satisfying it.
// A version that is not a semver constraint must match exactly.
func (r *ServiceRegistry) Lookup(ref ServiceReference) (*Service, error) {
	r.mu.RLock()
	candidates := append([]*Service(nil), r.services[ref.Name]...)
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, ref)
	}

	var constraint *semver.Constraints
	if ref.Version != "" {
		c, err := semver.NewConstraint(ref.Version)
		if err == nil {
			constraint = c
		}
	}

	var best *Service
	for _, svc := range candidates {
		if !matchesVersion(svc, ref.Version, constraint) {
			continue
		}
		if best == nil || newerThan(svc, best) {
			best = svc
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, ref)
	}
	return best, nil
}

// Services returns all registered services ordered by name and version
func (r *ServiceRegistry) Services() []*Service {
	r.mu.RLock()
	all := make([]*Service, 0, len(r.services))
	for _, versions := range r.services {
		all = append(all, versions...)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		return newerThan(all[j], all[i])
	})
	return all
}

func matchesVersion(svc *Service, requested string, constraint *semver.Constraints) bool {
	if requested == "" {
		return true
	}
	if svc.Version == requested {
		return true
	}
	if constraint == nil || svc.version == nil {
		return false
	}
	return constraint.Check(svc.version)
}

func newerThan(a, b *Service) bool {
	switch {
	case a.version == nil:
		return false
	case b.version == nil:
		return true
	default:
		return a.version.GreaterThan(b.version)
	}
}
