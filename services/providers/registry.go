package providers

import (
	"fmt"
	"sync"

	"github.com/outfold/dispatch/services"
)

// AdapterFactory constructs an adapter instance from its resolved config.
// Construction may fail (typically a missing credential); the failure is
// surfaced as an auth-kind error, never a panic.
type AdapterFactory func(config Config) (Adapter, error)

type registration struct {
	descriptor Descriptor
	factory    AdapterFactory
	config     Config
}

// Registry holds provider registrations and lazily constructed adapters.
// Adapters are built on first Get and cached; Get is safe for concurrent use
// from multiple in-flight requests.
type Registry struct {
	mu            sync.RWMutex
	registrations map[string]*registration
	adapters      map[string]Adapter
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		registrations: make(map[string]*registration),
		adapters:      make(map[string]Adapter),
	}
}

// Register records a provider descriptor with its factory and construction
// config. The descriptor is immutable once registered.
func (r *Registry) Register(descriptor Descriptor, factory AdapterFactory, config Config) error {
	if descriptor.Name == "" {
		return services.NewDispatchError(services.ErrKindConfiguration, "provider name cannot be empty", nil)
	}
	if factory == nil {
		return services.NewDispatchError(services.ErrKindConfiguration, "adapter factory cannot be nil", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.registrations[descriptor.Name]; exists {
		return services.NewDispatchError(services.ErrKindConfiguration,
			fmt.Sprintf("provider %q already registered", descriptor.Name), nil)
	}

	r.registrations[descriptor.Name] = &registration{
		descriptor: descriptor,
		factory:    factory,
		config:     config,
	}
	return nil
}

// Get returns the adapter for name, constructing and caching it on first
// use. A factory failure is returned as an auth error and is not cached, so
// a later credential fix can succeed.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	if adapter, ok := r.adapters[name]; ok {
		r.mu.RUnlock()
		return adapter, nil
	}
	reg, ok := r.registrations[name]
	r.mu.RUnlock()

	if !ok {
		return nil, services.NewDispatchError(services.ErrKindConfiguration,
			fmt.Sprintf("provider %q not registered", name), services.ErrProviderNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another request may have constructed it while we upgraded the lock.
	if adapter, ok := r.adapters[name]; ok {
		return adapter, nil
	}

	adapter, err := reg.factory(reg.config)
	if err != nil {
		return nil, services.NewProviderError(services.ErrKindAuth, name,
			fmt.Sprintf("failed to construct adapter for %q", name), err)
	}

	r.adapters[name] = adapter
	return adapter, nil
}

// Descriptor returns the registered descriptor for name.
func (r *Registry) Descriptor(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.registrations[name]
	if !ok {
		return Descriptor{}, services.NewDispatchError(services.ErrKindConfiguration,
			fmt.Sprintf("provider %q not registered", name), services.ErrProviderNotFound)
	}
	return reg.descriptor, nil
}

// Has reports whether a provider is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.registrations[name]
	return ok
}

// List returns all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.registrations))
	for name := range r.registrations {
		names = append(names, name)
	}
	return names
}
