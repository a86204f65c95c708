package backend

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/nouveau/drm"
)

// registry holds registered kernels.
var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
	// Priority order for kernel selection (first available wins).
	// Native > Soft (Soft is the fallback that always works).
	backendPriority = []string{BackendNative, BackendSoft}
)

// Register registers a kernel factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it will be replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
}

// Available returns the registered backend names in sorted order.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := factories[name]
	return ok
}

// Open creates a kernel from the named backend.
func Open(name string) (drm.Kernel, error) {
	registryMu.RLock()
	factory, ok := factories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	return factory()
}

// Default opens the best available backend based on priority and returns
// its name. Backends that fail to open are skipped.
func Default() (drm.Kernel, string, error) {
	registryMu.RLock()
	order := slices.Clone(backendPriority)
	for name := range factories {
		if !slices.Contains(order, name) {
			order = append(order, name)
		}
	}
	registryMu.RUnlock()

	var errs []error
	for _, name := range order {
		if !IsRegistered(name) {
			continue
		}
		k, err := Open(name)
		if err == nil {
			return k, name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	if len(errs) == 0 {
		return nil, "", ErrBackendNotAvailable
	}
	return nil, "", fmt.Errorf("%w: %w", ErrBackendNotAvailable, errors.Join(errs...))
}
